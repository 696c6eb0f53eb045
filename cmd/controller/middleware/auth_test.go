package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailganti/opsconductor/common/apperr"
	"github.com/mailganti/opsconductor/common/config"
	"github.com/mailganti/opsconductor/common/logger"
	"github.com/mailganti/opsconductor/common/models"
	"github.com/mailganti/opsconductor/common/repository"
)

type memUserStore struct {
	nextID int64
	users  map[string]*models.User
}

func newMemUserStore() *memUserStore {
	return &memUserStore{nextID: 1, users: map[string]*models.User{}}
}

func (s *memUserStore) GetByUsername(_ context.Context, username string) (*models.User, error) {
	u, ok := s.users[username]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (s *memUserStore) Ensure(_ context.Context, u *models.User) (*models.User, error) {
	if existing, ok := s.users[u.Username]; ok {
		copied := *existing
		return &copied, nil
	}
	copied := *u
	copied.UserID = s.nextID
	s.nextID++
	s.users[u.Username] = &copied
	out := copied
	return &out, nil
}

type memTokenStore struct {
	tokens map[string]*models.Token
}

func (s *memTokenStore) Lookup(_ context.Context, value string) (*models.Token, error) {
	t, ok := s.tokens[value]
	if !ok || t.Revoked {
		return nil, repository.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

type authFixture struct {
	auth   *Auth
	users  *memUserStore
	tokens *memTokenStore
}

func newAuthFixture() *authFixture {
	users := newMemUserStore()
	tokens := &memTokenStore{tokens: map[string]*models.Token{}}

	cfg := &config.Config{}
	cfg.Auth.DefaultRole = "viewer"
	cfg.Auth.ApproverJWTSecret = testSecret

	return &authFixture{
		auth:   NewAuth(users, tokens, cfg, logger.New("error", "text")),
		users:  users,
		tokens: tokens,
	}
}

// runVerify drives the Verify middleware and returns the principal the
// inner handler observed, or the error Verify returned.
func runVerify(fx *authFixture, headers map[string]string) (*models.Principal, error) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	c := e.NewContext(req, httptest.NewRecorder())

	var seen *models.Principal
	handler := fx.auth.Verify(func(c echo.Context) error {
		seen = Principal(c)
		return nil
	})
	err := handler(c)
	return seen, err
}

func TestVerifyNoCredentials(t *testing.T) {
	fx := newAuthFixture()
	_, err := runVerify(fx, nil)
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized))
}

func TestVerifyHeaderIdentityCreatesUser(t *testing.T) {
	fx := newAuthFixture()

	p, err := runVerify(fx, map[string]string{
		"X-Client-Cert-CN": `CORP\jane.doe`,
		"X-Auth-Method":    "smartcard",
		"X-Client-Cert-DN": "CN=jane.doe,OU=operations,O=Acme",
	})
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.Equal(t, "jane.doe", p.Username)
	assert.Equal(t, models.RoleOps, p.Role)
	assert.Equal(t, models.AuthSmartcard, p.AuthMethod)
	assert.Equal(t, "Jane Doe", fx.users.users["jane.doe"].FullName)
}

func TestVerifyHeaderPrecedence(t *testing.T) {
	fx := newAuthFixture()

	p, err := runVerify(fx, map[string]string{
		"X-Auth-User":      "alice",
		"X-Client-Cert-CN": "bob",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username)
}

func TestVerifyExistingUserKeepsRole(t *testing.T) {
	fx := newAuthFixture()
	fx.users.users["jane.doe"] = &models.User{UserID: 7, Username: "jane.doe", Role: models.RoleAdmin}

	p, err := runVerify(fx, map[string]string{"X-Auth-User": "jane.doe"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), p.UserID)
	assert.Equal(t, models.RoleAdmin, p.Role)
	// No X-Auth-Method header means the proxy vouched for the identity
	assert.Equal(t, models.AuthProxy, p.AuthMethod)
}

func TestVerifyUnknownDNGetsDefaultRole(t *testing.T) {
	fx := newAuthFixture()

	p, err := runVerify(fx, map[string]string{
		"X-Auth-User":      "new.user",
		"X-Client-Cert-DN": "CN=new.user,OU=contractors",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RoleViewer, p.Role)
}

func TestVerifyAdminToken(t *testing.T) {
	fx := newAuthFixture()
	fx.tokens.tokens["tok-admin"] = &models.Token{Value: "tok-admin", Role: models.RoleAdmin, TokenName: "ci"}

	p, err := runVerify(fx, map[string]string{"X-Admin-Token": "tok-admin"})
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, p.Role)
	assert.Equal(t, models.AuthToken, p.AuthMethod)
	// A user row exists for the ACL to attach to
	assert.NotZero(t, p.UserID)
}

func TestVerifyAgentTokenRoleMismatch(t *testing.T) {
	fx := newAuthFixture()
	fx.tokens.tokens["tok-agent"] = &models.Token{Value: "tok-agent", Role: models.RoleAgent, TokenName: "web-01"}

	// An agent token presented as an admin token is refused
	_, err := runVerify(fx, map[string]string{"X-Admin-Token": "tok-agent"})
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized))

	p, err := runVerify(fx, map[string]string{"X-Agent-Token": "tok-agent"})
	require.NoError(t, err)
	assert.Equal(t, models.RoleAgent, p.Role)
	assert.Zero(t, p.UserID)
}

func TestVerifyRevokedToken(t *testing.T) {
	fx := newAuthFixture()
	fx.tokens.tokens["tok-old"] = &models.Token{Value: "tok-old", Role: models.RoleAdmin, TokenName: "ci", Revoked: true}

	_, err := runVerify(fx, map[string]string{"X-Admin-Token": "tok-old"})
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized))
}

func runGate(gate func(echo.HandlerFunc) echo.HandlerFunc, p *models.Principal) error {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if p != nil {
		c.Set(principalKey, p)
	}
	return gate(func(echo.Context) error { return nil })(c)
}

func TestRoleGates(t *testing.T) {
	fx := newAuthFixture()

	viewer := &models.Principal{Username: "v", Role: models.RoleViewer, AuthMethod: models.AuthToken}
	admin := &models.Principal{Username: "a", Role: models.RoleAdmin, AuthMethod: models.AuthToken}
	approver := &models.Principal{Username: "p", Role: models.RoleApprover, AuthMethod: models.AuthToken}
	smartcard := &models.Principal{Username: "s", Role: models.RoleViewer, AuthMethod: models.AuthSmartcard}
	agent := &models.Principal{Username: "web-01", Role: models.RoleAgent, AuthMethod: models.AuthToken}

	assert.Error(t, runGate(fx.auth.RequireAdmin, nil))
	assert.Error(t, runGate(fx.auth.RequireAdmin, viewer))
	assert.NoError(t, runGate(fx.auth.RequireAdmin, admin))
	// Strong auth is admin-equivalent by policy
	assert.NoError(t, runGate(fx.auth.RequireAdmin, smartcard))

	assert.Error(t, runGate(fx.auth.RequireApprover, viewer))
	assert.NoError(t, runGate(fx.auth.RequireApprover, approver))
	assert.NoError(t, runGate(fx.auth.RequireApprover, admin))

	assert.Error(t, runGate(fx.auth.RequireAgent, admin))
	assert.NoError(t, runGate(fx.auth.RequireAgent, agent))
}

func TestRequireApproverJWT(t *testing.T) {
	fx := newAuthFixture()

	token, err := SignApproverJWT(testSecret, `CORP\bob`, time.Hour)
	require.NoError(t, err)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/workflows/wf_1/reexec/approve", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	c := e.NewContext(req, httptest.NewRecorder())

	var seen *models.Principal
	handler := fx.auth.RequireApproverJWT(func(c echo.Context) error {
		seen = Principal(c)
		return nil
	})
	require.NoError(t, handler(c))
	require.NotNil(t, seen)
	assert.Equal(t, "bob", seen.Username)
	assert.Equal(t, models.RoleApprover, seen.Role)

	// Missing or malformed bearer tokens are refused
	bad := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())
	err = fx.auth.RequireApproverJWT(func(echo.Context) error { return nil })(bad)
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized))
}
