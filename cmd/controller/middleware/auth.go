// Package middleware resolves the calling principal for every
// protected endpoint and gates routes by role.
package middleware

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mailganti/opsconductor/common/apperr"
	"github.com/mailganti/opsconductor/common/config"
	"github.com/mailganti/opsconductor/common/identity"
	"github.com/mailganti/opsconductor/common/logger"
	"github.com/mailganti/opsconductor/common/models"
	"github.com/mailganti/opsconductor/common/repository"
)

const principalKey = "principal"

// Identity headers the front-door proxy injects, in precedence order
var identityHeaders = []string{
	"X-Auth-User",
	"X-Client-Cert-CN",
	"X-Forwarded-User",
	"X-Remote-User",
}

// ouRoleMap derives a role from the organizational units in a client
// certificate DN when a user arrives for the first time.
var ouRoleMap = map[string]models.Role{
	"admins":     models.RoleAdmin,
	"operations": models.RoleOps,
	"approvers":  models.RoleApprover,
}

// UserStore is the user lookup surface the resolver needs
type UserStore interface {
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	Ensure(ctx context.Context, u *models.User) (*models.User, error)
}

// TokenStore resolves bearer token values
type TokenStore interface {
	Lookup(ctx context.Context, value string) (*models.Token, error)
}

// Auth is the request principal resolver
type Auth struct {
	users  UserStore
	tokens TokenStore
	cfg    *config.Config
	log    *logger.Logger
}

// NewAuth creates the resolver
func NewAuth(users UserStore, tokens TokenStore, cfg *config.Config, log *logger.Logger) *Auth {
	return &Auth{users: users, tokens: tokens, cfg: cfg, log: log}
}

// Principal extracts the resolved principal from the echo context
func Principal(c echo.Context) *models.Principal {
	p, _ := c.Get(principalKey).(*models.Principal)
	return p
}

// Verify authenticates the request: proxy identity headers first, then
// an admin token, then an agent token.
func (a *Auth) Verify(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		p, err := a.resolve(c)
		if err != nil {
			return err
		}
		c.Set(principalKey, p)
		return next(c)
	}
}

func (a *Auth) resolve(c echo.Context) (*models.Principal, error) {
	ctx := c.Request().Context()
	header := c.Request().Header

	for _, h := range identityHeaders {
		if raw := header.Get(h); raw != "" {
			return a.resolveHeaderIdentity(ctx, c, raw)
		}
	}

	if v := header.Get("X-Admin-Token"); v != "" {
		return a.resolveToken(ctx, v, models.RoleAdmin)
	}
	if v := header.Get("X-Agent-Token"); v != "" {
		return a.resolveToken(ctx, v, models.RoleAgent)
	}

	return nil, apperr.Unauthorized("Missing or invalid credentials")
}

// resolveHeaderIdentity merges a proxy-authenticated identity with the
// users table, creating the user on first arrival.
func (a *Auth) resolveHeaderIdentity(ctx context.Context, c echo.Context, raw string) (*models.Principal, error) {
	normalized := identity.Normalize(raw)
	if normalized == "" {
		return nil, apperr.Unauthorized("Empty identity after normalization")
	}

	authMethod := models.AuthMethod(c.Request().Header.Get("X-Auth-Method"))
	if !authMethod.Strong() {
		authMethod = models.AuthProxy
	}
	certDN := c.Request().Header.Get("X-Client-Cert-DN")

	user, err := a.users.GetByUsername(ctx, normalized)
	if err != nil && errors.Is(err, repository.ErrNotFound) && raw != normalized {
		user, err = a.users.GetByUsername(ctx, raw)
	}
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		user, err = a.users.Ensure(ctx, &models.User{
			Username:   normalized,
			Role:       a.roleFromDN(certDN),
			FullName:   identity.DisplayName(normalized),
			AuthMethod: authMethod,
		})
		if err != nil {
			return nil, err
		}
		a.log.Info("user auto-created on first arrival",
			"username", user.Username, "role", user.Role, "auth_method", authMethod)
	}

	return &models.Principal{
		UserID:     user.UserID,
		Username:   user.Username,
		Role:       user.Role,
		AuthMethod: authMethod,
		Email:      user.Email,
		FullName:   user.FullName,
		CertDN:     certDN,
	}, nil
}

func (a *Auth) resolveToken(ctx context.Context, value string, want models.Role) (*models.Principal, error) {
	token, err := a.tokens.Lookup(ctx, value)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Unauthorized("Invalid or revoked token")
		}
		return nil, err
	}
	if token.Role != want {
		return nil, apperr.Unauthorized("Token role '%s' not valid here", token.Role)
	}

	p := &models.Principal{
		Username:   token.TokenName,
		Role:       token.Role,
		AuthMethod: models.AuthToken,
	}
	if token.Role != models.RoleAgent {
		// Token principals that act on the registry need a user row for
		// the env ACL to attach to.
		user, err := a.users.Ensure(ctx, &models.User{
			Username:   token.TokenName,
			Role:       token.Role,
			AuthMethod: models.AuthToken,
		})
		if err != nil {
			return nil, err
		}
		p.UserID = user.UserID
	}
	return p, nil
}

// roleFromDN derives a role from OU components of a certificate DN
func (a *Auth) roleFromDN(dn string) models.Role {
	for _, part := range strings.Split(dn, ",") {
		part = strings.TrimSpace(part)
		if rest, ok := strings.CutPrefix(part, "OU="); ok {
			if role, ok := ouRoleMap[strings.ToLower(rest)]; ok {
				return role
			}
		}
	}
	return models.Role(a.cfg.Auth.DefaultRole)
}

// RequireAdmin admits admins and strongly authenticated callers
func (a *Auth) RequireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		p := Principal(c)
		if p == nil || !p.IsAdmin() {
			return apperr.Forbidden("Admin access required")
		}
		return next(c)
	}
}

// RequireApprover admits approvers, admins and strongly authenticated callers
func (a *Auth) RequireApprover(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		p := Principal(c)
		if p == nil || !p.IsApprover() {
			return apperr.Forbidden("Approver access required")
		}
		return next(c)
	}
}

// RequireAgent admits only agent-token principals
func (a *Auth) RequireAgent(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		p := Principal(c)
		if p == nil || p.Role != models.RoleAgent {
			return apperr.Forbidden("Agent token required")
		}
		return next(c)
	}
}

// RequireApproverJWT authenticates the reexec approval endpoint with a
// bearer HS256 token instead of the regular resolver.
func (a *Auth) RequireApproverJWT(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return apperr.Unauthorized("Approver token required")
		}

		subject, err := VerifyApproverJWT(a.cfg.Auth.ApproverJWTSecret, token, time.Now())
		if err != nil {
			return apperr.Unauthorized("Invalid approver token: %v", err)
		}

		c.Set(principalKey, &models.Principal{
			Username:   identity.Normalize(subject),
			Role:       models.RoleApprover,
			AuthMethod: models.AuthToken,
		})
		return next(c)
	}
}
