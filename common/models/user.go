package models

import "time"

// Role is the closed set of principal roles
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOps      Role = "ops"
	RoleApprover Role = "approver"
	RoleAdmin    Role = "admin"
	RoleAgent    Role = "agent"
	RoleSystem   Role = "system"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RoleViewer, RoleOps, RoleApprover, RoleAdmin, RoleAgent, RoleSystem:
		return true
	}
	return false
}

// AuthMethod records how a principal authenticated
type AuthMethod string

const (
	AuthSmartcard AuthMethod = "smartcard"
	AuthNative    AuthMethod = "native"
	AuthProxy     AuthMethod = "proxy"
	AuthToken     AuthMethod = "token"
)

// StrongAuthMethods are trusted as admin-equivalent by policy: the
// front-door proxy only sets these after certificate or native auth.
func (m AuthMethod) Strong() bool {
	switch m {
	case AuthSmartcard, AuthNative, AuthProxy:
		return true
	}
	return false
}

// User is a known principal, created on first authenticated arrival
type User struct {
	UserID     int64      `json:"user_id"`
	Username   string     `json:"username"`
	Role       Role       `json:"role"`
	Email      string     `json:"email,omitempty"`
	FullName   string     `json:"full_name,omitempty"`
	AuthMethod AuthMethod `json:"auth_method,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// EnvAccess is one environment grant for a user. Environment may be
// the wildcard "*", which subsumes every concrete environment.
type EnvAccess struct {
	UserID      int64     `json:"user_id"`
	Username    string    `json:"username,omitempty"`
	Environment string    `json:"environment"`
	GrantedBy   string    `json:"granted_by"`
	GrantedAt   time.Time `json:"granted_at"`
}

// Token is a long-lived bearer credential; revocation is soft
type Token struct {
	ID        int64     `json:"id"`
	Value     string    `json:"value,omitempty"`
	Role      Role      `json:"role"`
	TokenName string    `json:"token_name"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
}

// Principal is the authenticated caller of an operation
type Principal struct {
	UserID     int64      `json:"user_id,omitempty"`
	Username   string     `json:"username"`
	Role       Role       `json:"role"`
	AuthMethod AuthMethod `json:"auth_method"`
	Email      string     `json:"email,omitempty"`
	FullName   string     `json:"full_name,omitempty"`
	// CertDN is set for smartcard principals only
	CertDN string `json:"cert_dn,omitempty"`
	Domain string `json:"domain,omitempty"`
}

// IsAdmin reports whether the principal is admitted to admin endpoints:
// role admin, or any strongly authenticated caller by policy.
func (p *Principal) IsAdmin() bool {
	return p.Role == RoleAdmin || p.AuthMethod.Strong()
}

// IsApprover reports whether the principal may approve workflows
func (p *Principal) IsApprover() bool {
	return p.Role == RoleApprover || p.Role == RoleAdmin || p.AuthMethod.Strong()
}
