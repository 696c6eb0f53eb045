package models

import "time"

// Session is the proxy-side record behind a proxy_session cookie.
// ExpiresAt slides forward on every authenticated request.
type Session struct {
	SessionID  string     `json:"session_id"`
	Username   string     `json:"username"`
	Domain     string     `json:"domain,omitempty"`
	AuthMethod AuthMethod `json:"auth_method"`
	CertDN     string     `json:"cert_dn,omitempty"`
	IP         string     `json:"ip,omitempty"`
	UserAgent  string     `json:"user_agent,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
}
