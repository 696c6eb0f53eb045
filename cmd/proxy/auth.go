package main

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/mailganti/opsconductor/common/models"
)

const sessionCookieName = "proxy_session"

// identity is the authenticated caller as injected into backend headers.
// Exactly one auth path populates it per request: client certificate,
// session cookie, or the native challenge exchange.
type identity struct {
	CN         string
	CertDN     string
	AuthMethod string
	Username   string
	Domain     string
}

// identityFromCert builds an identity from a verified peer certificate
func identityFromCert(state tls.ConnectionState) *identity {
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	cert := state.PeerCertificates[0]
	cn := strings.TrimSpace(cert.Subject.CommonName)
	if cn == "" {
		return nil
	}
	return &identity{
		CN:         cn,
		CertDN:     canonicalDN(cert.Subject),
		AuthMethod: string(models.AuthSmartcard),
		Username:   cn,
	}
}

// identityFromSession rebuilds an identity from a stored session
func identityFromSession(s *models.Session) *identity {
	return &identity{
		CN:         s.Username,
		CertDN:     s.CertDN,
		AuthMethod: string(s.AuthMethod),
		Username:   s.Username,
		Domain:     s.Domain,
	}
}

// identityFromNative builds an identity from a completed challenge
// exchange. The asserted DOMAIN\user pair becomes the CN.
func identityFromNative(user, domain string) *identity {
	cn := user
	if domain != "" {
		cn = domain + "\\" + user
	}
	return &identity{
		CN:         cn,
		AuthMethod: string(models.AuthNative),
		Username:   user,
		Domain:     domain,
	}
}

// canonicalDN renders a subject as comma-separated RDNs, most specific
// first, matching the OU= components role mapping downstream expects.
func canonicalDN(subject pkix.Name) string {
	var parts []string
	if subject.CommonName != "" {
		parts = append(parts, "CN="+subject.CommonName)
	}
	for _, ou := range subject.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	for _, o := range subject.Organization {
		parts = append(parts, "O="+o)
	}
	for _, c := range subject.Country {
		parts = append(parts, "C="+c)
	}
	return strings.Join(parts, ",")
}

// sessionIDFromRequest extracts the proxy session cookie value, if any
func sessionIDFromRequest(req *http.Request) string {
	cookie, err := req.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// newSessionID returns a 256-bit random hex session identifier
func newSessionID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// sessionCookie formats the Set-Cookie value for a new session
func sessionCookie(sessionID string) string {
	return fmt.Sprintf("%s=%s; Path=/; HttpOnly; Secure; SameSite=Lax", sessionCookieName, sessionID)
}
