// Package identity canonicalizes caller-supplied identity strings so the
// same person arriving via client certificate, native auth, or proxy
// headers always maps to one username.
package identity

import (
	"regexp"
	"strings"
)

var (
	trailingParenRe  = regexp.MustCompile(`\s*\([^)]*\)\s*$`)
	leadingResidueRe = regexp.MustCompile(`^[A-Za-z]\\`)
	whitespaceRe     = regexp.MustCompile(`\s+`)
)

// Normalize transforms any identity string into a canonical username.
// Rules applied in order: strip surrounding quotes, strip a trailing
// "(...)" annotation, take the user part of DOMAIN\user and user@realm,
// drop a leading single-letter backslash residue, collapse whitespace.
// Idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)

	s = strings.Trim(s, `"'`)
	s = trailingParenRe.ReplaceAllString(s, "")

	if i := strings.LastIndex(s, `\`); i >= 0 && i < len(s)-1 {
		s = s[i+1:]
	}
	if i := strings.Index(s, "@"); i > 0 {
		s = s[:i]
	}
	s = leadingResidueRe.ReplaceAllString(s, "")

	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// DisplayName derives a human-readable name from a username: dots and
// underscores become spaces and each word is title-cased. Used when a
// user record is auto-created on first arrival.
func DisplayName(username string) string {
	s := strings.NewReplacer(".", " ", "_", " ").Replace(username)
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}
