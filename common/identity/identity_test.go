package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "jdoe", "jdoe"},
		{"surrounding quotes", `"jdoe"`, "jdoe"},
		{"single quotes", "'jdoe'", "jdoe"},
		{"trailing annotation", "jdoe (affiliate)", "jdoe"},
		{"domain backslash", `CORP\jdoe`, "jdoe"},
		{"upn realm", "jdoe@corp.example.com", "jdoe"},
		{"leading residue", `n\jdoe`, "jdoe"},
		{"whitespace collapse", "john   doe", "john doe"},
		{"combined", `"CORP\john.doe (contractor)"`, "john.doe"},
		{"empty", "", ""},
		{"spaces only", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		`CORP\jdoe`,
		"jdoe@corp.example.com",
		`"j doe (x)"`,
		"  a   b  c ",
		"plain_user",
	}
	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "input %q", in)
	}
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "John Doe", DisplayName("john.doe"))
	assert.Equal(t, "Jane Q Public", DisplayName("jane_q_public"))
	assert.Equal(t, "Jdoe", DisplayName("JDOE"))
	assert.Equal(t, "", DisplayName(""))
}
