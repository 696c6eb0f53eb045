package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	cfg := &Config{
		Backends: map[string]*Backend{
			"api": {
				ID:         "api",
				Host:       "controller",
				Port:       8000,
				PathPrefix: "/api",
			},
			"reports": {
				ID:          "reports",
				Host:        "controller",
				Port:        8000,
				PathPrefix:  "/api/reports",
				StripPrefix: true,
				Websocket:   true,
			},
			"ui": {
				ID:         "ui",
				Host:       "dashboard",
				Port:       3000,
				PathPrefix: "/",
			},
		},
	}
	return cfg
}

func TestRouteLongestPrefixWins(t *testing.T) {
	r := NewRouter(testConfig())

	b, ok := r.Route("/api/reports/run-abc/stream")
	require.True(t, ok)
	assert.Equal(t, "reports", b.ID)

	b, ok = r.Route("/api/workflows")
	require.True(t, ok)
	assert.Equal(t, "api", b.ID)

	b, ok = r.Route("/index.html")
	require.True(t, ok)
	assert.Equal(t, "ui", b.ID)
}

func TestRouteMissWithoutDefault(t *testing.T) {
	cfg := testConfig()
	delete(cfg.Backends, "ui")
	r := NewRouter(cfg)

	_, ok := r.Route("/nothing")
	assert.False(t, ok)
}

func TestRouteMissFallsBackToDefault(t *testing.T) {
	cfg := testConfig()
	delete(cfg.Backends, "ui")
	cfg.DefaultBackend = "api"
	r := NewRouter(cfg)

	b, ok := r.Route("/nothing")
	require.True(t, ok)
	assert.Equal(t, "api", b.ID)
}

func TestRewritePath(t *testing.T) {
	keep := &Backend{PathPrefix: "/api"}
	assert.Equal(t, "/api/workflows", RewritePath(keep, "/api/workflows"))

	strip := &Backend{PathPrefix: "/api/reports", StripPrefix: true}
	assert.Equal(t, "/run-abc/stream", RewritePath(strip, "/api/reports/run-abc/stream"))

	// Stripping the whole path still yields a rooted path
	assert.Equal(t, "/", RewritePath(strip, "/api/reports"))
}
