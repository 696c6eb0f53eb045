package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

const minimalConfig = `
ssl:
  cert: /etc/proxy/server.crt
  key: /etc/proxy/server.key
backends:
  api:
    host: controller
    port: 8000
    path_prefix: /api
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.ListenHost)
	assert.Equal(t, 7585, cfg.Server.ListenPort)
	assert.Equal(t, "optional", cfg.SSL.VerifyClient)
	assert.Equal(t, "X-Client-Cert-CN", cfg.Auth.HeaderCertCN)
	assert.Equal(t, "memory", cfg.Auth.SessionBackend)
	assert.Equal(t, defaultSessionTimeout, cfg.Auth.Native.SessionTimeoutS)
	assert.Equal(t, defaultReadBuffer, cfg.Advanced.ReadBuffer)

	api := cfg.Backends["api"]
	assert.Equal(t, "api", api.ID)
	assert.Equal(t, "api", api.Name)
	assert.Equal(t, defaultBackendTimeout, api.TimeoutS)
	assert.Equal(t, "controller:8000", api.Addr())
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	t.Setenv("PROXY_BACKEND_HOST", "controller.internal")
	cfg, err := LoadConfig(writeConfig(t, `
ssl:
  cert: /etc/proxy/server.crt
  key: /etc/proxy/server.key
backends:
  api:
    host: ${PROXY_BACKEND_HOST}
    port: 8000
    path_prefix: /api
`))
	require.NoError(t, err)
	assert.Equal(t, "controller.internal", cfg.Backends["api"].Host)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadVerifyClient(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
ssl:
  cert: /etc/proxy/server.crt
  key: /etc/proxy/server.key
  verify_client: sometimes
backends:
  api:
    host: controller
    port: 8000
    path_prefix: /api
`))
	assert.ErrorContains(t, err, "verify_client")
}

func TestValidateRejectsMissingCert(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
backends:
  api:
    host: controller
    port: 8000
    path_prefix: /api
`))
	assert.ErrorContains(t, err, "cert and key")
}

func TestValidateRejectsBackendWithoutPrefix(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
ssl:
  cert: /etc/proxy/server.crt
  key: /etc/proxy/server.key
backends:
  api:
    host: controller
    port: 8000
`))
	assert.ErrorContains(t, err, "path_prefix")
}

func TestValidateRejectsUnknownDefaultBackend(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, minimalConfig+`
default_backend: missing
`))
	assert.ErrorContains(t, err, "default_backend")
}

func TestValidateRedisBackendRequiresAddr(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, minimalConfig+`
auth:
  session_backend: redis
`))
	assert.ErrorContains(t, err, "redis_addr")
}

func TestValidatePostgresBackendRequiresURL(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, minimalConfig+`
auth:
  session_backend: postgres
`))
	assert.ErrorContains(t, err, "postgres_url")
}

func TestValidateUnknownSessionBackend(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, minimalConfig+`
auth:
  session_backend: sqlite
`))
	assert.ErrorContains(t, err, "session_backend")
}

func TestSortedBackendsLongestPrefixFirst(t *testing.T) {
	cfg := &Config{Backends: map[string]*Backend{
		"a": {ID: "a", PathPrefix: "/"},
		"b": {ID: "b", PathPrefix: "/api/reports"},
		"c": {ID: "c", PathPrefix: "/api"},
	}}
	sorted := cfg.sortedBackends()
	require.Len(t, sorted, 3)
	assert.Equal(t, "b", sorted[0].ID)
	assert.Equal(t, "c", sorted[1].ID)
	assert.Equal(t, "a", sorted[2].ID)
}
