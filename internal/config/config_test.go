package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SERVICE_NAME", "ENV", "LOG_LEVEL", "PORT", "API_BASE_URL", "MAX_RETRIES",
		"RETRY_BASE_DELAY", "RETRY_MAX_DELAY", "RETRY_TRANSIENT", "CREDENTIAL_BACKEND",
		"DATABASE_URL", "TOKEN_EXPIRY_SKEW", "REFRESH_PATH",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	assert.Equal(t, "panel-gateway", cfg.ServiceName)
	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, 8085, cfg.Port)
	assert.Equal(t, "http://localhost:8000", cfg.APIBaseURL)
	assert.Equal(t, "/api/v1/auth/refresh", cfg.RefreshPath)
	assert.Equal(t, 30*time.Second, cfg.ExpirySkew)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, BackendMemory, cfg.CredentialBackend)
	assert.False(t, cfg.RetryTransient)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("API_BASE_URL", "https://panel.example.com/")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("RETRY_BASE_DELAY", "200ms")
	t.Setenv("RETRY_MAX_DELAY", "2s")
	t.Setenv("RETRY_TRANSIENT", "true")
	t.Setenv("CREDENTIAL_BACKEND", "Redis")

	cfg := Load()

	assert.Equal(t, "https://panel.example.com", cfg.APIBaseURL, "trailing slash trimmed")
	assert.Equal(t, BackendRedis, cfg.CredentialBackend)

	p := cfg.RetryPolicy()
	assert.Equal(t, 5, p.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 2*time.Second, p.MaxDelay)
	assert.True(t, p.RetryTransient)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		clearEnv(t)
		return Load()
	}

	cfg := base()
	cfg.APIBaseURL = "not a url"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.CredentialBackend = BackendPostgres
	assert.ErrorContains(t, cfg.Validate(), "DATABASE_URL")

	cfg = base()
	cfg.CredentialBackend = "etcd"
	assert.ErrorContains(t, cfg.Validate(), "unknown CREDENTIAL_BACKEND")

	cfg = base()
	cfg.MaxRetries = -1
	assert.Error(t, cfg.Validate())
}

func TestURL(t *testing.T) {
	cfg := &Config{APIBaseURL: "https://panel.example.com"}
	assert.Equal(t, "https://panel.example.com/api/v1/auth/me", cfg.URL("/api/v1/auth/me"))
	assert.Equal(t, "https://panel.example.com/api/v1/servers", cfg.URL("api/v1/servers"))
}
