package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("SESSION_SECRET", "s")
	t.Setenv("CSRF_SECRET", "c")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "development", cfg.AppEnv)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, 5*time.Minute, cfg.WorkflowCacheTTL)
	require.Equal(t, 72*time.Hour, cfg.IdempotencyRetention)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("SESSION_SECRET", "s")
	t.Setenv("CSRF_SECRET", "c")
	t.Setenv("APP_ENV", "production")
	t.Setenv("WORKFLOW_CACHE_TTL", "30s")
	t.Setenv("NOTIFY_FROM", "approvals@example.com")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.True(t, cfg.IsProduction())
	require.Equal(t, 30*time.Second, cfg.WorkflowCacheTTL)
	require.Equal(t, "approvals@example.com", cfg.NotifyFrom)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("SESSION_SECRET", "")
	t.Setenv("CSRF_SECRET", "c")
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("SESSION_SECRET", "s")
	t.Setenv("IDEMPOTENCY_RETENTION", "10m")
	_, err = LoadConfig()
	require.Error(t, err)

	t.Setenv("IDEMPOTENCY_RETENTION", "24h")
	t.Setenv("LOG_LEVEL", "chatty")
	_, err = LoadConfig()
	require.Error(t, err)
}

func TestTestModeFlag(t *testing.T) {
	for value, want := range map[string]bool{"1": true, "true": true, "0": false, "": false, "yes": false} {
		t.Setenv(testModeEnv, value)
		require.Equal(t, want, InTestMode(), "value %q", value)
	}
}
