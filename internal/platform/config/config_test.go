package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// optionalVars carry defaults or are backend specific. An empty value still
// counts as set and suppresses the default, so tests unset them.
var optionalVars = []string{
	"APP_ENV", "PORT", "LOG_LEVEL", "LOG_FORMAT",
	"STORAGE_BACKEND", "REDIS_URL",
	"TELEGRAM_API_ENDPOINT", "INIT_DATA_MAX_AGE",
	"SWEEP_INTERVAL", "AUDIT_APPEND_ATTEMPTS",
	"RATE_LIMIT_PER_SECOND", "RATE_LIMIT_BURST",
}

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TELEGRAM_BOT_TOKEN", "123456:test-token")
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	unsetEnv(t, optionalVars...)
}

// unsetEnv removes keys for the duration of the test. t.Setenv records the
// original value and restores it on cleanup.
func unsetEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoad_AllRequiredVarsSet(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/test", cfg.DatabaseURL)
	assert.Equal(t, "123456:test-token", cfg.TelegramBotToken)
	assert.Equal(t, BackendPostgres, cfg.StorageBackend)
}

func TestLoad_EmptyBackendIsNotDefaulted(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("STORAGE_BACKEND", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORAGE_BACKEND")
}

func TestLoad_DefaultValues(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 24*time.Hour, cfg.InitDataMaxAge)
	assert.Equal(t, 32, cfg.AuditAppendAttempts)
	assert.Equal(t, "https://api.telegram.org/bot%s/%s", cfg.TelegramAPIEndpoint)
}

func TestLoad_MissingRequired(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing bot token",
			env:     map[string]string{"TELEGRAM_BOT_TOKEN": ""},
			wantErr: "TELEGRAM_BOT_TOKEN is required",
		},
		{
			name:    "postgres without DATABASE_URL",
			env:     map[string]string{"DATABASE_URL": ""},
			wantErr: "DATABASE_URL is required when STORAGE_BACKEND=postgres",
		},
		{
			name:    "redis without REDIS_URL",
			env:     map[string]string{"STORAGE_BACKEND": "redis"},
			wantErr: "REDIS_URL is required when STORAGE_BACKEND=redis",
		},
		{
			name:    "unknown backend",
			env:     map[string]string{"STORAGE_BACKEND": "dynamo"},
			wantErr: `STORAGE_BACKEND must be "postgres" or "redis", got "dynamo"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}

func TestLoad_RedisBackend(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("STORAGE_BACKEND", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendRedis, cfg.StorageBackend)
	assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
}

func TestLoad_SweepIntervalTooShort(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SWEEP_INTERVAL", "100ms")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SWEEP_INTERVAL")
}

func TestLoad_CustomPortAndEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("APP_ENV", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "production", cfg.AppEnv)
}
