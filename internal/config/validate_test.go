package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_DefaultsAreValid(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad backend scheme", func(c *Config) { c.BackendURL = "ftp://x" }, "backend_url"},
		{"empty backend", func(c *Config) { c.BackendURL = "" }, "backend_url"},
		{"negative interval", func(c *Config) { c.AutoSyncIntervalSeconds = -1 }, "auto_sync_interval_seconds"},
		{"unknown strategy", func(c *Config) { c.ConflictStrategy = "merge" }, "conflict_strategy"},
		{"tiny debounce", func(c *Config) { c.Debounce = "1ms" }, "debounce"},
		{"zero workers", func(c *Config) { c.SyncWorkers = 0 }, "sync_workers"},
		{"too many retries", func(c *Config) { c.RequestRetries = 11 }, "request_retries"},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }, "max_attempts"},
		{"max below base", func(c *Config) { c.BaseBackoff = "10s"; c.MaxBackoff = "1s" }, "max_backoff"},
		{"short lease", func(c *Config) { c.LeaseTTL = "1s" }, "lease_ttl"},
		{"bad idle", func(c *Config) { c.IdleTimeout = "soon" }, "idle_timeout"},
		{"unknown provider", func(c *Config) { c.Provider = "oracle" }, "provider"},
		{"anthropic without model", func(c *Config) {
			c.Provider = ProviderAnthropic
			c.ProviderModel = ""
		}, "provider_model"},
		{"few tokens", func(c *Config) { c.ProviderMaxTokens = 10 }, "provider_max_tokens"},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "log_level"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"zero retention", func(c *Config) { c.LogRetentionDays = 0 }, "log_retention_days"},
		{"short connect", func(c *Config) { c.ConnectTimeout = "10ms" }, "connect_timeout"},
		{"bad listen", func(c *Config) { c.ListenAddr = "nope" }, "listen_addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidate_AccumulatesErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "trace"
	cfg.SyncWorkers = 0

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), "sync_workers")
}

func TestValidateResolved(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkspaceDir = "/abs"
	require.NoError(t, ValidateResolved(cfg))

	cfg.StateDir = "rel"
	require.Error(t, ValidateResolved(cfg))

	cfg.StateDir = ""
	cfg.WorkspaceDir = ""
	assert.ErrorContains(t, ValidateResolved(cfg), "must not be empty")
}
