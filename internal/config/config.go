// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for sailsync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
// All keys are flat at the top level of the file; the embedded section
// structs below only group them for readability.
package config

import (
	"path/filepath"
	"time"
)

// Conflict strategies recognized by conflict_strategy.
const (
	ConflictPrompt    = "prompt"
	ConflictUseLocal  = "useLocal"
	ConflictUseRemote = "useRemote"
)

// Suggestion provider kinds recognized by provider.
const (
	ProviderHeuristic = "heuristic"
	ProviderAnthropic = "anthropic"
)

// stateDirName is the per-workspace directory holding the state database,
// manifests, and the watch PID file.
const stateDirName = ".sailsync"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	SyncConfig
	RetryConfig
	CollabConfig
	ReviewConfig
	ProviderConfig
	LoggingConfig
	NetworkConfig
	APIConfig
}

// SyncConfig controls the local replica and the sync engine: where the
// backend lives, where files are materialized, and how conflicts are settled.
type SyncConfig struct {
	BackendURL              string `toml:"backend_url"`
	BackendToken            string `toml:"backend_token"`
	WorkspaceDir            string `toml:"workspace_dir"`
	StateDir                string `toml:"state_dir"`
	SyncEnabled             bool   `toml:"sync_enabled"`
	AutoSyncIntervalSeconds int    `toml:"auto_sync_interval_seconds"`
	ConflictStrategy        string `toml:"conflict_strategy"`
	Debounce                string `toml:"debounce"`
	SyncWorkers             int    `toml:"sync_workers"`
	RemoteNotifications     bool   `toml:"remote_notifications"`
}

// RetryConfig bounds retries at two levels: per HTTP request inside the
// remote gateway, and per record inside the offline replay queue.
type RetryConfig struct {
	RequestRetries int    `toml:"request_retries"`
	MaxAttempts    int    `toml:"max_attempts"`
	BaseBackoff    string `toml:"base_backoff"`
	MaxBackoff     string `toml:"max_backoff"`
}

// CollabConfig controls session leases. A lease not renewed within
// lease_ttl is force-released and its session cancelled.
type CollabConfig struct {
	LeaseTTL     string `toml:"lease_ttl"`
	IdleTimeout  string `toml:"idle_timeout"`
	ReapInterval string `toml:"reap_interval"`
}

// ReviewConfig is the review policy point for committed change sets.
type ReviewConfig struct {
	TrustSyncResolution bool   `toml:"trust_sync_resolution"`
	DefaultReviewer     string `toml:"default_reviewer"`
	AutoApplyOnApprove  bool   `toml:"auto_apply_on_approve"`
}

// ProviderConfig selects and tunes the suggestion provider.
type ProviderConfig struct {
	Provider           string `toml:"provider"`
	ProviderModel      string `toml:"provider_model"`
	ProviderAPIKeyEnv  string `toml:"provider_api_key_env"`
	ProviderTimeout    string `toml:"provider_timeout"`
	ProviderMaxRetries int    `toml:"provider_max_retries"`
	ProviderMaxTokens  int    `toml:"provider_max_tokens"`
}

// LoggingConfig controls log output behavior: level, format, and rotation.
type LoggingConfig struct {
	LogLevel         string `toml:"log_level"`
	LogFile          string `toml:"log_file"`
	LogFormat        string `toml:"log_format"`
	LogRetentionDays int    `toml:"log_retention_days"`
}

// NetworkConfig controls HTTP client behavior for the remote gateway.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// APIConfig controls the local HTTP API started by "sailsync serve".
type APIConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath       string
	WorkspaceDir     *string
	BackendURL       *string
	ConflictStrategy *string
}

// StatePath returns the SQLite state database path for the workspace.
func (c *Config) StatePath() string {
	return filepath.Join(c.EffectiveStateDir(), "state.db")
}

// EffectiveStateDir returns state_dir, or <workspace_dir>/.sailsync when unset.
func (c *Config) EffectiveStateDir() string {
	if c.StateDir != "" {
		return c.StateDir
	}

	return filepath.Join(c.WorkspaceDir, stateDirName)
}

// PIDPath returns the path of the flock'd PID file held by "sync --watch".
func (c *Config) PIDPath() string {
	return filepath.Join(c.EffectiveStateDir(), "watch.pid")
}

// AutoSyncInterval returns auto_sync_interval_seconds as a duration.
// Zero disables periodic sync.
func (c *SyncConfig) AutoSyncInterval() time.Duration {
	return time.Duration(c.AutoSyncIntervalSeconds) * time.Second
}

// DebounceWindow returns the change detector debounce window.
func (c *SyncConfig) DebounceWindow() time.Duration {
	return durationOr(c.Debounce, defaultDebounceDuration)
}

// Backoff returns the parsed base and max backoff for the replay queue.
func (c *RetryConfig) Backoff() (base, maxBackoff time.Duration) {
	return durationOr(c.BaseBackoff, defaultBaseBackoffDuration),
		durationOr(c.MaxBackoff, defaultMaxBackoffDuration)
}

// Lease returns the parsed lease TTL, idle timeout, and reaper interval.
func (c *CollabConfig) Lease() (ttl, idle, reap time.Duration) {
	return durationOr(c.LeaseTTL, defaultLeaseTTLDuration),
		durationOr(c.IdleTimeout, defaultIdleTimeoutDuration),
		durationOr(c.ReapInterval, defaultReapIntervalDuration)
}

// Timeout returns the per-call provider timeout.
func (c *ProviderConfig) Timeout() time.Duration {
	return durationOr(c.ProviderTimeout, defaultProviderTimeoutDuration)
}

// Timeouts returns the parsed connect and data timeouts.
func (c *NetworkConfig) Timeouts() (connect, data time.Duration) {
	return durationOr(c.ConnectTimeout, defaultConnectTimeoutDuration),
		durationOr(c.DataTimeout, defaultDataTimeoutDuration)
}

// durationOr parses s, returning def for empty or invalid input. Invalid
// values never reach here after Validate; the fallback covers zero configs
// built in tests.
func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}

	return d
}
