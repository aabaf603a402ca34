package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"time"
)

// Validation range constants.
const (
	minSyncWorkers      = 1
	maxSyncWorkers      = 32
	minMaxAttempts      = 1
	maxRequestRetries   = 10
	maxProviderRetries  = 5
	minProviderTokens   = 256
	minLogRetention     = 1
	minDebounce         = 100 * time.Millisecond
	minLeaseTTL         = 10 * time.Second
	minReapInterval     = 1 * time.Second
	minBaseBackoff      = 100 * time.Millisecond
	minProviderTimeout  = 1 * time.Second
	minConnectTimeout   = 1 * time.Second
	minDataTimeout      = 5 * time.Second
	maxAutoSyncInterval = 24 * 60 * 60
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateSync(&cfg.SyncConfig)...)
	errs = append(errs, validateRetry(&cfg.RetryConfig)...)
	errs = append(errs, validateCollab(&cfg.CollabConfig)...)
	errs = append(errs, validateProvider(&cfg.ProviderConfig)...)
	errs = append(errs, validateLogging(&cfg.LoggingConfig)...)
	errs = append(errs, validateNetwork(&cfg.NetworkConfig)...)
	errs = append(errs, validateAPI(&cfg.APIConfig)...)

	return errors.Join(errs...)
}

// ValidateResolved checks constraints that only make sense after the
// override chain has been applied and paths have been expanded.
func ValidateResolved(cfg *Config) error {
	var errs []error

	if cfg.WorkspaceDir == "" {
		errs = append(errs, errors.New("workspace_dir: must not be empty"))
	} else if !filepath.IsAbs(cfg.WorkspaceDir) {
		errs = append(errs, fmt.Errorf("workspace_dir: must be absolute after expansion, got %q", cfg.WorkspaceDir))
	}

	if cfg.StateDir != "" && !filepath.IsAbs(cfg.StateDir) {
		errs = append(errs, fmt.Errorf("state_dir: must be absolute after expansion, got %q", cfg.StateDir))
	}

	return errors.Join(errs...)
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	u, err := url.Parse(s.BackendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend_url: must be an http or https URL, got %q", s.BackendURL))
	}

	if s.AutoSyncIntervalSeconds < 0 || s.AutoSyncIntervalSeconds > maxAutoSyncInterval {
		errs = append(errs, fmt.Errorf("auto_sync_interval_seconds: must be between 0 and %d, got %d",
			maxAutoSyncInterval, s.AutoSyncIntervalSeconds))
	}

	errs = append(errs, validateConflictStrategy(s.ConflictStrategy)...)
	errs = append(errs, validateDurationMin("debounce", s.Debounce, minDebounce)...)

	if s.SyncWorkers < minSyncWorkers || s.SyncWorkers > maxSyncWorkers {
		errs = append(errs, fmt.Errorf("sync_workers: must be between %d and %d, got %d",
			minSyncWorkers, maxSyncWorkers, s.SyncWorkers))
	}

	return errs
}

var validConflictStrategies = map[string]bool{
	ConflictPrompt:    true,
	ConflictUseLocal:  true,
	ConflictUseRemote: true,
}

func validateConflictStrategy(s string) []error {
	if !validConflictStrategies[s] {
		return []error{fmt.Errorf("conflict_strategy: must be one of prompt, useLocal, useRemote; got %q", s)}
	}

	return nil
}

func validateRetry(r *RetryConfig) []error {
	var errs []error

	if r.RequestRetries < 0 || r.RequestRetries > maxRequestRetries {
		errs = append(errs, fmt.Errorf("request_retries: must be between 0 and %d, got %d",
			maxRequestRetries, r.RequestRetries))
	}

	if r.MaxAttempts < minMaxAttempts {
		errs = append(errs, fmt.Errorf("max_attempts: must be >= %d, got %d", minMaxAttempts, r.MaxAttempts))
	}

	errs = append(errs, validateDurationMin("base_backoff", r.BaseBackoff, minBaseBackoff)...)
	errs = append(errs, validateDurationMin("max_backoff", r.MaxBackoff, minBaseBackoff)...)

	if len(errs) == 0 {
		base, maxBackoff := r.Backoff()
		if maxBackoff < base {
			errs = append(errs, fmt.Errorf("max_backoff: must be >= base_backoff (%s), got %s", base, maxBackoff))
		}
	}

	return errs
}

func validateCollab(c *CollabConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("lease_ttl", c.LeaseTTL, minLeaseTTL)...)
	errs = append(errs, validateDurationNonNeg("idle_timeout", c.IdleTimeout)...)
	errs = append(errs, validateDurationMin("reap_interval", c.ReapInterval, minReapInterval)...)

	return errs
}

var validProviders = map[string]bool{
	ProviderHeuristic: true,
	ProviderAnthropic: true,
}

func validateProvider(p *ProviderConfig) []error {
	var errs []error

	if !validProviders[p.Provider] {
		errs = append(errs, fmt.Errorf("provider: must be one of heuristic, anthropic; got %q", p.Provider))
	}

	if p.Provider == ProviderAnthropic && p.ProviderModel == "" {
		errs = append(errs, errors.New("provider_model: must not be empty when provider is anthropic"))
	}

	errs = append(errs, validateDurationMin("provider_timeout", p.ProviderTimeout, minProviderTimeout)...)

	if p.ProviderMaxRetries < 0 || p.ProviderMaxRetries > maxProviderRetries {
		errs = append(errs, fmt.Errorf("provider_max_retries: must be between 0 and %d, got %d",
			maxProviderRetries, p.ProviderMaxRetries))
	}

	if p.ProviderMaxTokens < minProviderTokens {
		errs = append(errs, fmt.Errorf("provider_max_tokens: must be >= %d, got %d",
			minProviderTokens, p.ProviderMaxTokens))
	}

	return errs
}

// validateDuration checks that a duration string is valid and meets a minimum.
func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	if err := validateDuration(field, value, minimum); err != nil {
		return []error{err}
	}

	return nil
}

func validateDurationNonNeg(field, value string) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < 0 {
		return []error{fmt.Errorf("%s: must be >= 0, got %s", field, d)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	if l.LogRetentionDays < minLogRetention {
		errs = append(errs, fmt.Errorf("log_retention_days: must be >= %d, got %d",
			minLogRetention, l.LogRetentionDays))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationMin("data_timeout", n.DataTimeout, minDataTimeout)...)

	return errs
}

func validateAPI(a *APIConfig) []error {
	if _, _, err := net.SplitHostPort(a.ListenAddr); err != nil {
		return []error{fmt.Errorf("listen_addr: must be host:port, got %q: %w", a.ListenAddr, err)}
	}

	return nil
}
