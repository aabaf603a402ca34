package config

import "time"

// Default values for configuration options. These represent "layer 0" of
// the override chain and work without any config file.
const (
	defaultBackendURL              = "http://127.0.0.1:8000"
	defaultWorkspaceDir            = "~/SailZen"
	defaultAutoSyncIntervalSeconds = 300
	defaultConflictStrategy        = ConflictPrompt
	defaultDebounce                = "5s"
	defaultSyncWorkers             = 4
	defaultRequestRetries          = 2
	defaultMaxAttempts             = 3
	defaultBaseBackoff             = "2s"
	defaultMaxBackoff              = "5m"
	defaultLeaseTTL                = "5m"
	defaultIdleTimeout             = "30m"
	defaultReapInterval            = "30s"
	defaultReviewer                = "editor"
	defaultProvider                = ProviderHeuristic
	defaultProviderModel           = "claude-sonnet-4-20250514"
	defaultProviderAPIKeyEnv       = "ANTHROPIC_API_KEY"
	defaultProviderTimeout         = "60s"
	defaultProviderMaxRetries      = 2
	defaultProviderMaxTokens       = 2048
	defaultLogLevel                = "info"
	defaultLogFormat               = "auto"
	defaultLogRetentionDays        = 30
	defaultConnectTimeout          = "10s"
	defaultDataTimeout             = "60s"
	defaultUserAgent               = "sailsync/0.1"
	defaultListenAddr              = "127.0.0.1:8787"
)

// Parsed forms of the duration defaults, used as fallbacks by durationOr.
const (
	defaultDebounceDuration        = 5 * time.Second
	defaultBaseBackoffDuration     = 2 * time.Second
	defaultMaxBackoffDuration      = 5 * time.Minute
	defaultLeaseTTLDuration        = 5 * time.Minute
	defaultIdleTimeoutDuration     = 30 * time.Minute
	defaultReapIntervalDuration    = 30 * time.Second
	defaultProviderTimeoutDuration = 60 * time.Second
	defaultConnectTimeoutDuration  = 10 * time.Second
	defaultDataTimeoutDuration     = 60 * time.Second
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding so unset fields retain defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncConfig: SyncConfig{
			BackendURL:              defaultBackendURL,
			WorkspaceDir:            defaultWorkspaceDir,
			SyncEnabled:             true,
			AutoSyncIntervalSeconds: defaultAutoSyncIntervalSeconds,
			ConflictStrategy:        defaultConflictStrategy,
			Debounce:                defaultDebounce,
			SyncWorkers:             defaultSyncWorkers,
			RemoteNotifications:     true,
		},
		RetryConfig: RetryConfig{
			RequestRetries: defaultRequestRetries,
			MaxAttempts:    defaultMaxAttempts,
			BaseBackoff:    defaultBaseBackoff,
			MaxBackoff:     defaultMaxBackoff,
		},
		CollabConfig: CollabConfig{
			LeaseTTL:     defaultLeaseTTL,
			IdleTimeout:  defaultIdleTimeout,
			ReapInterval: defaultReapInterval,
		},
		ReviewConfig: ReviewConfig{
			TrustSyncResolution: true,
			DefaultReviewer:     defaultReviewer,
			AutoApplyOnApprove:  true,
		},
		ProviderConfig: ProviderConfig{
			Provider:           defaultProvider,
			ProviderModel:      defaultProviderModel,
			ProviderAPIKeyEnv:  defaultProviderAPIKeyEnv,
			ProviderTimeout:    defaultProviderTimeout,
			ProviderMaxRetries: defaultProviderMaxRetries,
			ProviderMaxTokens:  defaultProviderMaxTokens,
		},
		LoggingConfig: LoggingConfig{
			LogLevel:         defaultLogLevel,
			LogFormat:        defaultLogFormat,
			LogRetentionDays: defaultLogRetentionDays,
		},
		NetworkConfig: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			DataTimeout:    defaultDataTimeout,
			UserAgent:      defaultUserAgent,
		},
		APIConfig: APIConfig{
			ListenAddr: defaultListenAddr,
		},
	}
}
