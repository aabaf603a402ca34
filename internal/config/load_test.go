package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err)

	return path
}

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeTestConfig(t, `
backend_url = "https://sail.example.com"
backend_token = "tok"
workspace_dir = "/srv/novels"
state_dir = "/var/lib/sailsync"
sync_enabled = false
auto_sync_interval_seconds = 60
conflict_strategy = "useRemote"
debounce = "2s"
sync_workers = 8
remote_notifications = false

request_retries = 3
max_attempts = 7
base_backoff = "1s"
max_backoff = "1m"

lease_ttl = "2m"
idle_timeout = "0s"
reap_interval = "10s"

trust_sync_resolution = false
default_reviewer = "alice"
auto_apply_on_approve = false

provider = "anthropic"
provider_model = "claude-test"
provider_api_key_env = "MY_KEY"
provider_timeout = "30s"
provider_max_retries = 1
provider_max_tokens = 1024

log_level = "debug"
log_file = "/tmp/sailsync.log"
log_format = "json"
log_retention_days = 7

connect_timeout = "5s"
data_timeout = "30s"
user_agent = "sailsync-test"

listen_addr = "127.0.0.1:9999"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://sail.example.com", cfg.BackendURL)
	assert.Equal(t, "tok", cfg.BackendToken)
	assert.Equal(t, "/srv/novels", cfg.WorkspaceDir)
	assert.False(t, cfg.SyncEnabled)
	assert.Equal(t, time.Minute, cfg.AutoSyncInterval())
	assert.Equal(t, ConflictUseRemote, cfg.ConflictStrategy)
	assert.Equal(t, 2*time.Second, cfg.DebounceWindow())
	assert.Equal(t, 8, cfg.SyncWorkers)
	assert.False(t, cfg.RemoteNotifications)

	base, maxBackoff := cfg.Backoff()
	assert.Equal(t, time.Second, base)
	assert.Equal(t, time.Minute, maxBackoff)
	assert.Equal(t, 7, cfg.MaxAttempts)

	ttl, idle, reap := cfg.Lease()
	assert.Equal(t, 2*time.Minute, ttl)
	assert.Equal(t, time.Duration(0), idle)
	assert.Equal(t, 10*time.Second, reap)

	assert.False(t, cfg.TrustSyncResolution)
	assert.Equal(t, "alice", cfg.DefaultReviewer)
	assert.Equal(t, ProviderAnthropic, cfg.Provider)
	assert.Equal(t, 30*time.Second, cfg.ProviderConfig.Timeout())
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
	assert.Equal(t, "/var/lib/sailsync/state.db", cfg.StatePath())
}

func TestLoad_PartialConfigKeepsDefaults(t *testing.T) {
	path := writeTestConfig(t, `conflict_strategy = "useLocal"`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ConflictUseLocal, cfg.ConflictStrategy)
	assert.Equal(t, defaultBackendURL, cfg.BackendURL)
	assert.Equal(t, defaultSyncWorkers, cfg.SyncWorkers)
	assert.True(t, cfg.TrustSyncResolution)
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeTestConfig(t, `backend_url = `)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_ValidationError(t *testing.T) {
	path := writeTestConfig(t, `conflict_strategy = "keep_both"`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflict_strategy")
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestResolve_Precedence(t *testing.T) {
	path := writeTestConfig(t, `
backend_url = "https://file.example.com"
workspace_dir = "/from/file"
`)

	env := EnvOverrides{
		ConfigPath:   path,
		BackendURL:   "https://env.example.com",
		WorkspaceDir: "/from/env",
		Token:        "env-token",
	}

	cliWorkspace := "/from/cli"
	strategy := ConflictUseRemote

	cfg, err := Resolve(env, CLIOverrides{WorkspaceDir: &cliWorkspace, ConflictStrategy: &strategy})
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com", cfg.BackendURL)
	assert.Equal(t, "/from/cli", cfg.WorkspaceDir)
	assert.Equal(t, "env-token", cfg.BackendToken)
	assert.Equal(t, ConflictUseRemote, cfg.ConflictStrategy)
	assert.Equal(t, filepath.Join("/from/cli", ".sailsync", "state.db"), cfg.StatePath())
}

func TestResolve_CLIConfigPathWins(t *testing.T) {
	envPath := writeTestConfig(t, `backend_url = "https://env-file.example.com"`)
	cliPath := writeTestConfig(t, `backend_url = "https://cli-file.example.com"`)

	ws := t.TempDir()

	cfg, err := Resolve(EnvOverrides{ConfigPath: envPath}, CLIOverrides{ConfigPath: cliPath, WorkspaceDir: &ws})
	require.NoError(t, err)
	assert.Equal(t, "https://cli-file.example.com", cfg.BackendURL)
}

func TestResolve_ExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	path := writeTestConfig(t, `workspace_dir = "~/novels"`)

	cfg, err := Resolve(EnvOverrides{ConfigPath: path}, CLIOverrides{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "novels"), cfg.WorkspaceDir)
}

func TestResolve_RelativeWorkspaceRejected(t *testing.T) {
	path := writeTestConfig(t, `workspace_dir = "relative/dir"`)

	_, err := Resolve(EnvOverrides{ConfigPath: path}, CLIOverrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workspace_dir")
}
