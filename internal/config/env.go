package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig     = "SAILSYNC_CONFIG"
	EnvBackendURL = "SAILSYNC_BACKEND_URL"
	EnvWorkspace  = "SAILSYNC_WORKSPACE"
	EnvToken      = "SAILSYNC_TOKEN"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath   string // SAILSYNC_CONFIG: config file path
	BackendURL   string // SAILSYNC_BACKEND_URL: backend base URL
	WorkspaceDir string // SAILSYNC_WORKSPACE: workspace directory
	Token        string // SAILSYNC_TOKEN: bearer token for the backend
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. It does not modify a Config; Resolve applies the fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:   os.Getenv(EnvConfig),
		BackendURL:   os.Getenv(EnvBackendURL),
		WorkspaceDir: os.Getenv(EnvWorkspace),
		Token:        os.Getenv(EnvToken),
	}
}
