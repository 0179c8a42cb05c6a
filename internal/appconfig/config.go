package appconfig

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the top-level CLI configuration.
type Config struct {
	ConfigVersion int          `mapstructure:"config_version" yaml:"config_version"`
	Auth          AuthConfig   `mapstructure:"auth" yaml:"auth"`
	Tunnel        TunnelConfig `mapstructure:"tunnel" yaml:"tunnel"`
	Dev           DevConfig    `mapstructure:"dev" yaml:"dev"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// EnvPrefix namespaces environment overrides, e.g. MCPIZE_AUTH_URL.
const EnvPrefix = "MCPIZE"

// AuthConfig configures the identity provider and the local session.
type AuthConfig struct {
	URL                  string `mapstructure:"url" yaml:"url"`
	AnonKey              string `mapstructure:"anon_key" yaml:"anon_key"`
	SessionFile          string `mapstructure:"session_file" yaml:"session_file"`
	TokenEnv             string `mapstructure:"token_env" yaml:"token_env"`
	RefreshMarginSeconds int    `mapstructure:"refresh_margin_seconds" yaml:"refresh_margin_seconds"`
}

// RefreshMargin is how long before expiry a token counts as stale.
func (a AuthConfig) RefreshMargin() time.Duration {
	return time.Duration(a.RefreshMarginSeconds) * time.Second
}

// TunnelConfig configures tunnel providers.
type TunnelConfig struct {
	Provider              string `mapstructure:"provider" yaml:"provider"`
	StartupTimeoutSeconds int    `mapstructure:"startup_timeout_seconds" yaml:"startup_timeout_seconds"`
	ProbeTimeoutSeconds   int    `mapstructure:"probe_timeout_seconds" yaml:"probe_timeout_seconds"`
	CloudflaredBinary     string `mapstructure:"cloudflared_binary" yaml:"cloudflared_binary"`
	NgrokAuthtokenEnv     string `mapstructure:"ngrok_authtoken_env" yaml:"ngrok_authtoken_env"`
	LocaltunnelHost       string `mapstructure:"localtunnel_host" yaml:"localtunnel_host"`
}

// DevConfig configures the local dev server loop.
type DevConfig struct {
	Command              string `mapstructure:"command" yaml:"command"`
	Port                 int    `mapstructure:"port" yaml:"port"`
	HealthPath           string `mapstructure:"health_path" yaml:"health_path"`
	HealthTimeoutSeconds int    `mapstructure:"health_timeout_seconds" yaml:"health_timeout_seconds"`
	Watch                bool   `mapstructure:"watch" yaml:"watch"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Auth: AuthConfig{
			URL:                  "https://auth.mcpize.com",
			AnonKey:              "",
			SessionFile:          filepath.Join(home, ".mcpize", "session.json"),
			TokenEnv:             "MCPIZE_TOKEN",
			RefreshMarginSeconds: 60,
		},
		Tunnel: TunnelConfig{
			Provider:              "auto",
			StartupTimeoutSeconds: 30,
			ProbeTimeoutSeconds:   5,
			CloudflaredBinary:     "cloudflared",
			NgrokAuthtokenEnv:     "NGROK_AUTHTOKEN",
			LocaltunnelHost:       "https://localtunnel.me",
		},
		Dev: DevConfig{
			Command:              "",
			Port:                 3000,
			HealthPath:           "/health",
			HealthTimeoutSeconds: 60,
			Watch:                false,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mcpize", "config.yaml"), nil
}
