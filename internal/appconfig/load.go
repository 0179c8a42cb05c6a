package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses
// DefaultConfigPath. A missing file yields the defaults; MCPIZE_* environment
// variables override both.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("auth.url", cfg.Auth.URL)
	v.SetDefault("auth.anon_key", cfg.Auth.AnonKey)
	v.SetDefault("auth.session_file", cfg.Auth.SessionFile)
	v.SetDefault("auth.token_env", cfg.Auth.TokenEnv)
	v.SetDefault("auth.refresh_margin_seconds", cfg.Auth.RefreshMarginSeconds)
	v.SetDefault("tunnel.provider", cfg.Tunnel.Provider)
	v.SetDefault("tunnel.startup_timeout_seconds", cfg.Tunnel.StartupTimeoutSeconds)
	v.SetDefault("tunnel.probe_timeout_seconds", cfg.Tunnel.ProbeTimeoutSeconds)
	v.SetDefault("tunnel.cloudflared_binary", cfg.Tunnel.CloudflaredBinary)
	v.SetDefault("tunnel.ngrok_authtoken_env", cfg.Tunnel.NgrokAuthtokenEnv)
	v.SetDefault("tunnel.localtunnel_host", cfg.Tunnel.LocaltunnelHost)
	v.SetDefault("dev.command", cfg.Dev.Command)
	v.SetDefault("dev.port", cfg.Dev.Port)
	v.SetDefault("dev.health_path", cfg.Dev.HealthPath)
	v.SetDefault("dev.health_timeout_seconds", cfg.Dev.HealthTimeoutSeconds)
	v.SetDefault("dev.watch", cfg.Dev.Watch)

	configLoaded := false
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		configLoaded = true
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}

	if configLoaded {
		if !v.InConfig("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if err := validateURL("auth.url", cfg.Auth.URL); err != nil {
		return err
	}
	if err := validateURL("tunnel.localtunnel_host", cfg.Tunnel.LocaltunnelHost); err != nil {
		return err
	}
	if cfg.Auth.RefreshMarginSeconds < 0 {
		return fmt.Errorf("auth.refresh_margin_seconds must not be negative")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Tunnel.Provider)) {
	case "", "auto", "cloudflared", "cloudflare", "ngrok", "localtunnel", "lt":
	default:
		return fmt.Errorf("unsupported tunnel.provider %q (use auto, cloudflared, ngrok or localtunnel)", cfg.Tunnel.Provider)
	}
	if cfg.Dev.Port < 0 || cfg.Dev.Port > 65535 {
		return fmt.Errorf("dev.port %d is out of range", cfg.Dev.Port)
	}
	if path := strings.TrimSpace(cfg.Dev.HealthPath); path != "" && !strings.HasPrefix(path, "/") {
		return fmt.Errorf("dev.health_path must start with /")
	}
	return nil
}

func validateURL(key, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("%s is required", key)
	}
	parsed, err := url.Parse(value)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%s must include scheme and host (e.g. https://example.com)", key)
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Auth.SessionFile = expandEnv(cfg.Auth.SessionFile)
	cfg.Tunnel.CloudflaredBinary = expandEnv(cfg.Tunnel.CloudflaredBinary)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	if value == "~" || strings.HasPrefix(value, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			value = filepath.Join(home, strings.TrimPrefix(value, "~"))
		}
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
