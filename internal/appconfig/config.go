// Package appconfig manages application configuration and on-disk paths.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/treykane/cfkit/internal/util"
)

// Output formats accepted by the output setting.
const (
	OutputTable = "table"
	OutputJSON  = "json"
)

// UIConfig contains TUI display settings.
type UIConfig struct {
	RefreshSeconds int `yaml:"refresh_seconds"`
}

// CloudflaredConfig controls how the tunnel client binary is found and run.
type CloudflaredConfig struct {
	// Path pins an explicit binary; empty means search PATH and the managed bin dir.
	Path string `yaml:"path"`
	// ExtraArgs is a shell-quoted string appended to every run, e.g. "--loglevel debug".
	ExtraArgs string `yaml:"extra_args"`
	// MinVersion is the oldest client version doctor accepts without a warning.
	MinVersion string `yaml:"min_version"`
	// DownloadBaseURL is where release assets are fetched from.
	DownloadBaseURL string `yaml:"download_base_url"`
}

// TunnelConfig holds defaults for tunnel start commands.
type TunnelConfig struct {
	Protocol          string `yaml:"protocol"`
	URLWaitSeconds    int    `yaml:"url_wait_seconds"`
	APITimeoutSeconds int    `yaml:"api_timeout_seconds"`
}

// Config holds application-level configuration.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	Output      string            `yaml:"output"`
	Cloudflared CloudflaredConfig `yaml:"cloudflared"`
	Tunnel      TunnelConfig      `yaml:"tunnel"`
	UI          UIConfig          `yaml:"ui"`
}

// DefaultDownloadBaseURL serves the latest cloudflared release assets.
const DefaultDownloadBaseURL = "https://github.com/cloudflare/cloudflared/releases/latest/download"

// Default returns the default configuration.
func Default() Config {
	return Config{
		LogLevel: "warn",
		Output:   OutputTable,
		Cloudflared: CloudflaredConfig{
			MinVersion:      "2023.2.2",
			DownloadBaseURL: DefaultDownloadBaseURL,
		},
		Tunnel: TunnelConfig{
			Protocol:          util.DefaultProtocol,
			URLWaitSeconds:    int(util.DefaultURLWait.Seconds()),
			APITimeoutSeconds: int(util.DefaultAPITimeout.Seconds()),
		},
		UI: UIConfig{RefreshSeconds: util.DefaultRefreshSeconds},
	}
}

// ConfigDir returns the application config directory path.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config/cfkit.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "cfkit"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", "cfkit"), nil
}

func subDir(name string) (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, name), nil
}

// RunDir holds the per-slot pid, log and url files.
func RunDir() (string, error) { return subDir("run") }

// TunnelsDir holds one JSON record per named tunnel.
func TunnelsDir() (string, error) { return subDir("tunnels") }

// BinDir holds client binaries installed by cfkit.
func BinDir() (string, error) { return subDir("bin") }

// CredentialsFilePath returns the default KEY=VALUE credentials file.
func CredentialsFilePath() (string, error) { return subDir("credentials") }

// Load reads config.yaml from the config directory.
// If the file doesn't exist, creates it with defaults.
func Load() (Config, error) {
	d, err := ConfigDir()
	if err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return Config{}, err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			applyEnv(&cfg)
			if err := Save(Default()); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return Config{}, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	normalize(&cfg)
	applyEnv(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	def := Default()
	if cfg.UI.RefreshSeconds <= 0 {
		cfg.UI.RefreshSeconds = def.UI.RefreshSeconds
	}
	if cfg.Tunnel.URLWaitSeconds <= 0 {
		cfg.Tunnel.URLWaitSeconds = def.Tunnel.URLWaitSeconds
	}
	if cfg.Tunnel.APITimeoutSeconds <= 0 {
		cfg.Tunnel.APITimeoutSeconds = def.Tunnel.APITimeoutSeconds
	}
	if p, err := util.NormalizeProtocol(cfg.Tunnel.Protocol); err == nil {
		cfg.Tunnel.Protocol = p
	} else {
		cfg.Tunnel.Protocol = def.Tunnel.Protocol
	}
	cfg.Output = strings.ToLower(strings.TrimSpace(cfg.Output))
	if cfg.Output != OutputJSON {
		cfg.Output = OutputTable
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = def.LogLevel
	}
	if strings.TrimSpace(cfg.Cloudflared.MinVersion) == "" {
		cfg.Cloudflared.MinVersion = def.Cloudflared.MinVersion
	}
	if strings.TrimSpace(cfg.Cloudflared.DownloadBaseURL) == "" {
		cfg.Cloudflared.DownloadBaseURL = def.Cloudflared.DownloadBaseURL
	}
}

func applyEnv(cfg *Config) {
	if v := strings.ToLower(strings.TrimSpace(os.Getenv("CF_OUTPUT_FORMAT"))); v == OutputJSON || v == OutputTable {
		cfg.Output = v
	}
	if v := strings.TrimSpace(os.Getenv("CFKIT_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
}

// Save writes config to config.yaml.
func Save(cfg Config) error {
	d, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
