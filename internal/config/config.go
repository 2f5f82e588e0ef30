// Package config handles configuration loading, validation, and management
// for imcontext.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/joeshaw/envdecode"

	"imcontext/internal/logging"
)

// Version is the current configuration schema version.
const Version = 1

// Transport kinds.
const (
	TransportMaliit    = "maliit"
	TransportWebSocket = "websocket"
)

// Config holds the complete client configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Transport selects and tunes the link to the input method server.
	Transport TransportConfig `toml:"transport" json:"transport" yaml:"transport"`

	// Session tunes the input context controller.
	Session SessionConfig `toml:"session" json:"session" yaml:"session"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// TransportConfig holds connection settings.
type TransportConfig struct {
	// Kind is "maliit" (D-Bus) or "websocket".
	Kind string `toml:"kind" json:"kind" yaml:"kind"`

	// Address is the D-Bus peer-to-peer address of the Maliit server.
	// Empty means ask org.maliit.server on the session bus.
	Address string `toml:"address" json:"address" yaml:"address"`

	// URL is the endpoint used by the websocket transport.
	URL string `toml:"url" json:"url" yaml:"url"`

	// ReconnectBaseMs is the first reconnect delay in milliseconds.
	ReconnectBaseMs int `toml:"reconnect_base_ms" json:"reconnect_base_ms" yaml:"reconnect_base_ms"`

	// ReconnectMaxMs caps the reconnect delay in milliseconds.
	ReconnectMaxMs int `toml:"reconnect_max_ms" json:"reconnect_max_ms" yaml:"reconnect_max_ms"`

	// MaxAttempts bounds consecutive failed connection attempts. 0 retries forever.
	MaxAttempts int `toml:"max_attempts" json:"max_attempts" yaml:"max_attempts"`

	// EventBuffer is the capacity of the inbound event channel.
	EventBuffer int `toml:"event_buffer" json:"event_buffer" yaml:"event_buffer"`
}

// SessionConfig holds controller settings.
type SessionConfig struct {
	// ResetAck is "auto", "explicit" or "inferred".
	ResetAck string `toml:"reset_ack" json:"reset_ack" yaml:"reset_ack"`

	// InitialOrientation is the angle assumed before the host reports one.
	InitialOrientation int `toml:"initial_orientation" json:"initial_orientation" yaml:"initial_orientation"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level"`
	Format     string `toml:"format" json:"format" yaml:"format"`
	Output     string `toml:"output" json:"output" yaml:"output"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig holds the metrics endpoint settings.
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Transport: TransportConfig{
			Kind:            TransportMaliit,
			ReconnectBaseMs: 1000,
			ReconnectMaxMs:  30000,
			EventBuffer:     64,
		},
		Session: SessionConfig{
			ResetAck: "auto",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   logging.DefaultLogPath(),
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9477",
		},
	}
}

// ConfigDir returns the platform-specific configuration directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/imcontext/
//   - Linux:   $XDG_CONFIG_HOME/imcontext/ or ~/.config/imcontext/
//   - Windows: %APPDATA%\imcontext\
func ConfigDir() string {
	if dir := os.Getenv("IMCONTEXT_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "imcontext")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "imcontext")
		}
		return filepath.Join(home, "AppData", "Roaming", "imcontext")
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "imcontext")
		}
		return filepath.Join(home, ".config", "imcontext")
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// Load reads configuration from path, applies environment overrides and
// validates the result. A missing file yields the defaults.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// envOverrides lists the environment variables that override file settings.
type envOverrides struct {
	Transport     string `env:"IMCONTEXT_TRANSPORT"`
	ServerAddress string `env:"MALIIT_SERVER_ADDRESS"`
	WebSocketURL  string `env:"IMCONTEXT_WS_URL"`
	LogLevel      string `env:"IMCONTEXT_LOG_LEVEL"`
	LogPath       string `env:"IMCONTEXT_LOG_PATH"`
	MetricsAddr   string `env:"IMCONTEXT_METRICS_ADDR"`
}

// ApplyEnvOverrides applies environment variable overrides to the
// configuration. MALIIT_SERVER_ADDRESS is honored for compatibility with
// other Maliit clients.
func (c *Config) ApplyEnvOverrides() error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return fmt.Errorf("decode environment: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if env.Transport != "" {
		c.Transport.Kind = strings.ToLower(env.Transport)
	}
	if env.ServerAddress != "" {
		c.Transport.Address = env.ServerAddress
	}
	if env.WebSocketURL != "" {
		c.Transport.URL = env.WebSocketURL
	}
	if env.LogLevel != "" {
		c.Logging.Level = env.LogLevel
	}
	if env.LogPath != "" {
		c.Logging.FilePath = env.LogPath
		if c.Logging.Output == "stderr" || c.Logging.Output == "stdout" {
			c.Logging.Output = "both"
		}
	}
	if env.MetricsAddr != "" {
		c.Metrics.ListenAddr = env.MetricsAddr
		c.Metrics.Enabled = true
	}
	return nil
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version:   c.Version,
		Transport: c.Transport,
		Session:   c.Session,
		Logging:   c.Logging,
		Metrics:   c.Metrics,
	}
}

// ReconnectBase returns the first reconnect delay.
func (t TransportConfig) ReconnectBase() time.Duration {
	return time.Duration(t.ReconnectBaseMs) * time.Millisecond
}

// ReconnectMax returns the reconnect delay cap.
func (t TransportConfig) ReconnectMax() time.Duration {
	return time.Duration(t.ReconnectMaxMs) * time.Millisecond
}

// LoggerConfig converts the logging section into a logging.Config.
func (l LoggingConfig) LoggerConfig() (*logging.Config, error) {
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(l.Format)
	if err != nil {
		return nil, err
	}

	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Format = format
	cfg.Output = l.Output
	if l.FilePath != "" {
		cfg.FilePath = l.FilePath
	}
	cfg.MaxSize = int64(l.MaxSizeMB)
	cfg.MaxBackups = l.MaxBackups
	cfg.MaxAge = l.MaxAgeDays
	cfg.Compress = l.Compress
	return cfg, nil
}
