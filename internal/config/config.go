// Package config provides configuration types, defaults, and persistence for ptyhandoff.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/zjrosen/ptyhandoff/internal/activation"
	"github.com/zjrosen/ptyhandoff/internal/log"
	"github.com/zjrosen/ptyhandoff/internal/tracing"
)

// Config holds all ptyhandoff configuration.
type Config struct {
	Handoff    HandoffConfig    `mapstructure:"handoff"`
	Activation ActivationConfig `mapstructure:"activation"`
	Log        LogConfig        `mapstructure:"log"`
	Journal    JournalConfig    `mapstructure:"journal"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Tracing    tracing.Config   `mapstructure:"tracing"`
}

// HandoffConfig configures the registration served by `ptyhandoff serve`.
type HandoffConfig struct {
	// ActivationID is the GUID to register, with or without braces.
	ActivationID string `mapstructure:"activation_id"`

	// Once registers single-use: the first activation retires the registration.
	Once bool `mapstructure:"once"`

	// DeliveryTimeout bounds how long an activation waits for the consumer.
	// 0 waits forever.
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`

	// Exec is the command started for each delivery, wired to the
	// delivered In/Out handles. Empty means log and close the handles.
	Exec []string `mapstructure:"exec"`
}

// ActivationConfig configures the socket activation registry.
type ActivationConfig struct {
	SocketDir string `mapstructure:"socket_dir"`

	// RevokedTTL is how long a revoked identity answers "revoked" instead
	// of "not registered".
	RevokedTTL time.Duration `mapstructure:"revoked_ttl"`
}

// LogConfig configures the debug log.
type LogConfig struct {
	Path       string `mapstructure:"path"`
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// JournalConfig configures the handoff history database.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// MetricsConfig configures the Prometheus listener. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DefaultDir returns ~/.config/ptyhandoff, or "" if the home directory is unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "ptyhandoff")
}

// DefaultSocketDir prefers $XDG_RUNTIME_DIR and falls back to a per-user
// directory under the system temp dir.
func DefaultSocketDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "ptyhandoff")
	}
	return filepath.Join(os.TempDir(), "ptyhandoff-"+strconv.Itoa(os.Getuid()))
}

func defaultPath(name ...string) string {
	dir := DefaultDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(append([]string{dir}, name...)...)
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	tr := tracing.DefaultConfig()
	tr.FilePath = defaultPath("traces", "traces.jsonl")

	return Config{
		Handoff: HandoffConfig{
			Once:            false,
			DeliveryTimeout: 0,
		},
		Activation: ActivationConfig{
			SocketDir:  DefaultSocketDir(),
			RevokedTTL: activation.DefaultRetiredTTL,
		},
		Log: LogConfig{
			Path:       defaultPath("debug.log"),
			Level:      "debug",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    defaultPath("history.db"),
		},
		Tracing: tr,
	}
}

// Validate checks cfg for values the commands cannot run with.
func Validate(cfg Config) error {
	if cfg.Handoff.ActivationID != "" {
		if _, err := activation.ParseID(cfg.Handoff.ActivationID); err != nil {
			return fmt.Errorf("handoff.activation_id: %w", err)
		}
	}
	if cfg.Handoff.DeliveryTimeout < 0 {
		return fmt.Errorf("handoff.delivery_timeout must not be negative, got %s", cfg.Handoff.DeliveryTimeout)
	}
	if cfg.Activation.RevokedTTL < 0 {
		return fmt.Errorf("activation.revoked_ttl must not be negative, got %s", cfg.Activation.RevokedTTL)
	}
	if _, err := log.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if cfg.Journal.Enabled && cfg.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when the journal is enabled")
	}
	if cfg.Metrics.Addr != "" {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Addr); err != nil {
			return fmt.Errorf("metrics.addr: %w", err)
		}
	}
	return ValidateTracing(cfg.Tracing)
}

// ValidateTracing checks the tracing section.
func ValidateTracing(tr tracing.Config) error {
	if tr.SampleRate < 0.0 || tr.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tr.SampleRate)
	}

	switch tr.Exporter {
	case "", "none", "file", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tr.Exporter)
	}

	if tr.Enabled {
		if tr.Exporter == "file" && tr.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tr.Exporter == "otlp" && tr.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}
	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# ptyhandoff configuration

handoff:
  # GUID of the activation identity to register, with or without braces.
  # activation_id: "{6A3F2C1E-9B7D-4E2A-8C5F-1D0B9E8A7C6B}"
  once: false              # Accept a single activation, then retire the registration
  delivery_timeout: 0s     # 0s waits for the consumer forever
  # exec: ["/bin/sh", "-i"] # Started per delivery with In/Out as stdin/stdout

activation:
  # socket_dir: /run/user/1000/ptyhandoff
  revoked_ttl: 2m          # How long a revoked identity reports "revoked"

log:
  level: debug             # debug, info, warn, error
  max_size_mb: 10
  max_backups: 3
  max_age_days: 28
  # path: ~/.config/ptyhandoff/debug.log

journal:
  enabled: true
  # path: ~/.config/ptyhandoff/history.db

metrics:
  # addr: 127.0.0.1:9464   # Serve Prometheus metrics on /metrics

# Tracing settings
# tracing:
#   enabled: true
#   exporter: file         # none, file, stdout, otlp
#   file_path: ~/.config/ptyhandoff/traces/traces.jsonl
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
