package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/ptyhandoff/internal/config"
	"github.com/zjrosen/ptyhandoff/internal/log"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "ptyhandoff",
	Short: "Hand pseudo-terminal channels from an activator to a waiting consumer",
	Long: `ptyhandoff registers an activation identity and waits. When an activator
connects for that identity it passes six channel handles plus startup info;
ptyhandoff duplicates them and hands them to the consumer, returning only
once the consumer has taken them.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/ptyhandoff/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"enable debug logging (also PTYHANDOFF_DEBUG)")
}

func initConfig() {
	setDefaults(viper.GetViper(), config.Defaults())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .ptyhandoff/config.yaml (current directory)
		// 2. ~/.config/ptyhandoff/config.yaml (user config)
		if _, err := os.Stat(".ptyhandoff/config.yaml"); err == nil {
			viper.SetConfigFile(".ptyhandoff/config.yaml")
		} else if dir := config.DefaultDir(); dir != "" {
			viper.AddConfigPath(dir)
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// A missing file means defaults; `ptyhandoff config init` writes one.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "warning: reading config: %v\n", err)
		}
	}

	cfg = config.Config{}
	if err := viper.Unmarshal(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: decoding config: %v\n", err)
	}
}

func setDefaults(v *viper.Viper, d config.Config) {
	v.SetDefault("handoff.once", d.Handoff.Once)
	v.SetDefault("handoff.delivery_timeout", d.Handoff.DeliveryTimeout)
	v.SetDefault("activation.socket_dir", d.Activation.SocketDir)
	v.SetDefault("activation.revoked_ttl", d.Activation.RevokedTTL)
	v.SetDefault("log.path", d.Log.Path)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("journal.enabled", d.Journal.Enabled)
	v.SetDefault("journal.path", d.Journal.Path)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}

// configPath is where `config` subcommands read and write.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return filepath.Join(config.DefaultDir(), "config.yaml")
}

// setupLogging starts the debug log when --debug or PTYHANDOFF_DEBUG is set.
// The returned cleanup is never nil.
func setupLogging(name string) (func(), error) {
	if !debugFlag && os.Getenv("PTYHANDOFF_DEBUG") == "" {
		return func() {}, nil
	}

	path := os.Getenv("PTYHANDOFF_LOG")
	if path == "" {
		path = cfg.Log.Path
	}
	if path == "" {
		path = "debug.log"
	}

	cleanup, err := log.Init(log.FileConfig{
		Path:       path,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}
	if level, err := log.ParseLevel(cfg.Log.Level); err == nil {
		log.SetMinLevel(level)
	}

	log.Info(log.CatCLI, "ptyhandoff starting", "command", name, "version", version, "log", path)
	return cleanup, nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
