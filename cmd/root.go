// Package cmd implements the enrich command line.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/enrich/internal/config"
	"github.com/zjrosen/enrich/internal/infrastructure/sqlite"
	"github.com/zjrosen/enrich/internal/log"
)

// defaultConfigPath is where a config is written when none is found.
const defaultConfigPath = ".enrich/config.yaml"

var (
	version    = "dev"
	cfgFile    string
	debugFlag  bool
	cfg        config.Config
	logCleanup func()
)

var rootCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Headless stream enrichment sessions",
	Long: `Edit, preview and commit the ingest processors of a stream.

Stream definitions and preview samples live in a local SQLite store.
A session replays a YAML script of UI events against the enrichment
state machine and prints the resulting state and staged diff.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) {
		if logCleanup != nil {
			logCleanup()
			logCleanup = nil
		}
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .enrich/config.yaml, then ~/.config/enrich/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"enable debug logging (also ENRICH_DEBUG=1)")
	rootCmd.PersistentFlags().String("store", "", "path to the stream store database")

	_ = viper.BindPFlag("store.path", rootCmd.PersistentFlags().Lookup("store"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("store.path", defaults.Store.Path)
	viper.SetDefault("grok.cache_ttl", defaults.Grok.CacheTTL)
	viper.SetDefault("simulation.sample_size", defaults.Simulation.SampleSize)
	viper.SetDefault("simulation.timeout", defaults.Simulation.Timeout)
	viper.SetDefault("upsert.timeout", defaults.Upsert.Timeout)
	viper.SetDefault("watch.enabled", defaults.Watch.Enabled)
	viper.SetDefault("watch.debounce", defaults.Watch.Debounce)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.file_path", defaults.Tracing.FilePath)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)
	viper.SetDefault("log.path", defaults.Log.Path)
	viper.SetDefault("log.level", defaults.Log.Level)

	viper.SetEnvPrefix("ENRICH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .enrich/config.yaml (current directory)
		// 2. ~/.config/enrich/config.yaml (user config)
		if _, err := os.Stat(defaultConfigPath); err == nil {
			viper.SetConfigFile(defaultConfigPath)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "enrich"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create default at .enrich/config.yaml
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			if writeErr := config.WriteDefaultConfig(defaultConfigPath); writeErr == nil {
				viper.SetConfigFile(defaultConfigPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// setup validates the loaded config and starts debug logging.
func setup(_ *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	debug := os.Getenv("ENRICH_DEBUG") != "" || debugFlag
	if !debug {
		log.SetEnabled(false)
		return nil
	}
	cleanup, err := log.Init(cfg.Log.Path)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	logCleanup = cleanup
	log.SetEnabled(true)
	log.SetMinLevel(log.ParseLevel(cfg.Log.Level))
	log.Info(log.CatCLI, "enrich starting", "version", version, "config", viper.ConfigFileUsed())
	return nil
}

// openStore opens the configured stream store.
func openStore() (*sqlite.DB, error) {
	db, err := sqlite.NewDB(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening stream store %s: %w", cfg.Store.Path, err)
	}
	return db, nil
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
