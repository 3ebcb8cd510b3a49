// Package config provides configuration types and defaults for enrich.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/enrich/internal/log"
	"github.com/zjrosen/enrich/internal/tracing"
)

// Config holds all configuration options for enrich.
type Config struct {
	Store      StoreConfig      `mapstructure:"store"`
	Grok       GrokConfig       `mapstructure:"grok"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Upsert     UpsertConfig     `mapstructure:"upsert"`
	Watch      WatchConfig      `mapstructure:"watch"`
	Tracing    tracing.Config   `mapstructure:"tracing"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        LogConfig        `mapstructure:"log"`
}

// StoreConfig holds the stream store location.
type StoreConfig struct {
	// Path is the SQLite database file.
	// Default: ~/.enrich/streams.db
	Path string `mapstructure:"path"`
}

// GrokConfig holds grok pattern collection settings.
type GrokConfig struct {
	// PatternsDir holds extra pattern files loaded after the built-in set.
	// Optional.
	PatternsDir string `mapstructure:"patterns_dir"`

	// CacheTTL bounds how long compiled expressions stay cached.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// SimulationConfig holds preview settings.
type SimulationConfig struct {
	SampleSize int           `mapstructure:"sample_size"` // Documents per preview run
	Timeout    time.Duration `mapstructure:"timeout"`     // Per-run bound, 0 = none
}

// UpsertConfig holds commit settings.
type UpsertConfig struct {
	Timeout time.Duration `mapstructure:"timeout"` // Per-call bound, 0 = none
}

// WatchConfig controls refreshing a session when the store changes on disk.
type WatchConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// MetricsConfig holds the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables the endpoint.
	Addr string `mapstructure:"addr"`
}

// LogConfig holds debug log settings. Logging is only active with --debug
// or ENRICH_DEBUG.
type LogConfig struct {
	Path  string `mapstructure:"path"`
	Level string `mapstructure:"level"` // debug, info, warn, error
}

// DefaultStorePath returns the default path for the stream store.
// Returns ~/.enrich/streams.db or a relative path if home dir unavailable.
func DefaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".enrich", "streams.db")
	}
	return filepath.Join(home, ".enrich", "streams.db")
}

// DefaultTracesFilePath returns the default path for trace file export.
// Returns ~/.config/enrich/traces/traces.jsonl or empty string if home dir unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "enrich", "traces", "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	tc := tracing.DefaultConfig()
	tc.FilePath = DefaultTracesFilePath()
	return Config{
		Store: StoreConfig{
			Path: DefaultStorePath(),
		},
		Grok: GrokConfig{
			CacheTTL: 10 * time.Minute,
		},
		Simulation: SimulationConfig{
			SampleSize: 100,
			Timeout:    10 * time.Second,
		},
		Upsert: UpsertConfig{
			Timeout: 30 * time.Second,
		},
		Watch: WatchConfig{
			Enabled:  false,
			Debounce: time.Second,
		},
		Tracing: tc,
		Log: LogConfig{
			Path:  "debug.log",
			Level: "debug",
		},
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := ValidateStore(c.Store); err != nil {
		return err
	}
	if err := ValidateGrok(c.Grok); err != nil {
		return err
	}
	if err := ValidateSimulation(c.Simulation); err != nil {
		return err
	}
	if err := ValidateUpsert(c.Upsert); err != nil {
		return err
	}
	if err := ValidateWatch(c.Watch); err != nil {
		return err
	}
	if err := ValidateTracing(c.Tracing); err != nil {
		return err
	}
	return ValidateLog(c.Log)
}

// ValidateStore checks store configuration for errors.
func ValidateStore(store StoreConfig) error {
	if store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}

// ValidateGrok checks grok configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateGrok(g GrokConfig) error {
	if g.CacheTTL < 0 {
		return fmt.Errorf("grok.cache_ttl must not be negative, got %s", g.CacheTTL)
	}
	if g.PatternsDir != "" {
		info, err := os.Stat(g.PatternsDir)
		if err != nil {
			return fmt.Errorf("grok.patterns_dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("grok.patterns_dir %q is not a directory", g.PatternsDir)
		}
	}
	return nil
}

// ValidateSimulation checks simulation configuration for errors.
func ValidateSimulation(s SimulationConfig) error {
	if s.SampleSize < 0 {
		return fmt.Errorf("simulation.sample_size must not be negative, got %d", s.SampleSize)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("simulation.timeout must not be negative, got %s", s.Timeout)
	}
	return nil
}

// ValidateUpsert checks upsert configuration for errors.
func ValidateUpsert(u UpsertConfig) error {
	if u.Timeout < 0 {
		return fmt.Errorf("upsert.timeout must not be negative, got %s", u.Timeout)
	}
	return nil
}

// ValidateWatch checks watch configuration for errors.
func ValidateWatch(w WatchConfig) error {
	if w.Enabled && w.Debounce <= 0 {
		return fmt.Errorf("watch.debounce must be positive when watch is enabled, got %s", w.Debounce)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tc tracing.Config) error {
	if tc.SampleRate < 0.0 || tc.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tc.SampleRate)
	}

	if tc.Exporter != "" {
		switch tc.Exporter {
		case tracing.ExporterNone, tracing.ExporterFile, tracing.ExporterStdout, tracing.ExporterOTLP:
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tc.Exporter)
		}
	}

	// Only validate path requirements when tracing is enabled
	if tc.Enabled {
		if tc.Exporter == tracing.ExporterFile && tc.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tc.Exporter == tracing.ExporterOTLP && tc.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// ValidateLog checks log configuration for errors.
func ValidateLog(l LogConfig) error {
	switch l.Level {
	case "", "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("log.level must be \"debug\", \"info\", \"warn\", or \"error\", got %q", l.Level)
	}
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Enrich Configuration

# Stream store (SQLite)
store:
  # path: ~/.enrich/streams.db

# Grok pattern collection
grok:
  # patterns_dir: /path/to/patterns   # Extra pattern files, loaded after the built-in set
  cache_ttl: 10m                      # How long compiled expressions stay cached

# Preview simulation
simulation:
  sample_size: 100   # Sample documents per preview run
  timeout: 10s       # Per-run bound (0 = none)

# Committing staged processors
upsert:
  timeout: 30s       # Per-call bound (0 = none), never retried

# Refresh sessions when the store changes on disk
watch:
  enabled: false
  debounce: 1s

# Prometheus metrics endpoint for 'enrich session'
# metrics:
#   addr: localhost:9464

# Debug log (enabled with --debug or ENRICH_DEBUG=1)
log:
  path: debug.log
  level: debug       # debug, info, warn, error

# Distributed tracing
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp (default: file)
#   file_path: ~/.config/enrich/traces/traces.jsonl  # Output file for file exporter
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0 (default: 1.0)
#
# Example: Send traces to Jaeger via OTLP
# tracing:
#   enabled: true
#   exporter: otlp
#   otlp_endpoint: jaeger.internal:4317
#   sample_rate: 0.1  # Sample 10% of traces
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
