package detrack

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config represents the complete proxy configuration.
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Blocklist configuration
	Blocklist BlocklistConfig `mapstructure:"blocklist"`

	// Classifier configuration
	Classifier ClassifierConfig `mapstructure:"classifier"`

	// Admin API configuration
	Admin AdminConfig `mapstructure:"admin"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig contains server-related settings.
type ServerConfig struct {
	// Addr to listen on (e.g., "127.0.0.1:8100")
	Addr string `mapstructure:"addr"`

	// LogCapacity bounds the in-memory request log buffer.
	LogCapacity int `mapstructure:"log_capacity"`

	// BandwidthEstimate is the per-blocked-request byte credit for the
	// bandwidth-saved counter.
	BandwidthEstimate uint64 `mapstructure:"bandwidth_estimate"`
}

// BlocklistConfig contains blocklist settings.
type BlocklistConfig struct {
	// Path to the blocklist file (created if absent).
	Path string `mapstructure:"path"`

	// ExtraTrackingParams extends the tracking parameter vocabulary
	// used for URL cleaning.
	ExtraTrackingParams []string `mapstructure:"extra_tracking_params"`
}

// ClassifierConfig contains heuristic classifier settings.
type ClassifierConfig struct {
	// Enabled determines if heuristic detection is active.
	Enabled bool `mapstructure:"enabled"`

	// Threshold is the confidence cutoff for tracker verdicts, [0,1].
	Threshold float64 `mapstructure:"threshold"`

	// StatePath is where learned parameters are snapshotted. Empty
	// disables persistence.
	StatePath string `mapstructure:"state_path"`
}

// AdminConfig contains admin API settings.
type AdminConfig struct {
	// Enabled mounts the admin API on the proxy listener.
	Enabled bool `mapstructure:"enabled"`

	// PathPrefix for admin routes.
	PathPrefix string `mapstructure:"path_prefix"`
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	// Enabled serves /metrics on the proxy listener.
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format is the log format: text, json
	Format string `mapstructure:"format"`

	// Output is where to write logs: stdout, stderr, or file path.
	// File paths get size-based rotation.
	Output string `mapstructure:"output"`

	// MaxSizeMB is the rotation threshold for file output.
	MaxSizeMB int `mapstructure:"max_size_mb"`

	// MaxBackups is how many rotated files to keep.
	MaxBackups int `mapstructure:"max_backups"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:              "127.0.0.1:8100",
			LogCapacity:       DefaultLogCapacity,
			BandwidthEstimate: DefaultBandwidthEstimate,
		},
		Blocklist: BlocklistConfig{
			Path: "trackers.txt",
		},
		Classifier: ClassifierConfig{
			Enabled:   true,
			Threshold: DefaultConfidenceThreshold,
		},
		Admin: AdminConfig{
			Enabled:    true,
			PathPrefix: "/api",
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// It searches for config files in the following order:
//  1. Explicit path (if provided)
//  2. ./detrack.yaml
//  3. $HOME/.detrack/config.yaml
//  4. /etc/detrack/config.yaml
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("detrack")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.detrack")
	v.AddConfigPath("/etc/detrack")

	v.SetEnvPrefix("DETRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found is OK - use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadConfigFromReader loads configuration from raw bytes. Useful for
// testing or embedded configs.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	v.SetDefault("server.addr", defaults.Server.Addr)
	v.SetDefault("server.log_capacity", defaults.Server.LogCapacity)
	v.SetDefault("server.bandwidth_estimate", defaults.Server.BandwidthEstimate)

	v.SetDefault("blocklist.path", defaults.Blocklist.Path)

	v.SetDefault("classifier.enabled", defaults.Classifier.Enabled)
	v.SetDefault("classifier.threshold", defaults.Classifier.Threshold)

	v.SetDefault("admin.enabled", defaults.Admin.Enabled)
	v.SetDefault("admin.path_prefix", defaults.Admin.PathPrefix)

	v.SetDefault("metrics.enabled", defaults.Metrics.Enabled)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.output", defaults.Logging.Output)
	v.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
}

// BuildLogger creates a slog.Logger from the logging configuration. File
// outputs are wrapped with lumberjack for size-based rotation.
func (c *Config) BuildLogger() *slog.Logger {
	var w io.Writer
	switch c.Logging.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		w = &lumberjack.Logger{
			Filename:   c.Logging.Output,
			MaxSize:    c.Logging.MaxSizeMB,
			MaxBackups: c.Logging.MaxBackups,
		}
	}

	var level slog.Level
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# DeTrack Proxy Configuration

server:
  # Address to listen on
  addr: "127.0.0.1:8100"

  # In-memory request log buffer ceiling
  log_capacity: 10000

  # Byte credit per blocked request for the bandwidth-saved counter
  bandwidth_estimate: 51200

blocklist:
  # Tracker list file, one domain per line ("#" comments allowed).
  # Created automatically if missing.
  path: "trackers.txt"

  # Extra query parameter names stripped during URL cleaning
  extra_tracking_params: []

classifier:
  # Heuristic tracker detection (suggests, never blocks on its own)
  enabled: true

  # Confidence threshold for tracker verdicts, 0.0 - 1.0
  threshold: 0.65

  # Snapshot file for learned parameters (empty = no persistence)
  # state_path: "classifier_state.json"

admin:
  # REST control surface on the proxy listener
  enabled: true
  path_prefix: "/api"

metrics:
  # Prometheus /metrics endpoint
  enabled: false

logging:
  # Log level: debug, info, warn, error
  level: "info"

  # Log format: text, json
  format: "text"

  # Output: stdout, stderr, or file path (rotated)
  output: "stderr"
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
