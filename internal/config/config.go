// ABOUTME: Configuration loading and parsing for clarity-kernel
// ABOUTME: YAML with ${VAR} expansion, raw durations, then CLARITY_* env overrides

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/clarityos/clarity-kernel/internal/bus"
)

// EnvPrefix prefixes every environment override, e.g. CLARITY_BUS_HISTORY_SIZE.
const EnvPrefix = "CLARITY_"

// Config represents the complete clarity-kernel configuration
type Config struct {
	Bus        BusConfig        `yaml:"bus" envPrefix:"BUS_"`
	Supervisor SupervisorConfig `yaml:"supervisor" envPrefix:"SUPERVISOR_"`
	Server     ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Database   DatabaseConfig   `yaml:"database" envPrefix:"DATABASE_"`
	Logging    LoggingConfig    `yaml:"logging" envPrefix:"LOGGING_"`
}

// BusConfig holds message bus sizing
type BusConfig struct {
	HistorySize int `yaml:"history_size" env:"HISTORY_SIZE"`

	// Workers maps priority names (critical, high, normal, low, lowest) to
	// worker counts. Missing priorities use the bus defaults.
	Workers map[string]int `yaml:"workers"`

	RequestTimeout    time.Duration `yaml:"-" env:"REQUEST_TIMEOUT"`
	RequestTimeoutRaw string        `yaml:"request_timeout"`
}

// SupervisorConfig holds agent supervision timing and the manifest directory
type SupervisorConfig struct {
	AgentsDir string `yaml:"agents_dir" env:"AGENTS_DIR"`

	MonitorInterval time.Duration `yaml:"-" env:"MONITOR_INTERVAL"`
	StopTimeout     time.Duration `yaml:"-" env:"STOP_TIMEOUT"`
	DedupeTTL       time.Duration `yaml:"-" env:"DEDUPE_TTL"`

	// Raw string values for YAML unmarshaling
	MonitorIntervalRaw string `yaml:"monitor_interval"`
	StopTimeoutRaw     string `yaml:"stop_timeout"`
	DedupeTTLRaw       string `yaml:"dedupe_ttl"`
}

// ServerConfig holds listener addresses. An empty address disables that
// listener.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" env:"HTTP_ADDR"`
	GRPCAddr string `yaml:"grpc_addr" env:"GRPC_ADDR"`
}

// DatabaseConfig holds the agent registry database location. An empty path
// disables persistence.
type DatabaseConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded, duration
// strings are parsed, and CLARITY_* variables override file values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromEnv builds a configuration from defaults and CLARITY_* variables only.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finish() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("applying environment overrides: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

// ResolvePath picks the config file: the explicit flag value, then
// CLARITY_CONFIG, then $XDG_CONFIG_HOME/clarity/kernel.yaml (or
// ~/.config/clarity/kernel.yaml). It returns "" when no candidate exists.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(EnvPrefix + "CONFIG"); p != "" {
		return p
	}

	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	p := filepath.Join(base, "clarity", "kernel.yaml")
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Bus.HistorySize == 0 {
		c.Bus.HistorySize = bus.DefaultHistorySize
	}
	if c.Bus.RequestTimeout == 0 {
		c.Bus.RequestTimeout = bus.DefaultRequestTimeout
	}
	if c.Supervisor.MonitorInterval == 0 {
		c.Supervisor.MonitorInterval = 5 * time.Second
	}
	if c.Supervisor.StopTimeout == 0 {
		c.Supervisor.StopTimeout = 10 * time.Second
	}
	if c.Supervisor.DedupeTTL == 0 {
		c.Supervisor.DedupeTTL = 5 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing every validation failure encountered.
func (c *Config) Validate() error {
	var errs []error

	if c.Bus.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("bus.history_size must not be negative"))
	}
	if _, err := c.Bus.WorkerCounts(); err != nil {
		errs = append(errs, err)
	}
	if c.Bus.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("bus.request_timeout must not be negative"))
	}
	if c.Supervisor.MonitorInterval < 0 || c.Supervisor.StopTimeout < 0 || c.Supervisor.DedupeTTL < 0 {
		errs = append(errs, fmt.Errorf("supervisor durations must not be negative"))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q must be debug, info, warn or error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// WorkerCounts converts the configured worker names into bus priorities.
func (b BusConfig) WorkerCounts() (map[bus.Priority]int, error) {
	out := make(map[bus.Priority]int, len(b.Workers))
	for name, n := range b.Workers {
		p, err := bus.ParsePriority(name)
		if err != nil {
			return nil, fmt.Errorf("bus.workers: %w", err)
		}
		if n < 1 {
			return nil, fmt.Errorf("bus.workers.%s must be at least 1", name)
		}
		out[p] = n
	}
	return out, nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"bus.request_timeout", cfg.Bus.RequestTimeoutRaw, &cfg.Bus.RequestTimeout},
		{"supervisor.monitor_interval", cfg.Supervisor.MonitorIntervalRaw, &cfg.Supervisor.MonitorInterval},
		{"supervisor.stop_timeout", cfg.Supervisor.StopTimeoutRaw, &cfg.Supervisor.StopTimeout},
		{"supervisor.dedupe_ttl", cfg.Supervisor.DedupeTTLRaw, &cfg.Supervisor.DedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
