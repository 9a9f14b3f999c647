// Package config handles the summercoat.toml VM configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tliron/commonlog"

	"github.com/lvyitian/SquirrelJME/pkg/cpu"
	"github.com/lvyitian/SquirrelJME/pkg/debuginfo"
	"github.com/lvyitian/SquirrelJME/pkg/suite"
)

var log = commonlog.GetLogger("summercoat.config")

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents a summercoat.toml file.
type Config struct {
	CPU     CPUConfig     `toml:"cpu"`
	Suites  SuitesConfig  `toml:"suites"`
	Run     RunConfig     `toml:"run"`
	Metrics MetricsConfig `toml:"metrics"`
	Logging LoggingConfig `toml:"logging"`
}

// CPUConfig tunes the processors.
type CPUConfig struct {
	Processors     int `toml:"processors"`
	CacheSize      int `toml:"cache-size"`
	CacheSpill     int `toml:"cache-spill"`
	DebugCacheSize int `toml:"debug-cache-size"`
}

// SuitesConfig selects where libraries come from. Store takes precedence
// over Dir when both are set.
type SuitesConfig struct {
	Dir   string `toml:"dir"`
	Store string `toml:"store"`
	Base  uint32 `toml:"base"`
}

// RunConfig describes the initial frame and the RAM mapped after the
// suites window.
type RunConfig struct {
	// Entry is the address of the first instruction; zero means the start of
	// the first library's chunk.
	Entry   uint32  `toml:"entry"`
	Args    []int32 `toml:"args"`
	RAMSize int     `toml:"ram-size"`
	Timeout string  `toml:"timeout"`
	Trace   bool    `toml:"trace"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled         bool   `toml:"enabled"`
	Addr            string `toml:"addr"`
	CollectInterval string `toml:"collect-interval"`
}

// LoggingConfig configures commonlog and the step printer.
type LoggingConfig struct {
	Verbosity int    `toml:"verbosity"`
	Color     string `toml:"color"` // auto, always or never
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		CPU: CPUConfig{
			Processors:     1,
			CacheSize:      cpu.DefaultCacheSize,
			CacheSpill:     cpu.DefaultCacheSpill,
			DebugCacheSize: debuginfo.DefaultCacheSize,
		},
		Suites: SuitesConfig{
			Dir:  "suites",
			Base: 0x00100000,
		},
		Run: RunConfig{
			RAMSize: 16 << 20,
		},
		Metrics: MetricsConfig{
			Enabled:         false,
			Addr:            ":9090",
			CollectInterval: "15s",
		},
		Logging: LoggingConfig{
			Verbosity: 1,
			Color:     "auto",
		},
	}
}

// Load parses the TOML file at path over the defaults. A missing file is
// not an error: the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Infof("Config file not found at %s, using defaults", path)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	log.Infof("Loaded configuration from %s", path)
	return cfg, nil
}

// Parse decodes TOML data into cfg. Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// Validate checks the configuration for values the VM cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if c.CPU.Processors < 1 {
		problems = append(problems, "cpu.processors must be at least 1")
	}
	if c.CPU.CacheSize < 1 {
		problems = append(problems, "cpu.cache-size must be positive")
	}
	if c.CPU.CacheSpill < 1 || c.CPU.CacheSpill > c.CPU.CacheSize {
		problems = append(problems, "cpu.cache-spill must be between 1 and cpu.cache-size")
	}
	if c.CPU.DebugCacheSize < 1 {
		problems = append(problems, "cpu.debug-cache-size must be positive")
	}
	if c.Suites.Dir == "" && c.Suites.Store == "" {
		problems = append(problems, "one of suites.dir or suites.store is required")
	}
	if c.Suites.Base == 0 {
		problems = append(problems, "suites.base must not be zero")
	}
	if c.Run.RAMSize < 0 {
		problems = append(problems, "run.ram-size must not be negative")
	}
	if _, err := c.Run.TimeoutDuration(); err != nil {
		problems = append(problems, "run.timeout: "+err.Error())
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		problems = append(problems, "metrics.addr is required when metrics are enabled")
	}
	if _, err := c.Metrics.Interval(); err != nil {
		problems = append(problems, "metrics.collect-interval: "+err.Error())
	}
	switch c.Logging.Color {
	case "auto", "always", "never":
	default:
		problems = append(problems, fmt.Sprintf("logging.color %q is not auto, always or never", c.Logging.Color))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// TimeoutDuration parses Timeout; empty means no timeout.
func (r *RunConfig) TimeoutDuration() (time.Duration, error) {
	if r.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(r.Timeout)
}

// Interval parses CollectInterval; empty means the collector default.
func (m *MetricsConfig) Interval() (time.Duration, error) {
	if m.CollectInterval == "" {
		return 0, nil
	}
	return time.ParseDuration(m.CollectInterval)
}

// CPUOptions returns the processor options described by the configuration.
func (c *Config) CPUOptions() cpu.Options {
	return cpu.Options{
		CacheSize:  c.CPU.CacheSize,
		CacheSpill: c.CPU.CacheSpill,
	}
}

// EntryAddress returns the configured entry point, resolving zero to the
// first library chunk.
func (c *Config) EntryAddress() uint32 {
	if c.Run.Entry != 0 {
		return c.Run.Entry
	}
	return c.Suites.Base + suite.ConfigTableSize
}
