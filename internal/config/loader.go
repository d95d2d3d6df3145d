package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"memcoord/internal/memory"
	"memcoord/internal/pressure"
)

// EnvPrefix is the prefix for environment overrides, e.g. MEMCOORD_ADDR.
const EnvPrefix = "MEMCOORD"

// Device declares one memory device. Host capacity bounds the RAM cache's
// allocations and is detected from the OS when zero; GPU capacities are
// simulated by the arena backends.
type Device struct {
	ID       string   `json:"id" yaml:"id" toml:"id"`
	Kind     string   `json:"kind" yaml:"kind" toml:"kind"`
	Capacity ByteSize `json:"capacity" yaml:"capacity" toml:"capacity"`
}

type Cache struct {
	Limit ByteSize `json:"limit" yaml:"limit" toml:"limit" envconfig:"LIMIT"`
}

type Coordination struct {
	Timeout       Duration `json:"timeout" yaml:"timeout" toml:"timeout" envconfig:"TIMEOUT"`
	StatusTimeout Duration `json:"status_timeout" yaml:"status_timeout" toml:"status_timeout" envconfig:"STATUS_TIMEOUT"`
	// SyncInterval paces the reconcile sweep; negative disables it.
	SyncInterval         Duration `json:"sync_interval" yaml:"sync_interval" toml:"sync_interval" envconfig:"SYNC_INTERVAL"`
	ReconcileConcurrency int      `json:"reconcile_concurrency" yaml:"reconcile_concurrency" toml:"reconcile_concurrency" envconfig:"RECONCILE_CONCURRENCY"`
	// TimeoutExtensions is how often a timed-out load or unload still
	// running on the worker is given another Timeout; negative means never.
	TimeoutExtensions int `json:"timeout_extensions" yaml:"timeout_extensions" toml:"timeout_extensions" envconfig:"TIMEOUT_EXTENSIONS"`
}

type Pressure struct {
	Interval Duration            `json:"interval" yaml:"interval" toml:"interval" envconfig:"INTERVAL"`
	Levels   pressure.Thresholds `json:"thresholds" yaml:"thresholds" toml:"thresholds" envconfig:"THRESHOLDS"`
}

// Worker describes the worker process. An empty Bin runs the reference
// worker in-process.
type Worker struct {
	Bin         string   `json:"bin" yaml:"bin" toml:"bin" envconfig:"BIN"`
	Args        []string `json:"args" yaml:"args" toml:"args" envconfig:"ARGS"`
	Env         []string `json:"env" yaml:"env" toml:"env" envconfig:"ENV"`
	StopTimeout Duration `json:"stop_timeout" yaml:"stop_timeout" toml:"stop_timeout" envconfig:"STOP_TIMEOUT"`
}

type CORS struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled" envconfig:"ENABLED"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins" envconfig:"ORIGINS"`
	Methods []string `json:"methods" yaml:"methods" toml:"methods" envconfig:"METHODS"`
	Headers []string `json:"headers" yaml:"headers" toml:"headers" envconfig:"HEADERS"`
}

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are filled by Defaults.
type Config struct {
	Addr          string       `json:"addr" yaml:"addr" toml:"addr" envconfig:"ADDR"`
	ModelsDir     string       `json:"models_dir" yaml:"models_dir" toml:"models_dir" envconfig:"MODELS_DIR"`
	DefaultDevice string       `json:"default_device" yaml:"default_device" toml:"default_device" envconfig:"DEFAULT_DEVICE"`
	LogLevel      string       `json:"log_level" yaml:"log_level" toml:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat     string       `json:"log_format" yaml:"log_format" toml:"log_format" envconfig:"LOG_FORMAT"`
	MaxBodyBytes  ByteSize     `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes" envconfig:"MAX_BODY_BYTES"`
	SafetyMargin  float64      `json:"safety_margin" yaml:"safety_margin" toml:"safety_margin" envconfig:"SAFETY_MARGIN"`
	Strategy      string       `json:"strategy" yaml:"strategy" toml:"strategy" envconfig:"STRATEGY"`
	Devices       []Device     `json:"devices" yaml:"devices" toml:"devices" ignored:"true"`
	Cache         Cache        `json:"cache" yaml:"cache" toml:"cache" envconfig:"CACHE"`
	Pressure      Pressure     `json:"pressure" yaml:"pressure" toml:"pressure" envconfig:"PRESSURE"`
	Coordination  Coordination `json:"coordination" yaml:"coordination" toml:"coordination" envconfig:"COORDINATION"`
	Worker        Worker       `json:"worker" yaml:"worker" toml:"worker" envconfig:"WORKER"`
	CORS          CORS         `json:"cors" yaml:"cors" toml:"cors" envconfig:"CORS"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// ApplyEnv overlays MEMCOORD_* environment variables onto cfg. Unset
// variables leave fields untouched. Devices can only come from a file.
func ApplyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("env: %w", err)
	}
	return nil
}

// Defaults returns the built-in configuration: one host device and one
// discrete GPU.
func Defaults() Config {
	return Config{
		Addr:          ":8080",
		ModelsDir:     "~/models/llm",
		DefaultDevice: "gpu0",
		LogLevel:      "info",
		LogFormat:     "console",
		MaxBodyBytes:  1 << 20,
		SafetyMargin:  0.05,
		Strategy:      string(memory.BestFit),
		Devices: []Device{
			{ID: string(memory.HostDevice), Kind: string(memory.KindHost), Capacity: 32 << 30},
			{ID: "gpu0", Kind: string(memory.KindDiscreteGPU), Capacity: 8 << 30},
		},
		Cache:    Cache{Limit: 16 << 30},
		Pressure: Pressure{Interval: Duration(5e9), Levels: pressure.DefaultThresholds()},
		Coordination: Coordination{
			Timeout:              Duration(30e9),
			StatusTimeout:        Duration(5e9),
			SyncInterval:         Duration(60e9),
			ReconcileConcurrency: 4,
		},
		Worker: Worker{StopTimeout: Duration(5e9)},
	}
}

// WithDefaults fills every zero field of cfg from Defaults.
func WithDefaults(cfg Config) Config {
	d := Defaults()
	if cfg.Addr == "" {
		cfg.Addr = d.Addr
	}
	if cfg.ModelsDir == "" {
		cfg.ModelsDir = d.ModelsDir
	}
	if cfg.DefaultDevice == "" {
		cfg.DefaultDevice = d.DefaultDevice
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = d.LogFormat
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = d.MaxBodyBytes
	}
	if cfg.SafetyMargin == 0 {
		cfg.SafetyMargin = d.SafetyMargin
	}
	if cfg.Strategy == "" {
		cfg.Strategy = d.Strategy
	}
	if len(cfg.Devices) == 0 {
		cfg.Devices = d.Devices
	}
	if cfg.Cache.Limit == 0 {
		cfg.Cache.Limit = d.Cache.Limit
	}
	if cfg.Pressure.Interval == 0 {
		cfg.Pressure.Interval = d.Pressure.Interval
	}
	if cfg.Pressure.Levels == (pressure.Thresholds{}) {
		cfg.Pressure.Levels = d.Pressure.Levels
	}
	if cfg.Coordination.Timeout == 0 {
		cfg.Coordination.Timeout = d.Coordination.Timeout
	}
	if cfg.Coordination.SyncInterval == 0 {
		cfg.Coordination.SyncInterval = d.Coordination.SyncInterval
	}
	if cfg.Coordination.StatusTimeout == 0 {
		cfg.Coordination.StatusTimeout = d.Coordination.StatusTimeout
	}
	if cfg.Coordination.ReconcileConcurrency == 0 {
		cfg.Coordination.ReconcileConcurrency = d.Coordination.ReconcileConcurrency
	}
	if cfg.Worker.StopTimeout == 0 {
		cfg.Worker.StopTimeout = d.Worker.StopTimeout
	}
	return cfg
}

// Validate checks cross-field constraints after defaults are applied.
func (c Config) Validate() error {
	if c.SafetyMargin >= 1 {
		return fmt.Errorf("safety_margin must be below 1 (negative disables it), got %v", c.SafetyMargin)
	}
	if _, err := memory.ParseStrategy(c.Strategy); err != nil {
		return err
	}
	if err := c.Pressure.Levels.Validate(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log_format must be console or json, got %q", c.LogFormat)
	}
	seen := make(map[string]bool, len(c.Devices))
	host := false
	for i, d := range c.Devices {
		if d.ID == "" {
			return fmt.Errorf("devices[%d]: empty id", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("devices[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = true
		kind, err := memory.ParseDeviceKind(d.Kind)
		if err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		if d.Capacity == 0 && kind != memory.KindHost {
			return fmt.Errorf("devices[%d]: zero capacity", i)
		}
		if d.ID == string(memory.HostDevice) {
			if kind != memory.KindHost {
				return fmt.Errorf("device %q must be of kind host", d.ID)
			}
			host = true
		}
	}
	if !host {
		return fmt.Errorf("a %q device is required", memory.HostDevice)
	}
	if !seen[c.DefaultDevice] {
		return fmt.Errorf("default_device %q is not configured", c.DefaultDevice)
	}
	return nil
}
