// Package config holds the process configuration of the sequencing daemon
// and the hot-reloadable engine settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Output string `yaml:"output"` // stdout, stderr, file
	File   string `yaml:"file"`
}

// DebugConfig controls the metrics/debug HTTP server.
type DebugConfig struct {
	ListenAddress    string `yaml:"listen_address"`
	EnabledMetrics   bool   `yaml:"enabled_metrics"`
	EnabledProfiling bool   `yaml:"enabled_profiling"`
	EnabledStatsviz  bool   `yaml:"enabled_statsviz"`
}

// TracingConfig controls the OTLP trace exporter.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Protocol string `yaml:"protocol"` // grpc or http
	Endpoint string `yaml:"endpoint"`
}

// EpochStoreConfig selects and configures the epoch store backend.
type EpochStoreConfig struct {
	Backend     string `yaml:"backend"` // memory or file
	Path        string `yaml:"path"`
	Compression string `yaml:"compression"` // none or snappy
}

// WorkersConfig sizes the worker pools.
type WorkersConfig struct {
	General    int `yaml:"general"`
	Background int `yaml:"background"`
}

// EngineConfig carries the hot-reloadable engine settings in their on-disk
// shape. Durations are strings so the file stays editable by hand.
type EngineConfig struct {
	MaxActivationsInFlight  int    `yaml:"max_sequencer_background_activations_in_flight"`
	ActivationRetryInterval string `yaml:"sequencer_background_activation_retry_interval"`
	UseNewStorageSetFormat  bool   `yaml:"epoch_metadata_use_new_storage_set_format"`
}

// Config is the whole daemon configuration file.
type Config struct {
	ClusterConfigPath string           `yaml:"cluster_config_path"`
	Logging           LoggingConfig    `yaml:"logging"`
	Debug             DebugConfig      `yaml:"debug"`
	Tracing           TracingConfig    `yaml:"tracing"`
	EpochStore        EpochStoreConfig `yaml:"epoch_store"`
	Workers           WorkersConfig    `yaml:"workers"`
	Engine            EngineConfig     `yaml:"engine"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Output: "stdout"},
		Debug: DebugConfig{
			ListenAddress:  ":8080",
			EnabledMetrics: true,
		},
		EpochStore: EpochStoreConfig{Backend: "memory", Compression: "none"},
		Workers:    WorkersConfig{General: 4, Background: 2},
		Engine: EngineConfig{
			MaxActivationsInFlight:  DefaultMaxActivationsInFlight,
			ActivationRetryInterval: DefaultActivationRetryInterval.String(),
		},
	}
}

// LoadFile reads a yaml configuration file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if _, err := cfg.EngineSettings(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EngineSettings resolves the engine section into runtime Settings.
func (c *Config) EngineSettings() (Settings, error) {
	s := DefaultSettings()
	if c.Engine.MaxActivationsInFlight > 0 {
		s.MaxInFlight = c.Engine.MaxActivationsInFlight
	}
	if c.Engine.ActivationRetryInterval != "" {
		d, err := time.ParseDuration(c.Engine.ActivationRetryInterval)
		if err != nil {
			return s, fmt.Errorf("invalid sequencer_background_activation_retry_interval: %w", err)
		}
		s.RetryInterval = d
	}
	s.UseNewStorageSetFormat = c.Engine.UseNewStorageSetFormat
	return s, nil
}
