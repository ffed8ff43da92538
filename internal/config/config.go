// Package config loads server settings from defaults, an optional TOML file
// and MAPEO_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

// Config is the runtime configuration of the server.
type Config struct {
	Addr           string        `env:"MAPEO_ADDR"`
	DataDir        string        `env:"MAPEO_DATA_DIR"`
	StaticRoot     string        `env:"MAPEO_STATIC_ROOT"`
	DeviceID       string        `env:"MAPEO_DEVICE_ID"`
	DeviceName     string        `env:"MAPEO_DEVICE_NAME"`
	SyncPort       int           `env:"MAPEO_SYNC_PORT"`
	DiscoveryPort  int           `env:"MAPEO_DISCOVERY_PORT"`
	BeaconInterval time.Duration `env:"MAPEO_BEACON_INTERVAL"`
	TargetTTL      time.Duration `env:"MAPEO_TARGET_TTL"`
	LogLevel       string        `env:"MAPEO_LOG_LEVEL"`
	LogJSON        bool          `env:"MAPEO_LOG_JSON"`
	OTelEndpoint   string        `env:"MAPEO_OTEL_ENDPOINT"`
}

// config.toml key mapping.
type fileConfig struct {
	Addr           string        `toml:"addr"`
	DataDir        string        `toml:"data_dir"`
	StaticRoot     string        `toml:"static_root"`
	DeviceID       string        `toml:"device_id"`
	DeviceName     string        `toml:"device_name"`
	SyncPort       int           `toml:"sync_port"`
	DiscoveryPort  int           `toml:"discovery_port"`
	BeaconInterval time.Duration `toml:"beacon_interval"`
	TargetTTL      time.Duration `toml:"target_ttl"`
	LogLevel       string        `toml:"log_level"`
	LogJSON        bool          `toml:"log_json"`
	OTelEndpoint   string        `toml:"otel_endpoint"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Addr:           ":5000",
		DataDir:        "./data",
		StaticRoot:     "./static",
		SyncPort:       0,
		DiscoveryPort:  6353,
		BeaconInterval: 2 * time.Second,
		TargetTTL:      10 * time.Second,
		LogLevel:       "info",
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment apply. A missing device id is generated and
// a missing device name falls back to the host name.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}
	if cfg.DeviceName == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.DeviceName = host
		} else {
			cfg.DeviceName = "mapeo"
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseEnv loads configuration from environment variables. Fields whose
// variable is unset keep their current value.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.SyncPort < 0 || c.SyncPort > 65535 {
		errs = append(errs, fmt.Errorf("sync_port %d out of range", c.SyncPort))
	}
	if c.DiscoveryPort < 0 || c.DiscoveryPort > 65535 {
		errs = append(errs, fmt.Errorf("discovery_port %d out of range", c.DiscoveryPort))
	}
	if c.BeaconInterval <= 0 {
		errs = append(errs, errors.New("beacon_interval must be positive"))
	}
	if c.TargetTTL < c.BeaconInterval {
		errs = append(errs, errors.New("target_ttl must be at least beacon_interval"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func overlayFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("data_dir") {
		cfg.DataDir = strings.TrimSpace(raw.DataDir)
	}
	if meta.IsDefined("static_root") {
		cfg.StaticRoot = strings.TrimSpace(raw.StaticRoot)
	}
	if meta.IsDefined("device_id") {
		cfg.DeviceID = strings.TrimSpace(raw.DeviceID)
	}
	if meta.IsDefined("device_name") {
		cfg.DeviceName = strings.TrimSpace(raw.DeviceName)
	}
	if meta.IsDefined("sync_port") {
		cfg.SyncPort = raw.SyncPort
	}
	if meta.IsDefined("discovery_port") {
		cfg.DiscoveryPort = raw.DiscoveryPort
	}
	if meta.IsDefined("beacon_interval") {
		cfg.BeaconInterval = raw.BeaconInterval
	}
	if meta.IsDefined("target_ttl") {
		cfg.TargetTTL = raw.TargetTTL
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_json") {
		cfg.LogJSON = raw.LogJSON
	}
	if meta.IsDefined("otel_endpoint") {
		cfg.OTelEndpoint = strings.TrimSpace(raw.OTelEndpoint)
	}
	return nil
}
