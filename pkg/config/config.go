// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads bridge settings from defaults, an optional config
// file, METERMATE_* environment variables and command line flags, in
// increasing order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable name
const EnvPrefix = "METERMATE"

// Config is the complete bridge configuration
type Config struct {
	Meter     SerialConfig    `mapstructure:"meter"`
	Host      HostConfig      `mapstructure:"host"`
	Poll      PollConfig      `mapstructure:"poll"`
	API       APIConfig       `mapstructure:"api"`
	Log       LogConfig       `mapstructure:"log"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Indicator IndicatorConfig `mapstructure:"indicator"`
	Firmware  FirmwareConfig  `mapstructure:"firmware"`
}

// SerialConfig describes one serial link
type SerialConfig struct {
	Port    string        `mapstructure:"port"`
	Baud    int           `mapstructure:"baud"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// HostConfig describes the handheld link. Port selects a serial link;
// Listen serves handhelds over WebSocket instead (or as well).
type HostConfig struct {
	SerialConfig `mapstructure:",squash"`
	Listen       string `mapstructure:"listen"`
	Path         string `mapstructure:"path"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
}

// PollConfig controls the background poller
type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Disabled bool          `mapstructure:"disabled"`
}

// APIConfig controls the HTTP status API
type APIConfig struct {
	Listen string `mapstructure:"listen"`
}

// LogConfig controls logging
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// CaptureConfig controls the meter transaction capture file
type CaptureConfig struct {
	File string `mapstructure:"file"`
}

// IndicatorConfig controls the status light
type IndicatorConfig struct {
	StartupFlash time.Duration `mapstructure:"startup_flash"`
}

// FirmwareConfig controls the BL command
type FirmwareConfig struct {
	BootloaderCmd string `mapstructure:"bootloader_cmd"`
}

// Default returns the configuration used when nothing is overridden
func Default() Config {
	return Config{
		Meter: SerialConfig{Baud: 9600, Timeout: time.Second},
		Host: HostConfig{
			SerialConfig: SerialConfig{Baud: 38400, Timeout: time.Second},
			Path:         "/pda",
		},
		Poll: PollConfig{Interval: 100 * time.Millisecond},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Indicator: IndicatorConfig{StartupFlash: 5 * time.Second},
	}
}

// setDefaults registers every key so environment variables are seen by
// Unmarshal even without a config file
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("meter.port", d.Meter.Port)
	v.SetDefault("meter.baud", d.Meter.Baud)
	v.SetDefault("meter.timeout", d.Meter.Timeout)

	v.SetDefault("host.port", d.Host.Port)
	v.SetDefault("host.baud", d.Host.Baud)
	v.SetDefault("host.timeout", d.Host.Timeout)
	v.SetDefault("host.listen", d.Host.Listen)
	v.SetDefault("host.path", d.Host.Path)
	v.SetDefault("host.username", d.Host.Username)
	v.SetDefault("host.password", d.Host.Password)

	v.SetDefault("poll.interval", d.Poll.Interval)
	v.SetDefault("poll.disabled", d.Poll.Disabled)

	v.SetDefault("api.listen", d.API.Listen)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)

	v.SetDefault("capture.file", d.Capture.File)
	v.SetDefault("indicator.startup_flash", d.Indicator.StartupFlash)
	v.SetDefault("firmware.bootloader_cmd", d.Firmware.BootloaderCmd)
}

// New creates a viper instance with defaults and environment lookup set
// up. Callers bind their flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file at path (YAML, TOML or JSON by
// extension) and returns the merged configuration
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail later in confusing ways
func (c *Config) Validate() error {
	if c.Meter.Baud <= 0 {
		return fmt.Errorf("meter baud rate must be positive, got %d", c.Meter.Baud)
	}
	if c.Host.Baud <= 0 {
		return fmt.Errorf("host baud rate must be positive, got %d", c.Host.Baud)
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.Poll.Interval)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json, got %q", c.Log.Format)
	}
	if c.Host.Listen != "" && !strings.HasPrefix(c.Host.Path, "/") {
		return fmt.Errorf("host path must start with /, got %q", c.Host.Path)
	}
	return nil
}
