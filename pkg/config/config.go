// Package config provides YAML-based configuration loading for the driver.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the application
	AppName string `mapstructure:"app_name"`

	// Vehicle selects the car and the radio backend
	Vehicle VehicleConfig `mapstructure:"vehicle"`

	// Net holds link timing and reconnect options
	Net NetConfig `mapstructure:"net"`

	// Dispatch bounds notification callback concurrency
	Dispatch DispatchConfig `mapstructure:"dispatch"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`
}

// VehicleConfig identifies one car.
type VehicleConfig struct {
	// Address is the Bluetooth MAC address of the car
	Address string `mapstructure:"address"`
	// Adapter is the local HCI adapter name (bluez backend only)
	Adapter string `mapstructure:"adapter"`
	// Backend: bluez or mem
	Backend string `mapstructure:"backend"`
}

// NetConfig defines handshake retry backoff and polling intervals.
type NetConfig struct {
	ConnectBackoffInitialMS int `mapstructure:"connect_backoff_initial_ms"`
	ConnectBackoffMaxMS     int `mapstructure:"connect_backoff_max_ms"`
	ConnectBackoffJitterMS  int `mapstructure:"connect_backoff_jitter_ms"`
	// NotifyPollMS is the worker's per-iteration notification wait
	NotifyPollMS int `mapstructure:"notify_poll_ms"`
	// SubscribeWaitMS bounds the wait validating each subscribe attempt
	SubscribeWaitMS int `mapstructure:"subscribe_wait_ms"`
}

// DispatchConfig bounds concurrent callback tasks.
type DispatchConfig struct {
	MaxInFlight int `mapstructure:"max_in_flight"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "overdrive",
		Vehicle: VehicleConfig{
			Adapter: "hci0",
			Backend: "bluez",
		},
		Net: NetConfig{
			ConnectBackoffInitialMS: 500,
			ConnectBackoffMaxMS:     30000,
			ConnectBackoffJitterMS:  100,
			NotifyPollMS:            1,
			SubscribeWaitMS:         3000,
		},
		Dispatch: DispatchConfig{MaxInFlight: 32},
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/overdrive.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix OVERDRIVE and `.`/`-` are replaced
// with `_`. Example: OVERDRIVE_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("OVERDRIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("vehicle.address", cfg.Vehicle.Address)
	v.SetDefault("vehicle.adapter", cfg.Vehicle.Adapter)
	v.SetDefault("vehicle.backend", cfg.Vehicle.Backend)
	v.SetDefault("net.connect_backoff_initial_ms", cfg.Net.ConnectBackoffInitialMS)
	v.SetDefault("net.connect_backoff_max_ms", cfg.Net.ConnectBackoffMaxMS)
	v.SetDefault("net.connect_backoff_jitter_ms", cfg.Net.ConnectBackoffJitterMS)
	v.SetDefault("net.notify_poll_ms", cfg.Net.NotifyPollMS)
	v.SetDefault("net.subscribe_wait_ms", cfg.Net.SubscribeWaitMS)
	v.SetDefault("dispatch.max_in_flight", cfg.Dispatch.MaxInFlight)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	// Choose config file
	if path == "" {
		// Allow override via env var
		if envPath := os.Getenv("OVERDRIVE_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `overdrive`
		v.SetConfigName("overdrive")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".overdrive"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	c.Vehicle.Backend = strings.ToLower(strings.TrimSpace(c.Vehicle.Backend))
	switch c.Vehicle.Backend {
	case "", "bluez", "mem":
	default:
		return fmt.Errorf("invalid vehicle.backend: %q", c.Vehicle.Backend)
	}
	if c.Net.NotifyPollMS <= 0 {
		c.Net.NotifyPollMS = 1
	}
	if c.Net.SubscribeWaitMS <= 0 {
		c.Net.SubscribeWaitMS = 3000
	}
	if c.Dispatch.MaxInFlight <= 0 {
		c.Dispatch.MaxInFlight = 32
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
