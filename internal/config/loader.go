package config

// loader.go - configuration loading through viper.
//
// Precedence order (highest wins):
//   1. CLI flags bound into the same viper instance (cmd/obdctl)
//   2. Environment variables, OBD_ prefix, '.' replaced by '_'
//   3. Config file (TOML)
//   4. Defaults (defaults.go)

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// SetDefaults registers every key with its default so that environment
// overrides are seen by Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("device.name", d.Device.Name)
	v.SetDefault("device.address", d.Device.Address)
	v.SetDefault("link.transport", d.Link.Transport)
	v.SetDefault("link.service_uuid", d.Link.ServiceUUID)
	v.SetDefault("link.channel", d.Link.Channel)
	v.SetDefault("link.serial_path", d.Link.SerialPath)
	v.SetDefault("link.baud_rate", d.Link.BaudRate)
	v.SetDefault("link.connect_timeout", d.Link.ConnectTimeout)
	v.SetDefault("framing.delimiter", d.Framing.Delimiter)
	v.SetDefault("framing.timeout_budget", d.Framing.TimeoutBudget)
	v.SetDefault("framing.poll_interval", d.Framing.PollInterval)
	v.SetDefault("framing.settle_delay", d.Framing.SettleDelay)
	v.SetDefault("adapter.init", d.Adapter.Init)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Load reads path (or DefaultDir()/config.toml when path is empty and the
// file exists), overlays the environment and returns the validated result.
// A nil v uses a fresh viper instance.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigType("toml")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, ".toml"))
		v.AddConfigPath(DefaultDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
