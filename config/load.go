package config

import (
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/Extra-Chill/data-machine/errors"
)

var globalConfig *Config
var viperInstance *viper.Viper

// Load reads the Data Machine configuration using Viper.
// The result is cached; call Reset to clear (useful for testing).
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	globalConfig = &config
	return globalConfig, nil
}

// LoadFromFile loads configuration from a specific file path, bypassing the
// cache and environment binding. Used by tests and --config overrides.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", configPath)
	}

	return &config, nil
}

// Reset clears the cached configuration
func Reset() {
	globalConfig = nil
	viperInstance = nil
}

// initViper initializes Viper with configuration sources and defaults
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	v.SetEnvPrefix("DATAMACHINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if dir, err := Dir(); err == nil {
		v.SetConfigFile(filepath.Join(dir, "config.toml"))
		v.SetConfigType("toml")
		// Missing config file is fine; defaults and env cover everything
		_ = v.ReadInConfig()
	}

	viperInstance = v
	return v
}
