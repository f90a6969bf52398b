package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// SetDefaults applies the default configuration values to a Viper instance
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", defaultDatabasePath())

	v.SetDefault("engine.workers", 1)
	v.SetDefault("engine.poll_interval_seconds", 1)
	v.SetDefault("engine.default_chunk_size", 10)
	v.SetDefault("engine.schedule_per_second", 20)
	v.SetDefault("engine.gate_ttl_hours", 72)

	v.SetDefault("server.port", DefaultServerPort)

	v.SetDefault("recovery.timeout_hours", 6)
	v.SetDefault("recovery.sweep_interval_minutes", 30)
}

// defaultDatabasePath returns ~/.datamachine/datamachine.db, falling back to
// the working directory when the home directory cannot be resolved.
func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "datamachine.db"
	}
	return filepath.Join(home, ".datamachine", "datamachine.db")
}

// Dir returns the configuration directory (~/.datamachine)
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".datamachine"), nil
}
