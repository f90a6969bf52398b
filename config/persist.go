package config

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/Extra-Chill/data-machine/errors"
)

// Save writes the configuration to ~/.datamachine/config.toml, rotating a
// backup of the previous file first so an agent-issued config write can be
// undone by hand.
func Save(config *Config) error {
	dir, err := Dir()
	if err != nil {
		return errors.Wrap(err, "failed to resolve config directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	configPath := filepath.Join(dir, "config.toml")
	if err := createBackup(configPath); err != nil {
		return err
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", configPath)
	}
	return nil
}

// createBackup rotates config.toml -> config.toml.back before a write
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}
	backup := configPath + ".back"
	if err := os.Remove(backup); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove old config backup")
	}
	if err := os.Rename(configPath, backup); err != nil {
		return errors.Wrap(err, "failed to rotate config backup")
	}
	return nil
}
