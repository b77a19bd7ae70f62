package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - SYFTSYNC_CONFIG_PATH: config file location (default: ~/.config/syftsync.toml)
//   - SYFTSYNC_HOME: base directory for syftsync data (default: ~/.local/share/syftsync)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// getConfigPath returns the config file path, checking SYFTSYNC_CONFIG_PATH env
// var first, then falling back to the default ~/.config/syftsync.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("SYFTSYNC_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "syftsync.toml"), nil
}

// getBaseDir returns the base directory for syftsync data, checking
// SYFTSYNC_HOME env var first, then falling back to the XDG default
// ~/.local/share/syftsync.
func getBaseDir() (string, error) {
	if path := os.Getenv("SYFTSYNC_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "syftsync"), nil
}
