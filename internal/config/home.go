package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// HomeEnv overrides the healloop home directory.
	HomeEnv = "HEALLOOP_HOME"
	// HomeDirName is the per-directory state folder.
	HomeDirName = ".healloop"
	// ConfigFileName is looked up inside the home folder.
	ConfigFileName = "config.yaml"
)

// GetHome returns the healloop home directory.
// Priority order:
//  1. HEALLOOP_HOME environment variable (if set)
//  2. .healloop under the current working directory
//
// The directory is created if it doesn't exist.
func GetHome() (string, error) {
	home := os.Getenv(HomeEnv)
	if home == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("get working directory: %w", err)
		}
		home = filepath.Join(cwd, HomeDirName)
	}

	if err := os.MkdirAll(home, 0755); err != nil {
		return "", fmt.Errorf("create healloop home directory: %w", err)
	}
	return home, nil
}

// Load reads the config file at path, or <home>/config.yaml when path is
// empty, and resolves relative paths against the home directory.
func Load(path string) (*Config, string, error) {
	home, err := GetHome()
	if err != nil {
		return nil, "", err
	}
	if path == "" {
		path = filepath.Join(home, ConfigFileName)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, "", err
	}
	cfg.ResolvePaths(home)
	return cfg, home, nil
}
