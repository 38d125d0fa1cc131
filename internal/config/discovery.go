package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultFileName is the config file looked for inside config directories.
const DefaultFileName = "forkpool.yaml"

// EnvConfigPath names the environment variable that overrides discovery.
const EnvConfigPath = "FORKPOOL_CONFIG"

// Discover finds the config file by checking standard locations.
// Priority order: $FORKPOOL_CONFIG, ~/.config/forkpool, /etc/forkpool, ./forkpool.yaml
func Discover() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("$%s points to %s, which does not exist", EnvConfigPath, p)
	}

	candidates := []string{}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "forkpool", DefaultFileName))
	}
	candidates = append(candidates,
		filepath.Join("/etc/forkpool", DefaultFileName),
		DefaultFileName,
	)

	for _, c := range candidates {
		if fileExists(c) {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/forkpool, /etc/forkpool, ./%s)", EnvConfigPath, DefaultFileName)
}

// LoadOrDefaults loads path, or the discovered config when path is empty.
// When nothing is found the defaults are returned.
func LoadOrDefaults(path string) (*Config, error) {
	if path == "" {
		found, err := Discover()
		if err != nil {
			if os.Getenv(EnvConfigPath) != "" {
				return nil, err
			}
			cfg := Defaults()
			return cfg, Validate(cfg)
		}
		path = found
	}
	return Load(path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
