// Package vaultconfig loads the Vault's settings from a YAML file, in the
// style of lissto-dev-api's pkg/config/config.go LoadAPIKeys (read the whole
// file, yaml.Unmarshal into a typed struct, wrap I/O and parse errors).
package vaultconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StaticRemote describes one entry of a catalog.StaticHost built from
// configuration, rather than wired in code.
type StaticRemote struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Config is the Vault's on-disk settings file.
type Config struct {
	CacheDir     string         `yaml:"cache_dir"`
	DataDir      string         `yaml:"data_dir"`
	DaysToExpire int            `yaml:"days_to_expire"`
	Remotes      []StaticRemote `yaml:"remotes"`
}

// DaysToExpireDuration converts DaysToExpire to a time.Duration for direct
// use with vault.New.
func (c Config) DaysToExpireDuration() time.Duration {
	return time.Duration(c.DaysToExpire) * 24 * time.Hour
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		CacheDir:     "/var/cache/vmvault",
		DataDir:      "/var/lib/vmvault",
		DaysToExpire: 14,
	}
}

// Load reads path and decodes it as YAML, filling unset fields from
// Default(). A missing file is not an error: Load returns Default()
// unchanged, degrading to permissive defaults rather than failing startup.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
