// Package config loads daemon configuration from an optional YAML file
// with ROAMSYNC_* environment overrides. Env keys use a double underscore
// as the section separator, e.g. ROAMSYNC_SERVER__PORT=9090, so key names
// themselves can contain underscores.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "ROAMSYNC_"

type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Backend BackendConfig `koanf:"backend"`
	Storage StorageConfig `koanf:"storage"`
	Sync    SyncConfig    `koanf:"sync"`
}

type ServerConfig struct {
	Port      int    `koanf:"port"`
	AuthToken string `koanf:"auth_token"`
}

type BackendConfig struct {
	BaseURL string `koanf:"base_url"`
	Token   string `koanf:"token"`
}

type StorageConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `koanf:"driver"`
	Path   string `koanf:"path"`
}

type SyncConfig struct {
	PollInterval       time.Duration `koanf:"poll_interval"`
	ReconnectBaseDelay time.Duration `koanf:"reconnect_base_delay"`
}

// Load reads the file at path (skipped when path is empty or missing) and
// then applies environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	cfg := Config{
		Server:  ServerConfig{Port: 7411},
		Backend: BackendConfig{BaseURL: "http://localhost:8080"},
		Storage: StorageConfig{Driver: "memory", Path: "roamsync.db"},
		Sync: SyncConfig{
			PollInterval:       3 * time.Second,
			ReconnectBaseDelay: time.Second,
		},
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("config: backend base_url is required")
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("config: sqlite storage requires a path")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if c.Sync.PollInterval <= 0 {
		return fmt.Errorf("config: poll_interval must be positive")
	}
	if c.Sync.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("config: reconnect_base_delay must be positive")
	}
	return nil
}
