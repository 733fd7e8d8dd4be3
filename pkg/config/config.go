// Package config provides configuration types and loading for threadproxy.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Store   StoreConfig   `json:"store"`
	Linker  LinkerConfig  `json:"linker"`
	Rebuild RebuildConfig `json:"rebuild"`
}

type StoreConfig struct {
	Path string `json:"path" env:"THREADPROXY_STORE_PATH"`
}

type LinkerConfig struct {
	SubtaskLookbackHours   int `json:"subtask_lookback_hours" env:"THREADPROXY_LINKER_SUBTASK_LOOKBACK_HOURS"`
	SubtaskMatchWindowSecs int `json:"subtask_match_window_secs" env:"THREADPROXY_LINKER_SUBTASK_MATCH_WINDOW_SECS"`
	ParentCacheSize        int `json:"parent_cache_size" env:"THREADPROXY_LINKER_PARENT_CACHE_SIZE"`
}

type RebuildConfig struct {
	BatchSize int    `json:"batch_size" env:"THREADPROXY_REBUILD_BATCH_SIZE"`
	Schedule  string `json:"schedule" env:"THREADPROXY_REBUILD_SCHEDULE"`
}

func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path: "~/.threadproxy/state/requests.db",
		},
		Linker: LinkerConfig{
			SubtaskLookbackHours:   24,
			SubtaskMatchWindowSecs: 30,
			ParentCacheSize:        1024,
		},
		Rebuild: RebuildConfig{
			BatchSize: 200,
			Schedule:  "",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// StorePath returns the store database path with ~ expanded.
func (c *Config) StorePath() string {
	return expandHome(c.Store.Path)
}

// SubtaskLookback returns the configured lookback as a duration.
func (c *Config) SubtaskLookback() time.Duration {
	return time.Duration(c.Linker.SubtaskLookbackHours) * time.Hour
}

// SubtaskMatchWindow returns the configured match window as a duration.
func (c *Config) SubtaskMatchWindow() time.Duration {
	return time.Duration(c.Linker.SubtaskMatchWindowSecs) * time.Second
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
