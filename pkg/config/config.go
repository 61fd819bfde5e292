package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all soulcycle configuration.
type Config struct {
	Listen string       `yaml:"listen"`
	DBPath string       `yaml:"db_path"`
	Remote RemoteConfig `yaml:"remote"`
	Cache  CacheConfig  `yaml:"cache"`
	Votes  VotesConfig  `yaml:"votes"`
}

// RemoteConfig points at the hosted data service.
type RemoteConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// CacheConfig controls the fetch orchestrator and its persistent tier.
// Storage is "sqlite" (default) or "memory".
type CacheConfig struct {
	TTL              time.Duration `yaml:"ttl"`
	ThrottleInterval time.Duration `yaml:"throttle_interval"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	Storage          string        `yaml:"storage"`
	MaxBytes         int64         `yaml:"max_bytes"`
	BustParams       []string      `yaml:"bust_params"`
}

// VotesConfig selects where vote records live.
// Backend is "remote" (default), "sqlite" or "postgres".
type VotesConfig struct {
	Backend     string `yaml:"backend"`
	DatabaseURL string `yaml:"database_url"`
}

// Storage and vote backends.
const (
	StorageSQLite = "sqlite"
	StorageMemory = "memory"

	VotesRemote   = "remote"
	VotesSQLite   = "sqlite"
	VotesPostgres = "postgres"
)

// DefaultBustParams are query parameters that only defeat HTTP caches and
// never change the resource identity.
var DefaultBustParams = []string{"_", "_t", "t", "ts", "cb", "nocache", "timestamp"}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "soulcycle.db",
		Remote: RemoteConfig{
			Timeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			TTL:              10 * time.Minute,
			ThrottleInterval: 2 * time.Second,
			RetryInterval:    10 * time.Second,
			Storage:          StorageSQLite,
			MaxBytes:         5 << 20,
			BustParams:       DefaultBustParams,
		},
		Votes: VotesConfig{
			Backend: VotesRemote,
		},
	}
}

// LoadEnv reads KEY=VALUE pairs from the given dotenv files into the process
// environment. Missing files are skipped; variables already set win.
func LoadEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load env %s: %w", p, err)
		}
	}
	return nil
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks for settings the rest of the system cannot run with.
func (c *Config) Validate() error {
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Cache.ThrottleInterval < 0 {
		return fmt.Errorf("cache.throttle_interval must not be negative")
	}
	if c.Cache.RetryInterval <= 0 {
		return fmt.Errorf("cache.retry_interval must be positive")
	}
	switch c.Cache.Storage {
	case StorageSQLite, StorageMemory:
	default:
		return fmt.Errorf("cache.storage: unknown backend %q", c.Cache.Storage)
	}
	switch c.Votes.Backend {
	case VotesRemote:
	case VotesSQLite:
	case VotesPostgres:
		if c.Votes.DatabaseURL == "" {
			return fmt.Errorf("votes.database_url required for postgres backend")
		}
	default:
		return fmt.Errorf("votes.backend: unknown backend %q", c.Votes.Backend)
	}
	return nil
}
