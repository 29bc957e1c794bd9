// Package config loads the service configuration from a YAML file with
// environment variable expansion, plus BIGCONTEXT_* overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Catalog  CatalogConfig  `yaml:"catalog"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type ProviderConfig struct {
	// APIKey authenticates against the completion provider.
	APIKey string `yaml:"api_key"`
	// BaseURL points at any OpenAI-compatible endpoint.
	BaseURL string `yaml:"base_url"`
	// Timeout bounds one completion call.
	Timeout time.Duration `yaml:"timeout"`
}

type DatabaseConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type CatalogConfig struct {
	// URL is an optional model-listing endpoint; empty keeps the
	// built-in catalog only.
	URL string `yaml:"url"`
	// TTL is how long a fetched listing stays fresh.
	TTL time.Duration `yaml:"ttl"`
}

// Load reads and parses the configuration file. An empty path yields the
// defaults plus environment overrides.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv layers BIGCONTEXT_* variables over the file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("BIGCONTEXT_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("BIGCONTEXT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("BIGCONTEXT_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("BIGCONTEXT_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("BIGCONTEXT_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("BIGCONTEXT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BIGCONTEXT_CATALOG_URL"); v != "" {
		cfg.Catalog.URL = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Provider.Timeout == 0 {
		cfg.Provider.Timeout = 300 * time.Second
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "bigcontext.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Catalog.TTL == 0 {
		cfg.Catalog.TTL = time.Hour
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging format %q", c.Logging.Format)
	}
	return nil
}
