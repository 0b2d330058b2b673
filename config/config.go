// Package config loads the process configuration from defaults, an optional
// TOML file and CHATRELAY_-prefixed environment variables, in that order of
// precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces the environment variables, e.g. CHATRELAY_REDIS_ADDR.
const envPrefix = "CHATRELAY_"

// Config is the full process configuration. The API server and the worker
// share one schema; each validates only the sections it uses.
type Config struct {
	HTTP struct {
		// Addr is the API listen address.
		Addr string `koanf:"addr"`
	} `koanf:"http"`

	Redis struct {
		Addr     string `koanf:"addr"`
		Password string `koanf:"password"`
		DB       int    `koanf:"db"`
	} `koanf:"redis"`

	Mongo struct {
		URI      string `koanf:"uri"`
		Database string `koanf:"database"`
	} `koanf:"mongo"`

	Temporal struct {
		HostPort  string `koanf:"hostport"`
		Namespace string `koanf:"namespace"`
	} `koanf:"temporal"`

	Anthropic struct {
		APIKey    string `koanf:"apikey"`
		Model     string `koanf:"model"`
		MaxTokens int64  `koanf:"maxtokens"`
		System    string `koanf:"system"`
	} `koanf:"anthropic"`

	// Debug enables debug-level logging.
	Debug bool `koanf:"debug"`
}

// Load reads the configuration. path may be empty; the file layer is skipped.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(map[string]interface{}{
		"http.addr":           ":8080",
		"redis.addr":          "localhost:6379",
		"mongo.uri":           "mongodb://localhost:27017",
		"mongo.database":      "chatrelay",
		"temporal.hostport":   "localhost:7233",
		"temporal.namespace":  "default",
		"anthropic.model":     "claude-sonnet-4-5",
		"anthropic.maxtokens": 4096,
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// ValidateServer checks the sections the API server requires.
func (c *Config) ValidateServer() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	return c.validateShared()
}

// ValidateWorker checks the sections the worker requires.
func (c *Config) ValidateWorker() error {
	if c.Anthropic.APIKey == "" {
		return errors.New("anthropic.apikey is required")
	}
	if c.Anthropic.Model == "" {
		return errors.New("anthropic.model is required")
	}
	return c.validateShared()
}

func (c *Config) validateShared() error {
	if c.Redis.Addr == "" {
		return errors.New("redis.addr is required")
	}
	if c.Mongo.URI == "" {
		return errors.New("mongo.uri is required")
	}
	if c.Mongo.Database == "" {
		return errors.New("mongo.database is required")
	}
	if c.Temporal.HostPort == "" {
		return errors.New("temporal.hostport is required")
	}
	return nil
}
