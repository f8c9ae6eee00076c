// Package config holds the runtime configuration of the portal server.
package config

import (
	"errors"
	"fmt"
	"time"
)

type StorageType string

const (
	StorageMemory StorageType = "memory"
	StorageRedis  StorageType = "redis"
)

type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogJSON   bool
	FlowsFile string
	Strict    bool

	StorageType StorageType
	Redis       RedisConfig

	TextGen  TextGenConfig
	Prospect ProspectConfig
	Relay    RelayConfig
	Webhook  WebhookConfig
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	PoolSize  int
	Namespace string
}

type TextGenConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

type ProspectConfig struct {
	BaseURL    string
	APIKey     string
	SessionTTL time.Duration
}

// RelayConfig points sendForSignature at an e-signature relay. An empty URL
// selects an in-process stub.
type RelayConfig struct {
	URL    string
	APIKey string
}

// WebhookConfig points notify actions and event notifications at a chat
// webhook. An empty URL disables both.
type WebhookConfig struct {
	URL      string
	Channel  string
	Username string
}

// Default returns a configuration that runs everything in process.
func Default() Config {
	return Config{
		HTTPAddr:    ":8080",
		LogLevel:    "info",
		StorageType: StorageMemory,
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			Namespace: "portal",
		},
		TextGen: TextGenConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
			Timeout: 60 * time.Second,
		},
		Prospect: ProspectConfig{
			BaseURL:    "https://api.apollo.io/api/v1",
			SessionTTL: 24 * time.Hour,
		},
		Webhook: WebhookConfig{
			Username: "portal",
		},
	}
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("http address is required")
	}
	switch c.StorageType {
	case StorageMemory:
	case StorageRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis address is required for redis storage")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.StorageType)
	}
	if c.TextGen.Timeout < 0 {
		return errors.New("textgen timeout cannot be negative")
	}
	if c.Prospect.SessionTTL < 0 {
		return errors.New("prospect session ttl cannot be negative")
	}
	return nil
}

// TextGenEnabled reports whether a real text generator is configured.
func (c Config) TextGenEnabled() bool {
	return c.TextGen.APIKey != ""
}

// ProspectEnabled reports whether a real prospect-search provider is configured.
func (c Config) ProspectEnabled() bool {
	return c.Prospect.APIKey != ""
}
