// Package config loads and validates the relay configuration from a YAML
// file, with ${ENV} expansion and optional .env loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the relay.
type Config struct {
	General  GeneralConfig  `yaml:"general"`
	Backend  BackendConfig  `yaml:"backend"`
	Channels ChannelsConfig `yaml:"channels"`
	Mirror   MirrorConfig   `yaml:"mirror"`
	Payment  PaymentConfig  `yaml:"payment"`
	Store    StoreConfig    `yaml:"store"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel          string   `yaml:"logLevel"`
	BusBuffer         int      `yaml:"busBuffer"`
	TurnTimeoutSec    int      `yaml:"turnTimeoutSeconds"` // 0 disables the bound
	PrivilegedSenders []string `yaml:"privilegedSenders"`
	DisableMarker     string   `yaml:"disableMarker"` // legacy kill-switch marker in backend output
}

type BackendConfig struct {
	APIKey       string  `yaml:"apiKey"`
	APIBase      string  `yaml:"apiBase"`
	Model        string  `yaml:"model"`
	Temperature  float32 `yaml:"temperature"`
	SystemPrompt string  `yaml:"systemPrompt"`
}

type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type WhatsAppConfig struct {
	Enabled       bool   `yaml:"enabled"`
	AppSecret     string `yaml:"appSecret"`
	AccessToken   string `yaml:"accessToken"`
	VerifyToken   string `yaml:"verifyToken"`
	PhoneNumberID string `yaml:"phoneNumberId"`
	WebhookPath   string `yaml:"webhookPath"`
	ListenAddr    string `yaml:"listenAddr"`
}

type TelegramConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Token     string   `yaml:"token"`
	AllowFrom []string `yaml:"allowFrom"`
}

type MirrorConfig struct {
	Enabled     bool   `yaml:"enabled"`
	APIURL      string `yaml:"apiUrl"`
	AccountID   string `yaml:"accountId"`
	InboxID     string `yaml:"inboxId"`
	AccessToken string `yaml:"accessToken"`
}

type PaymentConfig struct {
	Enabled     bool   `yaml:"enabled"`
	AccessToken string `yaml:"accessToken"`
	APIBase     string `yaml:"apiBase"`
	UnitPrice   int64  `yaml:"unitPrice"`
	Currency    string `yaml:"currency"`
	BackURLBase string `yaml:"backUrlBase"`
}

type StoreConfig struct {
	Driver        string `yaml:"driver"` // "sqlite" | "redis"
	Path          string `yaml:"path"`   // sqlite database file
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDb"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultConfigDir returns ~/.relaybot.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaybot"
	}
	return filepath.Join(home, ".relaybot")
}

// DefaultConfigPath returns ~/.relaybot/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Defaults returns a config with sensible defaults and all integrations off.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:       "info",
			BusBuffer:      100,
			TurnTimeoutSec: 120,
			DisableMarker:  "[AUTO-OFF]",
		},
		Backend: BackendConfig{
			Model:       "gpt-4o-mini",
			Temperature: 0.3,
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				WebhookPath: "/webhook/whatsapp",
				ListenAddr:  ":8090",
			},
		},
		Payment: PaymentConfig{
			UnitPrice: 3000,
			Currency:  "ARS",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   filepath.Join(DefaultConfigDir(), "relay.db"),
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Load reads a YAML config file. A .env file next to the config (or in the
// working directory) is loaded first; ${VAR} references in the file body are
// expanded from the environment.
func Load(path string) (*Config, error) {
	// Missing .env is fine.
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Defaults()
	expanded := os.ExpandEnv(string(raw))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks cross-field consistency of enabled integrations.
func (c *Config) Validate() error {
	if c.Channels.WhatsApp.Enabled {
		wa := c.Channels.WhatsApp
		if wa.AccessToken == "" || wa.PhoneNumberID == "" {
			return fmt.Errorf("whatsapp channel enabled but accessToken/phoneNumberId missing")
		}
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		return fmt.Errorf("telegram channel enabled but token missing")
	}
	if c.Mirror.Enabled {
		m := c.Mirror
		if m.APIURL == "" || m.AccountID == "" || m.InboxID == "" || m.AccessToken == "" {
			return fmt.Errorf("mirror enabled but apiUrl/accountId/inboxId/accessToken incomplete")
		}
	}
	if c.Payment.Enabled && c.Payment.AccessToken == "" {
		return fmt.Errorf("payment enabled but accessToken missing")
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("sqlite store needs a path")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("redis store needs redisAddr")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	return nil
}

// TurnTimeout returns the per-turn processing bound.
func (c *Config) TurnTimeout() time.Duration {
	return time.Duration(c.General.TurnTimeoutSec) * time.Second
}
