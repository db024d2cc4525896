// Package config loads and validates the dastakd configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the top-level dastak configuration.
type Config struct {
	DataDir  string         `json:"data_dir"`
	Telegram TelegramConfig `json:"telegram"`
	Slack    *SlackConfig   `json:"slack,omitempty"`
	Redis    RedisConfig    `json:"redis"`
	Locks    LockConfig     `json:"locks"`
	Reminder ReminderConfig `json:"reminder"`
	API      APIConfig      `json:"api"`
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Token       string  `json:"token"`
	AdminChatID int64   `json:"admin_chat_id"`
	Operators   []int64 `json:"operators,omitempty"`
}

// SlackConfig holds optional Slack mirroring settings.
type SlackConfig struct {
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

// RedisConfig holds the coordination store settings. An empty Addr makes
// the daemon fall back to the in-process store, which only coordinates a
// single instance.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// LockConfig overrides the coordination TTLs. Zero values keep the
// defaults.
type LockConfig struct {
	IntentTTLSeconds  int `json:"intent_ttl_seconds,omitempty"`
	ConfirmTTLSeconds int `json:"confirm_ttl_seconds,omitempty"`
	SessionTTLSeconds int `json:"session_ttl_seconds,omitempty"`
}

// ReminderConfig holds stale-ticket reminder settings.
type ReminderConfig struct {
	Schedule    string `json:"schedule,omitempty"`
	MaxAgeHours int    `json:"max_age_hours,omitempty"`
}

// APIConfig holds ops API server settings.
type APIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Key  string `json:"api_key"`
}

// Load reads configuration from a JSON file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv builds a config from environment variables with DASTAK_ prefix.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		DataDir: getenv("DASTAK_DATA_DIR", "/data"),
		Telegram: TelegramConfig{
			Token: os.Getenv("DASTAK_TELEGRAM_TOKEN"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("DASTAK_REDIS_ADDR"),
			Password: os.Getenv("DASTAK_REDIS_PASSWORD"),
			DB:       getenvInt("DASTAK_REDIS_DB", 0),
		},
		Reminder: ReminderConfig{
			Schedule:    os.Getenv("DASTAK_REMINDER_SCHEDULE"),
			MaxAgeHours: getenvInt("DASTAK_REMINDER_MAX_AGE_HOURS", 0),
		},
		API: APIConfig{
			Host: getenv("DASTAK_API_HOST", "0.0.0.0"),
			Port: getenvInt("DASTAK_API_PORT", 8080),
			Key:  os.Getenv("DASTAK_API_KEY"),
		},
	}

	if chat := os.Getenv("DASTAK_TELEGRAM_ADMIN_CHAT"); chat != "" {
		id, err := strconv.ParseInt(chat, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: DASTAK_TELEGRAM_ADMIN_CHAT: invalid integer %q", chat)
		}
		cfg.Telegram.AdminChatID = id
	}
	if ids := os.Getenv("DASTAK_TELEGRAM_OPERATORS"); ids != "" {
		parsed, err := parseInt64List(ids)
		if err != nil {
			return nil, fmt.Errorf("config: DASTAK_TELEGRAM_OPERATORS: %w", err)
		}
		cfg.Telegram.Operators = parsed
	}

	if token := os.Getenv("DASTAK_SLACK_BOT_TOKEN"); token != "" {
		cfg.Slack = &SlackConfig{
			BotToken: token,
			Channel:  os.Getenv("DASTAK_SLACK_CHANNEL"),
		}
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = "/data"
	}
	if cfg.API.Host == "" {
		cfg.API.Host = "0.0.0.0"
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
	if cfg.Reminder.Schedule == "" {
		cfg.Reminder.Schedule = "0 * * * *"
	}
	if cfg.Reminder.MaxAgeHours == 0 {
		cfg.Reminder.MaxAgeHours = 2
	}
}

// Validate checks for required fields.
func (c *Config) Validate() error {
	var errs []string

	if c.Telegram.Token == "" {
		errs = append(errs, "telegram.token is required")
	}
	if c.Telegram.AdminChatID == 0 {
		errs = append(errs, "telegram.admin_chat_id is required")
	}
	if c.Locks.IntentTTLSeconds < 0 || c.Locks.ConfirmTTLSeconds < 0 || c.Locks.SessionTTLSeconds < 0 {
		errs = append(errs, "locks TTLs must not be negative")
	}
	if c.Slack != nil {
		if c.Slack.BotToken == "" {
			errs = append(errs, "slack.bot_token is required when slack is configured")
		}
		if c.Slack.Channel == "" {
			errs = append(errs, "slack.channel is required when slack is configured")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// IntentTTL returns the configured intent lock TTL, or zero when unset.
func (c *Config) IntentTTL() time.Duration {
	return time.Duration(c.Locks.IntentTTLSeconds) * time.Second
}

// ConfirmTTL returns the configured confirmation lock TTL, or zero when unset.
func (c *Config) ConfirmTTL() time.Duration {
	return time.Duration(c.Locks.ConfirmTTLSeconds) * time.Second
}

// SessionTTL returns the configured reply session TTL, or zero when unset.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Locks.SessionTTLSeconds) * time.Second
}

// ReminderMaxAge returns how old a ticket must be before it is nagged about.
func (c *Config) ReminderMaxAge() time.Duration {
	return time.Duration(c.Reminder.MaxAgeHours) * time.Hour
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func parseInt64List(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	result := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", p)
		}
		result = append(result, n)
	}
	return result, nil
}
