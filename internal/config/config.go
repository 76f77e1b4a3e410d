package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultHost              = "0.0.0.0"
	DefaultPort              = 3000
	DefaultBufSize           = 100
	DefaultStatsSchedule     = "0 0 * * * *"
	DefaultMaxAttempts       = 3
	DefaultRetryDelay        = "5s"
	DefaultRequestTimeout    = "30s"
	DefaultPrefix            = "AA"
	DefaultRepeatMarker      = "V"
	DefaultHelpTrigger       = "說明"
	DefaultCompletionTrigger = "ok"
	DefaultApprovalEmoji     = "👍"
)

type Config struct {
	Channels ChannelsConfig `json:"channels"`
	Ledger   LedgerConfig   `json:"ledger"`
	Commands CommandsConfig `json:"commands"`
	Gateway  GatewayConfig  `json:"gateway"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	ChatID    string   `json:"chatId,omitempty"` // the fixed channel; empty accepts every chat
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

// LedgerConfig points at the external task-ledger webhook.
type LedgerConfig struct {
	URL            string `json:"url"`
	MaxAttempts    int    `json:"maxAttempts"`
	RetryDelay     string `json:"retryDelay"`
	RequestTimeout string `json:"requestTimeout"`
}

type CommandsConfig struct {
	Prefix              string `json:"prefix"`
	RepeatMarker        string `json:"repeatMarker"`
	HelpTrigger         string `json:"helpTrigger"`
	CompletionTrigger   string `json:"completionTrigger"`
	ApprovalEmoji       string `json:"approvalEmoji"`
	ExecutorPlaceholder string `json:"executorPlaceholder,omitempty"`
}

type GatewayConfig struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	StatsSchedule string `json:"statsSchedule,omitempty"`
}

// RetryDelayDuration parses RetryDelay, falling back to DefaultRetryDelay.
func (l LedgerConfig) RetryDelayDuration() time.Duration {
	return parseDuration(l.RetryDelay, DefaultRetryDelay)
}

// RequestTimeoutDuration parses RequestTimeout, falling back to DefaultRequestTimeout.
func (l LedgerConfig) RequestTimeoutDuration() time.Duration {
	return parseDuration(l.RequestTimeout, DefaultRequestTimeout)
}

func parseDuration(value, fallback string) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && d >= 0 {
		return d
	}
	d, _ := time.ParseDuration(fallback)
	return d
}

func DefaultConfig() *Config {
	return &Config{
		Channels: ChannelsConfig{},
		Ledger: LedgerConfig{
			MaxAttempts:    DefaultMaxAttempts,
			RetryDelay:     DefaultRetryDelay,
			RequestTimeout: DefaultRequestTimeout,
		},
		Commands: CommandsConfig{
			Prefix:            DefaultPrefix,
			RepeatMarker:      DefaultRepeatMarker,
			HelpTrigger:       DefaultHelpTrigger,
			CompletionTrigger: DefaultCompletionTrigger,
			ApprovalEmoji:     DefaultApprovalEmoji,
		},
		Gateway: GatewayConfig{
			Host:          DefaultHost,
			Port:          DefaultPort,
			StatsSchedule: DefaultStatsSchedule,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".taskrelay")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// loadEnvFiles reads .env from the working directory and the config dir.
// Variables that are already set win.
func loadEnvFiles() {
	for _, path := range []string{".env", filepath.Join(ConfigDir(), ".env")} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			log.Printf("[config] load %s warning: %v", path, err)
		}
	}
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	loadEnvFiles()

	// Environment variable overrides
	if token := os.Getenv("TASKRELAY_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
		cfg.Channels.Telegram.Enabled = true
	}
	if chatID := os.Getenv("TASKRELAY_TELEGRAM_CHAT_ID"); chatID != "" {
		cfg.Channels.Telegram.ChatID = chatID
	}
	if url := os.Getenv("TASKRELAY_LEDGER_URL"); url != "" {
		cfg.Ledger.URL = url
	}
	if url := os.Getenv("GAS_WEBHOOK_URL"); url != "" && cfg.Ledger.URL == "" {
		cfg.Ledger.URL = url
	}
	if attempts := os.Getenv("TASKRELAY_LEDGER_MAX_ATTEMPTS"); attempts != "" {
		if parsed, err := strconv.Atoi(attempts); err == nil {
			cfg.Ledger.MaxAttempts = parsed
		}
	}
	if delay := os.Getenv("TASKRELAY_LEDGER_RETRY_DELAY"); delay != "" {
		cfg.Ledger.RetryDelay = delay
	}
	if timeout := os.Getenv("TASKRELAY_LEDGER_TIMEOUT"); timeout != "" {
		cfg.Ledger.RequestTimeout = timeout
	}
	if placeholder := os.Getenv("TASKRELAY_EXECUTOR_PLACEHOLDER"); placeholder != "" {
		cfg.Commands.ExecutorPlaceholder = placeholder
	}
	if port := os.Getenv("PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Gateway.Port = parsed
		}
	}

	if cfg.Ledger.MaxAttempts <= 0 {
		cfg.Ledger.MaxAttempts = DefaultMaxAttempts
	}
	if strings.TrimSpace(cfg.Commands.Prefix) == "" {
		cfg.Commands.Prefix = DefaultPrefix
	}
	if strings.TrimSpace(cfg.Commands.HelpTrigger) == "" {
		cfg.Commands.HelpTrigger = DefaultHelpTrigger
	}
	if strings.TrimSpace(cfg.Commands.CompletionTrigger) == "" {
		cfg.Commands.CompletionTrigger = DefaultCompletionTrigger
	}
	if cfg.Commands.ApprovalEmoji == "" {
		cfg.Commands.ApprovalEmoji = DefaultApprovalEmoji
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = DefaultPort
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
