package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	envConfigPath      = "EVENTBOT_CONFIG"
	envAccounts        = "EVENTBOT_ACCOUNTS"
	envHost            = "EVENTBOT_HOST"
	envPort            = "EVENTBOT_PORT"
	envGroupBlacklist  = "EVENTBOT_GROUP_BLACKLIST"
	envFriendBlacklist = "EVENTBOT_FRIEND_BLACKLIST"
	envTelegramToken   = "TELEGRAM_BOT_TOKEN"
	envWebhookURL      = "EVENTBOT_WEBHOOK_URL"
)

const (
	DefaultHost       = "http://127.0.0.1"
	DefaultPort       = 8888
	DefaultPluginDir  = "plugins"
	DefaultMaxWorkers = 50

	TransportWebSocket = "websocket"
	TransportTelegram  = "telegram"
)

// Config is the root runtime configuration loaded from config.json or config.yaml.
type Config struct {
	Client   ClientConfig   `json:"client" yaml:"client"`
	Filters  FiltersConfig  `json:"filters" yaml:"filters"`
	Plugins  PluginsConfig  `json:"plugins" yaml:"plugins"`
	Pool     PoolConfig     `json:"pool" yaml:"pool"`
	Status   StatusConfig   `json:"status" yaml:"status"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Webhook  WebhookConfig  `json:"webhook" yaml:"webhook"`
	Logging  LoggingConfig  `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// ClientConfig describes the remote event source and the accounts served by this client.
type ClientConfig struct {
	Accounts          []int64 `json:"accounts" yaml:"accounts"`
	Host              string  `json:"host" yaml:"host"`
	Port              int     `json:"port" yaml:"port"`
	Transport         string  `json:"transport" yaml:"transport"`
	Reconnect         *bool   `json:"reconnect,omitempty" yaml:"reconnect,omitempty"`
	ReconnectAttempts int     `json:"reconnect_attempts" yaml:"reconnect_attempts"`
}

// FiltersConfig holds per-category sender filters.
type FiltersConfig struct {
	GroupBlacklist  []int64 `json:"group_blacklist" yaml:"group_blacklist"`
	GroupWhitelist  []int64 `json:"group_whitelist" yaml:"group_whitelist"`
	FriendBlacklist []int64 `json:"friend_blacklist" yaml:"friend_blacklist"`
	FriendWhitelist []int64 `json:"friend_whitelist" yaml:"friend_whitelist"`
}

// PluginsConfig controls the Lua plugin directory.
type PluginsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Dir     string `json:"dir" yaml:"dir"`
	Watch   bool   `json:"watch" yaml:"watch"`
}

// PoolConfig bounds the handler worker pool.
type PoolConfig struct {
	MaxWorkers int `json:"max_workers" yaml:"max_workers"`
}

// StatusConfig configures the optional HTTP status server.
type StatusConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
}

// TelegramConfig configures the Telegram event source.
type TelegramConfig struct {
	Token     string   `json:"token" yaml:"token"`
	AllowFrom []string `json:"allow_from" yaml:"allow_from"`
}

// WebhookConfig forwards every received message to an HTTP endpoint.
type WebhookConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	URL            string `json:"url" yaml:"url"`
	Secret         string `json:"secret,omitempty" yaml:"secret,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// LoggingConfig controls structured log output format, verbosity and the optional log file.
type LoggingConfig struct {
	Format     string `json:"format,omitempty" yaml:"format,omitempty"`
	Level      string `json:"level,omitempty" yaml:"level,omitempty"`
	AddSource  bool   `json:"add_source,omitempty" yaml:"add_source,omitempty"`
	Disabled   bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	File       string `json:"file,omitempty" yaml:"file,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty" yaml:"max_age_days,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" yaml:"max_size_mb,omitempty"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Address joins host and port into the transport dial address.
func (c ClientConfig) Address() string {
	return strings.TrimRight(c.Host, "/") + ":" + strconv.Itoa(c.Port)
}

// ReconnectEnabled reports whether transport-level reconnect is on. It defaults to true.
func (c ClientConfig) ReconnectEnabled() bool {
	return c.Reconnect == nil || *c.Reconnect
}

// LoadConfig resolves the config file, decodes it, and applies .env and environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadFile(configPath)
}

// LoadFile decodes one config file by extension and applies overrides and defaults.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return &cfg, nil
}

// loadDotEnv reads ./.env without overriding variables already present in the environment.
func loadDotEnv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return fmt.Errorf("load .env: %w", err)
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Client.Host) == "" {
		c.Client.Host = DefaultHost
	}
	if c.Client.Port <= 0 {
		c.Client.Port = DefaultPort
	}
	if strings.TrimSpace(c.Client.Transport) == "" {
		c.Client.Transport = TransportWebSocket
	}
	if strings.TrimSpace(c.Plugins.Dir) == "" {
		c.Plugins.Dir = DefaultPluginDir
	}
	if c.Pool.MaxWorkers <= 0 {
		c.Pool.MaxWorkers = DefaultMaxWorkers
	}
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	if raw := strings.TrimSpace(os.Getenv(envAccounts)); raw != "" {
		ids, err := parseIDs(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", envAccounts, err)
		}
		cfg.Client.Accounts = ids
	}

	if host := strings.TrimSpace(os.Getenv(envHost)); host != "" {
		cfg.Client.Host = host
	}

	if raw := strings.TrimSpace(os.Getenv(envPort)); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", envPort, err)
		}
		cfg.Client.Port = port
	}

	if raw := strings.TrimSpace(os.Getenv(envGroupBlacklist)); raw != "" {
		ids, err := parseIDs(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", envGroupBlacklist, err)
		}
		cfg.Filters.GroupBlacklist = ids
	}

	if raw := strings.TrimSpace(os.Getenv(envFriendBlacklist)); raw != "" {
		ids, err := parseIDs(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", envFriendBlacklist, err)
		}
		cfg.Filters.FriendBlacklist = ids
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramToken)); token != "" {
		cfg.Telegram.Token = token
	}

	if url := strings.TrimSpace(os.Getenv(envWebhookURL)); url != "" {
		cfg.Webhook.URL = url
	}

	return nil
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

func parseIDs(input string) ([]int64, error) {
	parts := parseCSV(input)
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// findConfigPath resolves the active config file location.
//
// Precedence is EVENTBOT_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config.yaml"),
		filepath.Join(cwd, "config", "config.json"),
		filepath.Join(cwd, "config", "config.yaml"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config file not found (checked %s)", strings.Join(candidates, ", "))
}
