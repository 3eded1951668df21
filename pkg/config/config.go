package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	envConfigPath        = "CARGOCHATS_CONFIG"
	envDBPath            = "CARGOCHATS_DB_PATH"
	envSyncInterval      = "WORKER_SYNC_INTERVAL_SEC"
	envDefaultModel      = "OPENAI_DEFAULT_MODEL"
	envTelegramAllowFrom = "TELEGRAM_ALLOW_FROM"
)

const (
	defaultIntervalSeconds      = 5
	defaultStopTimeoutSeconds   = 10
	defaultConnectTimeoutSecs   = 30
	defaultFetchTimeoutSeconds  = 10
	defaultPollIntervalMillis   = 500
	defaultMaxParallel          = 8
	defaultStorePath            = "cargochats.db"
	defaultReplyProvider        = "openai"
	defaultReplyModel           = "gpt-4o-mini"
	defaultHistoryPairsLimit    = 50
	defaultErrorPrefixLimit     = 180
	defaultSendRatePerSecond    = 1.0
	defaultTypingRefreshSeconds = 4
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Supervisor SupervisorConfig `json:"supervisor"`
	Store      StoreConfig      `json:"store"`
	Channels   ChannelsConfig   `json:"channels"`
	Replies    RepliesConfig    `json:"replies"`
	Providers  ProvidersConfig  `json:"providers"`
	Gateway    GatewayConfig    `json:"gateway"`
	Logging    LoggingConfig    `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// SupervisorConfig tunes the reconciliation loop and per-account runtimes.
type SupervisorConfig struct {
	IntervalSeconds       int `json:"interval_seconds"`
	StopTimeoutSeconds    int `json:"stop_timeout_seconds"`
	ConnectTimeoutSeconds int `json:"connect_timeout_seconds"`
	FetchTimeoutSeconds   int `json:"fetch_timeout_seconds"`
	PollIntervalMillis    int `json:"poll_interval_ms"`
	QueueCapacity         int `json:"queue_capacity"`
	MaxParallel           int `json:"max_parallel"`
}

// StoreConfig points at the SQLite database holding account settings.
type StoreConfig struct {
	Path string `json:"path"`
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig holds process-wide Telegram connection settings.
// Per-account credentials come from the store, not from here.
type TelegramConfig struct {
	APIURL               string   `json:"api_url"`
	SendRatePerSecond    float64  `json:"send_rate_per_second"`
	TypingRefreshSeconds int      `json:"typing_refresh_seconds"`
	AllowFrom            []string `json:"allow_from"`
}

// RepliesConfig selects and tunes the reply-generation backend.
type RepliesConfig struct {
	Provider          string  `json:"provider"`
	Model             string  `json:"model"`
	MaxTokens         int     `json:"max_tokens"`
	Temperature       float64 `json:"temperature"`
	HistoryPairsLimit int     `json:"history_pairs_limit"`
	ErrorPrefixLimit  int     `json:"error_prefix_limit"`
}

// ProvidersConfig stores per-provider connection settings.
type ProvidersConfig struct {
	OpenCode OpenCodeProviderConfig `json:"opencode"`
	OpenAI   OpenAIProviderConfig   `json:"openai"`
}

// OpenCodeProviderConfig configures the OpenCode provider client.
type OpenCodeProviderConfig struct {
	BaseURL               string `json:"base_url"`
	Username              string `json:"username"`
	PasswordEnv           string `json:"password_env"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// OpenAIProviderConfig configures the OpenAI provider client.
type OpenAIProviderConfig struct {
	BaseURL               string `json:"base_url"`
	APIKeyEnv             string `json:"api_key_env"`
	Organization          string `json:"organization"`
	Project               string `json:"project"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// GatewayConfig configures the status server bind settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// LoadConfig resolves config.json, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadConfigFile(configPath)
}

// LoadConfigFile reads and parses the config file at path.
func LoadConfigFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(content)
}

// Parse decodes raw JSON config, then applies env overrides and defaults.
func Parse(content []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	return &cfg, nil
}

// ApplyDefaults fills every unset tunable with its default value.
func (c *Config) ApplyDefaults() {
	s := &c.Supervisor
	if s.IntervalSeconds <= 0 {
		s.IntervalSeconds = defaultIntervalSeconds
	}
	if s.StopTimeoutSeconds <= 0 {
		s.StopTimeoutSeconds = defaultStopTimeoutSeconds
	}
	if s.ConnectTimeoutSeconds <= 0 {
		s.ConnectTimeoutSeconds = defaultConnectTimeoutSecs
	}
	if s.FetchTimeoutSeconds <= 0 {
		s.FetchTimeoutSeconds = defaultFetchTimeoutSeconds
	}
	if s.PollIntervalMillis <= 0 {
		s.PollIntervalMillis = defaultPollIntervalMillis
	}
	if s.QueueCapacity < 0 {
		s.QueueCapacity = 0
	}
	if s.MaxParallel <= 0 {
		s.MaxParallel = defaultMaxParallel
	}

	if strings.TrimSpace(c.Store.Path) == "" {
		c.Store.Path = defaultStorePath
	}

	t := &c.Channels.Telegram
	if t.SendRatePerSecond <= 0 {
		t.SendRatePerSecond = defaultSendRatePerSecond
	}
	if t.TypingRefreshSeconds <= 0 {
		t.TypingRefreshSeconds = defaultTypingRefreshSeconds
	}

	r := &c.Replies
	if strings.TrimSpace(r.Provider) == "" {
		r.Provider = defaultReplyProvider
	}
	if strings.TrimSpace(r.Model) == "" {
		r.Model = defaultReplyModel
	}
	if r.HistoryPairsLimit <= 0 || r.HistoryPairsLimit > defaultHistoryPairsLimit {
		r.HistoryPairsLimit = defaultHistoryPairsLimit
	}
	if r.ErrorPrefixLimit <= 0 {
		r.ErrorPrefixLimit = defaultErrorPrefixLimit
	}
}

// Interval is the reconciliation tick interval.
func (s SupervisorConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// StopTimeout bounds how long a runtime may take to unwind.
func (s SupervisorConfig) StopTimeout() time.Duration {
	return time.Duration(s.StopTimeoutSeconds) * time.Second
}

// ConnectTimeout bounds one connection attempt.
func (s SupervisorConfig) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutSeconds) * time.Second
}

// FetchTimeout bounds one desired-state read.
func (s SupervisorConfig) FetchTimeout() time.Duration {
	return time.Duration(s.FetchTimeoutSeconds) * time.Second
}

// PollInterval is the consumer's dequeue timeout.
func (s SupervisorConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMillis) * time.Millisecond
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	if raw := strings.TrimSpace(os.Getenv(envSyncInterval)); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", envSyncInterval, err)
		}
		cfg.Supervisor.IntervalSeconds = seconds
	}

	if path := strings.TrimSpace(os.Getenv(envDBPath)); path != "" {
		cfg.Store.Path = path
	}

	if model := strings.TrimSpace(os.Getenv(envDefaultModel)); model != "" {
		cfg.Replies.Model = model
	}

	if rawAllowFrom := strings.TrimSpace(os.Getenv(envTelegramAllowFrom)); rawAllowFrom != "" {
		cfg.Channels.Telegram.AllowFrom = parseCSV(rawAllowFrom)
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

// findConfigPath resolves the active config file location.
//
// Precedence is CARGOCHATS_CONFIG first, then cwd-local fallback paths.
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
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
