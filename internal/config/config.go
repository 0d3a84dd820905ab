package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration for the Orquesta routing engine.
// It is loaded from ~/.orquesta/config.yaml and can be overridden by
// environment variables.
type Config struct {
	Ollama  OllamaConfig  `mapstructure:"ollama" yaml:"ollama"`
	Routing RoutingConfig `mapstructure:"routing" yaml:"routing"`
	Cache   CacheConfig   `mapstructure:"cache" yaml:"cache"`
	Chat    ChatConfig    `mapstructure:"chat" yaml:"chat"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// OllamaConfig contains settings for the Ollama backend.
type OllamaConfig struct {
	// Endpoint is the Ollama server URL
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	// MaxConcurrentCalls limits in-flight generation requests
	MaxConcurrentCalls int `mapstructure:"max_concurrent_calls" yaml:"max_concurrent_calls"`
	// Timeouts contains the three-phase timeout settings
	Timeouts TimeoutConfig `mapstructure:"timeouts" yaml:"timeouts"`
}

// TimeoutConfig contains timeout settings for the Ollama client. Cold model
// loads make a single request deadline useless, so the phases are separate.
type TimeoutConfig struct {
	// ConnectionTimeoutSec is the time to establish the HTTP connection (default: 30s)
	ConnectionTimeoutSec int `mapstructure:"connection_timeout_sec" yaml:"connection_timeout_sec"`
	// FirstTokenTimeoutSec is the time to receive the first token after connection.
	// This should be long enough to cover model loading (cold start).
	FirstTokenTimeoutSec int `mapstructure:"first_token_timeout_sec" yaml:"first_token_timeout_sec"`
	// StreamIdleTimeoutSec is the max time between tokens during streaming (default: 30s)
	StreamIdleTimeoutSec int `mapstructure:"stream_idle_timeout_sec" yaml:"stream_idle_timeout_sec"`
}

// RoutingConfig controls model selection and retry behavior.
type RoutingConfig struct {
	// Roles maps capability roles to model IDs. Empty fields fall back to
	// the built-in defaults.
	Roles RolesConfig `mapstructure:"roles" yaml:"roles"`
	// FallbackModel is the model used when a planned model is unknown to
	// the registry
	FallbackModel string `mapstructure:"fallback_model" yaml:"fallback_model"`
	// MaxAttempts is the total number of tries per stage, including the first
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
	// RetryBackoff is the base backoff between attempts; attempt N waits N×this
	RetryBackoff time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
}

// RolesConfig names the model assigned to each capability role.
type RolesConfig struct {
	Vision       string `mapstructure:"vision" yaml:"vision"`
	Code         string `mapstructure:"code" yaml:"code"`
	Optimization string `mapstructure:"optimization" yaml:"optimization"`
	Reasoning    string `mapstructure:"reasoning" yaml:"reasoning"`
	Fast         string `mapstructure:"fast" yaml:"fast"`
	General      string `mapstructure:"general" yaml:"general"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Enabled turns the cache on or off
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// TTL is how long entries stay valid
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
	// MaxEntries is the eviction threshold
	MaxEntries int `mapstructure:"max_entries" yaml:"max_entries"`
}

// ChatConfig controls conversation handling.
type ChatConfig struct {
	// HistoryWindow is how many trailing messages are sent to the model
	HistoryWindow int `mapstructure:"history_window" yaml:"history_window"`
	// MaxCharsPerFile caps how much of an attached text file is inlined
	MaxCharsPerFile int `mapstructure:"max_chars_per_file" yaml:"max_chars_per_file"`
	// MaxFilesPerTurn caps how many attachments a single turn may carry
	MaxFilesPerTurn int `mapstructure:"max_files_per_turn" yaml:"max_files_per_turn"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8790"
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	// DBPath is the path to the SQLite conversation database
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// LoggingConfig contains configuration for application logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error")
	Level string `mapstructure:"level" yaml:"level"`
	// File is the path to the log file; empty disables file output
	File string `mapstructure:"file" yaml:"file"`
	// Console enables human-readable console output
	Console bool `mapstructure:"console" yaml:"console"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".orquesta")

	return &Config{
		Ollama: OllamaConfig{
			Endpoint:           "http://127.0.0.1:11434",
			MaxConcurrentCalls: 2,
			Timeouts: TimeoutConfig{
				ConnectionTimeoutSec: 30,
				FirstTokenTimeoutSec: 120,
				StreamIdleTimeoutSec: 30,
			},
		},
		Routing: RoutingConfig{
			Roles: RolesConfig{
				Vision:       "llava:7b",
				Code:         "qwen2.5-coder:7b",
				Optimization: "deepseek-coder:6.7b",
				Reasoning:    "deepseek-r1:7b",
				Fast:         "llama3.2:latest",
				General:      "qwen2.5:7b",
			},
			FallbackModel: "qwen2.5:7b",
			MaxAttempts:   2,
			RetryBackoff:  500 * time.Millisecond,
		},
		Cache: CacheConfig{
			Enabled:    true,
			TTL:        time.Hour,
			MaxEntries: 100,
		},
		Chat: ChatConfig{
			HistoryWindow:   30,
			MaxCharsPerFile: 15000,
			MaxFilesPerTurn: 25,
		},
		Server: ServerConfig{
			Addr: ":8790",
		},
		Storage: StorageConfig{
			DBPath: filepath.Join(dataDir, "orquesta.db"),
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    filepath.Join(dataDir, "logs", "orquesta.log"),
			Console: true,
		},
	}
}

// Load reads configuration from the default location (~/.orquesta/config.yaml)
// and merges with environment variables. If no config file exists, it creates
// one with default values.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, ".orquesta", "config.yaml")
	return LoadFromPath(configPath)
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. If the file doesn't exist, it creates one with
// default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := writeConfigFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Enable environment variable overrides
	// Example: ORQUESTA_OLLAMA_ENDPOINT
	v.SetEnvPrefix("ORQUESTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Storage.DBPath = expandPath(cfg.Storage.DBPath)
	cfg.Logging.File = expandPath(cfg.Logging.File)

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills in zero values with the built-in defaults so a
// hand-trimmed config file still produces a working engine.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Ollama.Endpoint == "" {
		c.Ollama.Endpoint = defaults.Ollama.Endpoint
	}
	if c.Ollama.MaxConcurrentCalls == 0 {
		c.Ollama.MaxConcurrentCalls = defaults.Ollama.MaxConcurrentCalls
	}
	if c.Ollama.Timeouts.ConnectionTimeoutSec == 0 {
		c.Ollama.Timeouts.ConnectionTimeoutSec = defaults.Ollama.Timeouts.ConnectionTimeoutSec
	}
	if c.Ollama.Timeouts.FirstTokenTimeoutSec == 0 {
		c.Ollama.Timeouts.FirstTokenTimeoutSec = defaults.Ollama.Timeouts.FirstTokenTimeoutSec
	}
	if c.Ollama.Timeouts.StreamIdleTimeoutSec == 0 {
		c.Ollama.Timeouts.StreamIdleTimeoutSec = defaults.Ollama.Timeouts.StreamIdleTimeoutSec
	}

	if c.Routing.Roles.Vision == "" {
		c.Routing.Roles.Vision = defaults.Routing.Roles.Vision
	}
	if c.Routing.Roles.Code == "" {
		c.Routing.Roles.Code = defaults.Routing.Roles.Code
	}
	if c.Routing.Roles.Optimization == "" {
		c.Routing.Roles.Optimization = defaults.Routing.Roles.Optimization
	}
	if c.Routing.Roles.Reasoning == "" {
		c.Routing.Roles.Reasoning = defaults.Routing.Roles.Reasoning
	}
	if c.Routing.Roles.Fast == "" {
		c.Routing.Roles.Fast = defaults.Routing.Roles.Fast
	}
	if c.Routing.Roles.General == "" {
		c.Routing.Roles.General = defaults.Routing.Roles.General
	}
	if c.Routing.FallbackModel == "" {
		c.Routing.FallbackModel = defaults.Routing.FallbackModel
	}
	if c.Routing.MaxAttempts == 0 {
		c.Routing.MaxAttempts = defaults.Routing.MaxAttempts
	}
	if c.Routing.RetryBackoff == 0 {
		c.Routing.RetryBackoff = defaults.Routing.RetryBackoff
	}

	if c.Cache.TTL == 0 {
		c.Cache.TTL = defaults.Cache.TTL
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = defaults.Cache.MaxEntries
	}

	if c.Chat.HistoryWindow == 0 {
		c.Chat.HistoryWindow = defaults.Chat.HistoryWindow
	}
	if c.Chat.MaxCharsPerFile == 0 {
		c.Chat.MaxCharsPerFile = defaults.Chat.MaxCharsPerFile
	}
	if c.Chat.MaxFilesPerTurn == 0 {
		c.Chat.MaxFilesPerTurn = defaults.Chat.MaxFilesPerTurn
	}

	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Server.Addr
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = defaults.Storage.DBPath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
}

// Save writes the current configuration to the default config file location.
func (c *Config) Save() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, ".orquesta", "config.yaml")
	return c.SaveToPath(configPath)
}

// SaveToPath writes the current configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return writeConfigFile(path, c)
}

// GetDataDir returns the Orquesta data directory path (~/.orquesta).
func (c *Config) GetDataDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".orquesta")
}

// EnsureDirectories creates all directories the engine needs at runtime.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.GetDataDir(),
		filepath.Dir(c.Storage.DBPath),
	}
	if c.Logging.File != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	if c.Ollama.Endpoint == "" {
		return fmt.Errorf("ollama.endpoint cannot be empty")
	}
	if c.Ollama.MaxConcurrentCalls < 1 {
		return fmt.Errorf("ollama.max_concurrent_calls must be at least 1")
	}

	if c.Routing.MaxAttempts < 1 {
		return fmt.Errorf("routing.max_attempts must be at least 1")
	}
	if c.Routing.RetryBackoff < 0 {
		return fmt.Errorf("routing.retry_backoff cannot be negative")
	}
	if c.Routing.FallbackModel == "" {
		return fmt.Errorf("routing.fallback_model cannot be empty")
	}

	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.max_entries must be at least 1")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}

	if c.Chat.HistoryWindow < 1 {
		return fmt.Errorf("chat.history_window must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// writeConfigFile writes a Config struct to a YAML file.
// Uses gopkg.in/yaml.v3 directly to ensure proper tag-based serialization.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
