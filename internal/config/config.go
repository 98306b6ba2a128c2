// Package config loads personagate configuration from a JSON file, a .env
// file and the process environment, in that order of increasing precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"github.com/roelfdiedericks/personagate/internal/llm"
	"github.com/roelfdiedericks/personagate/internal/logging"
)

// Environment variables that override file values.
const (
	EnvPrimaryAPIKey   = "PERSONAGATE_PRIMARY_API_KEY"
	EnvSecondaryAPIKey = "PERSONAGATE_SECONDARY_API_KEY"
	EnvDBDSN           = "PERSONAGATE_DB_DSN"
	EnvLogLevel        = "PERSONAGATE_LOG_LEVEL"
)

// DefaultPath is the config file looked up when none is given.
const DefaultPath = "personagate.json"

// Store types
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Type aliases for provider configuration (canonical definitions in llm package)
type (
	ProviderConfig  = llm.ProviderConfig
	ProvidersConfig = llm.ProvidersConfig
	RetryConfig     = llm.RetryConfig
)

// Config is the full personagate configuration.
type Config struct {
	Log       LogConfig       `json:"log"`
	Store     StoreConfig     `json:"store"`
	Providers ProvidersConfig `json:"providers"`
	Retry     RetryConfig     `json:"retry"`
	Chat      ChatConfig      `json:"chat"`
	Tiers     map[string]int  `json:"tiers"` // daily limit overrides, -1 = unlimited
	HTTP      HTTPConfig      `json:"http"`
}

type LogConfig struct {
	Level      string `json:"level"` // trace, debug, info, warn, error
	TimeFormat string `json:"timeFormat"`
	ShowCaller bool   `json:"showCaller"`
}

type StoreConfig struct {
	Type string `json:"type"` // "sqlite" or "postgres"
	DSN  string `json:"dsn"`  // file path for sqlite, connection URL for postgres
}

// ChatConfig tunes the message orchestrator.
type ChatConfig struct {
	HistoryLimit       int    `json:"historyLimit"`       // turns loaded per send
	HistoryTokenBudget int    `json:"historyTokenBudget"` // 0 disables token trimming
	MaxMessageChars    int    `json:"maxMessageChars"`
	TotalBudgetSeconds int    `json:"totalBudgetSeconds"` // wall clock for primary retries + secondary
	ApologyText        string `json:"apologyText"`
}

// TotalBudget returns the generation wall-clock budget.
func (c ChatConfig) TotalBudget() time.Duration {
	return time.Duration(c.TotalBudgetSeconds) * time.Second
}

type HTTPConfig struct {
	Listen string `json:"listen"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			TimeFormat: "15:04:05",
		},
		Store: StoreConfig{
			Type: StoreSQLite,
			DSN:  "personagate.db",
		},
		Retry: RetryConfig{
			DelaysMs: []int{1000, 2000, 4000},
		},
		Chat: ChatConfig{
			HistoryLimit:       20,
			HistoryTokenBudget: 6000,
			MaxMessageChars:    10000,
			TotalBudgetSeconds: 45,
			ApologyText:        llm.DefaultApologyText,
		},
		HTTP: HTTPConfig{
			Listen: "127.0.0.1:8420",
		},
	}
}

// Load reads path (if it exists) over the defaults, loads envFile into the
// environment, applies environment overrides and validates the result.
// Empty path means DefaultPath; a missing default file is not an error.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load %s: %w", envFile, err)
			}
			logging.L_debug("config: no env file", "path", envFile)
		}
	}

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		logging.L_debug("config: loaded file", "path", path)
	case errors.Is(err, os.ErrNotExist) && !explicit:
		logging.L_debug("config: no config file, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	// Zero values in the file are filled from the defaults.
	if err := mergo.Merge(cfg, *Default()); err != nil {
		return nil, fmt.Errorf("merge defaults: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvPrimaryAPIKey); v != "" {
		c.Providers.Primary.APIKey = v
	}
	if v := os.Getenv(EnvSecondaryAPIKey); v != "" {
		c.Providers.Secondary.APIKey = v
	}
	if v := os.Getenv(EnvDBDSN); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

// Validate checks the configuration for errors the pipeline cannot recover from.
func (c *Config) Validate() error {
	if err := c.Providers.Primary.Validate(); err != nil {
		return fmt.Errorf("providers.primary: %w", err)
	}
	if c.Providers.Secondary.Enabled() {
		if err := c.Providers.Secondary.Validate(); err != nil {
			return fmt.Errorf("providers.secondary: %w", err)
		}
	}

	switch c.Store.Type {
	case StoreSQLite, StorePostgres:
	default:
		return fmt.Errorf("store.type: unknown store %q", c.Store.Type)
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("store.dsn cannot be empty")
	}

	for i, ms := range c.Retry.DelaysMs {
		if ms <= 0 {
			return fmt.Errorf("retry.delaysMs[%d] must be > 0", i)
		}
	}

	if c.Chat.HistoryLimit <= 0 {
		return fmt.Errorf("chat.historyLimit must be > 0")
	}
	if c.Chat.MaxMessageChars <= 0 {
		return fmt.Errorf("chat.maxMessageChars must be > 0")
	}
	if c.Chat.TotalBudgetSeconds <= 0 {
		return fmt.Errorf("chat.totalBudgetSeconds must be > 0")
	}
	for tier, limit := range c.Tiers {
		if limit < -1 {
			return fmt.Errorf("tiers.%s: limit must be -1 (unlimited) or >= 0", tier)
		}
	}
	return nil
}

// LoggingConfig converts the log section for logging.Init.
func (c *Config) LoggingConfig() *logging.Config {
	return &logging.Config{
		Level:      logging.ParseLevel(c.Log.Level),
		TimeFormat: c.Log.TimeFormat,
		ShowCaller: c.Log.ShowCaller,
	}
}
