package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/rentguntur/project-school/internal/logger"
)

// Config holds the application configuration
type Config struct {
	LLM        LLMConfig
	Server     ServerConfig
	Database   DatabaseConfig
	Execution  ExecutionConfig
	Retry      RetryConfig
	Log        LogConfig
	Tracing    TracingConfig
	Agents     []AgentConfig
	MCPServers []MCPServerConfig `mapstructure:"mcp_servers"`
}

// LLMConfig holds the LLM configuration
type LLMConfig struct {
	Provider     string  `mapstructure:"provider"`
	BaseURL      string  `mapstructure:"base_url"`
	APIKey       string  `mapstructure:"api_key"`
	Model        string  `mapstructure:"model"`
	SystemPrompt string  `mapstructure:"system_prompt"`
	Temperature  float32 `mapstructure:"temperature"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// DatabaseConfig selects the SQL backend shared by the message store, the
// agent registry and the catalog.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// ExecutionConfig bounds a single chat execution.
type ExecutionConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	DefaultMaxSteps int           `mapstructure:"default_max_steps"`
	ContextBudget   int           `mapstructure:"context_budget"`
	HistoryLimit    int           `mapstructure:"history_limit"`
	Sizer           string        `mapstructure:"sizer"`
}

// RetryConfig controls backoff for transient upstream failures.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AgentConfig seeds one entry of the agent registry.
type AgentConfig struct {
	ID           string       `mapstructure:"id"`
	Name         string       `mapstructure:"name"`
	SystemPrompt string       `mapstructure:"system_prompt"`
	Tools        []string     `mapstructure:"tools"`
	MaxSteps     int          `mapstructure:"max_steps"`
	Termination  string       `mapstructure:"termination"`
	Marker       string       `mapstructure:"marker"`
	Modes        []ModeConfig `mapstructure:"modes"`
}

// ModeConfig is an alternate prompt an agent switches to when the user
// message contains one of Triggers.
type ModeConfig struct {
	Name         string   `mapstructure:"name"`
	Triggers     []string `mapstructure:"triggers"`
	SystemPrompt string   `mapstructure:"system_prompt"`
	Tools        []string `mapstructure:"tools"`
}

// ClientType is the transport used to reach an MCP server.
type ClientType string

const (
	ClientTypeSSE            ClientType = "sse"
	ClientTypeStreamableHTTP ClientType = "streamable_http"
	ClientTypeStdio          ClientType = "stdio"
)

// MCPServerConfig describes one MCP tool server.
type MCPServerConfig struct {
	Name    string            `mapstructure:"name"`
	Type    ClientType        `mapstructure:"type"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
}

var (
	mu      sync.Mutex
	current *viper.Viper
)

// LoadEnvFiles loads variables from .env in the working directory. A
// missing file is not an error.
func LoadEnvFiles() error {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Load loads the configuration from config.yaml (or the file named by
// CONFIG_PATH). Environment variables prefixed with CHAT_ override keys,
// e.g. CHAT_SERVER_PORT for server.port.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		logger.L.Warn("no config file found; using defaults and environment")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	current = v
	mu.Unlock()

	return cfg, nil
}

// Watch invokes onChange with the re-decoded configuration every time the
// loaded config file changes on disk. Load must have succeeded first.
func Watch(onChange func(*Config)) error {
	mu.Lock()
	v := current
	mu.Unlock()
	if v == nil || v.ConfigFileUsed() == "" {
		return errors.New("config: no config file loaded to watch")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		logger.L.Info("config file changed", "file", e.Name, "op", e.Op.String())
		cfg, err := decode(v)
		if err != nil {
			logger.L.Error("reloading config failed", "error", err)
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8001")
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.system_prompt", "")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "history.db")
	v.SetDefault("execution.timeout", "60s")
	v.SetDefault("execution.default_max_steps", 5)
	v.SetDefault("execution.context_budget", 16000)
	v.SetDefault("execution.history_limit", 50)
	v.SetDefault("execution.sizer", "length")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_interval", "200ms")
	v.SetDefault("retry.max_interval", "2s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("tracing.enabled", false)
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported database driver %q (supported: sqlite, postgres)", c.Database.Driver)
	}
	switch c.Execution.Sizer {
	case "length", "tokens":
	default:
		return fmt.Errorf("config: unsupported execution.sizer %q (supported: length, tokens)", c.Execution.Sizer)
	}
	if c.Execution.Timeout <= 0 {
		return errors.New("config: execution.timeout must be positive")
	}
	if c.Execution.DefaultMaxSteps <= 0 {
		return errors.New("config: execution.default_max_steps must be positive")
	}
	if c.Execution.ContextBudget <= 0 {
		return errors.New("config: execution.context_budget must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return errors.New("config: retry.max_attempts must be positive")
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("config: agents[%d] has no id", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("config: duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
		for j, m := range a.Modes {
			if len(m.Triggers) == 0 {
				return fmt.Errorf("config: agents[%d].modes[%d] has no triggers", i, j)
			}
		}
	}
	return nil
}
