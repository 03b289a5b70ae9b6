// Package config provides configuration management for chatrelay.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for chatrelay.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Permission PermissionConfig `mapstructure:"permission"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StoreConfig holds session store configuration.
// Driver selects the backing store: memory, sqlite, or postgres.
type StoreConfig struct {
	Driver        string `mapstructure:"driver"`
	SQLitePath    string `mapstructure:"sqlitePath"`
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	DBName        string `mapstructure:"dbName"`
	SSLMode       string `mapstructure:"sslMode"`
	MaxConns      int    `mapstructure:"maxConns"`
	MaxPerSession int    `mapstructure:"maxPerSession"` // message cap for the memory store
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds upstream agent CLI configuration.
type AgentConfig struct {
	// CLIPath is the path to the agent CLI binary. Empty means discover via
	// PATH and well-known install locations.
	CLIPath string `mapstructure:"cliPath"`

	// Model is the default model passed to the CLI when a request does not
	// specify one.
	Model string `mapstructure:"model"`

	// PermissionMode is the fixed permission mode for every turn (default mode
	// routes sensitive tool calls through the permission coordinator).
	PermissionMode string `mapstructure:"permissionMode"`

	// WorkingDirectory is the default working directory for agent runs.
	WorkingDirectory string `mapstructure:"workingDirectory"`
}

// PermissionConfig holds permission coordinator configuration.
type PermissionConfig struct {
	TimeoutSeconds       int `mapstructure:"timeoutSeconds"`       // pending request lifetime
	SweepIntervalSeconds int `mapstructure:"sweepIntervalSeconds"` // background sweep period
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Timeout returns the pending permission lifetime as a time.Duration.
func (p *PermissionConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// SweepInterval returns the background sweep period as a time.Duration.
func (p *PermissionConfig) SweepInterval() time.Duration {
	return time.Duration(p.SweepIntervalSeconds) * time.Second
}

// DSN returns the postgres connection string for the store.
func (s *StoreConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		s.User, s.Password, s.Host, s.Port, s.DBName, s.SSLMode)
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CHATRELAY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 19824)
	v.SetDefault("server.readTimeout", 30)
	// Streaming responses stay open for the whole turn; 0 disables the
	// write deadline.
	v.SetDefault("server.writeTimeout", 0)

	// Store defaults
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.sqlitePath", "chatrelay.db")
	v.SetDefault("store.host", "localhost")
	v.SetDefault("store.port", 5432)
	v.SetDefault("store.user", "chatrelay")
	v.SetDefault("store.password", "")
	v.SetDefault("store.dbName", "chatrelay")
	v.SetDefault("store.sslMode", "disable")
	v.SetDefault("store.maxConns", 10)
	v.SetDefault("store.maxPerSession", 1000)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "chatrelay")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent defaults
	v.SetDefault("agent.cliPath", "")
	v.SetDefault("agent.model", "claude-sonnet-4-20250514")
	v.SetDefault("agent.permissionMode", "default")
	v.SetDefault("agent.workingDirectory", "")

	// Permission defaults
	v.SetDefault("permission.timeoutSeconds", 300)
	v.SetDefault("permission.sweepIntervalSeconds", 60)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CHATRELAY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/chatrelay/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CHATRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("agent.cliPath", "CHATRELAY_AGENT_CLI_PATH")
	_ = v.BindEnv("agent.permissionMode", "CHATRELAY_AGENT_PERMISSION_MODE")
	_ = v.BindEnv("agent.workingDirectory", "CHATRELAY_AGENT_WORKING_DIRECTORY")
	_ = v.BindEnv("store.sqlitePath", "CHATRELAY_STORE_SQLITE_PATH")
	_ = v.BindEnv("store.maxPerSession", "CHATRELAY_STORE_MAX_PER_SESSION")
	_ = v.BindEnv("permission.timeoutSeconds", "CHATRELAY_PERMISSION_TIMEOUT_SECONDS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/chatrelay/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that required configuration values are sane.
func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	switch cfg.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("store.driver must be one of memory, sqlite, postgres, got %q", cfg.Store.Driver)
	}

	if cfg.Permission.TimeoutSeconds <= 0 {
		return fmt.Errorf("permission.timeoutSeconds must be positive, got %d", cfg.Permission.TimeoutSeconds)
	}

	return nil
}
