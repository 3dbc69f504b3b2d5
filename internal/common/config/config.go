// Package config provides configuration management for courierd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for courierd.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Events       EventsConfig       `mapstructure:"events"`
	Tasks        TasksConfig        `mapstructure:"tasks"`
	LLM          LLMConfig          `mapstructure:"llm"`
	SMS          SMSConfig          `mapstructure:"sms"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// When Host is empty, courierd runs on an embedded SQLite database at Path.
type DatabaseConfig struct {
	Path     string `mapstructure:"path"` // SQLite file path (used when host is empty)
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
	// QueryTimeout bounds individual store queries, in seconds.
	QueryTimeout int `mapstructure:"queryTimeout"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory bus (single-process deployments and tests).
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// OrchestratorConfig holds message orchestrator configuration.
type OrchestratorConfig struct {
	PollIntervalMs      int `mapstructure:"pollIntervalMs"`
	BatchSize           int `mapstructure:"batchSize"`
	DefaultDailyLimit   int `mapstructure:"defaultDailyLimit"`
	DefaultHourlyLimit  int `mapstructure:"defaultHourlyLimit"`
	QuietHoursStart     int `mapstructure:"quietHoursStart"` // hour of day, user-local
	QuietHoursEnd       int `mapstructure:"quietHoursEnd"`
	ActiveWindowMinutes int `mapstructure:"activeWindowMinutes"`
	RenderMaxRetries    int `mapstructure:"renderMaxRetries"`
	DispatchMaxRetries  int `mapstructure:"dispatchMaxRetries"`
}

// EventsConfig holds event processor configuration.
type EventsConfig struct {
	PollIntervalMs int `mapstructure:"pollIntervalMs"`
	BatchSize      int `mapstructure:"batchSize"`
	MaxRetries     int `mapstructure:"maxRetries"`
}

// TasksConfig holds task processor configuration.
type TasksConfig struct {
	PollIntervalMs int `mapstructure:"pollIntervalMs"`
	BatchSize      int `mapstructure:"batchSize"`
	MaxRetries     int `mapstructure:"maxRetries"`
}

// LLMConfig holds LLM provider configuration for rendering and relevance checks.
type LLMConfig struct {
	APIKey         string `mapstructure:"apiKey"`
	Model          string `mapstructure:"model"`
	BaseURL        string `mapstructure:"baseUrl"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
	MaxTokens      int    `mapstructure:"maxTokens"`
}

// SMSConfig holds SMS provider (Twilio) configuration.
type SMSConfig struct {
	AccountSID     string `mapstructure:"accountSid"`
	AuthToken      string `mapstructure:"authToken"`
	FromNumber     string `mapstructure:"fromNumber"` // E.164
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
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

// QueryTimeoutDuration returns the store query timeout as a time.Duration.
func (d *DatabaseConfig) QueryTimeoutDuration() time.Duration {
	return time.Duration(d.QueryTimeout) * time.Second
}

// PollInterval returns the orchestrator poll interval as a time.Duration.
func (o *OrchestratorConfig) PollInterval() time.Duration {
	return time.Duration(o.PollIntervalMs) * time.Millisecond
}

// PollInterval returns the event processor poll interval as a time.Duration.
func (e *EventsConfig) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalMs) * time.Millisecond
}

// PollInterval returns the task processor poll interval as a time.Duration.
func (t *TasksConfig) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalMs) * time.Millisecond
}

// Timeout returns the LLM call timeout as a time.Duration.
func (l *LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

// Timeout returns the SMS call timeout as a time.Duration.
func (s *SMSConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("COURIERD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - empty host means embedded SQLite
	v.SetDefault("database.path", "courierd.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "courierd")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "courierd")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)
	v.SetDefault("database.queryTimeout", 10)

	// NATS defaults - empty URL means use in-memory bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "courierd")
	v.SetDefault("nats.maxReconnects", 10)

	// Orchestrator defaults
	v.SetDefault("orchestrator.pollIntervalMs", 60000)
	v.SetDefault("orchestrator.batchSize", 50)
	v.SetDefault("orchestrator.defaultDailyLimit", 10)
	v.SetDefault("orchestrator.defaultHourlyLimit", 2)
	v.SetDefault("orchestrator.quietHoursStart", 22)
	v.SetDefault("orchestrator.quietHoursEnd", 8)
	v.SetDefault("orchestrator.activeWindowMinutes", 10)
	v.SetDefault("orchestrator.renderMaxRetries", 3)
	v.SetDefault("orchestrator.dispatchMaxRetries", 3)

	// Event processor defaults
	v.SetDefault("events.pollIntervalMs", 10000)
	v.SetDefault("events.batchSize", 20)
	v.SetDefault("events.maxRetries", 5)

	// Task processor defaults
	v.SetDefault("tasks.pollIntervalMs", 30000)
	v.SetDefault("tasks.batchSize", 10)
	v.SetDefault("tasks.maxRetries", 3)

	// LLM defaults
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.baseUrl", "")
	v.SetDefault("llm.timeoutSeconds", 30)
	v.SetDefault("llm.maxTokens", 1024)

	// SMS defaults
	v.SetDefault("sms.accountSid", "")
	v.SetDefault("sms.authToken", "")
	v.SetDefault("sms.fromNumber", "")
	v.SetDefault("sms.timeoutSeconds", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix COURIERD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/courierd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("COURIERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, and the
	// operational knobs below are also honoured under their bare legacy names.
	_ = v.BindEnv("orchestrator.pollIntervalMs", "COURIERD_ORCHESTRATOR_POLL_INTERVAL_MS", "ORCHESTRATOR_POLL_INTERVAL_MS")
	_ = v.BindEnv("events.pollIntervalMs", "COURIERD_EVENTS_POLL_INTERVAL_MS", "POLL_INTERVAL_MS")
	_ = v.BindEnv("events.batchSize", "COURIERD_EVENTS_BATCH_SIZE", "BATCH_SIZE")
	_ = v.BindEnv("events.maxRetries", "COURIERD_EVENTS_MAX_RETRIES", "MAX_RETRIES")
	_ = v.BindEnv("tasks.pollIntervalMs", "COURIERD_TASKS_POLL_INTERVAL_MS", "TASK_POLL_INTERVAL_MS")
	_ = v.BindEnv("tasks.batchSize", "COURIERD_TASKS_BATCH_SIZE", "TASK_BATCH_SIZE")
	_ = v.BindEnv("tasks.maxRetries", "COURIERD_TASKS_MAX_RETRIES", "TASK_MAX_RETRIES")
	_ = v.BindEnv("orchestrator.defaultDailyLimit", "COURIERD_ORCHESTRATOR_DEFAULT_DAILY_LIMIT", "DEFAULT_DAILY_LIMIT")
	_ = v.BindEnv("orchestrator.defaultHourlyLimit", "COURIERD_ORCHESTRATOR_DEFAULT_HOURLY_LIMIT", "DEFAULT_HOURLY_LIMIT")
	_ = v.BindEnv("orchestrator.activeWindowMinutes", "COURIERD_ORCHESTRATOR_ACTIVE_WINDOW_MINUTES", "ACTIVE_WINDOW_MINUTES")
	_ = v.BindEnv("llm.apiKey", "COURIERD_LLM_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("sms.accountSid", "COURIERD_SMS_ACCOUNT_SID", "TWILIO_ACCOUNT_SID")
	_ = v.BindEnv("sms.authToken", "COURIERD_SMS_AUTH_TOKEN", "TWILIO_AUTH_TOKEN")
	_ = v.BindEnv("sms.fromNumber", "COURIERD_SMS_FROM_NUMBER", "TWILIO_FROM_NUMBER")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/courierd/")

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

// validate checks that all required configuration fields are set.
// In development mode (default), the SMS and LLM credentials are optional;
// the affected components run with no-op clients.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Postgres validation - only if host is set (optional for SQLite mode)
	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}

	if cfg.Orchestrator.DefaultDailyLimit <= 0 {
		errs = append(errs, "orchestrator.defaultDailyLimit must be positive")
	}
	if cfg.Orchestrator.DefaultHourlyLimit <= 0 {
		errs = append(errs, "orchestrator.defaultHourlyLimit must be positive")
	}
	if cfg.Orchestrator.QuietHoursStart < 0 || cfg.Orchestrator.QuietHoursStart > 23 {
		errs = append(errs, "orchestrator.quietHoursStart must be an hour between 0 and 23")
	}
	if cfg.Orchestrator.QuietHoursEnd < 0 || cfg.Orchestrator.QuietHoursEnd > 23 {
		errs = append(errs, "orchestrator.quietHoursEnd must be an hour between 0 and 23")
	}
	if cfg.Events.BatchSize <= 0 {
		errs = append(errs, "events.batchSize must be positive")
	}
	if cfg.Tasks.BatchSize <= 0 {
		errs = append(errs, "tasks.batchSize must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// UsePostgres reports whether the Postgres backend is configured.
func (d *DatabaseConfig) UsePostgres() bool {
	return d.Host != ""
}
