// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppConfig holds all application configuration.
// It is instantiated by NewConfig() and passed to components that need it (dependency injection).
type AppConfig struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Log         LogConfig         `mapstructure:"log"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Manager     ManagerConfig     `mapstructure:"manager"`
	Fulfillment FulfillmentConfig `mapstructure:"fulfillment"`
	DAG         DAGConfig         `mapstructure:"dag"`
	Server      ServerConfig      `mapstructure:"server"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// DatabaseConfig holds all database configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// LogConfig holds comprehensive logging configuration
type LogConfig struct {
	Level    string            `mapstructure:"level"`
	Format   string            `mapstructure:"format"`
	Output   []LogOutputConfig `mapstructure:"output"`
	Levels   map[string]string `mapstructure:"levels"`
	Context  LogContextConfig  `mapstructure:"context"`
	Sampling LogSamplingConfig `mapstructure:"sampling"`
}

// LogOutputConfig defines where logs are written
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file", "console"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`   // For file output
	Rotate  LogRotateConfig `mapstructure:"rotate"` // For file output
}

// LogRotateConfig defines log rotation settings
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// LogContextConfig defines what context to include in logs
type LogContextConfig struct {
	IncludeCaller     bool   `mapstructure:"include_caller"`
	IncludeTimestamp  bool   `mapstructure:"include_timestamp"`
	IncludeLevel      bool   `mapstructure:"include_level"`
	IncludeStackTrace string `mapstructure:"include_stack_trace"` // Level at which to include stack trace
}

// LogSamplingConfig defines log sampling settings
type LogSamplingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Initial    uint32        `mapstructure:"initial"`
	Thereafter uint32        `mapstructure:"thereafter"`
	Tick       time.Duration `mapstructure:"tick"`
}

// TransportConfig selects and configures the message transport.
type TransportConfig struct {
	Driver         string        `mapstructure:"driver"`   // "memory" or "redis"
	Exchange       string        `mapstructure:"exchange"` // Prefix for every topic, e.g. "wf"
	ConnectRetries uint64        `mapstructure:"connect_retries"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Redis          RedisConfig   `mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings for the redis transport.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ManagerConfig holds manager process settings.
type ManagerConfig struct {
	SiteName  string `mapstructure:"site_name"`
	TopicID   string `mapstructure:"topic_id"` // Empty = derived from the site id
	Workers   int    `mapstructure:"workers"`
	InboxSize int    `mapstructure:"inbox_size"`
}

// Job failure policies applied when an agent reports a job as failed.
const (
	JobFailureRecord = "record" // Only the job proxy is marked failed
	JobFailureRetry  = "retry"  // The step is re-auctioned
	JobFailureFail   = "fail"   // The step and its workflow fail
)

// FulfillmentConfig holds auction settings.
type FulfillmentConfig struct {
	MaxAttempts              int           `mapstructure:"max_attempts"`
	RequestTTL               time.Duration `mapstructure:"request_ttl"` // 0 disables request expiry
	JobFailurePolicy         string        `mapstructure:"job_failure_policy"`
	FailWorkflowOnExhaustion bool          `mapstructure:"fail_workflow_on_exhaustion"`
}

// DAGConfig holds workflow compilation settings.
type DAGConfig struct {
	Strict bool `mapstructure:"strict"` // Abort the whole build on the first compilation error
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // Empty = allow all (development); set for production
}

// MetricsConfig holds prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// TracingConfig holds OpenTelemetry exporter settings.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	Insecure    bool   `mapstructure:"insecure"`
	ServiceName string `mapstructure:"service_name"`
}

// NewConfig creates a new AppConfig by reading from a file, environment variables,
// and applying defaults.
func NewConfig(configPath string) (*AppConfig, error) {
	cfg := defaultConfig()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/caroni/")
		v.AddConfigPath("$HOME/.caroni")
	}

	v.SetEnvPrefix("CARONI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read the config file. It's okay if it doesn't exist.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration without reading files or the environment.
func Default() *AppConfig {
	cfg := defaultConfig()
	return &cfg
}

// defaultConfig returns an AppConfig with default values.
// This is more type-safe than using viper.SetDefault().
func defaultConfig() AppConfig {
	return AppConfig{
		Database: DatabaseConfig{
			Driver:   "sqlite",
			Database: "caroni.db",
			Host:     "localhost",
			Port:     5432,
			SSLMode:  "disable",
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "console",
			Output: []LogOutputConfig{
				{
					Type:    "file",
					Enabled: false,
					Path:    "./logs/caroni.log",
					Rotate: LogRotateConfig{
						MaxSizeMB:  100,
						MaxBackups: 7,
						MaxAgeDays: 30,
						Compress:   true,
					},
				},
				{
					Type:    "console",
					Enabled: true,
				},
			},
			Levels: map[string]string{
				"manager":     "INFO",
				"dag":         "INFO",
				"fulfillment": "INFO",
				"dataflow":    "INFO",
				"transport":   "INFO",
				"database":    "INFO",
				"api":         "INFO",
				"cli":         "WARN",
				"agent":       "INFO",
			},
			Context: LogContextConfig{
				IncludeCaller:     true,
				IncludeTimestamp:  true,
				IncludeLevel:      true,
				IncludeStackTrace: "ERROR",
			},
			Sampling: LogSamplingConfig{
				Enabled:    false,
				Initial:    100,
				Thereafter: 100,
				Tick:       time.Second,
			},
		},
		Transport: TransportConfig{
			Driver:         "memory",
			Exchange:       "wf",
			ConnectRetries: 5,
			ConnectTimeout: 5 * time.Second,
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Manager: ManagerConfig{
			SiteName:  "default",
			Workers:   4,
			InboxSize: 256,
		},
		Fulfillment: FulfillmentConfig{
			MaxAttempts:              5,
			RequestTTL:               0,
			JobFailurePolicy:         JobFailureRecord,
			FailWorkflowOnExhaustion: true,
		},
		Server: ServerConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "caroni",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4318",
			Insecure:    true,
			ServiceName: "caroni-manager",
		},
	}
}

// expandPaths expands ~ and environment variables in path configuration values
func (c *AppConfig) expandPaths() {
	if c.Database.Driver == "sqlite" && c.Database.Database != ":memory:" {
		c.Database.Database = expandPath(c.Database.Database)
	}

	for i := range c.Log.Output {
		if c.Log.Output[i].Path != "" {
			c.Log.Output[i].Path = expandPath(c.Log.Output[i].Path)
		}
	}
}

// expandPath expands ~ to home directory and environment variables
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}

	return os.ExpandEnv(path)
}

// validate checks if the configuration is valid.
func (c *AppConfig) validate() error {
	if c.Database.Driver == "" {
		return errors.New("database driver is required")
	}

	validLogLevels := map[string]bool{
		"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true, "PANIC": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	switch c.Transport.Driver {
	case "memory":
	case "redis":
		if c.Transport.Redis.Addr == "" {
			return errors.New("transport.redis.addr is required for the redis transport")
		}
	default:
		return fmt.Errorf("unsupported transport driver: %s", c.Transport.Driver)
	}
	if c.Transport.Exchange == "" {
		return errors.New("transport.exchange is required")
	}

	if c.Manager.Workers <= 0 {
		return fmt.Errorf("manager.workers must be positive, got: %d", c.Manager.Workers)
	}
	if c.Manager.InboxSize < 0 {
		return fmt.Errorf("manager.inbox_size must not be negative, got: %d", c.Manager.InboxSize)
	}

	if c.Fulfillment.MaxAttempts < 1 {
		return fmt.Errorf("fulfillment.max_attempts must be at least 1, got: %d", c.Fulfillment.MaxAttempts)
	}
	if c.Fulfillment.RequestTTL < 0 {
		return fmt.Errorf("fulfillment.request_ttl must not be negative, got: %s", c.Fulfillment.RequestTTL)
	}
	switch c.Fulfillment.JobFailurePolicy {
	case JobFailureRecord, JobFailureRetry, JobFailureFail:
	default:
		return fmt.Errorf("fulfillment.job_failure_policy must be 'record', 'retry' or 'fail', got: %s", c.Fulfillment.JobFailurePolicy)
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return errors.New("tracing.endpoint is required when tracing is enabled")
	}

	return nil
}

// GetDSN returns the database connection string.
func (dc *DatabaseConfig) GetDSN() string {
	switch dc.Driver {
	case "sqlite":
		dsn := dc.Database
		if dsn == ":memory:" {
			dsn = "file::memory:?cache=shared"
		}
		return dsn
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			dc.Host, dc.Port, dc.Username, dc.Password, dc.Database, dc.SSLMode)
	default:
		return dc.Database
	}
}
