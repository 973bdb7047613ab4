// Package config provides configuration management for the Aether kernel.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the kernel.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Process   ProcessConfig   `mapstructure:"process"`
}

// ServerConfig holds the admin port (WebSocket + HTTP auxiliary) configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds StateStore connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite | postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds EventBus NATS driver configuration. Empty URL selects the
// in-process memory driver.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds AuthService configuration.
type AuthConfig struct {
	JWTSecret       string `mapstructure:"jwtSecret"`
	TokenDuration   int    `mapstructure:"tokenDuration"`   // in seconds
	MinPasswordLen  int    `mapstructure:"minPasswordLen"`
	DenylistMaxSize int    `mapstructure:"denylistMaxSize"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// SchedulerConfig holds CronDriver/TriggerDriver tunables.
type SchedulerConfig struct {
	CronPollInterval    int `mapstructure:"cronPollInterval"`    // seconds
	ReaperInterval      int `mapstructure:"reaperInterval"`      // seconds
	ZombieGraceSeconds  int `mapstructure:"zombieGraceSeconds"`  // seconds
	DefaultCooldownMs   int `mapstructure:"defaultCooldownMs"`   // ms; validated only: trigger.create does not apply it, an omitted cooldownMs stores 0
}

// WebhookConfig holds WebhookDispatcher tunables.
type WebhookConfig struct {
	DefaultTimeoutMs int `mapstructure:"defaultTimeoutMs"`
	DefaultRetries   int `mapstructure:"defaultRetries"`
	BackoffBaseMs    int `mapstructure:"backoffBaseMs"`
}

// AuditConfig holds AuditLogger retention/pruning tunables.
type AuditConfig struct {
	RetentionDays  int `mapstructure:"retentionDays"`
	PruneInterval  int `mapstructure:"pruneIntervalSeconds"`
	MaxFieldBytes  int `mapstructure:"maxFieldBytes"`
}

// MemoryConfig holds the per-(agent,layer) memory cardinality cap.
type MemoryConfig struct {
	CapPerLayer int `mapstructure:"capPerLayer"`
}

// ProcessConfig holds ProcessTable / EventBus tunables.
type ProcessConfig struct {
	SubscriberQueueSize int `mapstructure:"subscriberQueueSize"`
	MaxSteps            int `mapstructure:"maxSteps"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TokenDurationTime returns the bearer token lifetime as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

// CronPollIntervalDuration returns the cron poll interval as a time.Duration.
func (s *SchedulerConfig) CronPollIntervalDuration() time.Duration {
	return time.Duration(s.CronPollInterval) * time.Second
}

// ReaperIntervalDuration returns the reaper scan interval as a time.Duration.
func (s *SchedulerConfig) ReaperIntervalDuration() time.Duration {
	return time.Duration(s.ReaperInterval) * time.Second
}

// ZombieGrace returns the zombie grace period as a time.Duration.
func (s *SchedulerConfig) ZombieGrace() time.Duration {
	return time.Duration(s.ZombieGraceSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AETHER_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./aether.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "aether")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "aether")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Empty URL means use the in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "aether-cluster")
	v.SetDefault("nats.clientId", "aether-kernel")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 3600) // 1 hour
	v.SetDefault("auth.minPasswordLen", 8)
	v.SetDefault("auth.denylistMaxSize", 10000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("scheduler.cronPollInterval", 1)
	v.SetDefault("scheduler.reaperInterval", 10)
	v.SetDefault("scheduler.zombieGraceSeconds", 60)
	v.SetDefault("scheduler.defaultCooldownMs", 0)

	v.SetDefault("webhook.defaultTimeoutMs", 5000)
	v.SetDefault("webhook.defaultRetries", 3)
	v.SetDefault("webhook.backoffBaseMs", 500)

	v.SetDefault("audit.retentionDays", 90)
	v.SetDefault("audit.pruneIntervalSeconds", 3600)
	v.SetDefault("audit.maxFieldBytes", 1024)

	v.SetDefault("memory.capPerLayer", 500)

	v.SetDefault("process.subscriberQueueSize", 1024)
	v.SetDefault("process.maxSteps", 50)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AETHER_ and the upper-cased key with
// each dot replaced by an underscore (database.path → AETHER_DATABASE_PATH);
// AETHER_LOG_LEVEL, AETHER_DB_PATH and AETHER_DB_DRIVER are bound as aliases.
// Config file should be named config.yaml and placed in the current directory or /etc/aether/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AETHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "AETHER_LOG_LEVEL")
	_ = v.BindEnv("database.path", "AETHER_DB_PATH")
	_ = v.BindEnv("database.driver", "AETHER_DB_DRIVER")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/aether/")

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
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	} else if cfg.Database.Driver != "sqlite" {
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Memory.CapPerLayer <= 0 {
		errs = append(errs, "memory.capPerLayer must be positive")
	}
	if cfg.Process.SubscriberQueueSize <= 0 {
		errs = append(errs, "process.subscriberQueueSize must be positive")
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

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
