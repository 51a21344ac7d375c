package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service  ServiceConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Engine   EngineConfig
	Timers   TimerConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings for the document store
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
	// InMemory swaps the Postgres document store for the in-memory one.
	InMemory bool
}

// RedisConfig holds the event publisher settings
type RedisConfig struct {
	Enabled bool
	Addr    string
	Channel string
}

// EngineConfig holds persistence behavior toggles
type EngineConfig struct {
	EnableSavePoints bool
	SaveLogs         bool
	SaveSource       bool
	LockSweepAge     time.Duration
}

// TimerConfig holds timer scheduler settings
type TimerConfig struct {
	Precision time.Duration
	// ForceDelay overrides every timer duration, for tests and demos.
	ForceDelay time.Duration
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "bpmnserver"),
			User:        getEnv("POSTGRES_USER", "bpmnserver"),
			Password:    getEnv("POSTGRES_PASSWORD", "bpmnserver"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
			InMemory:    getEnvBool("DOCSTORE_IN_MEMORY", false),
		},
		Redis: RedisConfig{
			Enabled: getEnvBool("REDIS_EVENTS_ENABLED", false),
			Addr:    getEnv("REDIS_ADDR", "localhost:6379"),
			Channel: getEnv("REDIS_EVENTS_CHANNEL", "bpmn_events"),
		},
		Engine: EngineConfig{
			EnableSavePoints: getEnvBool("ENABLE_SAVE_POINTS", false),
			SaveLogs:         getEnvBool("SAVE_LOGS", true),
			SaveSource:       getEnvBool("SAVE_SOURCE", true),
			LockSweepAge:     getEnvDuration("LOCK_SWEEP_AGE", 24*time.Hour),
		},
		Timers: TimerConfig{
			Precision:  getEnvDuration("TIMERS_PRECISION", 3*time.Second),
			ForceDelay: getEnvDuration("TIMERS_FORCE_DELAY", 0),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if !c.Database.InMemory && c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
