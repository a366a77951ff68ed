package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	LogLevel    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	RedisAddr     string
	RedisPassword string

	Engine EngineConfig
}

// EngineConfig tunes the fulfillment engine.
type EngineConfig struct {
	// TransitionRetryLimit bounds internal retries on version conflicts and
	// lock contention before the error surfaces to the caller.
	TransitionRetryLimit int
	// TransitionRetryBackoff is the base delay between retries.
	TransitionRetryBackoff time.Duration
	// LockWaitTimeout bounds how long a transition may wait on a row lock.
	LockWaitTimeout time.Duration

	SchedulerInterval  time.Duration
	SchedulerBatchSize int

	// BacklogAssignCap limits what fraction of the pending backlog the
	// balancer may hand out, expressed as a percentage (0 disables the cap).
	BacklogAssignCap int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "atelier"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		LogLevel:    getenv("LOG_LEVEL", "info"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "atelier"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		Engine: EngineConfig{
			TransitionRetryLimit:   getenvInt("ENGINE_TRANSITION_RETRY_LIMIT", 3),
			TransitionRetryBackoff: getenvDuration("ENGINE_TRANSITION_RETRY_BACKOFF", 50*time.Millisecond),
			LockWaitTimeout:        getenvDuration("ENGINE_LOCK_WAIT_TIMEOUT", 2*time.Second),
			SchedulerInterval:      getenvDuration("SCHEDULER_INTERVAL", time.Hour),
			SchedulerBatchSize:     getenvInt("SCHEDULER_BATCH_SIZE", 50),
			BacklogAssignCap:       getenvInt("ENGINE_BACKLOG_ASSIGN_CAP", 0),
		},
	}
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}
