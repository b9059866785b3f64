package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the Lernia backend.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	AI        AIConfig
	Cache     CacheConfig
	RateLimit RateLimitConfig
	Queue     QueueConfig
	Gateway   GatewayConfig
}

type ServerConfig struct {
	Host            string
	Port            string
	Mode            string // "debug" or "release"
	JWTSecret       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	EnableCORS      bool
	CORSOrigins     []string
}

type DatabaseConfig struct {
	Host        string
	Port        string
	User        string
	Password    string
	Name        string
	SSLMode     string
	ConnTimeout time.Duration
	PoolSize    int
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// AIConfig configures the external generative AI collaborator.
type AIConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type CacheConfig struct {
	DefaultTTL time.Duration
	KeyPrefix  string
}

type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

type QueueConfig struct {
	Workers        int
	HistorySize    int
	PollInterval   time.Duration
	MediaRetries   int
	MediaBackoff   time.Duration
	NotifyRetries  int
	NotifyBackoff  time.Duration
	MediaResultTTL time.Duration
}

type GatewayConfig struct {
	OfflineCapacity int
	OfflineTTL      time.Duration
	WriteWait       time.Duration
	PongWait        time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	SendBufferSize  int
}

// Load builds the configuration from environment variables, reading an
// optional .env file first. Missing values fall back to defaults suitable
// for local development.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnv("SERVER_PORT", "8080"),
			Mode:            getEnv("GIN_MODE", "release"),
			JWTSecret:       getEnv("JWT_SECRET", ""),
			ReadTimeout:     getDurationEnv("READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDurationEnv("WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 15*time.Second),
			EnableCORS:      getBoolEnv("CORS_ENABLED", true),
			CORSOrigins:     getEnvSlice("CORS_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        getEnv("DB_PORT", "5432"),
			User:        getEnv("DB_USER", "lernia"),
			Password:    getEnv("DB_PASSWORD", "secret"),
			Name:        getEnv("DB_NAME", "lernia_db"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			ConnTimeout: getDurationEnv("DB_CONN_TIMEOUT", 10*time.Second),
			PoolSize:    getIntEnv("DB_POOL_SIZE", 10),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
			PoolSize: getIntEnv("REDIS_POOL_SIZE", 10),
			Timeout:  getDurationEnv("REDIS_TIMEOUT", 5*time.Second),
		},
		AI: AIConfig{
			BaseURL: getEnv("AI_BASE_URL", "http://localhost:9090"),
			APIKey:  getEnv("AI_API_KEY", ""),
			Timeout: getDurationEnv("AI_TIMEOUT", 60*time.Second),
		},
		Cache: CacheConfig{
			DefaultTTL: getDurationEnv("CACHE_DEFAULT_TTL", 24*time.Hour),
			KeyPrefix:  getEnv("CACHE_KEY_PREFIX", "ai"),
		},
		RateLimit: RateLimitConfig{
			Requests: getIntEnv("RATE_LIMIT_REQUESTS", 100),
			Window:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		},
		Queue: QueueConfig{
			Workers:        getIntEnv("QUEUE_WORKERS", 4),
			HistorySize:    getIntEnv("QUEUE_HISTORY_SIZE", 100),
			PollInterval:   getDurationEnv("QUEUE_POLL_INTERVAL", 250*time.Millisecond),
			MediaRetries:   getIntEnv("QUEUE_MEDIA_RETRIES", 3),
			MediaBackoff:   getDurationEnv("QUEUE_MEDIA_BACKOFF", 2*time.Second),
			NotifyRetries:  getIntEnv("QUEUE_NOTIFY_RETRIES", 5),
			NotifyBackoff:  getDurationEnv("QUEUE_NOTIFY_BACKOFF", time.Second),
			MediaResultTTL: getDurationEnv("QUEUE_MEDIA_RESULT_TTL", 24*time.Hour),
		},
		Gateway: GatewayConfig{
			OfflineCapacity: getIntEnv("GATEWAY_OFFLINE_CAPACITY", 50),
			OfflineTTL:      getDurationEnv("GATEWAY_OFFLINE_TTL", 7*24*time.Hour),
			WriteWait:       getDurationEnv("GATEWAY_WRITE_WAIT", 10*time.Second),
			PongWait:        getDurationEnv("GATEWAY_PONG_WAIT", 60*time.Second),
			PingInterval:    getDurationEnv("GATEWAY_PING_INTERVAL", 54*time.Second),
			MaxMessageSize:  int64(getIntEnv("GATEWAY_MAX_MESSAGE_SIZE", 512*1024)),
			SendBufferSize:  getIntEnv("GATEWAY_SEND_BUFFER_SIZE", 64),
		},
	}
}

// RedisAddr returns the host:port address for the Redis client.
func (c *Config) RedisAddr() string {
	return c.Redis.Host + ":" + c.Redis.Port
}

// DatabaseURL builds the pgx connection string.
func (c *Config) DatabaseURL() string {
	return "postgres://" + c.Database.User + ":" + c.Database.Password +
		"@" + c.Database.Host + ":" + c.Database.Port + "/" + c.Database.Name +
		"?sslmode=" + c.Database.SSLMode
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
