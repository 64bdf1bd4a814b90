package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Remote       RemoteConfig
	Sync         SyncConfig
	Connectivity ConnectivityConfig
	Cache        CacheConfig
	CORS         CORSConfig
	WebSocket    WebSocketConfig
}

type ServerConfig struct {
	Port string
	Host string
	Env  string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

type RemoteConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type SyncConfig struct {
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	MaxRetries   int
	SyncInterval time.Duration
}

type ConnectivityConfig struct {
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	DebounceWindow time.Duration
}

type CacheConfig struct {
	DefaultTTL  time.Duration
	CustomerTTL time.Duration
	ProductTTL  time.Duration
	CategoryTTL time.Duration
}

type CORSConfig struct {
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
}

type WebSocketConfig struct {
	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
}

func Load() (*Config, error) {
	godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "7780"),
			Host: getEnv("HOST", "127.0.0.1"),
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5984"),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			Name:     getEnv("DB_NAME", "dukapos"),
		},
		Remote: RemoteConfig{
			BaseURL: getEnv("REMOTE_API_URL", "https://api.dukapos.app"),
			Token:   getEnv("REMOTE_API_TOKEN", ""),
			Timeout: getEnvAsDuration("REMOTE_API_TIMEOUT", 10*time.Second),
		},
		Sync: SyncConfig{
			BackoffBase:  getEnvAsDuration("SYNC_BACKOFF_BASE", time.Second),
			BackoffMax:   getEnvAsDuration("SYNC_BACKOFF_MAX", 2*time.Minute),
			MaxRetries:   getEnvAsInt("SYNC_MAX_RETRIES", 5),
			SyncInterval: getEnvAsDuration("SYNC_INTERVAL", time.Minute),
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval:  getEnvAsDuration("PROBE_INTERVAL", 30*time.Second),
			ProbeTimeout:   getEnvAsDuration("PROBE_TIMEOUT", 5*time.Second),
			DebounceWindow: getEnvAsDuration("DEBOUNCE_WINDOW", 2*time.Second),
		},
		Cache: CacheConfig{
			DefaultTTL:  getEnvAsDuration("CACHE_TTL_DEFAULT", 5*time.Minute),
			CustomerTTL: getEnvAsDuration("CACHE_TTL_CUSTOMERS", 10*time.Minute),
			ProductTTL:  getEnvAsDuration("CACHE_TTL_PRODUCTS", 2*time.Minute),
			CategoryTTL: getEnvAsDuration("CACHE_TTL_CATEGORIES", time.Hour),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
			AllowedMethods: getEnv("CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS"),
			AllowedHeaders: getEnv("CORS_ALLOWED_HEADERS", "Content-Type"),
		},
		WebSocket: WebSocketConfig{
			WriteWait:  10 * time.Second,
			PongWait:   60 * time.Second,
			PingPeriod: 54 * time.Second,
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
