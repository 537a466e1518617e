package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage drivers
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	NewRelic  NewRelicConfig
	Pricing   PricingConfig
	Dispatch  DispatchConfig
	Session   SessionConfig
	Routing   RoutingConfig
	RateLimit RateLimitConfig
	WebSocket WebSocketConfig
	Kafka     KafkaConfig
	Metrics   MetricsConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port string
	Env  string
	Host string
}

// StorageConfig picks where rides, users and sessions live. "postgres" also
// moves the geo index and sessions to Redis.
type StorageConfig struct {
	Driver string
}

type DatabaseConfig struct {
	Host           string
	Port           int
	Name           string
	User           string
	Password       string
	SSLMode        string
	MaxConnections int
	MaxIdleConns   int
	MaxLifetime    time.Duration
	AutoMigrate    bool
}

type RedisConfig struct {
	Host        string
	Port        string
	Password    string
	DB          int
	MaxRetries  int
	PoolSize    int
	MinIdleConn int
	DialTimeout time.Duration
	ReadTimeout time.Duration
}

type NewRelicConfig struct {
	LicenseKey string
	AppName    string
	Enabled    bool
}

type PricingConfig struct {
	BaseFare        float64
	PerKMRate       float64
	PerMinuteRate   float64
	MinimumFare     float64
	SurgeMultiplier float64
	PeakWindows     string // "7-9,16-19"
	TimeZone        string
}

type DispatchConfig struct {
	SearchRadiusKM float64
	PollRadiusKM   float64
	MinRating      float64
	MaxCandidates  int
	OfferTimeout   time.Duration
	PollInterval   time.Duration
	SweepInterval  time.Duration
	RetryAttempts  int
	RetryDelay     time.Duration
}

type SessionConfig struct {
	TTL time.Duration
}

type RoutingConfig struct {
	GoogleMapsAPIKey string
	AverageSpeedKPH  float64
	DetourFactor     float64
}

type RateLimitConfig struct {
	EventsPerSecond float64
	Burst           int
}

type WebSocketConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type MetricsConfig struct {
	Addr string
}

type LogConfig struct {
	Level  string
	Format string
	Output string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Env:  getEnv("SERVER_ENV", "development"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Storage: StorageConfig{
			Driver: getEnv("STORAGE_DRIVER", StorageMemory),
		},
		Database: DatabaseConfig{
			Host:           getEnv("DB_HOST", "localhost"),
			Port:           getEnvAsInt("DB_PORT", 5432),
			Name:           getEnv("DB_NAME", "ride_dispatch"),
			User:           getEnv("DB_USER", "postgres"),
			Password:       getEnv("DB_PASSWORD", "postgres"),
			SSLMode:        getEnv("DB_SSLMODE", "disable"),
			MaxConnections: getEnvAsInt("DB_MAX_CONNECTIONS", 25),
			MaxIdleConns:   getEnvAsInt("DB_MAX_IDLE_CONNECTIONS", 5),
			MaxLifetime:    time.Duration(getEnvAsInt("DB_MAX_LIFETIME_MINUTES", 30)) * time.Minute,
			AutoMigrate:    getEnvAsBool("DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Host:        getEnv("REDIS_HOST", "localhost"),
			Port:        getEnv("REDIS_PORT", "6379"),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          getEnvAsInt("REDIS_DB", 0),
			MaxRetries:  getEnvAsInt("REDIS_MAX_RETRIES", 3),
			PoolSize:    getEnvAsInt("REDIS_POOL_SIZE", 50),
			MinIdleConn: 5,
			DialTimeout: 5 * time.Second,
			ReadTimeout: 3 * time.Second,
		},
		NewRelic: NewRelicConfig{
			LicenseKey: getEnv("NEW_RELIC_LICENSE_KEY", ""),
			AppName:    getEnv("NEW_RELIC_APP_NAME", "ride-dispatch"),
			Enabled:    getEnvAsBool("NEW_RELIC_ENABLED", true),
		},
		Pricing: PricingConfig{
			BaseFare:        getEnvAsFloat64("BASE_FARE", 5),
			PerKMRate:       getEnvAsFloat64("PER_KM_RATE", 2),
			PerMinuteRate:   getEnvAsFloat64("PER_MINUTE_RATE", 0.5),
			MinimumFare:     getEnvAsFloat64("MINIMUM_FARE", 10),
			SurgeMultiplier: getEnvAsFloat64("SURGE_MULTIPLIER", 1.5),
			PeakWindows:     getEnv("SURGE_PEAK_WINDOWS", "7-9,16-19"),
			TimeZone:        getEnv("SURGE_TIMEZONE", "Local"),
		},
		Dispatch: DispatchConfig{
			SearchRadiusKM: getEnvAsFloat64("SEARCH_RADIUS_KM", 5),
			PollRadiusKM:   getEnvAsFloat64("POLL_RADIUS_KM", 5),
			MinRating:      getEnvAsFloat64("MIN_DRIVER_RATING", 4.0),
			MaxCandidates:  getEnvAsInt("MAX_DRIVER_CANDIDATES", 0),
			OfferTimeout:   parseDuration(getEnv("OFFER_TIMEOUT", "5m"), 5*time.Minute),
			PollInterval:   parseDuration(getEnv("POLL_INTERVAL", "10s"), 10*time.Second),
			SweepInterval:  parseDuration(getEnv("OFFER_SWEEP_INTERVAL", "30s"), 30*time.Second),
			RetryAttempts:  getEnvAsInt("DEPENDENCY_RETRY_ATTEMPTS", 3),
			RetryDelay:     parseDuration(getEnv("DEPENDENCY_RETRY_DELAY", "100ms"), 100*time.Millisecond),
		},
		Session: SessionConfig{
			TTL: parseDuration(getEnv("SESSION_TTL", "24h"), 24*time.Hour),
		},
		Routing: RoutingConfig{
			GoogleMapsAPIKey: getEnv("GOOGLE_MAPS_API_KEY", ""),
			AverageSpeedKPH:  getEnvAsFloat64("ROUTE_AVERAGE_SPEED_KPH", 30),
			DetourFactor:     getEnvAsFloat64("ROUTE_DETOUR_FACTOR", 1.3),
		},
		RateLimit: RateLimitConfig{
			EventsPerSecond: getEnvAsFloat64("RATE_LIMIT_EVENTS_PER_SECOND", 5),
			Burst:           getEnvAsInt("RATE_LIMIT_BURST", 10),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  getEnvAsInt("WS_READ_BUFFER_SIZE", 1024),
			WriteBufferSize: getEnvAsInt("WS_WRITE_BUFFER_SIZE", 1024),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvAsList("KAFKA_BROKERS"),
			Topic:   getEnv("KAFKA_RIDE_EVENTS_TOPIC", "ride-events"),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ""),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Output: getEnv("LOG_OUTPUT", "stdout"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("SERVER_PORT is required")
	}
	switch c.Storage.Driver {
	case StorageMemory:
	case StoragePostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("DB_HOST is required")
		}
		if c.Database.Name == "" {
			return fmt.Errorf("DB_NAME is required")
		}
		if c.Redis.Host == "" {
			return fmt.Errorf("REDIS_HOST is required")
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q", StorageMemory, StoragePostgres, c.Storage.Driver)
	}
	if c.Pricing.MinimumFare < 0 || c.Pricing.BaseFare < 0 || c.Pricing.PerKMRate < 0 || c.Pricing.PerMinuteRate < 0 {
		return fmt.Errorf("fare rates must not be negative")
	}
	if c.Pricing.SurgeMultiplier < 1 {
		return fmt.Errorf("SURGE_MULTIPLIER must be at least 1")
	}
	if c.Dispatch.SearchRadiusKM <= 0 || c.Dispatch.PollRadiusKM <= 0 {
		return fmt.Errorf("search and poll radius must be positive")
	}
	if c.Dispatch.OfferTimeout <= 0 || c.Dispatch.PollInterval <= 0 || c.Dispatch.SweepInterval <= 0 {
		return fmt.Errorf("OFFER_TIMEOUT, POLL_INTERVAL and OFFER_SWEEP_INTERVAL must be positive")
	}
	if c.RateLimit.EventsPerSecond <= 0 || c.RateLimit.Burst < 1 {
		return fmt.Errorf("rate limit must allow at least one event")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("KAFKA_RIDE_EVENTS_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}

// SurgeLocation resolves the surge time zone
func (c PricingConfig) SurgeLocation() (*time.Location, error) {
	if c.TimeZone == "" || c.TimeZone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.TimeZone)
}

// Helper functions

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

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	return defaultValue
}
