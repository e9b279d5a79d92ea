package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	TransportLocal = "local"
	TransportRedis = "redis"
)

type Config struct {
	Port        string
	Env         string
	DatabaseURL string

	JWTSecret       string
	JWTAccessExpiry time.Duration

	Transport   string
	RedisURL    string
	RedisPrefix string

	OTLPEndpoint string

	LogLevel  string
	LogFormat string

	Session SessionConfig
}

// SessionConfig holds the timing knobs of the collaboration core.
type SessionConfig struct {
	HeartbeatInterval   time.Duration
	ActivityThrottle    time.Duration
	CursorThrottle      time.Duration
	SelectionThrottle   time.Duration
	TypingTimeout       time.Duration
	CursorStaleAfter    time.Duration
	CursorSweepInterval time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	return &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		JWTSecret:       getEnvOrPanic("JWT_SECRET"),
		JWTAccessExpiry: getDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),

		Transport:   strings.ToLower(getEnv("TRANSPORT", TransportLocal)),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisPrefix: getEnv("REDIS_PREFIX", "collab:"),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		Session: SessionConfig{
			HeartbeatInterval:   getDuration("HEARTBEAT_INTERVAL", 30*time.Second),
			ActivityThrottle:    getDuration("ACTIVITY_THROTTLE", 5*time.Second),
			CursorThrottle:      getDuration("CURSOR_THROTTLE", 50*time.Millisecond),
			SelectionThrottle:   getDuration("SELECTION_THROTTLE", 100*time.Millisecond),
			TypingTimeout:       getDuration("TYPING_TIMEOUT", 2*time.Second),
			CursorStaleAfter:    getDuration("CURSOR_STALE_AFTER", 10*time.Second),
			CursorSweepInterval: getDuration("CURSOR_SWEEP_INTERVAL", 5*time.Second),
		},
	}, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvOrPanic(key string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		panic("required environment variable not set: " + key)
	}
	return value
}

func getDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, fallback.String()))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
