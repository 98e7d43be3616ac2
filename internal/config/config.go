package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server
	HTTPPort string

	// Scheduler
	MaxConcurrentJobs int
	MaxHistory        int
	TickInterval      time.Duration

	// Process supervision
	LivenessInterval time.Duration
	StopGracePeriod  time.Duration

	// Displays
	BaseDisplay         int
	BasePort            int
	DisplayServerBin    string
	DisplayStartTimeout time.Duration
	DisplayStopTimeout  time.Duration

	// Event sinks (optional)
	RedisURL   string
	MQTTBroker string

	// Logging
	LogLevel  slog.Level
	LogFormat string // "json" or "text"

	// Tracing
	OTLPEndpoint string
	ServiceName  string

	// Features
	EnableMetrics bool
	EnableTracing bool
}

func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:            getEnv("HTTP_PORT", "8080"),
		MaxConcurrentJobs:   getEnvInt("MAX_CONCURRENT_JOBS", 3),
		MaxHistory:          getEnvInt("MAX_HISTORY", 100),
		TickInterval:        getEnvDuration("TICK_INTERVAL", 500*time.Millisecond),
		LivenessInterval:    getEnvDuration("LIVENESS_INTERVAL", 5*time.Second),
		StopGracePeriod:     getEnvDuration("STOP_GRACE_PERIOD", 5*time.Second),
		BaseDisplay:         getEnvInt("BASE_DISPLAY", 10),
		BasePort:            getEnvInt("BASE_PORT", 5910),
		DisplayServerBin:    getEnv("DISPLAY_SERVER_BIN", "vncserver"),
		DisplayStartTimeout: getEnvDuration("DISPLAY_START_TIMEOUT", 15*time.Second),
		DisplayStopTimeout:  getEnvDuration("DISPLAY_STOP_TIMEOUT", 10*time.Second),
		RedisURL:            getEnv("REDIS_URL", ""),
		MQTTBroker:          getEnv("MQTT_BROKER", ""),
		LogFormat:           getEnv("LOG_FORMAT", "text"),
		OTLPEndpoint:        getEnv("OTLP_ENDPOINT", ""),
		ServiceName:         getEnv("SERVICE_NAME", "previz-stage"),
		EnableMetrics:       getEnvBool("ENABLE_METRICS", true),
		EnableTracing:       getEnvBool("ENABLE_TRACING", false),
	}

	// Parse log level
	switch getEnv("LOG_LEVEL", "info") {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fallback
		}
		return parsed
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
