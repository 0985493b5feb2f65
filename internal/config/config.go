package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/log"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config carries everything the try-on queue service needs. Timing knobs
// default to the production values but stay overridable so tests and
// staging can shrink them.
type Config struct {
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string

	GeminiAPIKey string
	GeminiModel  string

	AWSRegion string
	S3Bucket  string

	JWTSecret    string
	WorkerSecret string

	BillingEnabled bool

	MaxRetries     int
	RetryBaseDelay time.Duration
	GarmentDelay   time.Duration
	StaleAfter     time.Duration
	SecondsPerJob  int
	SweepInterval  time.Duration
	StatusCacheTTL time.Duration

	ListenAddr  string
	MetricsAddr string
}

func Load() (*Config, error) {
	logger := log.NewLogger()
	if err := godotenv.Load(); err != nil {
		// .env is optional when variables are set in the environment
		logger.Warn("No .env file loaded", zap.Error(err))
	}

	cfg := &Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		GeminiAPIKey:   os.Getenv("GEMINI_API_KEY"),
		GeminiModel:    os.Getenv("GEMINI_MODEL"),
		AWSRegion:      os.Getenv("AWS_REGION"),
		S3Bucket:       os.Getenv("S3_BUCKET"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		WorkerSecret:   os.Getenv("WORKER_SECRET"),
		BillingEnabled: envBool("BILLING_ENABLED", true),
		MaxRetries:     envInt("MAX_RETRIES", 5),
		RetryBaseDelay: envDuration("RETRY_BASE_DELAY", 10*time.Second),
		GarmentDelay:   envDuration("GARMENT_DELAY", 5*time.Second),
		StaleAfter:     envDuration("STALE_AFTER", 5*time.Minute),
		SecondsPerJob:  envInt("SECONDS_PER_JOB", 30),
		SweepInterval:  envDuration("SWEEP_INTERVAL", 30*time.Second),
		StatusCacheTTL: envDuration("STATUS_CACHE_TTL", time.Hour),
		ListenAddr:     envString("LISTEN_ADDR", ":8080"),
		MetricsAddr:    envString("METRICS_ADDR", ":2112"),
	}

	if cfg.GeminiModel == "" {
		cfg.GeminiModel = "gemini-2.5-flash-image"
	}
	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("MAX_RETRIES must be >= 0")
	}
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, falling back to in-memory store (dev mode only)")
	}
	if cfg.RedisAddr == "" {
		logger.Warn("REDIS_ADDR not set, status cache disabled")
	}

	logger.Info("Config loaded successfully")
	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
