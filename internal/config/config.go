package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Server
	ServerPort string
	LogLevel   string

	// Feed
	FeedPageSize       int
	FeedMaxPageSize    int
	InitialLoadTimeout time.Duration
	ResolveTimeout     time.Duration
	FeedCacheDir       string // 空の場合はメモリ上に保持する

	// Cache
	RestaurantCacheTTL   time.Duration
	ProfileCacheTTL      time.Duration
	ProfileCacheSize     int
	ProfileCachePolicy   string // insertion または lru
	CacheCleanupInterval time.Duration

	// Stream
	StreamChannel        string
	ListenerMinReconnect time.Duration
	ListenerMaxReconnect time.Duration

	// Circuit Breaker
	BreakerFailureThreshold int
	BreakerOpenTimeout      time.Duration

	// Rescore
	RescoreInterval      time.Duration
	RescoreMaxConcurrent int
	RescoreLookback      time.Duration

	// Rate Limit
	RateLimitGeneral int

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))
	cfg.FeedPageSize = getEnvInt("FEED_PAGE_SIZE", 20)
	cfg.FeedMaxPageSize = getEnvInt("FEED_MAX_PAGE_SIZE", 50)
	cfg.InitialLoadTimeout = getEnvDuration("INITIAL_LOAD_TIMEOUT", 10*time.Second)
	cfg.ResolveTimeout = getEnvDuration("RESOLVE_TIMEOUT", 3*time.Second)
	cfg.FeedCacheDir = getEnvString("FEED_CACHE_DIR", "")
	cfg.RestaurantCacheTTL = getEnvDuration("RESTAURANT_CACHE_TTL", 5*time.Minute)
	cfg.ProfileCacheTTL = getEnvDuration("PROFILE_CACHE_TTL", 5*time.Minute)
	cfg.ProfileCacheSize = getEnvInt("PROFILE_CACHE_SIZE", 100)
	cfg.ProfileCachePolicy = strings.ToLower(getEnvString("PROFILE_CACHE_POLICY", "insertion"))
	cfg.CacheCleanupInterval = getEnvDuration("CACHE_CLEANUP_INTERVAL", 10*time.Minute)
	cfg.StreamChannel = getEnvString("STREAM_CHANNEL", "review_changes")
	cfg.ListenerMinReconnect = getEnvDuration("LISTENER_MIN_RECONNECT", 10*time.Second)
	cfg.ListenerMaxReconnect = getEnvDuration("LISTENER_MAX_RECONNECT", time.Minute)
	cfg.BreakerFailureThreshold = getEnvInt("BREAKER_FAILURE_THRESHOLD", 5)
	cfg.BreakerOpenTimeout = getEnvDuration("BREAKER_OPEN_TIMEOUT", 30*time.Second)
	cfg.RescoreInterval = getEnvDuration("RESCORE_INTERVAL", 15*time.Minute)
	cfg.RescoreMaxConcurrent = getEnvInt("RESCORE_MAX_CONCURRENT", 4)
	cfg.RescoreLookback = getEnvDuration("RESCORE_LOOKBACK", 24*time.Hour)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate は列挙値と範囲を検証する。
func (c *Config) validate() error {
	switch c.ProfileCachePolicy {
	case "insertion", "lru":
	default:
		return fmt.Errorf("PROFILE_CACHE_POLICY must be insertion or lru: %q", c.ProfileCachePolicy)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error: %q", c.LogLevel)
	}
	if c.FeedPageSize < 1 || c.FeedMaxPageSize < c.FeedPageSize {
		return fmt.Errorf("FEED_PAGE_SIZE must be between 1 and FEED_MAX_PAGE_SIZE: %d/%d", c.FeedPageSize, c.FeedMaxPageSize)
	}
	if c.DBMaxOpenConns < 1 || c.DBMaxIdleConns < 0 || c.DBMaxIdleConns > c.DBMaxOpenConns {
		return fmt.Errorf("DB_MAX_IDLE_CONNS must be between 0 and DB_MAX_OPEN_CONNS: %d/%d", c.DBMaxIdleConns, c.DBMaxOpenConns)
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
