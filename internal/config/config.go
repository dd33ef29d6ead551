package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// PrimaryStoreKind はプライマリストアの種別を表す。
type PrimaryStoreKind string

const (
	// PrimaryStorePostgres はPostgreSQLをプライマリストアとして使用する。
	PrimaryStorePostgres PrimaryStoreKind = "postgres"
	// PrimaryStoreRedis はRedisをプライマリストアとして使用する。
	PrimaryStoreRedis PrimaryStoreKind = "redis"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL  string
	RedisAddr    string
	RedisDB      int
	PrimaryStore PrimaryStoreKind

	// Fallback
	FallbackDBPath string

	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Session
	SessionSecret string
	SessionMaxAge int

	// AI生成サービス
	AIEndpoint       string
	AIAPIKeys        []string
	AIRequestTimeout time.Duration
	AIMaxAttempts    int
	AIWindow         time.Duration
	AIQuotaPerWindow int
	AIErrorThreshold int

	// Rate Limit (HTTP API)
	RateLimitGeneral  int
	RateLimitGenerate int

	// Worker
	ReplayInterval time.Duration

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	if cfg.GoogleClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}

	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	if cfg.GoogleClientSecret == "" {
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	}

	cfg.GoogleRedirectURL = os.Getenv("GOOGLE_REDIRECT_URL")
	if cfg.GoogleRedirectURL == "" {
		missing = append(missing, "GOOGLE_REDIRECT_URL")
	}

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.AIEndpoint = os.Getenv("AI_ENDPOINT")
	if cfg.AIEndpoint == "" {
		missing = append(missing, "AI_ENDPOINT")
	}

	if keys := os.Getenv("AI_API_KEYS"); keys != "" {
		for _, k := range strings.Split(keys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				cfg.AIAPIKeys = append(cfg.AIAPIKeys, k)
			}
		}
	}
	if len(cfg.AIAPIKeys) == 0 {
		missing = append(missing, "AI_API_KEYS")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.RedisAddr = getEnvString("REDIS_ADDR", "localhost:6379")
	cfg.RedisDB = getEnvInt("REDIS_DB", 0)

	primary := getEnvString("PRIMARY_STORE", string(PrimaryStorePostgres))
	switch PrimaryStoreKind(primary) {
	case PrimaryStorePostgres, PrimaryStoreRedis:
		cfg.PrimaryStore = PrimaryStoreKind(primary)
	default:
		return nil, fmt.Errorf("invalid PRIMARY_STORE: %q (want postgres or redis)", primary)
	}

	cfg.FallbackDBPath = getEnvString("FALLBACK_DB_PATH", "learnman_fallback.db")
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.AIRequestTimeout = getEnvDuration("AI_REQUEST_TIMEOUT", 30*time.Second)
	cfg.AIMaxAttempts = getEnvInt("AI_MAX_ATTEMPTS", 3)
	cfg.AIWindow = getEnvDuration("AI_WINDOW", time.Minute)
	cfg.AIQuotaPerWindow = getEnvInt("AI_QUOTA_PER_WINDOW", 15)
	cfg.AIErrorThreshold = getEnvInt("AI_ERROR_THRESHOLD", 3)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitGenerate = getEnvInt("RATE_LIMIT_GENERATE", 10)
	cfg.ReplayInterval = getEnvDuration("REPLAY_INTERVAL", time.Minute)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
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
