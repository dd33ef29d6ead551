package config

import (
	"strings"
	"testing"
	"time"
)

// setRequiredEnv は必須環境変数を一通り設定する。
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/learnman")
	t.Setenv("GOOGLE_CLIENT_ID", "client-id")
	t.Setenv("GOOGLE_CLIENT_SECRET", "client-secret")
	t.Setenv("GOOGLE_REDIRECT_URL", "http://localhost:8080/auth/google/callback")
	t.Setenv("SESSION_SECRET", "secret")
	t.Setenv("BASE_URL", "http://localhost:3000")
	t.Setenv("AI_ENDPOINT", "http://localhost:9000")
	t.Setenv("AI_API_KEYS", "key-a")
	// 任意項目は各テストで上書きする
	t.Setenv("PRIMARY_STORE", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("AI_QUOTA_PER_WINDOW", "")
	t.Setenv("REPLAY_INTERVAL", "")
}

func TestLoad_MissingRequiredVars(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SESSION_SECRET", "")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() must fail when required vars are missing")
	}
	if !strings.Contains(err.Error(), "DATABASE_URL") || !strings.Contains(err.Error(), "SESSION_SECRET") {
		t.Errorf("error should name all missing vars, got: %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.PrimaryStore != PrimaryStorePostgres {
		t.Errorf("PrimaryStore = %q, want postgres", cfg.PrimaryStore)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q, want localhost:6379", cfg.RedisAddr)
	}
	if cfg.SessionMaxAge != 86400 {
		t.Errorf("SessionMaxAge = %d, want 86400", cfg.SessionMaxAge)
	}
	if cfg.AIQuotaPerWindow != 15 {
		t.Errorf("AIQuotaPerWindow = %d, want 15", cfg.AIQuotaPerWindow)
	}
	if cfg.AIWindow != time.Minute {
		t.Errorf("AIWindow = %v, want 1m", cfg.AIWindow)
	}
	if cfg.ReplayInterval != time.Minute {
		t.Errorf("ReplayInterval = %v, want 1m", cfg.ReplayInterval)
	}
	if cfg.ServerPort != "8080" {
		t.Errorf("ServerPort = %q, want 8080", cfg.ServerPort)
	}
	if cfg.CORSAllowedOrigin != "http://localhost:3000" {
		t.Errorf("CORSAllowedOrigin = %q, want http://localhost:3000", cfg.CORSAllowedOrigin)
	}
}

func TestLoad_ParsesAPIKeyList(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("AI_API_KEYS", "key-a, key-b ,,key-c")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	want := []string{"key-a", "key-b", "key-c"}
	if len(cfg.AIAPIKeys) != len(want) {
		t.Fatalf("len(AIAPIKeys) = %d, want %d", len(cfg.AIAPIKeys), len(want))
	}
	for i, key := range want {
		if cfg.AIAPIKeys[i] != key {
			t.Errorf("AIAPIKeys[%d] = %q, want %q", i, cfg.AIAPIKeys[i], key)
		}
	}
}

func TestLoad_InvalidPrimaryStore(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PRIMARY_STORE", "cassandra")

	if _, err := Load(); err == nil {
		t.Fatal("Load() must reject unknown PRIMARY_STORE")
	}
}

func TestLoad_RedisPrimary(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PRIMARY_STORE", "redis")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.PrimaryStore != PrimaryStoreRedis {
		t.Errorf("PrimaryStore = %q, want redis", cfg.PrimaryStore)
	}
}

// TestLoad_CookieSecureFollowsBaseURL はhttpsのBASE_URLでSecure属性が有効になることを検証する。
func TestLoad_CookieSecureFollowsBaseURL(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.CookieSecure {
		t.Error("CookieSecure = true for http BASE_URL, want false")
	}

	t.Setenv("BASE_URL", "https://learnman.example.com")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if !cfg.CookieSecure {
		t.Error("CookieSecure = false for https BASE_URL, want true")
	}
}

func TestLoad_DurationOverride(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("REPLAY_INTERVAL", "5m")
	t.Setenv("AI_REQUEST_TIMEOUT", "45s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.ReplayInterval != 5*time.Minute {
		t.Errorf("ReplayInterval = %v, want 5m", cfg.ReplayInterval)
	}
	if cfg.AIRequestTimeout != 45*time.Second {
		t.Errorf("AIRequestTimeout = %v, want 45s", cfg.AIRequestTimeout)
	}
}
