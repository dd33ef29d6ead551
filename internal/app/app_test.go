package app

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hitoshi/learnman/internal/config"
	"github.com/hitoshi/learnman/internal/localstore"
	"github.com/hitoshi/learnman/internal/repository"
)

func setTestEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/learnman")
	t.Setenv("GOOGLE_CLIENT_ID", "client-id")
	t.Setenv("GOOGLE_CLIENT_SECRET", "client-secret")
	t.Setenv("GOOGLE_REDIRECT_URL", "http://localhost:8080/auth/google/callback")
	t.Setenv("SESSION_SECRET", "secret")
	t.Setenv("BASE_URL", "http://localhost:3000")
	t.Setenv("AI_ENDPOINT", "http://localhost:9000")
	t.Setenv("AI_API_KEYS", "key-a,key-b")
	t.Setenv("PRIMARY_STORE", "")
}

// TestInit_LoadsConfigAndLogsJSON は初期化が設定読み込みとJSONログの
// セットアップを行うことを検証する。
func TestInit_LoadsConfigAndLogsJSON(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err != nil {
		t.Fatalf("Init returned error: %v", err)
	}

	if cfg.PrimaryStore != config.PrimaryStorePostgres {
		t.Errorf("PrimaryStore = %q, want postgres", cfg.PrimaryStore)
	}
	if len(cfg.AIAPIKeys) != 2 {
		t.Errorf("len(AIAPIKeys) = %d, want 2", len(cfg.AIAPIKeys))
	}
}

func TestInit_FailsWithoutRequiredEnv(t *testing.T) {
	setTestEnv(t)
	t.Setenv("DATABASE_URL", "")

	var buf bytes.Buffer
	if _, err := Init(&buf); err == nil {
		t.Fatal("Init must fail when DATABASE_URL is missing")
	}
}

// TestRun_LogsStartupInfo は起動ログがJSON形式で出力されることを検証する。
// migrateはDB接続で失敗するが、その前の起動ログを確認できる。
func TestRun_LogsStartupInfo(t *testing.T) {
	setTestEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost:1/unreachable?connect_timeout=1&sslmode=disable")

	var buf bytes.Buffer
	_ = Run(&buf, []string{"migrate"})

	found := false
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry["msg"] == "starting application" && entry["command"] == "migrate" {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("expected JSON startup log with command=migrate, got: %s", buf.String())
	}
}

// TestBuildStoreChain はチェーンの並び順とRestorerの選択を検証する。
// ローカルフォールバックは常に末尾、チェーン先頭がRestorerを兼ねる。
func TestBuildStoreChain(t *testing.T) {
	pg := &repository.PostgresStore{}
	rd := &repository.RedisStore{}
	local := &localstore.FallbackStore{}

	t.Run("postgres primary", func(t *testing.T) {
		cfg := &config.Config{PrimaryStore: config.PrimaryStorePostgres}
		chain, restorer := buildStoreChain(cfg, pg, rd, local)

		if len(chain) != 3 {
			t.Fatalf("len(chain) = %d, want 3", len(chain))
		}
		if chain[0] != repository.StoreAdapter(pg) || chain[2] != repository.StoreAdapter(local) {
			t.Errorf("chain order = [%T, %T, %T], want postgres first, local last", chain[0], chain[1], chain[2])
		}
		if restorer != repository.Restorer(pg) {
			t.Errorf("restorer = %T, want *repository.PostgresStore", restorer)
		}
	})

	t.Run("redis primary", func(t *testing.T) {
		cfg := &config.Config{PrimaryStore: config.PrimaryStoreRedis}
		chain, restorer := buildStoreChain(cfg, pg, rd, local)

		if chain[0] != repository.StoreAdapter(rd) || chain[2] != repository.StoreAdapter(local) {
			t.Errorf("chain order = [%T, %T, %T], want redis first, local last", chain[0], chain[1], chain[2])
		}
		if restorer != repository.Restorer(rd) {
			t.Errorf("restorer = %T, want *repository.RedisStore", restorer)
		}
	})
}
