package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/hitoshi/learnman/internal/aiservice"
	"github.com/hitoshi/learnman/internal/auth"
	"github.com/hitoshi/learnman/internal/config"
	"github.com/hitoshi/learnman/internal/course"
	"github.com/hitoshi/learnman/internal/database"
	"github.com/hitoshi/learnman/internal/handler"
	"github.com/hitoshi/learnman/internal/localstore"
	"github.com/hitoshi/learnman/internal/logger"
	"github.com/hitoshi/learnman/internal/metrics"
	"github.com/hitoshi/learnman/internal/middleware"
	"github.com/hitoshi/learnman/internal/ratetrack"
	"github.com/hitoshi/learnman/internal/repository"
	"github.com/hitoshi/learnman/internal/security"
	"github.com/hitoshi/learnman/internal/user"
	"github.com/hitoshi/learnman/internal/worker/cleanup"
	"github.com/hitoshi/learnman/internal/worker/replay"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// buildStoreChain は設定に従ってストアのフォールバックチェーンを構築する。
// PRIMARY_STOREで指定されたストアを先頭に、もう一方のリモートストア、
// ローカルのSQLiteフォールバックの順で並べる。
// チェーン先頭のストアがリプレイワーカーの復元先（Restorer）を兼ねる。
func buildStoreChain(
	cfg *config.Config,
	pg *repository.PostgresStore,
	rd *repository.RedisStore,
	local *localstore.FallbackStore,
) ([]repository.StoreAdapter, repository.Restorer) {
	if cfg.PrimaryStore == config.PrimaryStoreRedis {
		return []repository.StoreAdapter{rd, pg, local}, rd
	}
	return []repository.StoreAdapter{pg, rd, local}, pg
}

// runServe はAPIサーバーモードで起動する。
// ストアチェーン・AI生成クライアント・全依存関係をワイヤリングし、
// HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. ストア接続（PostgreSQL / Redis / ローカルSQLite）
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		// プライマリ障害時でもフォールバックチェーンで継続できるため、
		// 接続失敗は警告に留めて起動を続行する
		slog.Warn("database unavailable at startup, continuing with fallback chain",
			slog.String("error", err.Error()),
		)
	} else {
		slog.Info("database connection established")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	defer redisClient.Close()

	kv, err := localstore.Open(cfg.FallbackDBPath)
	if err != nil {
		return fmt.Errorf("failed to open fallback store: %w", err)
	}
	defer kv.Close()

	// 2. ストアチェーンの構築
	pgStore := repository.NewPostgresStore(db)
	redisStore := repository.NewRedisStore(redisClient)
	localStore := localstore.NewFallbackStore(kv)
	chain, _ := buildStoreChain(cfg, pgStore, redisStore, localStore)

	sessionRepo := repository.NewPostgresSessionRepo(db)

	// 3. メトリクスの初期化
	collector := metrics.NewCollector(prometheus.DefaultRegisterer)

	// 4. 統合ユーザーサービスの初期化
	userService := user.NewService(chain...)
	userService.OnFallback(collector.RecordStoreFallback)
	userService.OnStoreResult(collector.RecordStoreOperation)

	// 5. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()

	// 6. AI生成サービスの初期化
	keyTracker := ratetrack.NewTracker(cfg.AIAPIKeys, ratetrack.Config{
		Window:         cfg.AIWindow,
		QuotaPerWindow: cfg.AIQuotaPerWindow,
		ErrorThreshold: cfg.AIErrorThreshold,
	}, nil)

	aiClient := aiservice.NewClient(
		&http.Client{Timeout: cfg.AIRequestTimeout},
		keyTracker,
		aiservice.ClientConfig{
			Endpoint:       cfg.AIEndpoint,
			RequestTimeout: cfg.AIRequestTimeout,
			MaxAttempts:    cfg.AIMaxAttempts,
		},
		slog.Default(),
	)
	aiClient.SetRecorder(collector)

	courseService := course.NewService(aiClient, userService, sanitizer, slog.Default())

	// 7. 認証サービスの初期化
	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})
	avatarFetcher := user.NewAvatarFetcher(ssrfGuard)
	authService := auth.NewService(
		oauthProvider, userService, avatarFetcher, sessionRepo,
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge},
	)

	// 8. ルーターの構築
	// configのレート制限はreq/min単位なのでreq/secに変換する
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	rateLimiterCfg.GenerateRate = rate.Limit(float64(cfg.RateLimitGenerate) / 60.0)
	rateLimiterCfg.GenerateBurst = cfg.RateLimitGenerate

	csrfConfig := middleware.CSRFConfig{
		CookieSecure: cfg.CookieSecure,
		CookieDomain: cfg.CookieDomain,
	}

	deps := &handler.RouterDeps{
		SessionFinder:     sessionRepo,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       middleware.NewRateLimiter(rateLimiterCfg),
		CSRFConfig:        csrfConfig,

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		UserService:    userService,
		HistoryService: userService,
		CourseService:  courseService,
		StatusProvider: keyTracker,

		HealthChecker:   db,
		MetricsGatherer: prometheus.DefaultGatherer,
		HTTPMetrics:     collector,
		Logger:          slog.Default(),
	}

	router := handler.NewRouter(deps)

	// 9. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.String("primary_store", string(cfg.PrimaryStore)),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// ローカルフォールバックに蓄積されたダーティエントリをプライマリストアへ
// リプレイするスケジューラと、期限切れセッションのクリーンアップジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. ストア接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	defer redisClient.Close()

	kv, err := localstore.Open(cfg.FallbackDBPath)
	if err != nil {
		return fmt.Errorf("failed to open fallback store: %w", err)
	}
	defer kv.Close()

	// 2. リプレイジョブの初期化
	pgStore := repository.NewPostgresStore(db)
	redisStore := repository.NewRedisStore(redisClient)
	localStore := localstore.NewFallbackStore(kv)
	_, restorer := buildStoreChain(cfg, pgStore, redisStore, localStore)

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	replayJob := replay.NewJob(localStore, restorer, collector, slog.Default())
	scheduler := replay.NewScheduler(replayJob, slog.Default())

	// 3. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("replay_interval", cfg.ReplayInterval),
		slog.String("primary_store", string(cfg.PrimaryStore)),
	)

	// クリーンアップジョブを日次でバックグラウンド実行
	go func() {
		// 起動直後に1回実行
		if err := cleanupJob.Run(ctx); err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := cleanupJob.Run(ctx); err != nil {
					slog.Error("cleanup job failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	// リプレイスケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.ReplayInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
