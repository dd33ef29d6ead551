package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/learnman/internal/metrics"
	"github.com/hitoshi/learnman/internal/middleware"
)

// HealthChecker はヘルスチェックで使用するプライマリストアの疎通確認インターフェース。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRFConfig        middleware.CSRFConfig

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// ユーザー・履歴・コース
	UserService    UserServiceInterface
	HistoryService HistoryServiceInterface
	CourseService  CourseServiceInterface
	StatusProvider StatusProvider

	// 運用
	HealthChecker   HealthChecker
	MetricsGatherer prometheus.Gatherer
	HTTPMetrics     middleware.HTTPMetricsRecorder
	Logger          *slog.Logger
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → CORS → SecurityHeaders → (API: CSRF → Session → RateLimit)
//
// 認証ルート（/auth/*）、/health、/metrics はセッションミドルウェアの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.HTTPMetrics != nil {
		r.Use(middleware.NewHTTPMetricsMiddleware(deps.HTTPMetrics))
	}
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	userHandler := NewUserHandler(deps.UserService)
	historyHandler := NewHistoryHandler(deps.HistoryService)
	courseHandler := NewCourseHandler(deps.CourseService, deps.StatusProvider)

	// --- 認証不要のルート ---

	// 認証ルート（OAuthフロー）
	r.Route("/auth", func(r chi.Router) {
		r.Get("/google/login", authHandler.Login)
		r.Get("/google/callback", authHandler.Callback)
		r.Post("/logout", authHandler.Logout)
		r.Get("/me", authHandler.Me)
	})

	// ヘルスチェック
	r.Get("/health", newHealthHandler(deps.HealthChecker))

	// CSRFトークン取得（セッション確立前に必要）
	r.Handle("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

	// Prometheusスクレイプ
	if deps.MetricsGatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.MetricsGatherer))
	}

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: CSRF → Session → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// ユーザープロフィール
		r.Route("/api/users/me", func(r chi.Router) {
			r.Get("/", userHandler.GetProfile)
			r.Patch("/", userHandler.UpdateProfile)
			r.Get("/avatar", userHandler.GetAvatar)
		})

		// 学習履歴
		r.Route("/api/history", func(r chi.Router) {
			r.Get("/", historyHandler.ListHistory)
			r.Post("/", historyHandler.AddHistory)
			r.Put("/{id}/chapters/{chapterId}", historyHandler.UpdateChapterProgress)
		})

		// 生成済みコースの参照
		r.Get("/api/courses/{roadmapId}", courseHandler.GetCourse)

		// AI生成（生成専用レート制限を追加）
		r.Route("/api/ai", func(r chi.Router) {
			r.Get("/status", courseHandler.AIStatus)

			r.Group(func(r chi.Router) {
				r.Use(deps.RateLimiter.GenerateMiddleware())
				r.Post("/roadmap", courseHandler.GenerateRoadmap)
				r.Post("/courses/{roadmapId}", courseHandler.GenerateCourse)
				r.Post("/quiz/{roadmapId}/{chapterId}", courseHandler.GenerateQuiz)
			})
		})
	})

	return r
}

// newHealthHandler はヘルスチェックハンドラーを返す。
// プライマリストアへの疎通が取れない場合でも、フォールバックチェーンで
// サービスは継続できるため200を返し、degradedフラグで状態を伝える。
func newHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		degraded := false
		if checker != nil {
			if err := checker.PingContext(r.Context()); err != nil {
				degraded = true
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"degraded": degraded,
		})
	}
}
