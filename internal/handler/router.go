package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/divinevideo/divine-gateway/internal/middleware"
)

// HealthChecker はヘルスチェック時のDB疎通確認インターフェース。
// *sql.DB を受け付けることができる。
type HealthChecker interface {
	Ping() error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionResolver   middleware.SessionResolver
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRFConfig        middleware.CSRFConfig
	Logger            *slog.Logger

	// 運用エンドポイント
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// 動画・プロフィール照会
	VideoService VideoQueryService
	UserService  UserQueryService

	// 反応系ミューテーション
	MutationService MutationService
	SignerFor       SignerFunc
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → CORS → Session → RateLimit
//
// 認証ルート（/auth/*）はセッション・レート制限チェーンの外に配置する。
// 閲覧系ルートはセッションなしでもアクセスでき、
// 反応系（like/repost/pin）のみセッションとCSRFトークンを必須とする。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	// 全ルートに効くミドルウェアを最上位に適用
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	videoHandler := NewVideoHandler(deps.VideoService)
	userHandler := NewUserHandler(deps.UserService)
	mutationHandler := NewMutationHandler(deps.MutationService, deps.SignerFor)

	// --- 認証ルート（OAuth + PKCEフロー） ---
	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", authHandler.Login)
		r.Get("/callback", authHandler.Callback)
		r.Post("/refresh", authHandler.Refresh)
		r.Post("/logout", authHandler.Logout)
		r.Get("/me", authHandler.Me)
	})

	// CSRFトークン取得エンドポイント
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)

	// ヘルスチェックエンドポイント（Dockerヘルスチェック用）
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		if deps.HealthChecker != nil {
			if err := deps.HealthChecker.Ping(); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Prometheusメトリクスエンドポイント
	if deps.MetricsHandler != nil {
		r.Get("/metrics", deps.MetricsHandler.ServeHTTP)
	}

	// --- 閲覧系ルート ---
	// セッションは任意。レート制限はpubkeyまたはクライアントIP単位。
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewOptionalSessionMiddleware(deps.SessionResolver))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// 動画
		r.Get("/api/videos", videoHandler.ListVideos)
		r.Get("/api/videos/stats", videoHandler.BulkStats)
		r.Get("/api/videos/{id}", videoHandler.GetVideo)

		// プロフィール
		// 読み取り専用のバルク照会。POSTだがCSRF対象の書き込みではない
		r.Post("/api/users/bulk", userHandler.BulkProfiles)
		r.Get("/api/users/{pubkey}", userHandler.GetProfile)
		r.Get("/api/users/{pubkey}/videos", userHandler.ListUserVideos)
		r.Get("/api/users/{pubkey}/feed", userHandler.GetUserFeed)

		// 検索・トレンド
		r.Get("/api/search", videoHandler.Search)
		r.Get("/api/hashtags/trending", videoHandler.TrendingHashtags)
	})

	// --- 反応系ルート ---
	// ミドルウェアスタック: Session（必須） → CSRF → RateLimit(Mutation)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionResolver))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
		r.Use(deps.RateLimiter.MutationMiddleware())

		r.Post("/api/videos/{id}/like", mutationHandler.Like)
		r.Post("/api/videos/{id}/repost", mutationHandler.Repost)
		r.Post("/api/videos/{id}/pin", mutationHandler.Pin)

		// 自分のトグル状態の照会。書き込みではないがセッション必須のためこのグループに置く
		r.Get("/api/videos/{id}/engagement", mutationHandler.Engagement)
	})

	return r
}
