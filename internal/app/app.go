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

	"github.com/divinevideo/divine-gateway/internal/auth"
	"github.com/divinevideo/divine-gateway/internal/config"
	"github.com/divinevideo/divine-gateway/internal/database"
	"github.com/divinevideo/divine-gateway/internal/funnelcake"
	"github.com/divinevideo/divine-gateway/internal/handler"
	"github.com/divinevideo/divine-gateway/internal/health"
	"github.com/divinevideo/divine-gateway/internal/logger"
	"github.com/divinevideo/divine-gateway/internal/media"
	"github.com/divinevideo/divine-gateway/internal/metrics"
	"github.com/divinevideo/divine-gateway/internal/middleware"
	"github.com/divinevideo/divine-gateway/internal/model"
	"github.com/divinevideo/divine-gateway/internal/mutation"
	"github.com/divinevideo/divine-gateway/internal/nip05"
	"github.com/divinevideo/divine-gateway/internal/query"
	"github.com/divinevideo/divine-gateway/internal/relay"
	"github.com/divinevideo/divine-gateway/internal/repository"
	"github.com/divinevideo/divine-gateway/internal/security"
	"github.com/divinevideo/divine-gateway/internal/worker/cleanup"
	"github.com/divinevideo/divine-gateway/internal/worker/trending"
	"golang.org/x/time/rate"
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

// trendingCachedQueries はトレンド照会のみリフレッシャーのキャッシュへ差し替える
// VideoQueryServiceラッパー。他の照会はオーケストレーターへそのまま委譲する。
type trendingCachedQueries struct {
	*query.Orchestrator
	trending *trending.Refresher
}

func (q *trendingCachedQueries) TrendingHashtags(ctx context.Context, limit int) ([]model.HashtagStat, error) {
	return q.trending.TrendingHashtags(ctx, limit)
}

// buildOrchestrator はREST優先・リレーフォールバックのクエリ実行器を組み立てる。
// serve/workerの両モードで共通のワイヤリング。
func buildOrchestrator(cfg *config.Config, collector *metrics.Collector) *query.Orchestrator {
	restClient := funnelcake.NewClient(
		&http.Client{Timeout: 15 * time.Second},
		slog.Default(),
		cfg.FunnelcakeAPIURL,
	)
	relayPool := relay.NewPool(cfg.RelayURLs, slog.Default())
	tracker := health.NewTracker(slog.Default(), collector)
	sanitizer := security.NewContentSanitizer()

	orchestrator := query.NewOrchestrator(
		restClient, relayPool, tracker, sanitizer, slog.Default(), collector,
	)

	// リレー経路の補完: サムネイル抽出とNIP-05検証（どちらもSSRFガード経由）
	ssrfGuard := security.NewSSRFGuard()
	orchestrator.SetMediaProber(media.NewProber(ssrfGuard, slog.Default()))
	orchestrator.SetNIP05Verifier(nip05.NewVerifier(ssrfGuard, slog.Default()))

	return orchestrator
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	sessionRepo := repository.NewPostgresSessionRepo(db)

	// 3. メトリクスコレクターの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. クエリオーケストレーターの組み立て
	orchestrator := buildOrchestrator(cfg, collector)

	// トレンドはプロセス内キャッシュから配信し、バックグラウンドで温める。
	// キャッシュが冷えている間はオーケストレーターへフォールスルーする。
	trendingRefresher := trending.NewRefresher(orchestrator, slog.Default(), 0)
	refreshCtx, refreshCancel := context.WithCancel(context.Background())
	defer refreshCancel()
	go trendingRefresher.Start(refreshCtx, cfg.TrendingRefreshInterval)

	// 5. 認証サービスの初期化
	oauthProvider := auth.NewPKCEProvider(auth.PKCEProviderConfig{
		ClientID:    cfg.OAuthClientID,
		RedirectURL: cfg.OAuthRedirectURL,
		AuthURL:     cfg.OAuthAuthURL,
		TokenURL:    cfg.OAuthTokenURL,
		SignURL:     cfg.OAuthSignURL,
	})
	authService := auth.NewService(oauthProvider, sessionRepo, slog.Default())

	// 6. エンゲージメント書き込みサービスの初期化
	relayPool := relay.NewPool(cfg.RelayURLs, slog.Default())
	mutationService := mutation.NewService(relayPool, slog.Default(), collector)

	// 7. レート制限の構成（configはreq/min単位なのでreq/secに変換）
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitMutation > 0 {
		rateLimiterCfg.MutationRate = rate.Limit(float64(cfg.RateLimitMutation) / 60.0)
		rateLimiterCfg.MutationBurst = cfg.RateLimitMutation
	}

	// 8. ルーターの構築
	csrfConfig := middleware.CSRFConfig{
		CookieSecure: cfg.CookieSecure,
		CookieDomain: cfg.CookieDomain,
	}

	deps := &handler.RouterDeps{
		SessionResolver:   authService,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       middleware.NewRateLimiter(rateLimiterCfg),
		CSRFConfig:        csrfConfig,
		Logger:            slog.Default(),

		HealthChecker:  db,
		MetricsHandler: metrics.SetupMetricsRoute(registry),

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:      cfg.BaseURL,
			CookieDomain: cfg.CookieDomain,
			CookieSecure: cfg.CookieSecure,
		},

		VideoService: &trendingCachedQueries{Orchestrator: orchestrator, trending: trendingRefresher},
		UserService:  orchestrator,

		MutationService: mutationService,
		SignerFor: func(session *model.Session) mutation.Signer {
			return oauthProvider.SignerFor(session)
		},
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
// トレンドリフレッシュと失効セッションのクリーンアップを定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. メトリクスとオーケストレーターの組み立て
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	orchestrator := buildOrchestrator(cfg, collector)

	// 3. セッションクリーンアップジョブの初期化
	sessionRepo := repository.NewPostgresSessionRepo(db)
	cleanupJob := cleanup.NewCleanupJob(sessionRepo, slog.Default())

	// 4. トレンドリフレッシュワーカーの初期化
	refresher := trending.NewRefresher(orchestrator, slog.Default(), 0)

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
		slog.Duration("trending_interval", cfg.TrendingRefreshInterval),
		slog.Duration("cleanup_interval", cfg.SessionCleanupInterval),
	)

	// 5. メトリクスエンドポイントをバックグラウンドで公開
	metricsServer := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: metrics.SetupMetricsRoute(registry),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		metricsServer.Shutdown(shutdownCtx)
	}()

	// 6. セッションクリーンアップをバックグラウンドで起動
	go cleanupJob.Start(ctx, cfg.SessionCleanupInterval)

	// 7. トレンドリフレッシュをメインgoroutineで実行（ブロッキング）
	refresher.Start(ctx, cfg.TrendingRefreshInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
	)
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
