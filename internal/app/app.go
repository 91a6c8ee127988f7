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

	"github.com/hitoshi/dishfeed/internal/cache"
	"github.com/hitoshi/dishfeed/internal/config"
	"github.com/hitoshi/dishfeed/internal/database"
	"github.com/hitoshi/dishfeed/internal/delta"
	"github.com/hitoshi/dishfeed/internal/feed"
	"github.com/hitoshi/dishfeed/internal/handler"
	"github.com/hitoshi/dishfeed/internal/live"
	"github.com/hitoshi/dishfeed/internal/logger"
	"github.com/hitoshi/dishfeed/internal/metrics"
	"github.com/hitoshi/dishfeed/internal/middleware"
	"github.com/hitoshi/dishfeed/internal/repository"
	"github.com/hitoshi/dishfeed/internal/worker/cleanup"
	"github.com/hitoshi/dishfeed/internal/worker/rescore"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

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
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

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
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
}

// dbPool は設定からコネクションプールの設定を組み立てる。
func dbPool(cfg *config.Config) database.PoolConfig {
	return database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、フィードセッション・差分同期・ライブ配信をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL, dbPool(cfg))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. メトリクスと共通コンポーネント
	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	c, err := buildCore(db, cfg, collector, log)
	if err != nil {
		return err
	}

	// 3. ホームフィードの共有セッション（先頭ページはstale-while-revalidate）
	store, closeStore, err := openPageStore(cfg.FeedCacheDir)
	if err != nil {
		return err
	}
	defer closeStore()

	query := homeQuery(cfg)
	reconciler := cache.NewPageReconciler(store, c.pipeline.FirstPageLoader(query), cfg.InitialLoadTimeout, collector, log)
	session := feed.NewSession(c.pipeline, reconciler, query, cfg.InitialLoadTimeout, log)

	// 4. 差分同期とライブ配信
	changeSource := repository.NewPostgresChangeSource(
		c.reviews, cfg.DatabaseURL, cfg.StreamChannel,
		cfg.ListenerMinReconnect, cfg.ListenerMaxReconnect, log,
	)
	synchronizer := delta.NewSynchronizer(
		delta.StreamSubscriber(changeSource, query, log),
		session, c.converter, collector, log,
	)
	hub := live.NewHub(session, c.follows, collector, cfg.CORSAllowedOrigin, log)
	cleanupJob := cleanup.NewCleanupJob(log, c.sweepers()...)

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		HealthChecker:     db,
		MetricsHandler:    metrics.Handler(prometheus.DefaultGatherer),
		Metrics:           collector,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Session:           session,
		Pages:             c.pipeline,
		Following:         c.follows,
		FeedConfig: handler.FeedConfig{
			DefaultLimit: cfg.FeedPageSize,
			MaxLimit:     cfg.FeedMaxPageSize,
		},
		Live:   hub,
		Scores: c.scoreService,
	})

	// 6. バックグラウンド処理の起動
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := synchronizer.Run(ctx); err != nil {
			slog.Error("差分同期を開始できませんでした", slog.String("error", err.Error()))
		}
	}()
	go func() {
		if err := hub.Run(ctx); err != nil {
			slog.Error("ライブ配信が異常終了しました", slog.String("error", err.Error()))
		}
	}()
	go cleanupJob.Start(ctx, cfg.CacheCleanupInterval)

	// 7. HTTPサーバーの起動
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

	synchronizer.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	reconciler.Wait()

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、スコア再計算スケジューラとキャッシュクリーンアップを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL, dbPool(cfg))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. 共通コンポーネント
	c, err := buildCore(db, cfg, metrics.NewCollector(prometheus.DefaultRegisterer), log)
	if err != nil {
		return err
	}

	// 3. スケジューラとクリーンアップジョブの初期化
	scheduler := rescore.NewScheduler(
		c.reviews, c.scoreService, log,
		cfg.RescoreMaxConcurrent, cfg.RescoreLookback,
		c.restaurantLookup, c.scoreResolver,
	)
	cleanupJob := cleanup.NewCleanupJob(log, c.sweepers()...)

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
		slog.Duration("rescore_interval", cfg.RescoreInterval),
		slog.Int("max_concurrent", cfg.RescoreMaxConcurrent),
	)

	go cleanupJob.Start(ctx, cfg.CacheCleanupInterval)

	// スコア再計算スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.RescoreInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL, slog.Default()); err != nil {
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
