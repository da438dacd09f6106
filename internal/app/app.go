package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/storepub/internal/breaker"
	"github.com/hitoshi/storepub/internal/config"
	"github.com/hitoshi/storepub/internal/connector"
	"github.com/hitoshi/storepub/internal/database"
	"github.com/hitoshi/storepub/internal/handler"
	"github.com/hitoshi/storepub/internal/logger"
	"github.com/hitoshi/storepub/internal/metrics"
	"github.com/hitoshi/storepub/internal/middleware"
	"github.com/hitoshi/storepub/internal/queue"
	"github.com/hitoshi/storepub/internal/ratelimit"
	"github.com/hitoshi/storepub/internal/repository"
	"github.com/hitoshi/storepub/internal/worker/cleanup"
	"github.com/hitoshi/storepub/internal/worker/recovery"
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

// components はキュー処理に必要な依存一式。
// serveとworkerで同じワイヤリングを共有する。
type components struct {
	queueRepo repository.QueueRepository
	queueSvc  *queue.Service
	registry  *prometheus.Registry
	collector *metrics.Collector
}

// buildComponents はDB接続の上にキュー処理の依存一式を組み立てる。
func buildComponents(cfg *config.Config, db *sql.DB) *components {
	queueRepo := repository.NewPostgresQueueRepo(db)
	rateLimitRepo := repository.NewPostgresRateLimitRepo(db)

	limiter := ratelimit.NewLimiter(rateLimitRepo)

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerTimeout,
	})

	// コネクタの登録: エンドポイントはテナント設定のURLであるため、
	// SSRF防止クライアント経由で接続する
	connectors := connector.NewRegistry()
	safeClient := connector.NewSafeClient(cfg.ConnectorTimeout)
	for platform, endpoint := range cfg.PlatformEndpoints {
		c, err := connector.NewWebhookConnector(platform, connector.WebhookConfig{
			Endpoint:  endpoint,
			UserAgent: cfg.ConnectorUserAgent,
		}, safeClient)
		if err != nil {
			slog.Warn("コネクタの登録をスキップします",
				slog.String("platform", platform),
				slog.String("error", err.Error()),
			)
			continue
		}
		connectors.Register(platform, c)
		slog.Info("コネクタを登録しました", slog.String("platform", platform))
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	queueSvc := queue.NewService(
		queueRepo, limiter, breakers, connectors, collector, slog.Default(),
		queue.Config{
			BatchSize:         cfg.QueueBatchSize,
			MaxRetries:        cfg.QueueMaxRetries,
			InitialDelay:      cfg.QueueInitialDelay,
			BackoffMultiplier: cfg.QueueBackoffMultiplier,
			MaxDelay:          cfg.QueueMaxDelay,
			RetryMaxAttempts:  cfg.RetryMaxAttempts,
			RetryBaseDelay:    cfg.RetryBaseDelay,
			RetryMaxDelay:     cfg.RetryMaxDelay,
			PlatformLimits:    cfg.PlatformLimits,
			DefaultRateLimit:  cfg.DefaultRateLimit,
		},
	)

	return &components{
		queueRepo: queueRepo,
		queueSvc:  queueSvc,
		registry:  registry,
		collector: collector,
	}
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

	// 2. キュー処理の依存一式
	comps := buildComponents(cfg, db)

	// 3. ルーターの構築
	apiLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.APIRateLimit))
	defer apiLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		QueueService:   comps.queueSvc,
		RateLimiter:    apiLimiter,
		Logger:         slog.Default(),
		MetricsHandler: metrics.Handler(comps.registry),
	})

	// 4. HTTPサーバーの起動
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
// DB接続を開き、キュースケジューラとリカバリジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
// 停止時に処理中のまま残ったアイテムは次回起動時のリカバリスイープで回収される。
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

	// 2. キュー処理の依存一式
	comps := buildComponents(cfg, db)

	// 3. リカバリジョブの初期化
	recoveryJob := recovery.NewJob(comps.queueRepo, slog.Default(), cfg.RecoveryGracePeriod)

	// 4. スケジューラの初期化
	scheduler := queue.NewScheduler(comps.queueSvc, slog.Default())

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
		slog.Duration("queue_interval", cfg.QueueInterval),
		slog.Duration("recovery_interval", cfg.RecoveryInterval),
	)

	// Prometheusスクレイプ用のエンドポイントをバックグラウンドで公開
	metricsServer := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: metrics.SetupMetricsRoute(comps.registry),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()
	defer metricsServer.Close()

	// リカバリジョブをバックグラウンドで起動（起動直後の1回で前回の取り残しを回収する）
	go recoveryJob.Start(ctx, cfg.RecoveryInterval)

	// 終了状態アイテムのクリーンアップは保持期間が設定された場合のみ起動する
	// （既定では無効で、アイテムは物理削除されない）
	if cfg.CleanupRetentionDays > 0 {
		cleanupJob := cleanup.NewJob(db, slog.Default())
		cleanupJob.RetentionDays = cfg.CleanupRetentionDays
		go cleanupJob.Start(ctx, cfg.CleanupInterval)
	}

	// キュースケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.QueueInterval)

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
