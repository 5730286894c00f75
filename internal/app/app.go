// Package app はコマンドラインからの起動とコンポーネントのワイヤリングを提供する。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/auctionwatch/internal/config"
	"github.com/hitoshi/auctionwatch/internal/database"
	"github.com/hitoshi/auctionwatch/internal/handler"
	"github.com/hitoshi/auctionwatch/internal/logger"
	"github.com/hitoshi/auctionwatch/internal/metrics"
	"github.com/hitoshi/auctionwatch/internal/middleware"
	"github.com/hitoshi/auctionwatch/internal/model"
	"github.com/hitoshi/auctionwatch/internal/notify"
	"github.com/hitoshi/auctionwatch/internal/repository"
	"github.com/hitoshi/auctionwatch/internal/scout"
	"github.com/hitoshi/auctionwatch/internal/security"
	"github.com/hitoshi/auctionwatch/internal/upstream"
	"github.com/hitoshi/auctionwatch/internal/worker/cleanup"
	"github.com/hitoshi/auctionwatch/internal/worker/poll"
)

const (
	dbPingTimeout   = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Version はビルド時に -ldflags "-X ...app.Version=..." で設定する。
var Version = "dev"

// Init はアプリケーションの初期化を行う。
// .envを読み込んだうえで環境変数からConfigを読み込み、構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.Options{})

	// 2. .envと環境変数から設定を読み込む
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定に従ってログを再構成する
	logger.SetupDefault(w, logger.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。
func Run(stdout, stderr io.Writer, args []string) error {
	root := NewRootCommand(stdout, stderr)
	root.SetArgs(args)
	return root.Execute()
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("database connection established")
	return db, nil
}

// components はDBに依存するコンポーネントをまとめたもの。
type components struct {
	db           *sql.DB
	snapshots    *repository.PostgresSnapshotRepo
	changeLog    *repository.PostgresChangeLogRepo
	notifyConfig *repository.PostgresNotificationConfigRepo
}

func newComponents(db *sql.DB) *components {
	return &components{
		db:           db,
		snapshots:    repository.NewPostgresSnapshotRepo(db),
		changeLog:    repository.NewPostgresChangeLogRepo(db),
		notifyConfig: repository.NewPostgresNotificationConfigRepo(db),
	}
}

// newScoutService は実行パイプラインを構築する。
// 上流と料金取得のHTTPクライアントはSSRF対策済みのものを使う。
func newScoutService(cfg *config.Config, c *components, collector metrics.MetricsCollector, opts scout.Options) (*scout.Service, error) {
	if err := security.ValidateURL(cfg.UpstreamURL); err != nil {
		return nil, fmt.Errorf("invalid UPSTREAM_URL: %w", err)
	}

	httpClient := security.NewSafeClient(cfg.FetchTimeout)
	fetcher := upstream.NewClient(httpClient, collector, slog.Default(), cfg.UpstreamURL, cfg.FetchMaxSize)

	if opts.Surcharge == nil {
		surcharge, err := surchargeSource(cfg, httpClient)
		if err != nil {
			return nil, err
		}
		opts.Surcharge = surcharge
	}

	newDispatcher := func(nc *model.NotificationConfig, renderer *notify.Renderer) scout.Dispatcher {
		sender := notify.NewTelegramSender(security.NewSafeClient(nc.Timeout), slog.Default(), nc.TelegramAPIToken, nc.TelegramChatID)
		return notify.NewDispatcher(sender, c.changeLog, renderer, collector, slog.Default(), dispatchConfig(cfg, nc))
	}

	return scout.NewService(
		fetcher, c.snapshots, c.changeLog, c.notifyConfig,
		newDispatcher, collector, slog.Default(), opts,
	), nil
}

// surchargeSource はIPv4加算料金の取得元を選択する。
// 固定値が優先され、どちらも未設定の場合はnilを返す。
func surchargeSource(cfg *config.Config, httpClient *http.Client) (upstream.SurchargeSource, error) {
	switch {
	case cfg.IPv4Surcharge != nil:
		return upstream.StaticSurcharge{Value: cfg.IPv4Surcharge}, nil
	case cfg.IPv4SurchargeURL != "":
		if err := security.ValidateURL(cfg.IPv4SurchargeURL); err != nil {
			return nil, fmt.Errorf("invalid IPV4_SURCHARGE_URL: %w", err)
		}
		return upstream.NewRemoteSurcharge(httpClient, cfg.IPv4SurchargeURL), nil
	default:
		return nil, nil
	}
}

func dispatchConfig(cfg *config.Config, nc *model.NotificationConfig) notify.DispatchConfig {
	dc := notify.DefaultDispatchConfig()
	dc.PerSecond = cfg.DeliveryPerSecond
	dc.PerMinute = cfg.DeliveryPerMinute
	dc.MaxAttempts = cfg.DeliveryMaxAttempts
	dc.Concurrency = cfg.DeliveryConcurrency
	if nc.Timeout > 0 {
		dc.Timeout = nc.Timeout
	}
	return dc
}

// newAlerter は保存済みの通知設定から運用者アラートの送信先を構築する。
// 設定がない、または取得に失敗した場合はログ出力のみのAlerterを返す。
func newAlerter(ctx context.Context, repo repository.NotificationConfigRepository) *notify.Alerter {
	nc, err := repo.Get(ctx)
	if err != nil {
		slog.Warn("通知設定の取得に失敗したためアラートはログのみに出力します", slog.String("error", err.Error()))
		return notify.NewAlerter(nil, slog.Default(), 0)
	}
	if !nc.DeliveryEnabled() {
		return notify.NewAlerter(nil, slog.Default(), 0)
	}
	sender := notify.NewTelegramSender(security.NewSafeClient(nc.Timeout), slog.Default(), nc.TelegramAPIToken, nc.TelegramChatID)
	return notify.NewAlerter(sender, slog.Default(), nc.Timeout)
}

// runOnce はポーリングを1回実行する。panicは回復してアラートを送り、エラーとして返す。
func runOnce(ctx context.Context, svc *scout.Service, alerter *notify.Alerter) (report scout.RunReport, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			alerter.Alert(ctx, "実行中にpanicが発生しました", rec)
			err = fmt.Errorf("panic during run: %v", rec)
		}
	}()

	report, err = svc.RunOnce(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		alerter.Alert(ctx, "実行に失敗しました", err)
	}
	return report, err
}

// runWorker はワーカーモードで起動する。
// 定期ポーリング、変更ログのクリーンアップ、HTTPサーフェスを同時に動かし、
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config, opts scout.Options) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	c := newComponents(db)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	svc, err := newScoutService(cfg, c, collector, opts)
	if err != nil {
		return err
	}
	alerter := newAlerter(ctx, c.notifyConfig)

	scheduler := poll.NewScheduler(svc, alerter, slog.Default())

	cleanupJob := cleanup.NewCleanupJob(c.changeLog, slog.Default())
	cleanupJob.RetentionDays = cfg.ChangeLogRetentionDays

	server, rl := newHTTPServer(cfg, c, reg)
	defer rl.Stop()

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go cleanupJob.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker starting",
		slog.Duration("poll_interval", cfg.PollInterval),
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	schedulerDone := make(chan struct{})
	go func() {
		scheduler.Start(ctx, cfg.PollInterval)
		close(schedulerDone)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down worker...")
	case err := <-serverErr:
		stop()
		<-schedulerDone
		return fmt.Errorf("server listen error: %w", err)
	}
	<-schedulerDone

	if err := shutdown(server); err != nil {
		return err
	}
	slog.Info("worker stopped gracefully")
	return nil
}

// runServe はHTTPサーフェスのみを起動する。ポーリングは行わない。
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	metrics.NewCollector(reg)

	server, rl := newHTTPServer(cfg, newComponents(db), reg)
	defer rl.Stop()

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down API server...")
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}

	if err := shutdown(server); err != nil {
		return err
	}
	slog.Info("API server stopped gracefully")
	return nil
}

func newHTTPServer(cfg *config.Config, c *components, reg *prometheus.Registry) (*http.Server, *middleware.RateLimiter) {
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	router := handler.NewRouter(&handler.RouterDeps{
		HealthChecker: c.db,
		Snapshots:     c.snapshots,
		ChangeLog:     c.changeLog,
		Gatherer:      reg,
		RateLimiter:   rl,
		Logger:        slog.Default(),
	})

	return &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, rl
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// downが0の場合はすべての未適用マイグレーションを順番に適用し、正の場合はその件数だけ取り消す。
func runMigrate(cfg *config.Config, down int) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Int("down", down),
	)

	if down > 0 {
		if err := database.RollbackMigrations(cfg.DatabaseURL, down); err != nil {
			return fmt.Errorf("migration rollback failed: %w", err)
		}
	} else if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.SchemaVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
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

// healthcheckPort はフル初期化をせずにSERVER_PORTを読む。
func healthcheckPort() string {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		return port
	}
	return "8080"
}
