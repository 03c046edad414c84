// Package app はコマンドごとの依存関係の組み立てと起動を行う。
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/seminarcal/internal/catalog"
	"github.com/hitoshi/seminarcal/internal/clock"
	"github.com/hitoshi/seminarcal/internal/config"
	"github.com/hitoshi/seminarcal/internal/database"
	"github.com/hitoshi/seminarcal/internal/handler"
	"github.com/hitoshi/seminarcal/internal/ical"
	"github.com/hitoshi/seminarcal/internal/logger"
	"github.com/hitoshi/seminarcal/internal/metrics"
	"github.com/hitoshi/seminarcal/internal/middleware"
	"github.com/hitoshi/seminarcal/internal/reconcile"
	"github.com/hitoshi/seminarcal/internal/repository"
	"github.com/hitoshi/seminarcal/internal/security"
	"github.com/hitoshi/seminarcal/internal/source"
	"github.com/hitoshi/seminarcal/internal/worker/refresh"
)

// dbPingTimeout は起動時のDB接続確認のタイムアウト。
const dbPingTimeout = 5 * time.Second

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込んでログレベルを反映する。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
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
		slog.String("feeds_file", cfg.FeedsFile),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandDump:
		return runDump(cfg, os.Stdout)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := database.Ping(context.Background(), db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")
	return db, nil
}

// loadCatalog はフィードカタログを読み込む。
func loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	feeds, err := catalog.LoadFile(cfg.FeedsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load feed catalog: %w", err)
	}
	slog.Info("feed catalog loaded", slog.Int("feed_count", feeds.Len()))
	return feeds, nil
}

// newReconciler はストアと外部ソースを結線したReconcilerを構築する。
// フィード一覧の取得とiCalendarの取得はいずれもSSRF防止付きのクライアントを使う。
func newReconciler(cfg *config.Config, store repository.CalendarStore, collector metrics.MetricsCollector) *reconcile.Reconciler {
	clk := clock.System{}
	guard := security.NewSSRFGuard(cfg.FetchAllowedPorts...)

	parser := ical.NewParser(clk, cfg.RecurrenceHorizon, slog.Default())
	lister := source.NewFeedLister(guard, slog.Default(), cfg.FetchTimeout, cfg.FetchMaxSize)
	fetcher := source.NewICSFetcher(guard, parser, cfg.FetchTimeout, cfg.FetchMaxSize)

	return reconcile.NewReconciler(
		store, lister, fetcher, clk, cfg.Policy(),
		cfg.FetchTimeout, collector, slog.Default(),
	)
}

// newRegistry はアプリケーションとランタイムのメトリクスを登録したレジストリを返す。
func newRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// runServe はHTTPサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. カタログとストア
	feeds, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	store := repository.NewPostgresCalendarRepo(db)

	// 3. メトリクスとリコンサイラー
	reg, collector := newRegistry()
	reconciler := newReconciler(cfg, store, collector)

	// 4. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.PerMinute(cfg.RateLimitCalendar), slog.Default())
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Calendars:         reconciler,
		Catalog:           feeds,
		Store:             store,
		Sanitizer:         security.NewDescriptionSanitizer(),
		Clock:             clock.System{},
		HealthChecker:     db,
		MetricsGatherer:   reg,
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
	})

	// 5. HTTPサーバーの起動
	// 同期パスは複数の取得を含むため、書き込みタイムアウトは取得タイムアウトより十分長くする
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down HTTP server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("HTTP server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、cronスケジュールで全フィードの同期を実行する。
// SIGINTまたはSIGTERMシグナルを受信すると実行中のサイクルの完了を待って停止する。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. カタログとリコンサイラー
	feeds, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	_, collector := newRegistry()
	reconciler := newReconciler(cfg, repository.NewPostgresCalendarRepo(db), collector)

	// 3. スケジューラ
	scheduler := refresh.NewScheduler(feeds, reconciler, slog.Default(), cfg.FetchMaxConcurrent)

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
		slog.String("schedule", cfg.RefreshCron),
		slog.Int("max_concurrent", cfg.FetchMaxConcurrent),
	)

	if err := scheduler.Start(ctx, cfg.RefreshCron); err != nil {
		return fmt.Errorf("worker failed: %w", err)
	}

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

// runDump はキャッシュの内容をoutに書き出す。外部ソースへのアクセスは行わない。
func runDump(cfg *config.Config, out io.Writer) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	return Dump(context.Background(), out, repository.NewPostgresCalendarRepo(db))
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
