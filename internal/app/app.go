package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/stillokay/internal/caregiver"
	"github.com/hitoshi/stillokay/internal/checkin"
	"github.com/hitoshi/stillokay/internal/clock"
	"github.com/hitoshi/stillokay/internal/config"
	"github.com/hitoshi/stillokay/internal/database"
	"github.com/hitoshi/stillokay/internal/handler"
	"github.com/hitoshi/stillokay/internal/logger"
	"github.com/hitoshi/stillokay/internal/metrics"
	"github.com/hitoshi/stillokay/internal/middleware"
	"github.com/hitoshi/stillokay/internal/notify"
	"github.com/hitoshi/stillokay/internal/repository"
	"github.com/hitoshi/stillokay/internal/worker/cleanup"
	"github.com/hitoshi/stillokay/internal/worker/sweep"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. LOG_LEVELを反映する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	if cmd == CommandHelp {
		WriteUsage(w)
		return nil
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
		slog.String("base_url", cfg.BaseURL),
		slog.Duration("clock_offset", cfg.ClockOffset),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandSweep:
		return runSweep(w, cfg)
	default:
		return runServe(cfg)
	}
}

// engine はドメインサービス一式。serve・worker・sweepで共有する。
type engine struct {
	checkin   *checkin.Service
	caregiver *caregiver.Service
	sweeper   *sweep.Scheduler
}

// newEngine はPostgresリポジトリの上にドメインサービスを組み立てる。
func newEngine(db *sql.DB, cfg *config.Config, clk clock.Clock, collector metrics.MetricsCollector, log *slog.Logger) (*engine, error) {
	notifier, err := newNotifier(cfg, log)
	if err != nil {
		return nil, err
	}
	composer := notify.NewComposer(cfg.BaseURL)

	userRepo := repository.NewPostgresUserRepo(db)
	caregiverRepo := repository.NewPostgresCaregiverRepo(db)
	eventRepo := repository.NewPostgresEventRepo(db)

	return &engine{
		checkin: checkin.NewService(
			userRepo, caregiverRepo, eventRepo, eventRepo,
			notifier, composer, clk, collector, log,
		),
		caregiver: caregiver.NewService(
			userRepo, caregiverRepo, eventRepo,
			notifier, composer, clk, log,
		),
		sweeper: sweep.NewScheduler(
			userRepo, eventRepo, eventRepo,
			notifier, composer, clk, collector, log, cfg.SweepMaxConcurrent,
		),
	}, nil
}

// newNotifier はSMTPが有効ならSMTPNotifierを、無効ならログ出力のみのNotifierを返す。
func newNotifier(cfg *config.Config, log *slog.Logger) (notify.Notifier, error) {
	if !cfg.SMTPEnabled {
		log.Warn("SMTP is disabled; notifications are logged only")
		return notify.NewLogNotifier(log), nil
	}
	n, err := notify.NewSMTPNotifier(notify.SMTPSettings{
		Enabled:  true,
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		UseTLS:   cfg.SMTPUseTLS,
		Timeout:  cfg.SMTPTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP settings: %w", err)
	}
	return n, nil
}

// newClock はCLOCK_OFFSETを反映した時計を返す。
func newClock(cfg *config.Config) clock.Clock {
	return clock.WithOffset(clock.System{}, cfg.ClockOffset)
}

// poolConfig は設定値からコネクションプール設定を組み立てる。
// スイープの並列数分のユーザーロックが同時に保持されても枯渇しないよう調整する。
func poolConfig(cfg *config.Config) database.PoolConfig {
	return database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	}.ForLockHolders(cfg.SweepMaxConcurrent)
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, poolConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. メトリクスの初期化
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 3. ドメインサービスの初期化
	clk := newClock(cfg)
	eng, err := newEngine(db, cfg, clk, collector, slog.Default())
	if err != nil {
		return err
	}

	// 4. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitCheckin),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		HealthChecker:     db,
		UserIDHeader:      cfg.UserIDHeader,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		CronSecret:        cfg.CronSecret,
		Logger:            slog.Default(),
		Metrics:           collector,
		MetricsHandler:    metrics.Handler(reg),

		CheckinService:   eng.checkin,
		CaregiverService: eng.caregiver,
		Sweeper:          eng.sweeper,
		Clock:            clk,
	})

	// 5. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
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
// DB接続を開き、毎時のスイープと確認トークンのクリーンアップを実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. ドメインサービスの初期化（ワーカーはメトリクスを公開しない）
	clk := newClock(cfg)
	eng, err := newEngine(db, cfg, clk, metrics.Nop{}, slog.Default())
	if err != nil {
		return err
	}

	// 3. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewTokenCleanupJob(db, clk, slog.Default())
	cleanupJob.Retention = cfg.TokenRetention

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
		slog.String("sweep_schedule", cfg.SweepSchedule),
		slog.Int("max_concurrent", cfg.SweepMaxConcurrent),
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	go cleanupJob.Start(ctx, cfg.CleanupInterval)

	// スイープスケジューラをメインgoroutineで実行（ブロッキング）
	if err := eng.sweeper.Start(ctx, cfg.SweepSchedule); err != nil {
		return err
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runSweep はスイープを1回だけ実行し、サマリーをJSONで出力する。
// 外部のcronから起動する場合や、CLOCK_OFFSETを使った検証に使用する。
func runSweep(w io.Writer, cfg *config.Config) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	clk := newClock(cfg)
	eng, err := newEngine(db, cfg, clk, metrics.Nop{}, slog.Default())
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	summary, err := eng.sweeper.RunOnce(ctx, clk.Now())
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	return writeSummary(w, summary)
}

// writeSummary はスイープのサマリーを1行のJSONとして書き込む。
func writeSummary(w io.Writer, summary *sweep.Summary) error {
	if w == nil {
		w = os.Stdout
	}
	if err := json.NewEncoder(w).Encode(summary); err != nil {
		return fmt.Errorf("failed to write sweep summary: %w", err)
	}
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
