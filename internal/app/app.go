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
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/tablebook/internal/booking"
	"github.com/hitoshi/tablebook/internal/config"
	"github.com/hitoshi/tablebook/internal/database"
	"github.com/hitoshi/tablebook/internal/eventbus"
	"github.com/hitoshi/tablebook/internal/handler"
	"github.com/hitoshi/tablebook/internal/logger"
	"github.com/hitoshi/tablebook/internal/metrics"
	"github.com/hitoshi/tablebook/internal/middleware"
	"github.com/hitoshi/tablebook/internal/notify"
	"github.com/hitoshi/tablebook/internal/repository"
	"github.com/hitoshi/tablebook/internal/worker/cleanup"
	"github.com/hitoshi/tablebook/internal/worker/timeslot"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

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
		slog.String("notify_bus", cfg.NotifyBus),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandNotify:
		return runNotify(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.Connect(ctx, cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("database connection established",
		slog.Int("max_open_conns", cfg.DBMaxOpenConns),
	)
	return db, nil
}

// newMetricsRegistry はランタイムメトリクスを含むPrometheusレジストリとCollectorを生成する。
func newMetricsRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

func newEventBus(cfg *config.Config) (eventbus.Bus, error) {
	return eventbus.New(eventbus.Config{
		Kind:         cfg.NotifyBus,
		RedisAddr:    cfg.RedisAddr,
		RedisChannel: cfg.RedisChannel,
		KafkaBrokers: cfg.KafkaBrokers,
		KafkaTopic:   cfg.KafkaTopic,
		KafkaGroupID: cfg.KafkaGroupID,
	}, slog.Default())
}

func newNotifyServer(cfg *config.Config, restaurants notify.RestaurantFinder, collector metrics.MetricsCollector) *notify.Server {
	notifyCfg := notify.DefaultConfig()
	notifyCfg.Addr = cfg.NotifyAddr
	notifyCfg.MaxConns = cfg.NotifyMaxConns
	notifyCfg.IdleTimeout = cfg.NotifyIdleTimeout
	notifyCfg.WriteTimeout = cfg.NotifyWriteTimeout
	return notify.NewServer(notifyCfg, restaurants, collector, slog.Default())
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// NOTIFY_BUSがlocalの場合は同一プロセスで通知サーバーも起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. リポジトリの初期化
	restaurantRepo := repository.NewPostgresRestaurantRepo(db)
	repos := booking.Repositories{
		Restaurants:  restaurantRepo,
		Users:        repository.NewPostgresUserRepo(db),
		Tables:       repository.NewPostgresTableRepo(db),
		Timeslots:    repository.NewPostgresTimeslotRepo(db),
		Reservations: repository.NewPostgresReservationRepo(db),
	}

	reg, collector := newMetricsRegistry()

	// 3. 変更イベントの発行先
	// localではプロセス内のバスを経由して同一プロセスの通知サーバーへ中継する
	bus, err := newEventBus(cfg)
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	defer bus.Close()

	notifyErr := make(chan error, 2)
	if cfg.NotifyBus == eventbus.KindLocal {
		server := newNotifyServer(cfg, restaurantRepo, collector)
		go func() {
			notifyErr <- server.ListenAndServe(ctx)
		}()
		go func() {
			if err := server.RelayFrom(ctx, bus); err != nil {
				notifyErr <- err
			}
		}()
	}

	// 4. 予約エンジン
	engine := booking.NewEngine(repos, bus, collector, slog.Default())

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitBooking))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimiter:        rateLimiter,
		Metrics:            collector,
		Logger:             slog.Default(),
		HealthChecker:      db,
		MetricsHandler:     metrics.Handler(reg),
		Booking:            engine,
		Location:           cfg.Location,
	})

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	case err := <-notifyErr:
		if err != nil {
			return fmt.Errorf("notify server error: %w", err)
		}
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 起動時にタイムスロットを補充し、以降は毎日TIMESLOT_RUN_HOUR時に生成と過去分の削除を行う。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reg, collector := newMetricsRegistry()
	go serveMetrics(ctx, cfg.MetricsAddr, reg, db)

	// 2. リポジトリの初期化
	tableRepo := repository.NewPostgresTableRepo(db)

	// 3. 生成器・クリーンアップジョブ・スケジューラの初期化
	generator := timeslot.NewGenerator(
		repository.NewPostgresRestaurantRepo(db),
		tableRepo,
		tableRepo,
		repository.NewPostgresTimeslotRepo(db),
		collector,
		slog.Default(),
		cfg.TimeslotMaxConcurrency,
	)
	cleanupJob := cleanup.NewCleanupJob(db, collector, slog.Default())

	scheduler := timeslot.NewScheduler(generator, cleanupJob, timeslot.SchedulerConfig{
		HorizonWeeks: cfg.TimeslotHorizonWeeks,
		BackfillDays: cfg.TimeslotBackfillDays,
		RunHour:      cfg.TimeslotRunHour,
	}, slog.Default())
	loc := cfg.Location
	scheduler.Now = func() time.Time { return time.Now().In(loc) }

	slog.Info("worker starting",
		slog.Int("horizon_weeks", cfg.TimeslotHorizonWeeks),
		slog.Int("backfill_days", cfg.TimeslotBackfillDays),
		slog.Int("max_concurrent", cfg.TimeslotMaxConcurrency),
	)

	// スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runNotify は外部イベントバスの変更イベントを中継する通知サーバーモードで起動する。
// レストラン購読の存在確認のためにDB接続を使用する。
func runNotify(ctx context.Context, cfg *config.Config) error {
	if cfg.NotifyBus == eventbus.KindLocal {
		return fmt.Errorf("notify command requires NOTIFY_BUS=redis or kafka")
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	bus, err := newEventBus(cfg)
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	defer bus.Close()

	reg, collector := newMetricsRegistry()
	go serveMetrics(ctx, cfg.MetricsAddr, reg, db)

	server := newNotifyServer(cfg, repository.NewPostgresRestaurantRepo(db), collector)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	relayErr := make(chan error, 1)
	go func() {
		relayErr <- server.RelayFrom(ctx, bus)
	}()

	if err := server.ListenAndServe(ctx); err != nil {
		cancel()
		<-relayErr
		return fmt.Errorf("notify server error: %w", err)
	}
	if err := <-relayErr; err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("event relay error: %w", err)
	}

	slog.Info("notify server stopped gracefully")
	return nil
}

// serveMetrics はworker/notifyモードで/metricsを公開する。ctx終了で停止する。
func serveMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer, pinger metrics.Pinger) {
	server := &http.Server{
		Addr:              addr,
		Handler:           metrics.SetupMetricsRoute(gatherer, pinger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics server starting", slog.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server error", slog.String("error", err.Error()))
	}
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
		slog.Uint64("schema_version", uint64(version)),
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
