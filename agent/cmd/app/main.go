package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ca-tracker/agent/database"
	"ca-tracker/agent/internal/bot"
	"ca-tracker/agent/internal/handlers"
	"ca-tracker/agent/internal/services"
	"ca-tracker/agent/internal/tracker"
	"ca-tracker/shared/config"
	"ca-tracker/shared/env"
	"ca-tracker/shared/logger"
	"ca-tracker/shared/metrics"
	"ca-tracker/shared/notifications"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-co-op/gocron"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func startHeartbeat(appLogger *logger.Logger, interval time.Duration, engine *tracker.Engine) *gocron.Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	if _, err := s.Every(interval).WaitForSchedule().Do(func() {
		appLogger.Info("Heartbeat: Program running...", zap.Int("trackedRows", engine.TrackedCount()))
	}); err != nil {
		appLogger.Warn("Failed to schedule heartbeat", zap.Error(err))
		return s
	}
	s.StartAsync()
	return s
}

func trackerConfig(c config.TrackerConfig) tracker.Config {
	return tracker.Config{
		RefreshInterval: c.RefreshInterval,
		Levels: tracker.Levels{
			Multipliers: c.MultiplierLevels,
			Losses:      c.LossLevels,
			Rug:         c.RugLevel,
		},
		AutoRemoveLoss:        c.AutoRemoveLoss,
		ZeroLiquidityRemoval:  c.ZeroLiquidityRemoval,
		LiquidityFloorUSD:     c.LiquidityFloorUSD,
		SmallCapFloorUSD:      c.SmallCapFloorUSD,
		AlertCooldown:         c.AlertCooldown,
		BaselineConfirmations: c.BaselineConfirmations,
		FetchBatchSize:        c.FetchBatchSize,
		FetchTimeout:          c.FetchTimeout,
		DispatchParallelism:   c.DispatchParallelism,
		MaxTokensPerGroup:     c.MaxTokensPerGroup,
		DelistAfterMisses:     c.DelistAfterMisses,
		RegistrationRetry: tracker.RetryPolicy{
			MaxAttempts:     c.RegistrationRetry.MaxAttempts,
			InitialInterval: c.RegistrationRetry.InitialInterval,
			MaxInterval:     c.RegistrationRetry.MaxInterval,
		},
	}
}

func buildProvider(cfg config.ProviderConfig, appLogger *logger.Logger) *services.FallbackProvider {
	var chain []services.NamedProvider
	for _, name := range cfg.Order {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "dexscreener":
			chain = append(chain, services.NewDexScreenerClient(cfg.DexScreenerURL, cfg.DexScreenerRate, cfg.RequestTimeout, appLogger))
		case "birdeye":
			if cfg.BirdeyeAPIKey == "" {
				appLogger.Warn("BIRDEYE_API_KEY not set, skipping Birdeye provider.")
				continue
			}
			chain = append(chain, services.NewBirdeyeClient(cfg.BirdeyeURL, cfg.BirdeyeAPIKey, cfg.BirdeyeRate, cfg.RequestTimeout, appLogger))
		default:
			appLogger.Warn("Unknown price provider in configuration, ignoring", zap.String("provider", name))
		}
	}
	if len(chain) == 0 {
		appLogger.Fatal("No usable price provider configured (providers.order)")
	}
	appLogger.Info("Price providers configured", zap.Int("count", len(chain)), zap.Strings("order", cfg.Order))
	return services.NewFallbackProvider(appLogger, chain...)
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			log.Panicf("FATAL PANIC RECOVERY: %v", r)
		}
	}()

	if err := env.LoadEnv(); err != nil {
		log.Fatalf("FATAL: Failed to load environment variables: %v", err)
	}

	cfg, err := config.LoadConfig("agent/config.yaml")
	if err != nil {
		log.Fatalf("FATAL: Failed to load agent/config.yaml: %v", err)
	}
	config.SetGlobalConfig(cfg)

	appLogger, err := logger.NewLogger(logger.Config{
		Level:       cfg.Logging.Level,
		Environment: cfg.App.Environment,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	appLogger.Info("Application configuration loaded.")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dsn := cfg.Database.URL
	if dsn == "" {
		appLogger.Warn("DATABASE_URL not set. Attempting to construct DSN from PG* or LOCAL_* variables.")
		if dsn, err = env.ResolveDSN(); err != nil {
			appLogger.Fatal("Essential database connection variables are missing", zap.Error(err))
		}
	}

	appLogger.Info("Running database migrations...")
	if err := database.MigrateDatabase(dsn, appLogger); err != nil {
		appLogger.Fatal("Database migration failed", zap.Error(err))
	}

	appLogger.Info("Connecting to database...")
	db, err := database.ConnectToDatabase(dsn, appLogger)
	if err != nil {
		appLogger.Fatal("Database connection failed", zap.Error(err))
	}
	store := database.NewGormStore(db)

	provider := buildProvider(cfg.Providers, appLogger)

	telegramBot, err := notifications.InitTelegramBot(ctx, cfg.Telegram.BotToken, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize Telegram bot", zap.Error(err))
	}
	dispatcher := notifications.NewTelegramDispatcher(telegramBot, cfg.Telegram, appLogger)
	appLogger.SetOpsSink(dispatcher)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	engineMetrics := metrics.New(registry, "catracker")

	engine, err := tracker.NewEngine(trackerConfig(cfg.Tracker), store, provider, dispatcher, appLogger, tracker.WithMetrics(engineMetrics))
	if err != nil {
		appLogger.Fatal("Invalid tracker configuration", zap.Error(err))
	}

	go func() {
		if err := engine.Run(ctx); err != nil {
			appLogger.Fatal("Price tracker stopped unexpectedly", zap.Error(err))
		}
	}()

	if cfg.Telegram.CommandsEnabled {
		commands := bot.New(engine, dispatcher, appLogger, true)
		go func() {
			if err := commands.StartListening(ctx, telegramBot); err != nil {
				appLogger.Error("Telegram command listener failed", zap.Error(err))
			}
		}()
	} else {
		appLogger.Info("Telegram commands disabled by configuration.")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"*"}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "X-API-Secret", "X-Request-ID"}
	router.Use(cors.New(corsConfig))

	handlers.RegisterRoutes(router, appLogger)
	handlers.RegisterAPIRoutes(router, appLogger, engine, registry, cfg.App.APISecret)

	server := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		appLogger.Info("Starting web server", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal("Could not start web server.", zap.Error(err))
		}
	}()

	heartbeat := startHeartbeat(appLogger, cfg.App.HeartbeatInterval, engine)

	appLogger.Info("Application startup complete. Waiting for events...")
	<-ctx.Done()

	appLogger.Info("Shutdown signal received, stopping services...")
	heartbeat.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Web server shutdown failed", zap.Error(err))
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = appLogger.ZapLogger.Sync()
}
