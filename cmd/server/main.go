package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/code-100-precent/LingDispatch/cmd/bootstrap"
	handlers "github.com/code-100-precent/LingDispatch/internal/handler"
	"github.com/code-100-precent/LingDispatch/internal/listeners"
	"github.com/code-100-precent/LingDispatch/internal/models"
	"github.com/code-100-precent/LingDispatch/internal/task"
	"github.com/code-100-precent/LingDispatch/pkg/alert"
	"github.com/code-100-precent/LingDispatch/pkg/auth"
	"github.com/code-100-precent/LingDispatch/pkg/cache"
	"github.com/code-100-precent/LingDispatch/pkg/config"
	"github.com/code-100-precent/LingDispatch/pkg/constants"
	"github.com/code-100-precent/LingDispatch/pkg/dispatch"
	"github.com/code-100-precent/LingDispatch/pkg/events"
	"github.com/code-100-precent/LingDispatch/pkg/logger"
	"github.com/code-100-precent/LingDispatch/pkg/metrics"
	"github.com/code-100-precent/LingDispatch/pkg/middleware"
	stores "github.com/code-100-precent/LingDispatch/pkg/storage"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

func main() {
	// 1. Parse Command Line Parameters
	mode := flag.String("mode", "", "running environment (development, test, production)")
	initSQL := flag.String("init-sql", "", "path to database init .sql script (optional)")
	flag.Parse()

	// 2. Set Environment Variables
	if *mode != "" {
		os.Setenv("APP_ENV", *mode)
	}

	// 3. Load Global Configuration
	if err := config.Load(); err != nil {
		panic("config load failed: " + err.Error())
	}
	cfg := config.GlobalConfig

	// 4. Load Log Configuration
	if err := logger.Init(&cfg.Log, cfg.Mode); err != nil {
		panic(err)
	}
	defer logger.Sync()

	// 5. Print Configuration
	bootstrap.LogConfigInfo()
	if cfg.EngineAPIKey == "" {
		logger.Warn("ENGINE_API_KEY is empty, engine callbacks will be rejected")
	} else if cfg.Mode != "production" && os.Getenv("ENGINE_API_KEY") == "" {
		logger.Info("generated development engine key", zap.String("engineKey", cfg.EngineAPIKey))
	}

	// 6. Load Data Source
	db, err := bootstrap.SetupDatabase(os.Stdout, &bootstrap.Options{
		InitSQLPath:     *initSQL,
		AutoMigrate:     true,
		SeedDispatchers: cfg.SeedDispatchers,
	})
	if err != nil {
		logger.Error("database setup failed", zap.Error(err))
		return
	}

	// 7. Load Global Cache
	if err := cache.InitGlobalCache(cfg.Cache, &cache.Options{KeyPrefix: "lingdispatch:"}); err != nil {
		logger.Error("failed to initialize cache", zap.Error(err))
		logger.Info("falling back to default local cache")
	}
	defer cache.CloseGlobalCache()

	// 8. Metrics and Event Bus
	m := metrics.NewMetrics()
	bus := events.GetEventBus()

	// 9. Dispatch Coordinator
	validator := auth.NewCachedValidator(models.NewCredentialValidator(db), cache.GetGlobalCache(), cfg.AuthCacheTTL)
	coord, err := dispatch.New(cfg.Dispatch, dispatch.Deps{
		Audit:       models.NewGormAuditSink(db),
		Escalations: models.NewGormEscalationStore(db),
		Validator:   validator,
		Bus:         bus,
		Metrics:     m,
		Logger:      logger.Lg,
	})
	if err != nil {
		logger.Error("dispatch coordinator init failed", zap.Error(err))
		return
	}
	if err := coord.Start(context.Background()); err != nil {
		logger.Error("dispatch coordinator start failed", zap.Error(err))
		return
	}

	// 10. Initialize Listeners
	listeners.InitEscalationListeners(bus, buildNotifier(cfg))
	listeners.InitSessionListeners(bus)

	// 11. Start Timed task
	var jobs []*cron.Cron
	if job, err := task.StartEscalationSLAChecker(coord, bus, cache.GetGlobalCache()); err == nil {
		jobs = append(jobs, job)
	}
	if job, err := task.StartStatsReporter(coord, m); err == nil {
		jobs = append(jobs, job)
	} else {
		logger.Error("Failed to start stats reporter", zap.Error(err))
	}
	if cfg.ArchiveEnabled {
		store, err := stores.New(cfg.Archive)
		if err != nil {
			logger.Error("audit archive disabled", zap.Error(err))
		} else if job, err := task.StartAuditArchiver(coord.AuditWriter(), store); err == nil {
			jobs = append(jobs, job)
		}
	}

	// 12. Initialize Gin Routing
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false

	// 13. use middleware
	r.Use(metrics.MonitorMiddleware(m))
	r.Use(middleware.LoggerMiddleware(zap.L()))
	limit, err := middleware.RateLimitMiddleware(cfg.RateLimit)
	if err != nil {
		logger.Error("invalid RATE_LIMIT, rate limiting disabled", zap.String("rate", cfg.RateLimit), zap.Error(err))
	} else {
		r.Use(limit)
	}

	// 14. Register Routes
	handlers.NewHandlers(db, coord, validator, cfg).Register(r)
	r.GET(cfg.MonitorPrefix, metrics.GinHandler())
	logger.Info("Metrics route registered", zap.String("path", cfg.MonitorPrefix))

	// 15. Start HTTP/HTTPS Server
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	go func() {
		var err error
		if cfg.SSLEnabled {
			logger.Info("Starting HTTPS server", zap.String("addr", cfg.Addr))
			err = httpServer.ListenAndServeTLS(cfg.SSLCertFile, cfg.SSLKeyFile)
		} else {
			logger.Info("Starting HTTP server", zap.String("addr", cfg.Addr))
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server run failed", zap.Error(err))
		}
	}()

	// 16. Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// 先关会话把控制权交还 AI，再停 HTTP
	if err := coord.Shutdown(ctx); err != nil {
		logger.Error("dispatch shutdown incomplete", zap.Error(err))
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}
	for _, job := range jobs {
		<-job.Stop().Done()
	}
	bus.Wait()
	logger.Info("server stopped")
}

func buildNotifier(cfg *config.Config) alert.Notifier {
	notifiers := alert.Multi{alert.NewLogNotifier(logger.Lg)}
	if cfg.AlertWebhookURL == "" {
		return notifiers
	}
	hook, err := alert.NewWebhookNotifier(alert.WebhookConfig{
		URL:     cfg.AlertWebhookURL,
		Secret:  cfg.AlertWebhookSecret,
		Retries: 2,
	})
	if err != nil {
		logger.Error("alert webhook disabled", zap.Error(err))
		return notifiers
	}
	cooled := alert.NewCooldown(hook, cache.GetGlobalCache(), cfg.AlertCooldown, constants.CacheKeyAlert)
	return append(notifiers, cooled)
}
