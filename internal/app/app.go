// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/taskgarden/mailqueue/internal/config"
	"github.com/taskgarden/mailqueue/internal/mail"
	"github.com/taskgarden/mailqueue/internal/pkg/ctxlog"
	"github.com/taskgarden/mailqueue/internal/pkg/httputil"
	"github.com/taskgarden/mailqueue/internal/pkg/metrics"
	"github.com/taskgarden/mailqueue/internal/pkg/postgres"
	"github.com/taskgarden/mailqueue/internal/queue"
	queuepostgres "github.com/taskgarden/mailqueue/internal/queue/postgres"
	"github.com/taskgarden/mailqueue/internal/render"
	"github.com/taskgarden/mailqueue/internal/unsubscribe"
	unsubscribepostgres "github.com/taskgarden/mailqueue/internal/unsubscribe/postgres"
	"github.com/taskgarden/mailqueue/internal/version"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	server        *http.Server
	metricsServer *http.Server
	bgCancel      context.CancelFunc
	scheduler     *queue.Scheduler
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := postgres.Migrate(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())

	app := &App{
		config:   cfg,
		logger:   logger,
		db:       db,
		bgCancel: bgCancel,
	}

	go app.collectDBMetrics(bgCtx)

	router, scheduler, err := app.setupRouter(bgCtx)
	if err != nil {
		db.Close()
		bgCancel()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.scheduler = scheduler

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	// Start main server
	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.bgCancel()

	// Stop the scheduler first so no cycle is mid-flight when the pool closes
	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	a.db.Close()

	return errors.Join(errs...)
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(a.config.Queue.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) collectQueueMetrics(ctx context.Context, repo queue.Repository) {
	ticker := time.NewTicker(a.config.Queue.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := repo.GetStats(ctx)
			if err != nil {
				slog.Error("failed to get queue stats", "error", err)
				continue
			}
			queue.RecordQueueStats(stats)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Scheduler returns the queue scheduler instance. Used in tests to trigger
// processing cycles without waiting for a tick.
func (a *App) Scheduler() *queue.Scheduler {
	return a.scheduler
}

func (a *App) setupRouter(ctx context.Context) (*chi.Mux, *queue.Scheduler, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	renderer, err := render.NewRenderer()
	if err != nil {
		return nil, nil, fmt.Errorf("create renderer: %w", err)
	}

	transport, err := a.newTransport()
	if err != nil {
		return nil, nil, fmt.Errorf("create mail transport: %w", err)
	}

	unsubRepo := unsubscribepostgres.NewRepository(a.db)
	unsubManager := unsubscribe.NewManager(unsubRepo, a.config.Unsubscribe.BaseURL)
	unsubHandler := unsubscribe.NewHandler(unsubManager)

	queueRepo := queuepostgres.NewRepository(a.db)
	queueService := queue.NewService(queueRepo, renderer, unsubManager)
	queueHandler := queue.NewHandler(queueService)

	processorConfig := queue.ProcessorConfig{
		BatchSize:       a.config.Queue.BatchSize,
		ConsolidateSize: a.config.Queue.ConsolidateSize,
		RetentionWindow: a.config.Queue.RetentionWindow,
		StuckAfter:      a.config.Queue.StuckAfter,
		SentRetention:   a.config.Queue.SentRetention,
		CleanupEvery:    a.config.Queue.CleanupEvery,
	}

	processor := queue.NewProcessor(processorConfig, queueRepo, renderer, transport, unsubManager)
	scheduler := queue.NewScheduler(processor, a.config.Queue.Interval)
	scheduler.Start(ctx)

	go a.collectQueueMetrics(ctx, queueRepo)

	r.Route("/api/v1", func(r chi.Router) {
		queueHandler.RegisterRoutes(r)
	})

	unsubHandler.RegisterRoutes(r)

	return r, scheduler, nil
}

func (a *App) newTransport() (mail.Transport, error) {
	switch a.config.Mail.Provider {
	case "postmark":
		return mail.NewPostmarkTransport(mail.PostmarkConfig{
			ServerToken:  a.config.Mail.Postmark.ServerToken,
			AccountToken: a.config.Mail.Postmark.AccountToken,
			FromAddress:  a.config.Mail.FromAddress,
			MessageTag:   a.config.Mail.Postmark.MessageTag,
			RateLimit:    a.config.Mail.RateLimit,
		})
	case "smtp":
		return mail.NewSMTPTransport(mail.SMTPConfig{
			Host:        a.config.Mail.SMTP.Host,
			Port:        a.config.Mail.SMTP.Port,
			User:        a.config.Mail.SMTP.User,
			Password:    a.config.Mail.SMTP.Password,
			FromAddress: a.config.Mail.FromAddress,
			SendTimeout: a.config.Mail.SMTP.SendTimeout,
			RateLimit:   a.config.Mail.RateLimit,
		})
	case "dev":
		slog.Warn("using dev mail transport: messages are logged, not sent")
		return mail.NewDevTransport(), nil
	default:
		return nil, fmt.Errorf("unknown mail provider %q", a.config.Mail.Provider)
	}
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}
