// StudyHub - AI tutor chat server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ashureev/studyhub/internal/audit"
	"github.com/ashureev/studyhub/internal/cancel"
	"github.com/ashureev/studyhub/internal/chat"
	"github.com/ashureev/studyhub/internal/config"
	"github.com/ashureev/studyhub/internal/identity"
	"github.com/ashureev/studyhub/internal/llm"
	"github.com/ashureev/studyhub/internal/metrics"
	"github.com/ashureev/studyhub/internal/middleware"
	"github.com/ashureev/studyhub/internal/relay"
	"github.com/ashureev/studyhub/internal/retention"
	"github.com/ashureev/studyhub/internal/store"
	"github.com/ashureev/studyhub/internal/telemetry"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const version = "0.1.0"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

//nolint:gocyclo // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"store", cfg.StoreDriver,
		"cancel_backend", cfg.Cancel.Backend,
	)

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFlush()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("Failed to flush traces", "error", err)
		}
	}()

	// Initialize dependencies.
	repo, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "driver", cfg.StoreDriver)

	healthChecks := map[string]relay.HealthCheck{"database": repo.Ping}

	var registry cancel.Registry
	switch cfg.Cancel.Backend {
	case config.CancelRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Cancel.RedisAddr,
			Password: cfg.Cancel.RedisPassword,
			DB:       cfg.Cancel.RedisDB,
		})
		defer client.Close()
		// Keys outlive the longest possible exchange so a crashed instance's entries expire.
		redisRegistry, err := cancel.NewRedis(ctx, client, cfg.Stream.Timeout+time.Minute, logger)
		if err != nil {
			return fmt.Errorf("initialize redis cancel registry: %w", err)
		}
		defer func() {
			if closeErr := redisRegistry.Close(); closeErr != nil {
				slog.Warn("Failed to close redis cancel registry", "error", closeErr)
			}
		}()
		registry = redisRegistry
		healthChecks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	default:
		registry = cancel.NewLocal(logger)
	}

	completions, err := llm.NewOpenAI(cfg.LLM, logger)
	if err != nil {
		return fmt.Errorf("initialize completion client: %w", err)
	}

	conversationLogger, err := audit.New(cfg.ConversationLog, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Warn("Failed to close conversation logger", "error", closeErr)
		}
	}()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc, err := chat.NewService(chat.Deps{
		Repo:          repo,
		LLM:           completions,
		Registry:      registry,
		Metrics:       metrics.NewChat(promRegistry),
		Audit:         conversationLogger,
		Logger:        logger,
		StreamTimeout: cfg.Stream.Timeout,
	})
	if err != nil {
		return fmt.Errorf("initialize chat service: %w", err)
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	chatHandler := relay.NewHandler(svc, cfg)
	healthHandler := relay.NewHealthHandler(healthChecks)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))

	// Everything else needs an identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.Auth, cfg.IsDevelopment()))
		chatHandler.RegisterRoutes(r, limiter.Limit)
	})

	srv := newHTTPServer(":"+cfg.Port, otelhttp.NewHandler(r, "studyhub"))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		limiter.Run(gctx)
		return nil
	})

	if cfg.ConversationRetention > 0 {
		sweeper := retention.NewSweeper(repo, cfg.ConversationRetention, logger)
		g.Go(func() error { return sweeper.Run(gctx) })
	}

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		if err := srv.shutdown(10 * time.Second); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// httpServer derives every request context from one base context that
// shutdown cancels, so in-flight streams save their partial reply before
// the store closes.
type httpServer struct {
	*http.Server
	cancelRequests context.CancelFunc
}

func newHTTPServer(addr string, handler http.Handler) *httpServer {
	base, cancel := context.WithCancel(context.Background())
	// Streamed responses require long timeouts (no WriteTimeout).
	return &httpServer{
		Server: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0,
			IdleTimeout:  120 * time.Second,
			BaseContext:  func(net.Listener) context.Context { return base },
		},
		cancelRequests: cancel,
	}
}

// shutdown cancels in-flight requests, then waits up to timeout for their
// handlers to return.
func (s *httpServer) shutdown(timeout time.Duration) error {
	s.cancelRequests()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func openStore(cfg *config.Config) (store.Repository, error) {
	if cfg.StoreDriver == config.StorePostgres {
		return store.NewPostgres(cfg.DatabaseURL)
	}
	return store.NewSQLite(cfg.DBPath)
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.FrontendURL == "" || cfg.IsDevelopment() {
		return []string{"*"}
	}
	var origins []string
	for _, o := range strings.Split(cfg.FrontendURL, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
