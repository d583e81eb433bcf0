package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	loyaltyv1 "github.com/kkkkikiki/loyalty/internal/api/loyaltyv1"
	"github.com/kkkkikiki/loyalty/internal/config"
	"github.com/kkkkikiki/loyalty/internal/database"
	"github.com/kkkkikiki/loyalty/internal/events"
	"github.com/kkkkikiki/loyalty/internal/loyalty"
	"github.com/kkkkikiki/loyalty/internal/repository"
	"github.com/kkkkikiki/loyalty/internal/service"
)

const serviceName = "loyalty-engine"

func main() {
	ctx := context.Background()

	// Load configuration from environment variables
	cfg, err := config.Load(ctx)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zlog.Logger = zlog.With().Str("service", serviceName).Logger()
	if cfg.App.IsDevelopment() {
		zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	otel.SetTextMapPropagator(propagation.TraceContext{})

	zlog.Info().Str("environment", cfg.App.Environment).Str("store", cfg.App.Store).Msg("Starting loyalty service")

	store, closeStore := openStore(ctx, cfg)
	defer closeStore()

	rules, err := loyalty.LoadRules(cfg.Loyalty.RulesFile)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load reward rules")
	}

	publisher := newPublisher(cfg)
	defer func() {
		if err := publisher.Close(); err != nil {
			zlog.Error().Err(err).Msg("Error closing event publisher")
		}
	}()

	engine := service.NewEngine(store, rules,
		service.WithLogger(zlog.Logger),
		service.WithPublisher(publisher),
		service.WithRetries(cfg.Loyalty.MaxRetries),
		service.WithSyncConcurrency(cfg.Loyalty.SyncWorkers, cfg.Loyalty.SyncRPS),
	)

	// Create HTTP mux
	mux := http.NewServeMux()

	// Register loyalty service handler
	path, handler := loyaltyv1.NewLoyaltyServiceHandler(service.NewLoyaltyServer(engine))
	mux.Handle(path, withRequestLogger(handler))

	// Add health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		hostname, _ := os.Hostname()
		w.WriteHeader(http.StatusOK)
		response := fmt.Sprintf(`{"status":"ok","service":"%s","hostname":"%s"}`, serviceName, hostname)
		w.Write([]byte(response))
	})

	// Add store health check endpoint
	mux.HandleFunc("/health/db", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","message":"store unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(fmt.Sprintf(`{"status":"ok","store":"%s"}`, cfg.App.Store)))
	})

	// Add Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:           cfg.Server.GetServerAddr(),
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		// Use h2c so we can serve HTTP/2 without TLS
		Handler: h2c.NewHandler(mux, &http2.Server{
			MaxConcurrentStreams: 250,
		}),
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	if cfg.Loyalty.SweepInterval > 0 {
		go runSweeper(sweepCtx, engine, cfg.Loyalty.SweepInterval)
	}

	// Start server in goroutine
	go func() {
		zlog.Info().Str("addr", server.Addr).Msg("Starting loyalty service")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")
	stopSweep()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
		return
	}

	zlog.Info().Msg("Server exited gracefully")
}

// openStore returns the configured record store and its cleanup function
func openStore(ctx context.Context, cfg *config.Config) (repository.Store, func()) {
	if cfg.App.Store == "memory" {
		zlog.Warn().Msg("Using in-memory store; data is lost on restart")
		return repository.NewMemoryStore(), func() {}
	}

	db, err := database.NewDB(ctx, cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to connect to database")
	}
	if cfg.Database.Migrate {
		if err := db.Migrate(ctx); err != nil {
			zlog.Fatal().Err(err).Msg("Failed to migrate database")
		}
	}
	return repository.NewPostgresStore(db.Postgres), func() {
		if err := db.Close(); err != nil {
			zlog.Error().Err(err).Msg("Error closing database connections")
		}
	}
}

func newPublisher(cfg *config.Config) events.Publisher {
	if len(cfg.Kafka.Brokers) == 0 {
		return events.NewLogPublisher(zlog.Logger)
	}
	zlog.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("Publishing loyalty events to Kafka")
	return events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
}

// runSweeper triggers the expiry sweep and the reactivation of postponed
// discounts on a fixed interval
func runSweeper(ctx context.Context, engine *service.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := engine.ExpireSweep(ctx, time.Time{})
			if err != nil {
				zlog.Error().Err(err).Msg("Scheduled expiry sweep reported failures")
			} else {
				zlog.Debug().Int("expired", swept.Expired).Msg("Scheduled expiry sweep done")
			}

			reactivated, err := engine.ReactivatePostponed(ctx, time.Time{})
			if err != nil {
				zlog.Error().Err(err).Msg("Scheduled reactivation reported failures")
			} else {
				zlog.Debug().Int("reactivated", reactivated.Reactivated).Msg("Scheduled reactivation done")
			}
		}
	}
}

// withRequestLogger extracts the caller's trace context and attaches a
// request-scoped logger to it
func withRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		logger := zlog.With().Str("procedure", r.URL.Path).Logger()
		ctx = logger.WithContext(ctx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
