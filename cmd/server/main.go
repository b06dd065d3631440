package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/lending-ledger/internal/config"
	"github.com/atmx/lending-ledger/internal/lending"
	"github.com/atmx/lending-ledger/internal/logging"
	"github.com/atmx/lending-ledger/internal/metrics"
	"github.com/atmx/lending-ledger/internal/store"
)

const serviceName = "lending-ledger"

func main() {
	cfg, err := config.Load(os.Getenv("LEDGER_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	_, logCloser, err := logging.Setup(serviceName, cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid redis.url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.TTL)
		}
	} else {
		slog.Warn("database.url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Risk defaults ---
	opts, err := serviceOptions(cfg)
	if err != nil {
		slog.Error("invalid risk configuration", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	wsHub := lending.NewWSHub()
	go wsHub.Run(ctx)

	// --- Lending service ---
	svc := lending.NewService(st, wsHub, opts)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"` + serviceName + `"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Long-lived; registered outside the request timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("lending-ledger listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down lending-ledger...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("lending-ledger stopped")
}

// serviceOptions maps the loaded configuration onto the service defaults.
func serviceOptions(cfg *config.Config) (lending.Options, error) {
	policy, err := cfg.Policy()
	if err != nil {
		return lending.Options{}, err
	}
	maxUtil, err := cfg.MaxUtilizationWAD()
	if err != nil {
		return lending.Options{}, err
	}
	opts := lending.DefaultOptions()
	opts.Policy = policy
	opts.MaxUtilization.Set(maxUtil)
	opts.MaxPriceAge = cfg.Risk.MaxPriceAge
	opts.RefreshAttempts = cfg.Oracle.RefreshAttempts
	opts.RefreshPerSecond = cfg.Oracle.RefreshPerSecond
	return opts, nil
}
