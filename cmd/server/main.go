package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/stablejack/simulation-engine/internal/config"
	"github.com/stablejack/simulation-engine/internal/metrics"
	"github.com/stablejack/simulation-engine/internal/simulation"
	"github.com/stablejack/simulation-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	setupLogger(cfg.Log)

	// --- Initialize store ---
	st, cleanup, err := openStore(context.Background(), cfg.Store, cfg.CacheTTL())
	if err != nil {
		slog.Error("store init failed", "driver", cfg.Store.Driver, "err", err)
		os.Exit(1)
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- WebSocket hub ---
	wsHub := simulation.NewWSHub()
	go wsHub.Run(ctx)

	// --- Simulation service ---
	simSvc := simulation.NewService(st, wsHub, cfg.EngineOptions()...)

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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
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
		fmt.Fprintf(w, `{"status":"ok","service":"simulation-engine","store":%q,"workspaces":%d,"ws_clients":%d}`,
			cfg.Store.Driver, simSvc.Workspaces(), wsHub.Clients())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for live scenario updates. Registered outside
		// the timeout middleware, which would cut long-lived connections.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			simSvc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("simulation-engine listening",
			"port", cfg.Server.Port,
			"store", cfg.Store.Driver,
			"max_passes", cfg.Engine.MaxPasses,
			"epsilon", cfg.Engine.Epsilon,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	slog.Info("shutting down simulation-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("simulation-engine stopped")
}

// openStore builds the snapshot store selected by cfg. The returned cleanup
// functions release connections and run in order.
func openStore(ctx context.Context, cfg config.StoreConfig, ttl time.Duration) (store.Store, []func(), error) {
	var cleanup []func()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	var primary store.Store
	switch cfg.Driver {
	case "memory":
		slog.Warn("using in-memory store (snapshots will not persist)")
		mem := store.NewMemoryStore()
		cleanup = append(cleanup, func() {
			if n := len(mem.Keys("")); n > 0 {
				slog.Warn("discarding in-memory snapshots", "count", n)
			}
		})
		return mem, cleanup, nil

	case "redis":
		slog.Info("using Redis store")
		return store.NewRedisStore(rdb, 0), cleanup, nil

	case "sqlite":
		sq, err := store.NewSQLiteStore(cfg.SQLiteDSN)
		if err != nil {
			return nil, cleanup, err
		}
		cleanup = append(cleanup, func() { sq.Close() })
		primary = sq
		slog.Info("opened SQLite", "dsn", cfg.SQLiteDSN)

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, cleanup, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, cleanup, err
		}
		primary = pg
		slog.Info("connected to PostgreSQL")

	default:
		return nil, cleanup, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}

	// Wrap with Redis read-through cache if configured.
	if rdb != nil {
		slog.Info("Redis cache enabled", "ttl", ttl)
		return store.NewCachedStore(primary, rdb, ttl), cleanup, nil
	}
	return primary, cleanup, nil
}

// setupLogger configures the default slog logger from cfg.
func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
