package main

import (
	"context"
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
	"github.com/shopspring/decimal"

	"github.com/atmx/credit-engine/internal/api"
	"github.com/atmx/credit-engine/internal/audit"
	"github.com/atmx/credit-engine/internal/engine"
	"github.com/atmx/credit-engine/internal/ledger"
	"github.com/atmx/credit-engine/internal/metrics"
	"github.com/atmx/credit-engine/internal/position"
	"github.com/atmx/credit-engine/internal/pricefeed"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	asset := os.Getenv("ASSET")
	if asset == "" {
		asset = "BTC"
	}

	feedURL := os.Getenv("PRICE_FEED_URL")
	if feedURL == "" {
		feedURL = "https://api.coinbase.com"
	}

	// --- Audit store ---
	var trail audit.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		trail = audit.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			trail = audit.NewCachedStore(trail, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory audit trail (data will not persist)")
		trail = audit.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Price oracle ---
	source := pricefeed.NewHTTPSource(feedURL)
	oracle := pricefeed.NewOracle(source, asset, pricefeed.DefaultTTL)

	// --- Ledger client ---
	// The simulated ledger stands in for a chain connection. A production
	// deployment swaps in a node-RPC implementation of ledger.Client here.
	sim := ledger.NewSimClient(3 * time.Second)
	if seed := os.Getenv("SEED_ADDRESS"); seed != "" {
		collateral := decimal.NewFromInt(1)
		if raw := os.Getenv("SEED_COLLATERAL"); raw != "" {
			c, err := decimal.NewFromString(raw)
			if err != nil {
				slog.Error("invalid SEED_COLLATERAL", "err", err)
				os.Exit(1)
			}
			collateral = c
		}
		sim.Fund(seed, collateral)
		slog.Info("seeded simulated ledger", "address", seed, "collateral", collateral.String())
	}

	// --- Position store + engine ---
	positions := position.NewStore(sim, oracle)

	wsHub := api.NewWSHub()
	go wsHub.Run()

	eng := engine.New(positions, sim, trail, wsHub)
	svc := api.NewService(eng)

	// Background price refresh keeps the cache warm and pushes ticks to
	// WebSocket clients.
	tickerCtx, stopTicker := context.WithCancel(context.Background())
	defer stopTicker()
	go oracle.Run(tickerCtx, 30*time.Second, wsHub.BroadcastPrice)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"credit-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for operation and price updates.
		r.Get("/ws", wsHub.HandleWS)

		// Position and risk queries.
		r.Get("/positions/{address}", svc.GetPosition)
		r.Get("/positions/{address}/risk", svc.GetRisk)

		// Operation lifecycle.
		r.Post("/operations/preview", svc.PreviewOperation)
		r.Post("/operations", svc.SubmitOperation)
		r.Get("/operations", svc.ListOperations)
		r.Get("/operations/{operationID}", svc.GetOperation)
		r.Delete("/operations/{operationID}", svc.CancelOperation)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("credit-engine listening", "port", port, "asset", asset)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down credit-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("credit-engine stopped")
}
