package main

import (
	"context"
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

	"github.com/paperbet/order-engine/internal/api"
	"github.com/paperbet/order-engine/internal/config"
	"github.com/paperbet/order-engine/internal/engine"
	"github.com/paperbet/order-engine/internal/metrics"
	"github.com/paperbet/order-engine/internal/pricing"
	"github.com/paperbet/order-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("configuration error", "err", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(context.Background()); err != nil {
			slog.Error("migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, time.Duration(cfg.Redis.TTLSec)*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket hub ---
	hub := api.NewWSHub()
	go hub.Run()

	// --- Engine ---
	prices := pricing.NewStoreSource(st)
	eng := engine.New(st, prices, hub)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Recurring matching sweep.
	go runSweepLoop(ctx, eng, time.Duration(cfg.Engine.SweepIntervalSec)*time.Second)

	// Dev price simulator: random-walks market prices so resting limit
	// orders have something to fill against.
	if cfg.Simulator.Enabled {
		sim := pricing.NewSimulator(st, cfg.Simulator.TweakScale, nil)
		go runSimulatorLoop(ctx, sim, hub, st, time.Duration(cfg.Simulator.IntervalSec)*time.Second)
	}

	// --- HTTP router ---
	svc := api.NewService(eng, st, cfg.Engine.StartingBalance, hub)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"order-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	svc.Routes(r)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	go func() {
		slog.Info("order-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down order-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("order-engine stopped")
}

// runSweepLoop invokes the matching sweep on a fixed interval until ctx
// is cancelled. Overlap with manual sweep triggers is safe — settlement
// is guarded per order.
func runSweepLoop(ctx context.Context, eng *engine.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := eng.RunMatchingSweep(ctx)
			if err != nil {
				slog.Error("matching sweep failed", "err", err)
				continue
			}
			if res.Executed > 0 || res.Expired > 0 || res.Failed > 0 {
				slog.Info("matching sweep done",
					"scanned", res.Scanned,
					"executed", res.Executed,
					"expired", res.Expired,
					"failed", res.Failed,
				)
			}
		}
	}
}

// runSimulatorLoop steps the price simulator and broadcasts the moved
// prices to WebSocket clients.
func runSimulatorLoop(ctx context.Context, sim *pricing.Simulator, hub *api.WSHub, st store.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updated, err := sim.Step(ctx)
			if err != nil {
				slog.Error("price simulation failed", "err", err)
				continue
			}
			if updated == 0 {
				continue
			}
			markets, err := st.ListMarkets(ctx)
			if err != nil {
				continue
			}
			for _, m := range markets {
				hub.Broadcast(api.WSMessage{
					Type:     "price_update",
					MarketID: m.ID,
					PriceYes: m.PriceYes.String(),
					PriceNo:  m.PriceNo.String(),
				})
			}
		}
	}
}
