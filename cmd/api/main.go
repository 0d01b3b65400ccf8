package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"careunits.org/internal/config"
	"careunits.org/internal/httpapi"
	"careunits.org/internal/ledger"
	"careunits.org/internal/obs"
	"careunits.org/internal/store/pg"
	"careunits.org/internal/stream"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	metrics := &ledger.RetryMetrics{}
	obs.RegisterRetryMetrics(metrics)
	exec := ledger.NewExecutor(cfg.RetryConfig(), metrics)

	// Backed by PostgreSQL when a DSN is configured; the in-memory store
	// keeps local development and demos dependency-free.
	var (
		store ledger.Store
		db    *sql.DB
	)
	if cfg.DatabaseDSN != "" {
		pgStore, err := pg.Open(cfg.DatabaseDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		db = pgStore.DB()
	} else {
		store = ledger.NewInMemory()
	}

	service := ledger.NewService(store, exec)

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, service, stream.New())
	api.SetRateLimit(cfg.RateBurst, cfg.RatePerSecond)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting careunits-api %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	obs.SetReady(true)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
