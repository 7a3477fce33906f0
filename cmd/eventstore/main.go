// cmd/eventstore/main.go
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/jules-labs/eventstore/internal/archival"
	"github.com/jules-labs/eventstore/internal/clock"
	"github.com/jules-labs/eventstore/internal/config"
	"github.com/jules-labs/eventstore/internal/errcapture"
	"github.com/jules-labs/eventstore/internal/eventstore"
	"github.com/jules-labs/eventstore/internal/httpapi"
	"github.com/jules-labs/eventstore/internal/metrics"
	"github.com/jules-labs/eventstore/internal/scheduler"
	"github.com/jules-labs/eventstore/internal/snapshot"
	"github.com/jules-labs/eventstore/internal/store"
)

func main() {
	cfg := config.Load()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open database connection: %v", err)
	}
	defer db.Close()

	gateway := store.NewPostgres(db)
	if err := gateway.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("failed to ensure schema: %v", err)
	}

	sink := metrics.New()

	var reporter errcapture.Reporter = errcapture.Noop{}
	if cfg.ErrorMonitorURL != "" {
		reporter = errcapture.NewHTTPReporter(cfg.ErrorMonitorURL)
	}

	clk := clock.System{}
	coordinator := eventstore.New(gateway, clk, sink, reporter)
	snapshots := snapshot.New(gateway, sink, reporter)

	sched := scheduler.New(gateway, snapshots, sink, clk, time.Duration(cfg.SnapshotIntervalSeconds)*time.Second, cfg.SnapshotThreshold)
	sweeper := archival.New(gateway, sink, clk, time.Duration(cfg.ArchiveIntervalSeconds)*time.Second, time.Duration(cfg.ArchiveDays)*24*time.Hour)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sched.Run(ctx)
	go sweeper.Run(ctx)

	server := httpapi.New(coordinator, snapshots, gateway, sink)
	httpServer := &http.Server{
		Addr:    cfg.ServerAddress,
		Handler: server.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("http server shutdown error: %v", err)
		}
	}()

	log.Printf("event store listening on %s", cfg.ServerAddress)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server error: %v", err)
	}
}
