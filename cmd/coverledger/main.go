package main

import (
	"CoverLedger/internal/asset"
	"CoverLedger/internal/config"
	"CoverLedger/internal/core"
	"CoverLedger/internal/ingestion"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/persistence"
	"CoverLedger/internal/query"
	"CoverLedger/internal/server"
	"CoverLedger/migrations"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: CoverLedger starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: config: %v", err)
	}
	if os.Getenv("COVER_LOG_LEVEL") == "" && cfg.LogLevel != "" {
		os.Setenv("COVER_LOG_LEVEL", cfg.LogLevel)
	}
	owner, _ := cfg.Owner()
	custody, _ := cfg.Custody()

	// --- Context with graceful shutdown ---
	// ctx stops ingress and the executor; workerCtx outlives it so the
	// persistence worker can drain what the executor already committed.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("FATAL: postgres open: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("FATAL: postgres ping: %v", err)
	}
	log.Println("INFO: Postgres connected")

	// --- Run SQL migrations ---
	var migrationFiles fs.FS = migrations.Files
	if cfg.MigrationsDir != "" {
		migrationFiles = os.DirFS(cfg.MigrationsDir)
	}
	applied, err := persistence.NewMigrator(db, migrationFiles).Up(ctx)
	if err != nil {
		log.Fatalf("FATAL: run migrations: %v", err)
	}
	log.Printf("INFO: %d migrations applied", applied)

	// --- Recovery: verify the notification chain, then load state ---
	loader := persistence.NewStateLoader(db, cfg.IdempotencyLRUCapacity)
	links, err := loader.VerifyChain(ctx, 1000)
	if err != nil {
		log.Fatalf("FATAL: notification chain: %v", err)
	}
	log.Printf("INFO: notification chain verified (%d links)", links)

	snap, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("FATAL: load state: %v", err)
	}

	// --- Custody ---
	// Persisted balances win. Opening funding applies only to a ledger that
	// has never committed, and is written with its first output.
	vault := asset.NewVault(custody)
	holdings, grants, err := loader.LoadVault(ctx)
	if err != nil {
		log.Fatalf("FATAL: load vault: %v", err)
	}
	funding, _ := cfg.OpeningBalances()
	switch {
	case len(holdings) > 0 || len(grants) > 0:
		if err := vault.Restore(holdings, grants); err != nil {
			log.Fatalf("FATAL: restore vault: %v", err)
		}
		log.Printf("INFO: vault restored (%d balances, %d allowances)", len(holdings), len(grants))
		if len(funding) > 0 {
			log.Println("WARN: opening funding ignored, vault already persisted")
		}
	case snap.Sequence == 0:
		for _, b := range funding {
			if err := vault.Credit(b.Asset, b.Party, b.Amount); err != nil {
				log.Fatalf("FATAL: opening balance for %s: %v", b.Party, err)
			}
		}
		log.Printf("INFO: vault funded with %d opening balances", len(funding))
	case len(funding) > 0:
		log.Fatalf("FATAL: ledger is at sequence %d but no vault balances are persisted; refusing to re-apply opening funding", snap.Sequence)
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- Channels ---
	// persist blocks (backpressure), publish drops when full
	persistChan := make(chan core.Output, cfg.PersistChanSize)
	var publishChan chan core.Output
	if cfg.NATSURL != "" {
		publishChan = make(chan core.Output, cfg.PublishChanSize)
	}

	// --- Ledger ---
	coreLogger := observability.NewLogger("core")
	ledgerCfg := core.Config{
		Owner:               owner,
		Custody:             custody,
		Adapter:             vault,
		PersistChan:         persistChan,
		DBChecker:           persistence.NewPostgresIdempotencyChecker(db),
		IdempotencyCapacity: cfg.IdempotencyLRUCapacity,
		Metrics:             metrics,
		Logger:              &coreLogger,
	}
	if publishChan != nil {
		ledgerCfg.PublishChan = publishChan
	}
	ledger, err := core.NewLedger(ledgerCfg)
	if err != nil {
		log.Fatalf("FATAL: ledger: %v", err)
	}
	if err := ledger.RestoreFromSnapshot(snap); err != nil {
		log.Fatalf("FATAL: restore state: %v", err)
	}
	if ledger.Owner() != owner {
		log.Fatalf("FATAL: configured owner %s does not match ledger owner %s", owner, ledger.Owner())
	}
	log.Printf("INFO: restored %d policies, %d claims, %d request keys at sequence %d",
		len(snap.Policies), len(snap.Claims), len(snap.RequestKeys), snap.Sequence)

	exec := core.NewExecutor(ledger, cfg.ExecutorQueue)
	dispatcher := ingestion.NewDispatcher(exec, vault, metrics)

	// --- Start goroutines ---
	errChan := make(chan error, 8)

	// 1. Executor: the only goroutine touching the ledger
	go exec.Run(ctx)

	// 2. Persistence worker
	persistWorker := persistence.NewWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	// 3. NATS command ingestion and outbound notifications
	var (
		nc            *nats.Conn
		natsSub       *ingestion.NATSSubscriber
		publisherDone = make(chan struct{})
	)
	if cfg.NATSURL == "" {
		close(publisherDone)
		log.Println("WARN: NATS disabled, commands accepted over gRPC/HTTP only")
	} else {
		var js jetstream.JetStream
		nc, js, err = ingestion.ConnectNATS(cfg.NATSURL)
		if err != nil {
			log.Fatalf("FATAL: nats connect: %v", err)
		}
		defer nc.Close()
		log.Println("INFO: NATS connected")

		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			log.Fatalf("FATAL: ensure NATS streams: %v", err)
		}
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			log.Fatalf("FATAL: ensure outbound stream: %v", err)
		}

		natsSub = ingestion.NewNATSSubscriber(js, dispatcher, metrics)
		if err := natsSub.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			log.Fatalf("FATAL: nats subscribe: %v", err)
		}

		publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics)
		go func() {
			defer close(publisherDone)
			if err := publisher.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("outbound publisher: %w", err)
			}
		}()

		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New(nc.Status().String())
			}
			return nil
		})
	}

	// 4. gRPC + HTTP/JSON gateway
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Executor:      exec,
		Dispatcher:    dispatcher,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Query:         query.NewQueryService(db),
	})
	go func() {
		errChan <- grpcServer.StartGRPC(ctx)
	}()
	go func() {
		errChan <- grpcServer.StartHTTPGateway(ctx)
	}()

	// 5. Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Printf("INFO: Metrics server listening on %s/metrics", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// 6. Channel utilisation
	go monitorChannels(ctx, metrics, persistChan, publishChan)

	healthChecker.SetReady(true)

	log.Printf("INFO: CoverLedger ready (sequence=%d, owner=%s, grpc=%s, http=%s, metrics=%s)",
		snap.Sequence, owner, cfg.GRPCAddr, cfg.HTTPAddr, cfg.MetricsAddr)

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	// --- Graceful shutdown ---
	// Stop ingress and the executor, then let the workers drain the outputs
	// already committed before closing their channels.
	healthChecker.SetReady(false)
	if natsSub != nil {
		natsSub.Stop()
	}
	cancel()
	<-exec.Done()

	close(persistChan)
	if publishChan != nil {
		close(publishChan)
	}

	drain := time.NewTimer(30 * time.Second)
	defer drain.Stop()
	for _, done := range []<-chan struct{}{persistDone, publisherDone} {
		select {
		case <-done:
		case <-drain.C:
			log.Println("ERROR: timed out draining workers")
			workerCancel()
			<-done
		}
	}

	log.Printf("INFO: CoverLedger shutdown complete (sequence=%d)", ledger.GetSequence()-1)
}

// monitorChannels samples channel depth every few seconds.
func monitorChannels(ctx context.Context, metrics *observability.Metrics, persist, publish chan core.Output) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetChannelMetrics("persist", len(persist), cap(persist))
			if publish != nil {
				metrics.SetChannelMetrics("publish", len(publish), cap(publish))
			}
		}
	}
}
