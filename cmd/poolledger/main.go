package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"PoolLedger/internal/config"
	"PoolLedger/internal/core"
	"PoolLedger/internal/ingestion"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/persistence"
	"PoolLedger/internal/projection"
	"PoolLedger/internal/query"
	"PoolLedger/internal/server"
	"PoolLedger/migrations"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger("poolledger", cfg.LogLevel)
	logger.Info().
		Bool("persistence", cfg.PersistenceEnabled()).
		Bool("nats", cfg.NATSEnabled()).
		Uint64("collateral_ratio", cfg.Risk.CollateralRatio).
		Bool("enforce_pool_liquidity", cfg.Risk.EnforcePoolLiquidity).
		Msg("PoolLedger starting")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("PoolLedger stopped")
	}
	logger.Info().Msg("PoolLedger shutdown complete")
}

func run(cfg config.Config, logger zerolog.Logger) error {
	// ctx governs ingress; workerCtx outlives it so workers can drain.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	var (
		db        *sql.DB
		opLog     *persistence.OperationLogWriter
		snapMgr   *persistence.SnapshotManager
		dbChecker *persistence.PostgresIdempotencyChecker
		usernames *persistence.PostgresUsernameStore
	)
	if cfg.PersistenceEnabled() {
		var err error
		db, err = openPostgres(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		opLog = persistence.NewOperationLogWriter(db)
		snapMgr = persistence.NewSnapshotManager(db)
		dbChecker = persistence.NewPostgresIdempotencyChecker(db)
		usernames = persistence.NewPostgresUsernameStore(db)
		healthChecker.Register("postgres", db.PingContext)
	} else {
		logger.Warn().Msg("no Postgres DSN configured, running in memory only")
	}

	// --- Channels ---
	// Persist channel blocks (backpressure); projection channel drops.
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	projectionWorkerChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	engineCfg := core.EngineConfig{
		RiskParams:          cfg.Risk.Params(),
		IdempotencyCapacity: cfg.IdempotencyLRUCapacity,
		Metrics:             metrics,
		ProjectionChan:      projectionChan,
	}
	if db != nil {
		engineCfg.DBChecker = dbChecker
		engineCfg.Directory = usernames
		engineCfg.PersistChan = persistChan
	}
	engine := core.NewPoolEngine(engineCfg)

	// --- Recovery ---
	projectedSeq := int64(-1)
	if db != nil {
		if _, err := recoverEngine(ctx, engine, snapMgr, opLog, dbChecker,
			cfg.IdempotencyLRUCapacity, metrics, logger.With().Str("phase", "recovery").Logger()); err != nil {
			return fmt.Errorf("recovery: %w", err)
		}
		entries, err := usernames.LoadUsernames(ctx)
		if err != nil {
			return fmt.Errorf("load usernames: %w", err)
		}
		if err := engine.RestoreUsernames(entries); err != nil {
			return fmt.Errorf("restore usernames: %w", err)
		}
		projected, err := healProjections(ctx, db, engine.GetSequence()-1, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("projection rebuild failed, worker will retry")
		}
		projectedSeq = projected
	}

	// ingress stops on ctx; workers drain until workerCtx.
	var ingress, workers sync.WaitGroup
	errChan := make(chan error, 8)
	goRun := func(wg *sync.WaitGroup, name string, f func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f(); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	// --- Persistence worker ---
	var persistDone chan struct{}
	if db != nil {
		persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize,
			cfg.PersistFlushTimeout, metrics, observability.NewLogger("persistence", cfg.LogLevel))
		persistDone = make(chan struct{})
		go func() {
			defer close(persistDone)
			if err := persistWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("persistence worker: %w", err)
			}
		}()
	}

	// --- Projections ---
	history := projection.NewHistoryProjection(0)
	projWorker := projection.NewProjectionWorker(db, history, projectionWorkerChan, metrics,
		observability.NewLogger("projection", cfg.LogLevel))
	if db != nil {
		// A stale projectedSeq shows up as a gap on the first output.
		projWorker.ResumeAfter(projectedSeq)
	} else {
		projWorker.ResumeAfter(engine.GetSequence() - 1)
	}
	goRun(&workers, "projection worker", func() error { return projWorker.Run(workerCtx) })

	// --- NATS ---
	var (
		publish    func(core.CoreOutput) bool
		subscriber *ingestion.NATSSubscriber
	)
	if cfg.NATSEnabled() {
		natsLogger := observability.NewLogger("nats", cfg.LogLevel)
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, natsLogger)
		if err != nil {
			return err
		}
		defer nc.Close()
		healthChecker.Register("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats connection %s", nc.Status())
			}
			return nil
		})

		if err := ingestion.EnsureStreams(ctx, js, natsLogger); err != nil {
			return err
		}

		publisher := ingestion.NewOutboundPublisher(js, cfg.PublishChanSize, metrics, natsLogger)
		publish = publisher.Offer
		goRun(&workers, "outbound publisher", func() error { return publisher.Run(workerCtx) })

		rawChan := make(chan ingestion.RawCommand, cfg.PublishChanSize)
		processor := ingestion.NewCommandProcessor(engine, rawChan, metrics, natsLogger)
		goRun(&ingress, "command processor", func() error { return processor.Run(ctx) })

		subscriber = ingestion.NewNATSSubscriber(js, rawChan, natsLogger)
		if err := subscriber.Subscribe(ctx, ingestion.DefaultConsumers()); err != nil {
			return err
		}
	}

	go fanout(workerCtx, projectionChan, projectionWorkerChan, publish, metrics)
	go reportChannels(workerCtx, metrics, time.Second,
		namedChan{"persist", persistChan},
		namedChan{"projection", projectionChan},
		namedChan{"projection_worker", projectionWorkerChan},
	)

	// --- Snapshots ---
	var snaps *snapshotter
	if db != nil {
		snaps = &snapshotter{
			engine:      engine,
			store:       snapMgr,
			log:         opLog,
			risk:        cfg.Risk.Params(),
			lruCapacity: cfg.IdempotencyLRUCapacity,
			metrics:     metrics,
			logger:      observability.NewLogger("snapshot", cfg.LogLevel),
			now:         time.Now,
		}
		go snaps.run(ctx, cfg.SnapshotInterval, 10*time.Second)
	}

	// --- API ---
	qs := query.NewQueryService(engine, db, history, metrics)
	svc := server.NewPoolService(engine, qs)

	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, svc, metrics, observability.NewLogger("grpc", cfg.LogLevel))
	goRun(&ingress, "grpc server", func() error { return grpcServer.Start(ctx) })

	httpServer := server.NewHTTPServer(server.HTTPConfig{
		Addr:      cfg.HTTPAddr,
		RateLimit: cfg.HTTPRateLimit,
		RateBurst: cfg.HTTPRateBurst,
	}, svc, qs, healthChecker, metrics, observability.NewLogger("http", cfg.LogLevel))
	goRun(&ingress, "http server", func() error { return httpServer.Start(ctx) })

	goRun(&ingress, "metrics server", func() error { return serveMetrics(ctx, cfg.MetricsAddr, reg, logger) })

	grpcServer.SetServing(true)
	healthChecker.SetReady(true)
	logger.Info().
		Int64("next_sequence", engine.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("PoolLedger ready")

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop ingress first so the engine goes quiet, then drain the persist
	// channel and take a final snapshot against the complete log.
	healthChecker.SetReady(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	cancel()
	quiet := waitTimeout(&ingress, 10*time.Second, logger)

	// A straggling ingress goroutine may still commit and send on
	// persistChan, so the channel is only closed once ingress is quiet.
	if persistDone != nil {
		if quiet {
			close(persistChan)
			select {
			case <-persistDone:
			case <-time.After(30 * time.Second):
				logger.Error().Msg("persistence worker did not drain in time")
			}
		} else {
			logger.Error().Msg("ingress still running, leaving persist channel open")
		}
	}
	workerCancel()
	waitTimeout(&workers, 5*time.Second, logger)

	if snaps != nil && quiet {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := snaps.take(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("final snapshot failed")
		}
	}
	return runErr
}

func openPostgres(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	var files fs.FS = migrations.FS
	if cfg.MigrationsDir != "" {
		files = os.DirFS(cfg.MigrationsDir)
	}
	if err := persistence.NewMigrator(db, files, logger).Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// healProjections rebuilds the projection tables when they lag the log,
// which happens after projection drops or a crash. It returns the sequence
// the tables reflect afterwards.
func healProjections(ctx context.Context, db *sql.DB, head int64, logger zerolog.Logger) (int64, error) {
	wm, err := projection.Watermark(ctx, db)
	if err != nil {
		return -1, err
	}
	if wm >= head {
		return head, nil
	}
	logger.Info().Int64("watermark", wm).Int64("head", head).Msg("rebuilding projections")
	if err := projection.RebuildProjections(ctx, db); err != nil {
		return wm, err
	}
	return head, nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// waitTimeout reports whether wg finished within d.
func waitTimeout(wg *sync.WaitGroup, d time.Duration, logger zerolog.Logger) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		logger.Warn().Dur("timeout", d).Msg("components did not stop in time")
		return false
	}
}
