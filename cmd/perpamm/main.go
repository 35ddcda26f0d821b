package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"PerpAMM/internal/core"
	"PerpAMM/internal/ingestion"
	"PerpAMM/internal/observability"
	"PerpAMM/internal/persistence"
	"PerpAMM/internal/projection"
	"PerpAMM/internal/query"
	"PerpAMM/internal/server"
	"PerpAMM/internal/state"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	logger := observability.NewLogger("main")
	if err := run(DefaultConfig(), logger); err != nil {
		logger.Fatal().Err(err).Msg("perpamm exited")
	}
}

func run(cfg Config, logger zerolog.Logger) error {
	logger.Info().Msg("PerpAMM starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics(nil)
	healthChecker := observability.NewHealthChecker()
	healthChecker.SetStage("starting")

	// --- Market configuration ---
	configs := state.NewMarketConfigManager()
	marketCfgs, err := state.LoadMarketConfigs(cfg.MarketsFile)
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}
	for _, mc := range marketCfgs {
		if err := configs.UpdateMarketConfig(mc); err != nil {
			return fmt.Errorf("market %s: %w", mc.MarketID, err)
		}
		rates := zerolog.Dict()
		for name, r := range mc.Rates() {
			rates.Str(name, r.String())
		}
		logger.Debug().Str("market", mc.MarketID).Dict("rates", rates).Msg("market rates")
	}
	logger.Info().Strs("markets", configs.MarketIDs()).Msg("market configs loaded")

	// Metrics and probes come up first so recovery can be watched.
	errChan := make(chan error, 10)
	go func() {
		errChan <- serveMetrics(ctx, cfg.MetricsAddr, healthChecker, logger)
	}()

	// --- Postgres ---
	healthChecker.SetStage("connecting")
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")
	healthChecker.AddProbe("postgres", db.PingContext)

	applied, err := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrate")).Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")

	snapMgr := persistence.NewSnapshotManager(db, metrics)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	// --- Deterministic core ---
	// The persist channel blocks (backpressure); the projection channel drops.
	coreLogger := observability.NewLogger("core")
	persistCh := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCh := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	deterministicCore, err := core.NewDeterministicCore(configs, core.Options{
		IdempotencyCapacity: cfg.IdempotencyCapacity,
		DBChecker:           dbChecker,
		Metrics:             metrics,
		Logger:              coreLogger,
		PersistChan:         persistCh,
		ProjectionChan:      projectionCh,
	})
	if err != nil {
		return fmt.Errorf("create core: %w", err)
	}

	// --- Recovery: snapshot + replay ---
	healthChecker.SetStage("recovering")
	if err := recoverCore(ctx, cfg, deterministicCore, snapMgr, dbChecker, metrics, logger); err != nil {
		return err
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, observability.NewLogger("nats"))
	if err != nil {
		return err
	}
	defer nc.Close()
	healthChecker.AddProbe("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats status %s", nc.Status())
		}
		return nil
	})

	ingestLogger := observability.NewLogger("ingestion")
	if err := ingestion.EnsureStreams(ctx, js, ingestLogger); err != nil {
		return fmt.Errorf("ensure NATS streams: %w", err)
	}

	rawEventChan := make(chan ingestion.RawEvent, cfg.SubmissionChanSize)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan, ingestLogger)
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	publishCh := make(chan ingestion.PublishableEvent, cfg.PublishChanSize)
	submissions := make(chan ingestion.Submission, cfg.SubmissionChanSize)

	// --- Workers ---
	persistWorker := persistence.NewPersistenceWorker(db, persistCh, cfg.PersistBatchSize,
		cfg.PersistFlushTimeout, metrics, observability.NewLogger("persistence"))
	persistWorker.OnFlushed(func(batch []core.CoreOutput) {
		for _, out := range batch {
			evt, ok := ingestion.NewPublishableEvent(out)
			if !ok {
				continue
			}
			select {
			case publishCh <- evt:
			default:
				metrics.PublishDrops.Inc()
			}
		}
	})

	projWorker := projection.NewProjectionWorker(db, projectionCh, metrics, observability.NewLogger("projection"))
	publisher := ingestion.NewOutboundPublisher(js, publishCh, metrics, observability.NewLogger("publisher"))

	var persistDone sync.WaitGroup
	persistDone.Add(1)
	go func() {
		defer persistDone.Done()
		if err := persistWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()
	go func() {
		if err := projWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("projection worker: %w", err)
		}
	}()
	go func() {
		if err := publisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("publisher: %w", err)
		}
	}()

	// The core has exactly one driver: every operation and every state
	// read goes through submissions.
	go ingestion.RunParser(ctx, rawEventChan, submissions, ingestLogger)
	go ingestion.RunCore(ctx, submissions, deterministicCore, metrics, coreLogger)

	// --- gRPC + HTTP ---
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		DB:            db,
		Query:         query.NewQueryService(db),
		IngestService: ingestion.NewGRPCIngestService(submissions),
		SnapshotMgr:   snapMgr,
		Submissions:   submissions,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        observability.NewLogger("server"),
	})
	go func() {
		errChan <- grpcServer.StartGRPC(ctx)
	}()
	go func() {
		errChan <- grpcServer.StartHTTPGateway(ctx)
	}()

	go runPeriodicSnapshots(ctx, cfg, submissions, snapMgr, logger)
	go monitorChannels(ctx, metrics, map[string]func() (int, int){
		"submissions": func() (int, int) { return len(submissions), cap(submissions) },
		"persist":     func() (int, int) { return len(persistCh), cap(persistCh) },
		"projection":  func() (int, int) { return len(projectionCh), cap(projectionCh) },
		"publish":     func() (int, int) { return len(publishCh), cap(publishCh) },
	})

	healthChecker.SetReady(true)
	logger.Info().
		Str("grpc", cfg.GRPCAddr).Str("http", cfg.HTTPAddr).Str("metrics", cfg.MetricsAddr).
		Msg("PerpAMM ready")

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, capture the final state while the core still runs, then
	// let the persistence worker drain before verifying that snapshot.
	healthChecker.SetReady(false)
	natsSubscriber.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	final, snapErr := server.CaptureSnapshot(shutdownCtx, submissions, snapMgr)
	cancel()
	persistDone.Wait()

	if snapErr != nil {
		logger.Error().Err(snapErr).Msg("final snapshot failed")
	} else if n, err := snapMgr.VerifyPending(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot verification failed")
	} else {
		logger.Info().Int64("sequence", final.Sequence).Int64("verified", n).Msg("final snapshot saved")
	}

	logger.Info().Msg("PerpAMM shutdown complete")
	return nil
}

// recoverCore restores the latest verified snapshot, or warms the
// idempotency cache from the log on a cold start, then replays every
// logged operation after it.
func recoverCore(
	ctx context.Context,
	cfg Config,
	c *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	dbChecker *persistence.PostgresIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) error {
	start := time.Now()

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("snapshot unusable, replaying the full log")
		snap = nil
	}

	var from int64
	if snap != nil {
		c.RestoreFromSnapshot(snap)
		from = snap.Sequence
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
	} else {
		keys, err := dbChecker.RecentKeys(ctx, cfg.IdempotencyCapacity)
		if err != nil {
			return fmt.Errorf("load idempotency keys: %w", err)
		}
		c.WarmLRU(keys)
		logger.Info().Int("keys", len(keys)).Msg("cold start, idempotency cache warmed")
	}

	var replayed int
	for {
		envs, err := snapMgr.LoadEventsAfter(ctx, from, cfg.ReplayBatchSize)
		if err != nil {
			return fmt.Errorf("load events after %d: %w", from, err)
		}
		if len(envs) == 0 {
			break
		}
		if err := c.Replay(envs); err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		replayed += len(envs)
		from = envs[len(envs)-1].Sequence
	}

	metrics.ReplayDuration.Set(time.Since(start).Seconds())
	hash := c.GetStateHash()
	logger.Info().
		Int("replayed", replayed).
		Int64("next_sequence", c.GetSequence()).
		Hex("state_hash", hash[:]).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return nil
}

func runPeriodicSnapshots(
	ctx context.Context,
	cfg Config,
	subs chan<- ingestion.Submission,
	snapMgr *persistence.SnapshotManager,
	logger zerolog.Logger,
) {
	if cfg.SnapshotInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.SnapshotCheckInterval)
	defer ticker.Stop()

	var lastSeq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var seq int64
			if err := ingestion.OnCore(ctx, subs, func(c *core.DeterministicCore) { seq = c.GetSequence() }); err != nil {
				continue
			}
			if lastSeq == 0 {
				lastSeq = seq
			}
			if seq-lastSeq < cfg.SnapshotInterval {
				// Earlier snapshots may have caught up with the log since.
				if _, err := snapMgr.VerifyPending(ctx); err != nil {
					logger.Warn().Err(err).Msg("snapshot verification failed")
				}
				continue
			}
			resp, err := server.CaptureSnapshot(ctx, subs, snapMgr)
			if err != nil {
				logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			lastSeq = seq
			logger.Info().Int64("sequence", resp.Sequence).Int("bytes", resp.SizeBytes).Msg("periodic snapshot")
		}
	}
}

func monitorChannels(ctx context.Context, metrics *observability.Metrics, channels map[string]func() (int, int)) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, usage := range channels {
				size, capacity := usage()
				metrics.SetChannelMetrics(name, size, capacity)
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, health *observability.HealthChecker, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.LivenessHandler)
	mux.HandleFunc("/readyz", health.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
