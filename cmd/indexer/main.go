// Main indexing-core runtime: resolves one chain's configured sources,
// runs the historical sync scheduler against them, and wires fetched
// logs through the internal event bus to the worked-example callback
// registry (indexing store façade + cached RPC transport + profiler).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/0xkanth/indexcore/examplecallbacks"
	"github.com/0xkanth/indexcore/internal/eventbus"
	"github.com/0xkanth/indexcore/internal/historicalsync"
	"github.com/0xkanth/indexcore/internal/indexingstore"
	"github.com/0xkanth/indexcore/internal/localcache"
	"github.com/0xkanth/indexcore/internal/pgstore"
	"github.com/0xkanth/indexcore/internal/platform"
	"github.com/0xkanth/indexcore/internal/profiler"
	"github.com/0xkanth/indexcore/internal/rowcache"
	"github.com/0xkanth/indexcore/internal/rpccache"
	"github.com/0xkanth/indexcore/internal/rpcclient"
	"github.com/0xkanth/indexcore/pkg/config"
	"github.com/0xkanth/indexcore/pkg/ethrpc"
)

const progressLogInterval = 5 * time.Second

func main() {
	logger := platform.NewLogger()
	logger.Info().Msg("starting indexcore")

	ko, err := platform.LoadConfig(logger, "config.toml")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config.toml")
	}
	platform.UpdateLogLevel(ko, logger)

	cfg, err := config.FromKoanf(ko)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse configuration")
	}

	sources, err := cfg.Chain.ResolveSources()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve configured sources")
	}
	logger.Info().
		Str("chain", cfg.Chain.Name).
		Uint64("chain_id", cfg.Chain.ChainID).
		Str("rpc_endpoint", cfg.Chain.RPCEndpoint).
		Int("sources", len(sources)).
		Msg("loaded chain configuration")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpc, err := ethrpc.Dial(ctx, cfg.Chain.RPCEndpoint, *logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to dial chain RPC endpoint")
	}
	defer rpc.Close()

	mirror, err := localcache.Open("indexcore-intervals.db")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open local interval mirror")
	}
	defer mirror.Close()

	store, err := pgstore.Open(ctx, pgstore.Config{
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		Database: cfg.Postgres.Database,
		SSLMode:  cfg.Postgres.SSLMode,
	}, mirror, *logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open sync store")
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ensure sync store schema")
	}

	bus, err := eventbus.Open(eventbus.Config{
		URL:             cfg.Bus.URL,
		PersistDuration: time.Duration(cfg.Bus.PersistHours) * time.Hour,
	}, *logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open event bus")
	}
	defer bus.Close()

	rpcCache, err := rpccache.New(rpc, store, rpccache.Config{ChainID: cfg.Chain.ChainID})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct cached RPC transport")
	}

	prof := profiler.New()

	cache := rowcache.New(store, rowcache.NewSchemaNormalizer(examplecallbacks.Tables()), rowcache.Config{
		MaxBytes:        256 << 20,
		IsDatabaseEmpty: false,
	})
	facade := indexingstore.New(cache, store, examplecallbacks.NewTableRegistry())
	defer facade.Close()

	registry := examplecallbacks.New(facade, rpcCache, prof)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := bus.Consume(ctx, "indexing-store", dispatchToRegistry(registry, *logger)); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("event bus consumer exited")
		}
	}()

	var progress progressState
	sched := historicalsync.New(historicalsync.Config{
		ChainID:        cfg.Chain.ChainID,
		Sources:        sources,
		RPC:            rpc,
		Store:          store,
		MaxConcurrency: cfg.Indexer.MaxConcurrency,
		Bus:            busAdapter{bus: bus},
		Logger:         *logger,
		OnCheckpoint: func(chainID, blockNumber, blockTimestamp uint64) {
			progress.recordCheckpoint(blockNumber, blockTimestamp)
		},
		OnComplete: func(chainID uint64) {
			progress.recordComplete()
			logger.Info().Uint64("chain_id", chainID).Msg("historical sync complete")
		},
	})

	latest, err := rpc.LatestBlockNumber(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to fetch latest block number")
	}
	finalized, err := rpc.FinalizedBlockNumber(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to fetch finalized block number")
	}
	if err := sched.Startup(ctx, finalized, latest); err != nil {
		logger.Fatal().Err(err).Msg("scheduler startup failed")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	wg.Add(1)
	go runProgressLog(ctx, &wg, logger, &progress)

	metricsAddr := cfg.Metrics.Address
	metricsServer := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
	go func() {
		logger.Info().Str("address", metricsAddr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	healthAddr := cfg.Health.Address
	healthServer := &http.Server{Addr: healthAddr, Handler: http.HandlerFunc(healthCheckHandler(&progress))}
	go func() {
		logger.Info().Str("address", healthAddr).Msg("starting health check server")
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health check server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	cancel()
	sched.Shutdown()
	if err := facade.Flush(context.Background()); err != nil {
		logger.Error().Err(err).Msg("final cache flush failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("health server shutdown error")
	}

	wg.Wait()
	logger.Info().Msg("shutdown complete")
}

// busAdapter satisfies historicalsync.EventPublisher over
// internal/eventbus.Bus: the two packages deliberately use distinct
// event types (the scheduler has no reason to know about JetStream), so
// this is where a LogEvent becomes the wire-level BlockEvent.
type busAdapter struct{ bus *eventbus.Bus }

func (a busAdapter) Publish(ctx context.Context, ev historicalsync.LogEvent) error {
	payload, err := json.Marshal(ev.Log)
	if err != nil {
		return fmt.Errorf("busAdapter: marshal log payload: %w", err)
	}
	return a.bus.Publish(ctx, eventbus.BlockEvent{
		ChainID:     ev.ChainID,
		SourceID:    ev.SourceID,
		BlockNumber: ev.BlockNumber,
		EventName:   ev.EventName,
		Payload:     payload,
	})
}

// dispatchToRegistry converts bus-delivered BlockEvents back into
// LogEvents for the worked example callback registry.
func dispatchToRegistry(reg *examplecallbacks.Registry, logger zerolog.Logger) eventbus.Handler {
	return func(ctx context.Context, ev eventbus.BlockEvent) error {
		var l rpcclient.Log
		if err := json.Unmarshal(ev.Payload, &l); err != nil {
			logger.Error().Err(err).Msg("dropping malformed bus payload")
			return nil
		}
		return reg.HandleLogEvent(ctx, historicalsync.LogEvent{
			ChainID:     ev.ChainID,
			SourceID:    ev.SourceID,
			BlockNumber: ev.BlockNumber,
			EventName:   ev.EventName,
			Log:         l,
		})
	}
}

// progressState tracks the historical sync watermark for the health
// endpoint and the progress-log ticker, updated from the scheduler's
// checkpoint/completion callbacks.
type progressState struct {
	blockNumber uint64
	timestamp   uint64
	complete    atomic.Bool
}

func (p *progressState) recordCheckpoint(blockNumber, timestamp uint64) {
	atomic.StoreUint64(&p.blockNumber, blockNumber)
	atomic.StoreUint64(&p.timestamp, timestamp)
}

func (p *progressState) recordComplete() { p.complete.Store(true) }

func (p *progressState) snapshot() (block uint64, complete bool) {
	return atomic.LoadUint64(&p.blockNumber), p.complete.Load()
}

// runProgressLog logs the current watermark every progressLogInterval
// until sync_complete, mirroring the teacher's inline progress logging
// but driven off the checkpoint callback rather than a syncer's own
// current/latest counters.
func runProgressLog(ctx context.Context, wg *sync.WaitGroup, logger *zerolog.Logger, p *progressState) {
	defer wg.Done()
	ticker := time.NewTicker(progressLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			block, complete := p.snapshot()
			logger.Info().Uint64("checkpoint_block", block).Bool("complete", complete).Msg("historical sync progress")
			if complete {
				return
			}
		}
	}
}

func healthCheckHandler(p *progressState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		block, complete := p.snapshot()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "healthy\ncheckpoint_block: %d\ncomplete: %t\n", block, complete)
	}
}
