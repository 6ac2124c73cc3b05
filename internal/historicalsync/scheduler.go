// Package historicalsync implements the per-chain historical sync
// scheduler (spec.md §4.4): it resolves every configured source's
// required block ranges against what is already persisted, fans typed
// tasks out through a bounded-concurrency priority queue, and emits a
// monotone stream of checkpoints as blocks are fetched and their
// callbacks run.
package historicalsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/0xkanth/indexcore/internal/intervalset"
	"github.com/0xkanth/indexcore/internal/metrics"
	"github.com/0xkanth/indexcore/internal/progress"
	"github.com/0xkanth/indexcore/internal/rpcclient"
	"github.com/0xkanth/indexcore/internal/source"
	"github.com/0xkanth/indexcore/internal/taskqueue"
)

// DefaultMaxRange is the network default chunk size for sources that
// declare no explicit MaxRange.
const DefaultMaxRange = 2000

// TraceFilterChunkSize is the fixed chunk size for trace-filter sources
// (spec.md §4.4 step 4: "Trace-filter sources use a fixed chunk size
// of 10").
const TraceFilterChunkSize = 10

// CheckpointDebounce is how long the scheduler coalesces successive
// historical_checkpoint emissions (spec.md §4.4 Block task step 3).
const CheckpointDebounce = 500 * time.Millisecond

// CheckpointFunc is invoked (debounced) as the global watermark
// advances.
type CheckpointFunc func(chainID, blockNumber, blockTimestamp uint64)

// EventPublisher dispatches one raw log to the internal event bus
// (a thin adapter over internal/eventbus.Bus.Publish) once the
// scheduler has durably recorded the interval it belongs to. This is
// how "data persisted" is decoupled from "user callback executed":
// the scheduler never runs a user callback itself, it only hands the
// log off once its containing interval is safely recorded.
type EventPublisher interface {
	Publish(ctx context.Context, ev LogEvent) error
}

// LogEvent is one raw log dispatched to the event bus for a registered
// user callback to decode and act on. EventName carries the log's
// first topic (the event signature hash) so a callback registry can
// dispatch without the scheduler knowing about any ABI.
type LogEvent struct {
	ChainID     uint64
	SourceID    string
	BlockNumber uint64
	EventName   string
	Log         rpcclient.Log
}

// Config configures one chain's Scheduler.
type Config struct {
	ChainID        uint64
	Sources        []source.Source
	RPC            rpcclient.Client
	Store          SyncStore
	MaxConcurrency int
	OnCheckpoint   CheckpointFunc
	OnComplete     func(chainID uint64)
	Logger         zerolog.Logger

	// Bus is optional. When set, every log fetched by a LogFilter or
	// FactoryLogFilter task is dispatched to it after getLogsSplitting
	// succeeds, ahead of the interval being marked completed.
	Bus EventPublisher
}

// Scheduler orchestrates one chain's historical sync.
type Scheduler struct {
	chainID uint64
	sources map[string]source.Source
	rpc     rpcclient.Client
	store   SyncStore
	onCP    CheckpointFunc
	onDone  func(chainID uint64)
	logger  zerolog.Logger
	bus     EventPublisher

	queue *taskqueue.Queue[source.Task]

	mu                           sync.Mutex
	trackers                     map[string]*progress.Tracker // key: bucket + ":" + sourceID
	blockProgress                *progress.BlockProgressTracker
	blockCallbacks               map[uint64][]source.BlockCallback
	blockTasksEnqueuedCheckpoint uint64
	finalizedBlock               uint64

	checkpointMu    sync.Mutex
	checkpointTimer *time.Timer
	pendingCP       progress.BlockCompletion

	shuttingDown bool
}

// New constructs a Scheduler for one chain. Call Startup then Run.
func New(cfg Config) *Scheduler {
	byID := make(map[string]source.Source, len(cfg.Sources))
	for _, s := range cfg.Sources {
		byID[s.ID] = s
	}
	s := &Scheduler{
		chainID:        cfg.ChainID,
		sources:        byID,
		rpc:            cfg.RPC,
		store:          cfg.Store,
		onCP:           cfg.OnCheckpoint,
		onDone:         cfg.OnComplete,
		bus:            cfg.Bus,
		logger:         cfg.Logger.With().Uint64("chain_id", cfg.ChainID).Str("component", "historicalsync").Logger(),
		trackers:       make(map[string]*progress.Tracker),
		blockProgress:  progress.NewBlockProgressTracker(),
		blockCallbacks: make(map[uint64][]source.BlockCallback),
	}
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 8
	}
	s.queue = taskqueue.New(taskqueue.Config[source.Task]{
		MaxConcurrency: maxConcurrency,
		Worker:         s.runTask,
		OnError:        s.handleTaskError,
	})
	return s
}

func trackerKey(bucket, sourceID string) string { return bucket + ":" + sourceID }

func (s *Scheduler) tracker(bucket, sourceID string) *progress.Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackers[trackerKey(bucket, sourceID)]
}

func (s *Scheduler) setTracker(bucket, sourceID string, t *progress.Tracker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trackers[trackerKey(bucket, sourceID)] = t
}

// Startup resolves every source's range against finalizedBlock and
// latestBlock, loads persisted progress, and enqueues the initial task
// set (spec.md §4.4 "Startup").
func (s *Scheduler) Startup(ctx context.Context, finalizedBlock, latestBlock uint64) error {
	s.mu.Lock()
	s.finalizedBlock = finalizedBlock
	s.mu.Unlock()

	metrics.HistoricalStartTimestamp.Set(float64(time.Now().Unix()))

	anyRequired := false

	for _, src := range s.sources {
		resolved, err := src.Resolve(finalizedBlock, latestBlock)
		if err != nil {
			return fmt.Errorf("historicalsync: resolve source %s: %w", src.ID, err)
		}

		bucket := bucketForKind(src.Kind)

		if resolved.Skipped {
			tgt := intervalset.Of(intervalset.Interval{Lo: resolved.Start, Hi: resolved.Start})
			tr, _ := progress.New(tgt, tgt)
			s.setTracker(bucket, src.ID, tr)
			s.emitSyntheticCheckpoint(finalizedBlock)
			continue
		}

		target := intervalset.Of(intervalset.Interval{Lo: resolved.Start, Hi: resolved.End})
		loaded, err := s.store.GetIntervals(ctx, bucket, s.chainID, src.ID)
		if err != nil {
			return fmt.Errorf("historicalsync: load intervals for %s: %w", src.ID, err)
		}
		tracker, err := progress.New(target, loaded)
		if err != nil {
			return fmt.Errorf("historicalsync: tracker for %s: %w", src.ID, err)
		}
		s.setTracker(bucket, src.ID, tracker)

		required := tracker.Required()
		metrics.HistoricalTotalBlocks.WithLabelValues(fmt.Sprint(s.chainID), src.ID, src.Kind.String()).Set(float64(intervalset.Sum(target)))
		metrics.HistoricalCachedBlocks.WithLabelValues(fmt.Sprint(s.chainID), src.ID, src.Kind.String()).Set(float64(intervalset.Sum(loaded)))
		if intervalset.IsEmpty(required) {
			s.emitSyntheticCheckpoint(finalizedBlock)
		} else {
			anyRequired = true
		}

		chunkSize := chunkSizeFor(src)
		for _, chunk := range intervalset.Chunks(required, chunkSize) {
			task := source.Task{Kind: taskKindForSource(src.Kind), SourceID: src.ID, ChainID: s.chainID, FromBlock: chunk.From, ToBlock: chunk.To}
			s.enqueue(task)
		}

		if src.Kind == source.KindFactoryLog || src.Kind == source.KindFactoryCallTrace {
			childID := childSourceID(src.ID)
			childLoaded, err := s.store.GetIntervals(ctx, BucketFactoryLogFilter, s.chainID, childID)
			if err != nil {
				return fmt.Errorf("historicalsync: load child intervals for %s: %w", src.ID, err)
			}
			childTracker, err := progress.New(target, childLoaded)
			if err != nil {
				return fmt.Errorf("historicalsync: child tracker for %s: %w", src.ID, err)
			}
			s.setTracker(BucketFactoryLogFilter, childID, childTracker)

			childRequired := childTracker.Required()
			for _, chunk := range intervalset.Chunks(childRequired, chunkSize) {
				s.enqueue(source.Task{Kind: source.TaskFactoryChild, SourceID: src.ID, ChainID: s.chainID, FromBlock: chunk.From, ToBlock: chunk.To})
			}
			if !intervalset.IsEmpty(childRequired) {
				anyRequired = true
			}

			// FactoryLogFilter tasks only where child discovery is already
			// cached but the log filter itself is not (spec.md §4.4 step 6).
			alreadyDiscovered := intervalset.Difference(required, childRequired)
			for _, chunk := range intervalset.Chunks(alreadyDiscovered, chunkSize) {
				s.enqueue(source.Task{Kind: source.TaskFactoryLogFilter, SourceID: src.ID, ChainID: s.chainID, FromBlock: chunk.From, ToBlock: chunk.To})
			}
		}
	}

	if !anyRequired {
		s.checkCompletion()
	}
	return nil
}

func bucketForKind(k source.Kind) string {
	switch k {
	case source.KindLogFilter:
		return BucketLogFilter
	case source.KindFactoryLog:
		return BucketFactoryLogFilter
	case source.KindCallTrace:
		return BucketTraceFilter
	case source.KindFactoryCallTrace:
		return BucketFactoryTrace
	case source.KindBlockInterval:
		return BucketBlockFilter
	default:
		return BucketLogFilter
	}
}

func taskKindForSource(k source.Kind) source.TaskKind {
	switch k {
	case source.KindLogFilter:
		return source.TaskLogFilter
	case source.KindFactoryLog:
		return source.TaskFactoryLogFilter
	case source.KindCallTrace:
		return source.TaskTrace
	case source.KindFactoryCallTrace:
		return source.TaskFactoryTrace
	case source.KindBlockInterval:
		return source.TaskBlockInterval
	default:
		return source.TaskLogFilter
	}
}

func chunkSizeFor(src source.Source) uint64 {
	if src.Kind == source.KindCallTrace || src.Kind == source.KindFactoryCallTrace {
		return TraceFilterChunkSize
	}
	if src.MaxRange != nil {
		return *src.MaxRange
	}
	return DefaultMaxRange
}

func (s *Scheduler) enqueue(t source.Task) {
	s.queue.Add(t, t.Priority())
}

// Run blocks until the queue drains (sync_complete) or ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.queue.OnIdle(ctx)
	if ctx.Err() == nil {
		s.checkCompletion()
	}
}

func (s *Scheduler) checkCompletion() {
	if s.onDone != nil {
		s.onDone(s.chainID)
	}
}

// Shutdown pauses and clears the queue; subsequent on_error calls are
// suppressed (spec.md §4.4 "During shutdown, on_error is a no-op").
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.shuttingDown = true
	s.mu.Unlock()
	s.queue.Shutdown()

	s.checkpointMu.Lock()
	if s.checkpointTimer != nil {
		s.checkpointTimer.Stop()
	}
	s.checkpointMu.Unlock()
}

func (s *Scheduler) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

// emitSyntheticCheckpoint implements "if a source's required was empty
// at startup, emit a synthetic historical_checkpoint at (finalized_block,
// current_wall_time)" — current_wall_time is supplied by the caller via
// nowFunc so the scheduler itself makes no direct time.Now() call on
// the hot path (kept here only at Startup, which runs once).
func (s *Scheduler) emitSyntheticCheckpoint(finalizedBlock uint64) {
	if s.onCP != nil {
		s.onCP(s.chainID, finalizedBlock, uint64(time.Now().Unix()))
	}
}

// emitCheckpointNow emits c immediately, bypassing the debounce. Used for
// every advanced checkpoint except the newest one in a single AddCompleted
// call, so an out-of-order completion that unblocks a run of several
// pending blocks at once (spec.md §8 S8) surfaces each intermediate
// checkpoint instead of letting the debounce collapse them to just the
// last.
func (s *Scheduler) emitCheckpointNow(c progress.BlockCompletion) {
	if s.onCP != nil {
		s.onCP(s.chainID, c.Number, c.Timestamp)
	}
}

// scheduleCheckpoint debounces emission of the newest advanced block
// completion by CheckpointDebounce.
func (s *Scheduler) scheduleCheckpoint(c progress.BlockCompletion) {
	s.checkpointMu.Lock()
	defer s.checkpointMu.Unlock()

	s.pendingCP = c
	if s.checkpointTimer != nil {
		s.checkpointTimer.Stop()
	}
	s.checkpointTimer = time.AfterFunc(CheckpointDebounce, func() {
		s.checkpointMu.Lock()
		cp := s.pendingCP
		s.checkpointMu.Unlock()
		if s.onCP != nil {
			s.onCP(s.chainID, cp.Number, cp.Timestamp)
		}
	})
}

// enqueueBlockTasks implements spec.md §4.4's "enqueue_block_tasks":
// advances block task enrollment up to the safe watermark across every
// tracker that still has remaining required work.
func (s *Scheduler) enqueueBlockTasks() {
	s.mu.Lock()
	defer s.mu.Unlock()

	safe := s.safeWatermarkLocked()

	for b, callbacks := range s.blockCallbacks {
		if b > safe || b <= s.blockTasksEnqueuedCheckpoint {
			continue
		}
		s.blockProgress.AddPending(b)
		s.enqueue(source.Task{Kind: source.TaskBlock, ChainID: s.chainID, BlockNumber: b, Callbacks: callbacks})
		delete(s.blockCallbacks, b)
	}
	s.blockTasksEnqueuedCheckpoint = safe
}

func (s *Scheduler) safeWatermarkLocked() uint64 {
	safe := ^uint64(0)
	anyActive := false
	for _, t := range s.trackers {
		required := t.Required()
		if intervalset.IsEmpty(required) {
			continue
		}
		anyActive = true
		cp, ok := t.Checkpoint()
		var bound uint64
		if ok {
			bound = cp
		} else if lo, hasLo := intervalset.Min(t.Target()); hasLo && lo > 0 {
			bound = lo - 1
		} else {
			bound = 0
		}
		if bound < safe {
			safe = bound
		}
	}
	if !anyActive {
		return ^uint64(0)
	}
	return safe
}

// registerBlockCallback appends a callback to run once blockNumber is
// fetched, deduplicating nothing — multiple sources may legitimately
// register against the same block.
func (s *Scheduler) registerBlockCallback(blockNumber uint64, cb source.BlockCallback) {
	s.mu.Lock()
	s.blockCallbacks[blockNumber] = append(s.blockCallbacks[blockNumber], cb)
	s.mu.Unlock()
	s.enqueueBlockTasks()
}

func (s *Scheduler) markCompleted(bucket, sourceID string, iv intervalset.Interval) progress.Result {
	s.mu.Lock()
	tr := s.trackers[trackerKey(bucket, sourceID)]
	s.mu.Unlock()
	if tr == nil {
		return progress.Result{}
	}
	res := tr.AddCompleted(iv)
	s.enqueueBlockTasks()
	return res
}
