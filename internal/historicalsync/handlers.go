package historicalsync

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/0xkanth/indexcore/internal/errs"
	"github.com/0xkanth/indexcore/internal/intervalset"
	"github.com/0xkanth/indexcore/internal/metrics"
	"github.com/0xkanth/indexcore/internal/rpcclient"
	"github.com/0xkanth/indexcore/internal/source"
	"github.com/0xkanth/indexcore/internal/taskqueue"
)

// runTask is the taskqueue.Worker for this chain's scheduler: it
// dispatches on task.Kind to the matching handler.
func (s *Scheduler) runTask(ctx context.Context, task source.Task) error {
	switch task.Kind {
	case source.TaskLogFilter:
		return s.handleLogFilter(ctx, task)
	case source.TaskFactoryChild:
		return s.handleFactoryChild(ctx, task)
	case source.TaskFactoryLogFilter:
		return s.handleFactoryLogFilter(ctx, task)
	case source.TaskTrace:
		return s.handleTrace(ctx, task, BucketTraceFilter)
	case source.TaskFactoryTrace:
		return s.handleTrace(ctx, task, BucketFactoryTrace)
	case source.TaskBlockInterval:
		return s.handleBlockInterval(ctx, task)
	case source.TaskBlock:
		return s.handleBlock(ctx, task)
	default:
		return fmt.Errorf("historicalsync: unknown task kind %v", task.Kind)
	}
}

// handleTaskError implements spec.md §4.4's "Failure semantics":
// transient/range errors retry (handlers themselves perform the
// range-split before ever returning one of these, so reaching here
// means the split bottomed out or a block/trace task needs a plain
// retry); anything else logs and re-enqueues at the same priority;
// during shutdown this is a no-op.
func (s *Scheduler) handleTaskError(err error, task source.Task, q *taskqueue.Queue[source.Task]) {
	if s.isShuttingDown() {
		return
	}
	s.logger.Warn().Err(err).Str("task_kind", task.Kind.String()).Str("source_id", task.SourceID).
		Uint64("from", task.FromBlock).Uint64("to", task.ToBlock).Uint64("block", task.BlockNumber).
		Msg("historical sync task failed, re-enqueuing")
	q.Add(task, task.Priority())
}

func isTransientRangeError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"range too large", "response too large", "retry with a smaller", "retry with smaller", "timeout", "deadline exceeded"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	var transient *errs.TransientRPC
	return asTransient(err, &transient)
}

func asTransient(err error, target **errs.TransientRPC) bool {
	for err != nil {
		if t, ok := err.(*errs.TransientRPC); ok {
			*target = t
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// getLogsSplitting implements spec.md §4.4 LogFilter step 1: split the
// range in half and retry on well-known transient RPC errors.
func (s *Scheduler) getLogsSplitting(ctx context.Context, filter rpcclient.LogFilter) ([]rpcclient.Log, error) {
	logs, err := s.rpc.GetLogs(ctx, filter)
	if err == nil {
		return logs, nil
	}
	if !isTransientRangeError(err) || filter.FromBlock >= filter.ToBlock {
		return nil, fmt.Errorf("historicalsync: get logs [%d,%d]: %w", filter.FromBlock, filter.ToBlock, err)
	}

	mid := filter.FromBlock + (filter.ToBlock-filter.FromBlock)/2
	left := filter
	left.ToBlock = mid
	right := filter
	right.FromBlock = mid + 1

	leftLogs, err := s.getLogsSplitting(ctx, left)
	if err != nil {
		return nil, err
	}
	rightLogs, err := s.getLogsSplitting(ctx, right)
	if err != nil {
		return nil, err
	}
	return append(leftLogs, rightLogs...), nil
}

// logInterval is one contiguous piece of a LogFilter/FactoryLogFilter
// response, walking ascending from the task's from block (spec.md
// §4.4 LogFilter steps 2-3).
type logInterval struct {
	startBlock uint64
	endBlock   uint64
}

func bucketLogsIntoIntervals(from, to uint64, logs []rpcclient.Log) []logInterval {
	blockSet := make(map[uint64]bool)
	for _, l := range logs {
		blockSet[l.BlockNumber] = true
	}
	blockSet[to] = true

	blocks := make([]uint64, 0, len(blockSet))
	for b := range blockSet {
		blocks = append(blocks, b)
	}
	sortUint64s(blocks)

	pieces := make([]logInterval, 0, len(blocks))
	prev := from
	for _, b := range blocks {
		pieces = append(pieces, logInterval{startBlock: prev, endBlock: b})
		prev = b + 1
	}
	return pieces
}

func sortUint64s(xs []uint64) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}

func (s *Scheduler) handleLogFilter(ctx context.Context, task source.Task) error {
	src := s.sources[task.SourceID]
	logs, err := s.getLogsSplitting(ctx, rpcclient.LogFilter{
		Addresses: addressList(src.Address),
		Topics:    [][]string{src.Topics},
		FromBlock: task.FromBlock,
		ToBlock:   task.ToBlock,
	})
	if err != nil {
		return err
	}
	metrics.IndexingRPCRequestsTotal.WithLabelValues(fmt.Sprint(s.chainID), "eth_getLogs", "rpc").Inc()
	s.publishLogs(ctx, task.SourceID, logs)

	for _, piece := range bucketLogsIntoIntervals(task.FromBlock, task.ToBlock, logs) {
		piece := piece
		s.registerBlockCallback(piece.endBlock, source.BlockCallback{
			SourceID: task.SourceID,
			Persist: func(block source.FetchedBlock) error {
				return s.store.InsertInterval(ctx, BucketLogFilter, s.chainID, task.SourceID, intervalset.Interval{Lo: piece.startBlock, Hi: piece.endBlock})
			},
		})
	}

	res := s.markCompleted(BucketLogFilter, task.SourceID, intervalset.Interval{Lo: task.FromBlock, Hi: task.ToBlock})
	if res.Updated {
		metrics.HistoricalCompletedBlocks.WithLabelValues(fmt.Sprint(s.chainID), task.SourceID, src.Kind.String()).Add(float64(task.ToBlock - task.FromBlock + 1))
	}
	return nil
}

func (s *Scheduler) handleFactoryChild(ctx context.Context, task source.Task) error {
	src := s.sources[task.SourceID]
	logs, err := s.getLogsSplitting(ctx, rpcclient.LogFilter{
		Addresses: addressList(src.FactoryAddr),
		Topics:    [][]string{{src.EventSelector}},
		FromBlock: task.FromBlock,
		ToBlock:   task.ToBlock,
	})
	if err != nil {
		return err
	}

	addresses := make([]string, 0, len(logs))
	for _, l := range logs {
		addresses = append(addresses, l.Address)
	}
	if len(addresses) > 0 {
		if err := s.store.InsertFactoryChildAddressLogs(ctx, s.chainID, task.SourceID, addresses, task.ToBlock); err != nil {
			return err
		}
	}

	childID := childSourceID(task.SourceID)
	for _, piece := range bucketLogsIntoIntervals(task.FromBlock, task.ToBlock, logs) {
		piece := piece
		s.registerBlockCallback(piece.endBlock, source.BlockCallback{
			SourceID: task.SourceID,
			Persist: func(block source.FetchedBlock) error {
				return s.store.InsertInterval(ctx, BucketFactoryLogFilter, s.chainID, childID, intervalset.Interval{Lo: piece.startBlock, Hi: piece.endBlock})
			},
		})
	}

	res := s.markCompleted(BucketFactoryLogFilter, childID, intervalset.Interval{Lo: task.FromBlock, Hi: task.ToBlock})
	if res.Updated {
		childTracker := s.tracker(BucketFactoryLogFilter, childID)
		logTracker := s.tracker(BucketFactoryLogFilter, task.SourceID)
		if childTracker != nil && logTracker != nil {
			newlyDiscovered := intervalset.Intersection(
				intervalset.Of(intervalset.Interval{Lo: res.PrevCheckpoint + 1, Hi: res.NewCheckpoint}),
				logTracker.Required(),
			)
			chunkSize := chunkSizeFor(src)
			for _, chunk := range intervalset.Chunks(newlyDiscovered, chunkSize) {
				s.enqueue(source.Task{Kind: source.TaskFactoryLogFilter, SourceID: task.SourceID, ChainID: s.chainID, FromBlock: chunk.From, ToBlock: chunk.To})
			}
		}
	}
	return nil
}

func (s *Scheduler) handleFactoryLogFilter(ctx context.Context, task source.Task) error {
	src := s.sources[task.SourceID]

	var allLogs []rpcclient.Log
	err := s.store.GetFactoryChildAddresses(ctx, s.chainID, task.SourceID, task.ToBlock, 500, func(addresses []string) error {
		logs, err := s.getLogsSplitting(ctx, rpcclient.LogFilter{
			Addresses: addresses,
			Topics:    [][]string{src.ChildTopics},
			FromBlock: task.FromBlock,
			ToBlock:   task.ToBlock,
		})
		if err != nil {
			return err
		}
		allLogs = append(allLogs, logs...)
		return nil
	})
	if err != nil {
		return err
	}
	s.publishLogs(ctx, task.SourceID, allLogs)

	for _, piece := range bucketLogsIntoIntervals(task.FromBlock, task.ToBlock, allLogs) {
		piece := piece
		s.registerBlockCallback(piece.endBlock, source.BlockCallback{
			SourceID: task.SourceID,
			Persist: func(block source.FetchedBlock) error {
				return s.store.InsertInterval(ctx, BucketFactoryLogFilter, s.chainID, task.SourceID, intervalset.Interval{Lo: piece.startBlock, Hi: piece.endBlock})
			},
		})
	}

	s.markCompleted(BucketFactoryLogFilter, task.SourceID, intervalset.Interval{Lo: task.FromBlock, Hi: task.ToBlock})
	return nil
}

func (s *Scheduler) handleTrace(ctx context.Context, task source.Task, bucket string) error {
	src := s.sources[task.SourceID]
	var toAddr []string
	if src.Kind == source.KindFactoryCallTrace {
		// FactoryTraceFilter: restrict to discovered children, per the
		// same child-address stream FactoryLogFilter consults.
		err := s.store.GetFactoryChildAddresses(ctx, s.chainID, task.SourceID, task.ToBlock, 500, func(addresses []string) error {
			toAddr = append(toAddr, addresses...)
			return nil
		})
		if err != nil {
			return err
		}
	} else {
		toAddr = addressList(src.Address)
	}

	traces, err := s.rpc.TraceFilter(ctx, rpcclient.TraceFilter{FromBlock: task.FromBlock, ToBlock: task.ToBlock, ToAddress: toAddr})
	if err != nil {
		if isTransientRangeError(err) {
			return fmt.Errorf("historicalsync: trace_filter [%d,%d]: %w", task.FromBlock, task.ToBlock, err)
		}
		return err
	}

	txHashes := make(map[string]bool)
	for _, t := range traces {
		txHashes[t.TxHash] = true
	}
	reverted := make(map[string]bool)
	for tx := range txHashes {
		receipt, err := s.rpc.GetTransactionReceipt(ctx, tx)
		if err != nil {
			return err
		}
		if receipt != nil && receipt.Status == 0 {
			reverted[tx] = true
		}
	}

	var kept []rpcclient.CallTrace
	for _, t := range traces {
		if !reverted[t.TxHash] {
			kept = append(kept, t)
		}
	}

	blockSet := make(map[uint64]bool)
	for _, t := range kept {
		blockSet[t.BlockNumber] = true
	}
	blockSet[task.ToBlock] = true
	blocks := make([]uint64, 0, len(blockSet))
	for b := range blockSet {
		blocks = append(blocks, b)
	}
	sortUint64s(blocks)

	prev := task.FromBlock
	for _, b := range blocks {
		piece := logInterval{startBlock: prev, endBlock: b}
		s.registerBlockCallback(piece.endBlock, source.BlockCallback{
			SourceID: task.SourceID,
			Persist: func(block source.FetchedBlock) error {
				return s.store.InsertInterval(ctx, bucket, s.chainID, task.SourceID, intervalset.Interval{Lo: piece.startBlock, Hi: piece.endBlock})
			},
		})
		prev = b + 1
	}

	s.markCompleted(bucket, task.SourceID, intervalset.Interval{Lo: task.FromBlock, Hi: task.ToBlock})
	return nil
}

func (s *Scheduler) handleBlockInterval(ctx context.Context, task source.Task) error {
	src := s.sources[task.SourceID]
	interval, offset := src.Interval, src.Offset
	if interval == 0 {
		interval = 1
	}

	first := task.FromBlock + (((interval - (task.FromBlock-offset)%interval) % interval))
	blocks := []uint64{}
	for b := first; b <= task.ToBlock; b += interval {
		blocks = append(blocks, b)
	}
	if len(blocks) == 0 || blocks[len(blocks)-1] != task.ToBlock {
		blocks = append(blocks, task.ToBlock)
	}

	for _, b := range blocks {
		b := b
		stored, _, err := s.store.GetBlock(ctx, s.chainID, b)
		if err != nil {
			return err
		}
		if stored {
			if err := s.store.InsertInterval(ctx, BucketBlockFilter, s.chainID, task.SourceID, intervalset.Interval{Lo: task.FromBlock, Hi: b}); err != nil {
				return err
			}
			continue
		}
		s.registerBlockCallback(b, source.BlockCallback{
			SourceID: task.SourceID,
			Persist: func(block source.FetchedBlock) error {
				return s.store.InsertInterval(ctx, BucketBlockFilter, s.chainID, task.SourceID, intervalset.Interval{Lo: task.FromBlock, Hi: b})
			},
		})
	}

	s.markCompleted(BucketBlockFilter, task.SourceID, intervalset.Interval{Lo: task.FromBlock, Hi: task.ToBlock})
	return nil
}

// handleBlock implements spec.md §4.4's Block task: fetch, run every
// registered callback (concurrently, all must complete before
// advancing the watermark), then report completion.
func (s *Scheduler) handleBlock(ctx context.Context, task source.Task) error {
	block, err := s.rpc.GetBlockByNumber(ctx, task.BlockNumber, true)
	if err != nil {
		return &errs.TransientRPC{Method: "eth_getBlockByNumber", Err: err}
	}
	if block == nil {
		return &errs.TransientRPC{Method: "eth_getBlockByNumber", Err: fmt.Errorf("block %d not found", task.BlockNumber)}
	}

	if err := s.store.InsertBlock(ctx, s.chainID, block.Number, block.Hash, block.Timestamp); err != nil {
		return err
	}

	fetched := source.FetchedBlock{Number: block.Number, Hash: block.Hash, Timestamp: block.Timestamp}
	g, _ := errgroup.WithContext(ctx)
	for _, cb := range task.Callbacks {
		cb := cb
		g.Go(func() error { return cb.Persist(fetched) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("historicalsync: block %d callback: %w", task.BlockNumber, err)
	}

	if advanced := s.blockProgress.AddCompleted(task.BlockNumber, block.Timestamp); len(advanced) > 0 {
		for _, c := range advanced[:len(advanced)-1] {
			s.emitCheckpointNow(c)
		}
		s.scheduleCheckpoint(advanced[len(advanced)-1])
	}
	return nil
}

// publishLogs dispatches every fetched log to the event bus, if one is
// configured, tagging each with its topic-0 signature so a callback
// registry can dispatch without the scheduler interpreting any ABI.
func (s *Scheduler) publishLogs(ctx context.Context, sourceID string, logs []rpcclient.Log) {
	if s.bus == nil {
		return
	}
	for _, l := range logs {
		var eventName string
		if len(l.Topics) > 0 {
			eventName = l.Topics[0]
		}
		if err := s.bus.Publish(ctx, LogEvent{ChainID: s.chainID, SourceID: sourceID, BlockNumber: l.BlockNumber, EventName: eventName, Log: l}); err != nil {
			s.logger.Warn().Err(err).Str("source_id", sourceID).Uint64("block", l.BlockNumber).Msg("historicalsync: log dispatch failed")
		}
	}
}

func addressList(addr string) []string {
	if addr == "" {
		return nil
	}
	return []string{addr}
}
