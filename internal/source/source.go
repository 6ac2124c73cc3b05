// Package source defines the chain-agnostic data a historical sync
// scheduler plans around: the declared Source variants a deployment
// configures, and the Task variants the scheduler fans out to the task
// queue.
package source

import "fmt"

// Kind tags which variant a Source is.
type Kind int

const (
	KindLogFilter Kind = iota
	KindFactoryLog
	KindCallTrace
	KindFactoryCallTrace
	KindBlockInterval
)

func (k Kind) String() string {
	switch k {
	case KindLogFilter:
		return "log_filter"
	case KindFactoryLog:
		return "factory_log"
	case KindCallTrace:
		return "call_trace"
	case KindFactoryCallTrace:
		return "factory_call_trace"
	case KindBlockInterval:
		return "block_interval"
	default:
		return "unknown"
	}
}

// Source is a stable, immutable-after-load description of on-chain data
// the system must index. Exactly one of the *Filter fields is populated,
// selected by Kind.
type Source struct {
	ID      string
	Kind    Kind
	ChainID uint64

	// LogFilter / CallTrace
	Address  string // empty means "any address"
	Topics   []string
	Start    uint64
	End      *uint64 // nil means "open ended, resolved against finalized_block"
	MaxRange *uint64 // nil means "use network default"

	// FactoryLog / FactoryCallTrace
	FactoryAddr    string
	EventSelector  string
	ChildTopics    []string

	// BlockInterval
	Interval uint64
	Offset   uint64
}

// ResolvedRange is Start/End after resolving End against finalized_block
// and validating the Startup preconditions in spec.md §4.4 step 1.
type ResolvedRange struct {
	Start    uint64
	End      uint64
	Skipped  bool // true when Start > finalized_block: "skipped, unfinalized"
}

// Resolve applies spec.md §4.4 step 1: end = source.end ∪ finalized_block;
// validate start ≤ latest_block, end ≤ finalized_block, start ≤ end;
// sources that start beyond the finalized tip are marked skipped rather
// than rejected.
func (s Source) Resolve(finalizedBlock, latestBlock uint64) (ResolvedRange, error) {
	if s.Start > latestBlock {
		return ResolvedRange{}, fmt.Errorf("source %s: start %d exceeds latest block %d", s.ID, s.Start, latestBlock)
	}
	// A source starting beyond the finalized tip is "skipped,
	// unfinalized" rather than rejected — this check must precede the
	// end/start<=end validation below, since end defaults to
	// finalized_block and would otherwise always fail that check first.
	if s.Start > finalizedBlock {
		return ResolvedRange{Start: s.Start, End: s.Start, Skipped: true}, nil
	}

	end := finalizedBlock
	if s.End != nil {
		end = *s.End
	}
	if end > finalizedBlock {
		return ResolvedRange{}, fmt.Errorf("source %s: end %d exceeds finalized block %d", s.ID, end, finalizedBlock)
	}
	if s.Start > end {
		return ResolvedRange{}, fmt.Errorf("source %s: start %d exceeds end %d", s.ID, s.Start, end)
	}
	return ResolvedRange{Start: s.Start, End: end}, nil
}

// TaskKind tags a Task's variant.
type TaskKind int

const (
	TaskLogFilter TaskKind = iota
	TaskFactoryChild
	TaskFactoryLogFilter
	TaskTrace
	TaskFactoryTrace
	TaskBlockInterval
	TaskBlock
)

func (k TaskKind) String() string {
	switch k {
	case TaskLogFilter:
		return "log_filter"
	case TaskFactoryChild:
		return "factory_child"
	case TaskFactoryLogFilter:
		return "factory_log_filter"
	case TaskTrace:
		return "trace"
	case TaskFactoryTrace:
		return "factory_trace"
	case TaskBlockInterval:
		return "block_interval"
	case TaskBlock:
		return "block"
	default:
		return "unknown"
	}
}

// BlockCallback is registered by a non-Block task against the block
// height its interval ends on; the Block task drains all callbacks
// registered for its height once the block is fetched.
type BlockCallback struct {
	// SourceID identifies which source registered this callback, for
	// logging and metrics only.
	SourceID string
	// Persist is invoked with the fetched block once Block{N} runs. It
	// must be idempotent: a scheduler restart may re-run it against
	// already-persisted data.
	Persist func(block FetchedBlock) error
}

// FetchedBlock is the subset of an RPC block response the scheduler's
// block callbacks need.
type FetchedBlock struct {
	Number    uint64
	Hash      string
	Timestamp uint64
}

// Task is a unit of scheduler work. Exactly one of the typed payload
// fields is meaningful, selected by Kind. Priority is computed by the
// caller as math.MaxUint64 − FromBlock (earliest block first) for every
// kind except Block, which uses math.MaxUint64 − BlockNumber.
type Task struct {
	Kind      TaskKind
	SourceID  string
	ChainID   uint64
	FromBlock uint64
	ToBlock   uint64

	// TaskBlock only.
	BlockNumber uint64
	Callbacks   []BlockCallback
}

// Priority implements spec.md §3: "Priority = u64::MAX − fromBlock
// (earliest block first)".
func (t Task) Priority() uint64 {
	if t.Kind == TaskBlock {
		return ^uint64(0) - t.BlockNumber
	}
	return ^uint64(0) - t.FromBlock
}
