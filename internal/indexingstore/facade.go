// Package indexingstore implements the user-facing indexing store façade
// (spec.md §4.7): find/insert/update/delete/sql operations serialized
// through a single FIFO so that overlapping callback awaits never
// interleave two cache-modifying operations.
package indexingstore

import (
	"context"

	"github.com/0xkanth/indexcore/internal/errs"
	"github.com/0xkanth/indexcore/internal/rowcache"
)

// RawExecutor runs an escape-hatch raw SQL statement after a full cache
// flush+invalidate, returning rows as arrays of column values.
type RawExecutor interface {
	ExecRaw(ctx context.Context, sql string, args []any) ([][]any, error)
}

// TableRegistry reports which tables exist and whether a table belongs
// to the on-chain schema (writable through the façade) or the off-chain
// schema (read-only raw SQL targets).
type TableRegistry interface {
	IsDefined(table string) bool
	IsOnChain(table string) bool
}

// job is a closure queued on the FIFO; each call site wraps its work in
// one and waits on the returned channel.
type job func()

// Facade is one indexing run's store façade. A single instance owns the
// RowCache and the FIFO; user callbacks observe a single-threaded
// cooperative view of it.
type Facade struct {
	cache    *rowcache.Cache
	raw      RawExecutor
	registry TableRegistry

	queue chan job
	done  chan struct{}
}

// New constructs a Facade and starts its FIFO worker goroutine.
func New(cache *rowcache.Cache, raw RawExecutor, registry TableRegistry) *Facade {
	f := &Facade{
		cache:    cache,
		raw:      raw,
		registry: registry,
		queue:    make(chan job, 256),
		done:     make(chan struct{}),
	}
	go f.run()
	return f
}

func (f *Facade) run() {
	for {
		select {
		case j, ok := <-f.queue:
			if !ok {
				return
			}
			j()
		case <-f.done:
			// Drain remaining queued jobs before exiting so callers
			// blocked on their result channel are not orphaned.
			for {
				select {
				case j := <-f.queue:
					j()
				default:
					return
				}
			}
		}
	}
}

// Close stops accepting new work after draining what's already queued.
func (f *Facade) Close() {
	close(f.done)
}

// submit enqueues fn and blocks until it has run, returning fn's error.
func (f *Facade) submit(fn func() error) error {
	result := make(chan error, 1)
	f.queue <- func() { result <- fn() }
	return <-result
}

func (f *Facade) checkTable(table string, requireOnChain bool) error {
	if !f.registry.IsDefined(table) {
		return &errs.UndefinedTable{Table: table}
	}
	if requireOnChain && !f.registry.IsOnChain(table) {
		return &errs.InvalidStoreMethod{Table: table, Method: "find/insert/update/delete"}
	}
	return nil
}

// Find implements find(table, key).
func (f *Facade) Find(ctx context.Context, table, key string) (rowcache.Row, error) {
	var row rowcache.Row
	err := f.submit(func() error {
		if err := f.checkTable(table, true); err != nil {
			return err
		}
		r, err := f.cache.Get(ctx, table, key)
		row = r
		return err
	})
	return row, err
}

// ConflictMode selects insert() conflict handling.
type ConflictMode int

const (
	// ConflictThrow is the strict default: raises UniqueConstraint if
	// the key already exists (checked synchronously against the cache;
	// the deferred-to-flush optimistic variant is also spec-conformant
	// and is what InsertOptimistic below implements).
	ConflictThrow ConflictMode = iota
	ConflictDoNothing
	ConflictDoUpdate
)

// Insert implements insert(table).values(v) with the given conflict
// mode. patchOnConflict is only consulted when mode == ConflictDoUpdate.
func (f *Facade) Insert(ctx context.Context, table, key string, values rowcache.Row, mode ConflictMode, patchOnConflict func(current rowcache.Row) rowcache.Row) (rowcache.Row, error) {
	var out rowcache.Row
	err := f.submit(func() error {
		if err := f.checkTable(table, true); err != nil {
			return err
		}
		existing, err := f.cache.Get(ctx, table, key)
		if err != nil {
			return err
		}
		if existing != nil {
			switch mode {
			case ConflictThrow:
				return &errs.UniqueConstraint{Table: table, Key: key}
			case ConflictDoNothing:
				out = existing
				return nil
			case ConflictDoUpdate:
				patch := values
				if patchOnConflict != nil {
					patch = patchOnConflict(existing)
				}
				row, err := f.cache.Set(table, key, patch, rowcache.Update)
				out = row
				return err
			}
		}
		row, err := f.cache.Set(table, key, values, rowcache.Insert)
		out = row
		return err
	})
	return out, err
}

// InsertOptimistic implements the optimistic default insert(): it writes
// an Insert entry unconditionally and defers unique-constraint checking
// to flush time (spec.md §4.7: "DEFERS unique-constraint checking to
// flush time"). Used when the façade is configured for the optimistic
// variant rather than ConflictThrow's synchronous check.
func (f *Facade) InsertOptimistic(ctx context.Context, table, key string, values rowcache.Row) (rowcache.Row, error) {
	var out rowcache.Row
	err := f.submit(func() error {
		if err := f.checkTable(table, true); err != nil {
			return err
		}
		row, err := f.cache.Set(table, key, values, rowcache.Insert)
		out = row
		return err
	})
	return out, err
}

// Patch is either a static field set or a function of the current row
// (spec.md §9 "Dynamic data that can be an object or a function").
type Patch struct {
	Static  rowcache.Row
	Derived func(current rowcache.Row) rowcache.Row
}

func (p Patch) resolve(current rowcache.Row) rowcache.Row {
	if p.Derived != nil {
		return p.Derived(current)
	}
	return p.Static
}

// Update implements update(table, key).set(v_or_fn). Updating an absent
// row raises RecordNotFound.
func (f *Facade) Update(ctx context.Context, table, key string, patch Patch) (rowcache.Row, error) {
	var out rowcache.Row
	err := f.submit(func() error {
		if err := f.checkTable(table, true); err != nil {
			return err
		}
		current, err := f.cache.Get(ctx, table, key)
		if err != nil {
			return err
		}
		if current == nil {
			return &errs.RecordNotFound{Table: table, Key: key}
		}
		row, err := f.cache.Set(table, key, patch.resolve(current), rowcache.Update)
		out = row
		return err
	})
	return out, err
}

// Delete implements delete(table, key), returning whether a row existed.
func (f *Facade) Delete(ctx context.Context, table, key string) (bool, error) {
	var existed bool
	err := f.submit(func() error {
		if err := f.checkTable(table, true); err != nil {
			return err
		}
		ok, err := f.cache.Delete(ctx, table, key)
		existed = ok
		return err
	})
	return existed, err
}

// SQL implements the raw-SQL escape hatch: a full cache flush and
// invalidate precede execution (spec.md §4.7).
func (f *Facade) SQL(ctx context.Context, query string, args []any) ([][]any, error) {
	var out [][]any
	err := f.submit(func() error {
		if err := f.cache.Flush(ctx); err != nil {
			return err
		}
		f.cache.Invalidate()
		rows, err := f.raw.ExecRaw(ctx, query, args)
		out = rows
		return err
	})
	return out, err
}

// Flush forces a cache flush through the FIFO (used by the indexing run
// on a periodic timer or at shutdown).
func (f *Facade) Flush(ctx context.Context) error {
	return f.submit(func() error { return f.cache.Flush(ctx) })
}
