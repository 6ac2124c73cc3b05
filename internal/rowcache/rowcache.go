// Package rowcache implements the indexing row cache (spec.md §4.6): a
// table-partitioned, write-behind cache keyed by (table, primary key)
// that absorbs user callback writes and flushes them to the database in
// batched upserts, with LRU eviction under memory pressure.
package rowcache

import (
	"context"
	"sort"

	"github.com/0xkanth/indexcore/internal/errs"
)

// Kind tags a cache entry's relationship to the database.
type Kind int

const (
	// Insert rows have never been written to the database.
	Insert Kind = iota
	// Update rows exist in the database but carry unflushed changes.
	Update
	// Find rows mirror the database exactly (either fetched or already flushed).
	Find
)

// Row is an opaque, normalized column-value map. The cache never
// interprets column values beyond byte-accounting them.
type Row map[string]any

// Clone returns a shallow copy of r.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Entry is one cached row and its cache-management metadata.
type Entry struct {
	Kind    Kind
	Row     Row // nil represents a negative cache (confirmed absent)
	Bytes   uint32
	OpIndex uint64
}

// Executor is the minimal DbExecutor surface the row cache needs: a
// single-row read fallthrough, a single-row delete, and batched upserts
// at flush time. The full DbExecutor (C5) implements this plus the
// sync-store interval methods.
type Executor interface {
	FindRow(ctx context.Context, table string, key string) (Row, bool, error)
	DeleteRow(ctx context.Context, table string, key string) (bool, error)
	BulkUpsert(ctx context.Context, table string, inserts, updates []Row, pkColumns []string) error
}

// Normalizer applies per-column defaults, onUpdate computations, and
// NOT NULL checks to a row before it is cached (spec.md §4.6
// "Normalization"), and restores a row's exact domain types (BigInt,
// Hex, ...) after a round trip through storage.
type Normalizer interface {
	Normalize(table string, existing Row, patch Row, isInsert bool) (Row, error)
	Denormalize(table string, row Row) (Row, error)
	ByteSize(row Row) uint32
	PrimaryKeyColumns(table string) []string
}

// Cache is the row cache for one indexing run.
type Cache struct {
	exec       Executor
	norm       Normalizer
	maxBytes   uint64
	flushRatio float64 // spec.md §4.6: flush_index = op_counter − cacheSize*(1-flush_ratio)
	maxParams  int

	perTable        map[string]map[string]*Entry
	cacheBytes      uint64
	opCounter       uint64
	isDatabaseEmpty bool
}

// Config configures a new Cache.
type Config struct {
	MaxBytes          uint64
	FlushRatio        float64 // e.g. 0.5
	MaxQueryParameters int
	IsDatabaseEmpty   bool
}

// New constructs an empty Cache.
func New(exec Executor, norm Normalizer, cfg Config) *Cache {
	if cfg.MaxQueryParameters <= 0 {
		cfg.MaxQueryParameters = 2000
	}
	return &Cache{
		exec:            exec,
		norm:            norm,
		maxBytes:        cfg.MaxBytes,
		flushRatio:      cfg.FlushRatio,
		maxParams:       cfg.MaxQueryParameters,
		perTable:        make(map[string]map[string]*Entry),
		isDatabaseEmpty: cfg.IsDatabaseEmpty,
	}
}

func (c *Cache) table(name string) map[string]*Entry {
	t, ok := c.perTable[name]
	if !ok {
		t = make(map[string]*Entry)
		c.perTable[name] = t
	}
	return t
}

// Get implements spec.md §4.6 get: cache hit bumps the LRU touch and
// returns a clone; a miss on a known-empty database short-circuits to
// nil without a DB round trip; otherwise it issues a single-row read and
// populates a Find entry (possibly negative).
func (c *Cache) Get(ctx context.Context, table, key string) (Row, error) {
	t := c.table(table)
	if e, ok := t[key]; ok {
		c.opCounter++
		e.OpIndex = c.opCounter
		if e.Row == nil {
			return nil, nil
		}
		return e.Row.Clone(), nil
	}
	if c.isDatabaseEmpty {
		return nil, nil
	}
	row, found, err := c.exec.FindRow(ctx, table, key)
	if err != nil {
		return nil, err
	}
	if found {
		row, err = c.norm.Denormalize(table, row)
		if err != nil {
			return nil, err
		}
	}
	c.opCounter++
	entry := &Entry{Kind: Find, OpIndex: c.opCounter}
	if found {
		entry.Row = row
		entry.Bytes = c.norm.ByteSize(row)
		c.cacheBytes += uint64(entry.Bytes)
	}
	t[key] = entry
	if found {
		return row.Clone(), nil
	}
	return nil, nil
}

// Set implements spec.md §4.6 set: normalizes patch against any
// existing row, re-accounts bytes, and upserts the entry with the
// latest op index.
func (c *Cache) Set(table, key string, patch Row, kind Kind) (Row, error) {
	t := c.table(table)
	existing, hadExisting := t[key]
	var existingRow Row
	if hadExisting {
		existingRow = existing.Row
	}

	normalized, err := c.norm.Normalize(table, existingRow, patch, kind == Insert)
	if err != nil {
		return nil, err
	}

	newBytes := c.norm.ByteSize(normalized)
	if hadExisting {
		c.cacheBytes -= uint64(existing.Bytes)
	}
	c.cacheBytes += uint64(newBytes)

	c.opCounter++
	effectiveKind := kind
	if hadExisting && existing.Kind == Insert && kind == Update {
		// An update against an entry never flushed stays an Insert: the
		// DB has no row for it yet.
		effectiveKind = Insert
	}
	t[key] = &Entry{Kind: effectiveKind, Row: normalized, Bytes: newBytes, OpIndex: c.opCounter}
	return normalized.Clone(), nil
}

// Delete implements spec.md §4.6 delete. An Insert entry that never
// reached the DB is simply dropped (returns true, no DB touch);
// otherwise a single-row DELETE is issued against the DB.
func (c *Cache) Delete(ctx context.Context, table, key string) (bool, error) {
	t := c.table(table)
	if e, ok := t[key]; ok {
		c.cacheBytes -= uint64(e.Bytes)
		delete(t, key)
		if e.Kind == Insert {
			return true, nil
		}
		return c.exec.DeleteRow(ctx, table, key)
	}
	return c.exec.DeleteRow(ctx, table, key)
}

// IsFull reports cache_bytes > max_bytes.
func (c *Cache) IsFull() bool {
	return c.cacheBytes > c.maxBytes
}

// CacheBytes returns the tracked byte total (invariant 5: Σ entry.bytes).
func (c *Cache) CacheBytes() uint64 { return c.cacheBytes }

// Invalidate drops the entire cache, e.g. before/after a raw-SQL escape
// hatch that may have mutated the DB outside the cache's view.
func (c *Cache) Invalidate() {
	c.perTable = make(map[string]map[string]*Entry)
	c.cacheBytes = 0
}

// Flush implements spec.md §4.6 flush: drains Insert/Update entries into
// batched upserts per table, demotes survivors to Find, and evicts
// entries with a stale op_index when the cache is over its byte budget.
func (c *Cache) Flush(ctx context.Context) error {
	cacheSize := uint64(0)
	for _, t := range c.perTable {
		cacheSize += uint64(len(t))
	}
	flushIndex := uint64(0)
	if f := float64(c.opCounter) - float64(cacheSize)*(1-c.flushRatio); f > 0 {
		flushIndex = uint64(f)
	}
	shouldEvict := c.IsFull()

	for table, entries := range c.perTable {
		pkCols := c.norm.PrimaryKeyColumns(table)

		var inserts, updates []Row
		var insertKeys, updateKeys []string
		for key, e := range entries {
			switch e.Kind {
			case Insert:
				inserts = append(inserts, e.Row)
				insertKeys = append(insertKeys, key)
			case Update:
				updates = append(updates, e.Row)
				updateKeys = append(updateKeys, key)
			}
		}

		if len(inserts) > 0 || len(updates) > 0 {
			cols := columnCount(pkCols, inserts, updates)
			batchSize := c.maxParams / max(cols, 1)
			if batchSize < 1 {
				batchSize = 1
			}
			if err := flushBatched(ctx, c.exec, table, inserts, updates, pkCols, batchSize); err != nil {
				return &errs.FlushError{Table: table, Err: err}
			}
		}

		for key, e := range entries {
			e.Kind = Find
			if shouldEvict && e.OpIndex < flushIndex {
				c.cacheBytes -= uint64(e.Bytes)
				delete(entries, key)
			}
		}
		_ = insertKeys
		_ = updateKeys
	}

	if shouldEvict {
		c.isDatabaseEmpty = false
	}
	return nil
}

func columnCount(pkCols []string, inserts, updates []Row) int {
	for _, r := range inserts {
		if len(r) > 0 {
			return len(r)
		}
	}
	for _, r := range updates {
		if len(r) > 0 {
			return len(r)
		}
	}
	return len(pkCols)
}

func flushBatched(ctx context.Context, exec Executor, table string, inserts, updates []Row, pkCols []string, batchSize int) error {
	for _, batch := range chunkRows(inserts, batchSize) {
		if err := exec.BulkUpsert(ctx, table, batch, nil, pkCols); err != nil {
			return err
		}
	}
	for _, batch := range chunkRows(updates, batchSize) {
		if err := exec.BulkUpsert(ctx, table, nil, batch, pkCols); err != nil {
			return err
		}
	}
	return nil
}

func chunkRows(rows []Row, size int) [][]Row {
	if len(rows) == 0 {
		return nil
	}
	var out [][]Row
	for i := 0; i < len(rows); i += size {
		end := i + size
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[i:end])
	}
	return out
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// sortedKeys is used by tests to assert deterministic flush ordering.
func sortedKeys(m map[string]*Entry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
