// Package pgstore implements the DbExecutor capability (spec.md §1, §4.5)
// against Postgres via jackc/pgx/v5, generalizing cmd/consumer/main.go's
// pgxpool.Pool usage from one-off event-table INSERTs into the sync
// store's interval-persistence and row-cache flush surface.
package pgstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/0xkanth/indexcore/internal/intervalset"
	"github.com/0xkanth/indexcore/internal/localcache"
	"github.com/0xkanth/indexcore/internal/rowcache"
	"github.com/0xkanth/indexcore/internal/rpccache"
)

// Store is the Postgres-backed sync store and row cache executor.
type Store struct {
	pool   *pgxpool.Pool
	mirror *localcache.Mirror
	logger zerolog.Logger
}

// Config is the subset of koanf-loaded postgres.* keys pgstore needs.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (c Config) dsn() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Open connects to Postgres and wires a local interval mirror.
func Open(ctx context.Context, cfg Config, mirror *localcache.Mirror, logger zerolog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return &Store{pool: pool, mirror: mirror, logger: logger.With().Str("component", "pgstore").Logger()}, nil
}

func (s *Store) Close() { s.pool.Close() }

// --- Interval-persistence tables (spec.md §4.5, §6) ---

const intervalTableDDL = `
CREATE TABLE IF NOT EXISTS %s (
	chain_id BIGINT NOT NULL,
	source_id TEXT NOT NULL,
	start_block BIGINT NOT NULL,
	end_block BIGINT NOT NULL
)`

// EnsureSchema creates the interval-persistence tables and the
// rpc_request_results table if absent. The user on-chain schema itself
// is out of scope (spec.md §1: "the schema/DDL builder" is an external
// collaborator).
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, table := range localcache.Buckets() {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(intervalTableDDL, table)); err != nil {
			return fmt.Errorf("pgstore: ensure schema %s: %w", table, err)
		}
	}
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS rpc_request_results (
	chain_id BIGINT NOT NULL,
	request_hash TEXT NOT NULL,
	block_number BIGINT,
	result_json TEXT NOT NULL,
	PRIMARY KEY (chain_id, request_hash)
)`)
	if err != nil {
		return fmt.Errorf("pgstore: ensure rpc_request_results: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS factory_child_address_logs (
	chain_id BIGINT NOT NULL,
	factory_id TEXT NOT NULL,
	child_address TEXT NOT NULL,
	block_number BIGINT NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("pgstore: ensure factory_child_address_logs: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS blocks (
	chain_id BIGINT NOT NULL,
	block_number BIGINT NOT NULL,
	block_hash TEXT NOT NULL,
	block_timestamp BIGINT NOT NULL,
	PRIMARY KEY (chain_id, block_number)
)`)
	if err != nil {
		return fmt.Errorf("pgstore: ensure blocks: %w", err)
	}
	return nil
}

// GetBlock implements the sync store's "get_block" capability (spec.md
// §4.5): reports whether a block has already been fetched and
// persisted for this chain, letting BlockInterval tasks skip
// registering a redundant callback.
func (s *Store) GetBlock(ctx context.Context, chainID, blockNumber uint64) (bool, uint64, error) {
	row := s.pool.QueryRow(ctx, `SELECT block_timestamp FROM blocks WHERE chain_id = $1 AND block_number = $2`, chainID, blockNumber)
	var ts uint64
	if err := row.Scan(&ts); err != nil {
		if err == pgx.ErrNoRows {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("pgstore: get block: %w", err)
	}
	return true, ts, nil
}

// InsertBlock idempotently records a fetched block's identity, called
// once a Block task's RPC fetch succeeds.
func (s *Store) InsertBlock(ctx context.Context, chainID, blockNumber uint64, hash string, timestamp uint64) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO blocks (chain_id, block_number, block_hash, block_timestamp) VALUES ($1,$2,$3,$4)
ON CONFLICT (chain_id, block_number) DO NOTHING`, chainID, blockNumber, hash, timestamp)
	if err != nil {
		return fmt.Errorf("pgstore: insert block: %w", err)
	}
	return nil
}

// GetIntervals loads the persisted interval set for (bucket, chain,
// source), consulting the local mirror first.
func (s *Store) GetIntervals(ctx context.Context, bucket string, chainID uint64, sourceID string) (intervalset.Set, error) {
	if set, ok, err := s.mirror.Get(bucket, chainID, sourceID); err == nil && ok {
		return set, nil
	}

	rows, err := s.pool.Query(ctx,
		fmt.Sprintf("SELECT start_block, end_block FROM %s WHERE chain_id = $1 AND source_id = $2", bucket),
		chainID, sourceID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: get intervals %s: %w", bucket, err)
	}
	defer rows.Close()

	var ivs []intervalset.Interval
	for rows.Next() {
		var lo, hi uint64
		if err := rows.Scan(&lo, &hi); err != nil {
			return nil, fmt.Errorf("pgstore: scan interval row: %w", err)
		}
		ivs = append(ivs, intervalset.Interval{Lo: lo, Hi: hi})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	set := intervalset.Of(ivs...)
	_ = s.mirror.Put(bucket, chainID, sourceID, set)
	return set, nil
}

// InsertInterval idempotently records a completed interval for
// (bucket, chainID, sourceID), then updates the local mirror. Callers
// must have already written the corresponding blobs in the same
// transaction as required by spec.md §5 ("so that 'interval present' ⇒
// 'blobs present'"); InsertInterval itself only performs the interval
// row write, since blob writes are table-specific and issued by the
// caller via BulkUpsert/ExecRaw against the same pool beforehand.
func (s *Store) InsertInterval(ctx context.Context, bucket string, chainID uint64, sourceID string, iv intervalset.Interval) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s (chain_id, source_id, start_block, end_block) VALUES ($1,$2,$3,$4)", bucket),
		chainID, sourceID, iv.Lo, iv.Hi)
	if err != nil {
		return fmt.Errorf("pgstore: insert interval %s: %w", bucket, err)
	}

	merged := intervalset.Union(intervalset.Of(iv), mustGetMirrored(s, bucket, chainID, sourceID))
	return s.mirror.Put(bucket, chainID, sourceID, merged)
}

func mustGetMirrored(s *Store, bucket string, chainID uint64, sourceID string) intervalset.Set {
	set, _, _ := s.mirror.Get(bucket, chainID, sourceID)
	return set
}

// InsertFactoryChildAddressLogs records newly-discovered factory child
// addresses.
func (s *Store) InsertFactoryChildAddressLogs(ctx context.Context, chainID uint64, factoryID string, addresses []string, blockNumber uint64) error {
	batch := &pgx.Batch{}
	for _, addr := range addresses {
		batch.Queue(`INSERT INTO factory_child_address_logs (chain_id, factory_id, child_address, block_number) VALUES ($1,$2,$3,$4)`,
			chainID, factoryID, addr, blockNumber)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range addresses {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("pgstore: insert factory child addresses: %w", err)
		}
	}
	return nil
}

// GetFactoryChildAddresses streams child addresses discovered at or
// before maxBlock in pages of pageSize, invoking fn per page. This
// stands in for spec.md §4.5's "returns an async batch iterator."
func (s *Store) GetFactoryChildAddresses(ctx context.Context, chainID uint64, factoryID string, maxBlock uint64, pageSize int, fn func(addresses []string) error) error {
	var lastBlock uint64
	var lastAddr string
	for {
		rows, err := s.pool.Query(ctx, `
SELECT child_address, block_number FROM factory_child_address_logs
WHERE chain_id = $1 AND factory_id = $2 AND block_number <= $3
  AND (block_number, child_address) > ($4, $5)
ORDER BY block_number, child_address
LIMIT $6`, chainID, factoryID, maxBlock, lastBlock, lastAddr, pageSize)
		if err != nil {
			return fmt.Errorf("pgstore: get factory child addresses: %w", err)
		}

		var page []string
		for rows.Next() {
			var addr string
			var block uint64
			if err := rows.Scan(&addr, &block); err != nil {
				rows.Close()
				return err
			}
			page = append(page, addr)
			lastBlock, lastAddr = block, addr
		}
		rows.Close()
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < pageSize {
			return nil
		}
	}
}

// GetRPCRequestResults looks up cached RPC responses by canonical
// request hash, returning a parallel slice of (result, found).
func (s *Store) GetRPCRequestResults(ctx context.Context, chainID uint64, requestHashes []string) ([]string, []bool, error) {
	results := make([]string, len(requestHashes))
	found := make([]bool, len(requestHashes))

	rows, err := s.pool.Query(ctx,
		`SELECT request_hash, result_json FROM rpc_request_results WHERE chain_id = $1 AND request_hash = ANY($2)`,
		chainID, requestHashes)
	if err != nil {
		return nil, nil, fmt.Errorf("pgstore: get rpc request results: %w", err)
	}
	defer rows.Close()

	byHash := make(map[string]string)
	for rows.Next() {
		var hash, result string
		if err := rows.Scan(&hash, &result); err != nil {
			return nil, nil, err
		}
		byHash[hash] = result
	}

	for i, h := range requestHashes {
		if r, ok := byHash[h]; ok {
			results[i] = r
			found[i] = true
		}
	}
	return results, found, rows.Err()
}

// InsertRPCRequestResults implements rpccache.DBCache's persistence
// half, reusing rpccache's own row type directly rather than mirroring
// it: rpccache never imports pgstore, so this edge can't cycle.
func (s *Store) InsertRPCRequestResults(ctx context.Context, chainID uint64, rows []rpccache.RPCResultInsert) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
INSERT INTO rpc_request_results (chain_id, request_hash, block_number, result_json)
VALUES ($1,$2,$3,$4)
ON CONFLICT (chain_id, request_hash) DO UPDATE SET result_json = EXCLUDED.result_json, block_number = EXCLUDED.block_number`,
			chainID, r.RequestHash, r.BlockHint, r.ResultJSON)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("pgstore: insert rpc request results: %w", err)
		}
	}
	return nil
}

// --- rowcache.Executor: user on-chain table reads/writes ---

// FindRow implements rowcache.Executor.
func (s *Store) FindRow(ctx context.Context, table, key string) (rowcache.Row, bool, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT __row FROM %s WHERE __pk = $1", table), key)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("pgstore: find row %s: %w", table, err)
	}
	decoded, err := decodeRow(data)
	if err != nil {
		return nil, false, err
	}
	return decoded, true, nil
}

// DeleteRow implements rowcache.Executor.
func (s *Store) DeleteRow(ctx context.Context, table, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE __pk = $1", table), key)
	if err != nil {
		return false, fmt.Errorf("pgstore: delete row %s: %w", table, err)
	}
	return tag.RowsAffected() > 0, nil
}

// BulkUpsert implements rowcache.Executor, batching the row cache's
// flush into INSERT and INSERT ... ON CONFLICT DO UPDATE statements
// (spec.md §4.6). Column binding is generalized here to a JSONB blob
// column keyed by the row's primary-key concatenation, since the actual
// user schema (and thus real column lists) is supplied by the
// out-of-scope schema module; a concrete schema-aware implementation
// would generate a positional column list per table instead.
func (s *Store) BulkUpsert(ctx context.Context, table string, inserts, updates []rowcache.Row, pkColumns []string) error {
	batch := &pgx.Batch{}
	n := 0
	for _, r := range inserts {
		pk := primaryKey(r, pkColumns)
		data, err := encodeRow(r)
		if err != nil {
			return err
		}
		batch.Queue(fmt.Sprintf("INSERT INTO %s (__pk, __row) VALUES ($1,$2) ON CONFLICT (__pk) DO NOTHING", table), pk, data)
		n++
	}
	for _, r := range updates {
		pk := primaryKey(r, pkColumns)
		data, err := encodeRow(r)
		if err != nil {
			return err
		}
		batch.Queue(fmt.Sprintf("INSERT INTO %s (__pk, __row) VALUES ($1,$2) ON CONFLICT (__pk) DO UPDATE SET __row = EXCLUDED.__row", table), pk, data)
		n++
	}
	if n == 0 {
		return nil
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < n; i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("pgstore: bulk upsert %s: %w", table, err)
		}
	}
	return nil
}

// ExecRaw implements indexingstore.RawExecutor for the sql() escape
// hatch.
func (s *Store) ExecRaw(ctx context.Context, query string, args []any) ([][]any, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: exec raw: %w", err)
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}

func primaryKey(r rowcache.Row, pkColumns []string) string {
	var b strings.Builder
	for _, c := range pkColumns {
		fmt.Fprintf(&b, "%v", r[c])
	}
	return b.String()
}
