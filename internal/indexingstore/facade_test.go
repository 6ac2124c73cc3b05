package indexingstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/0xkanth/indexcore/internal/rowcache"
)

type fakeExecutor struct {
	rows map[string]map[string]rowcache.Row
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{rows: make(map[string]map[string]rowcache.Row)}
}

func (f *fakeExecutor) FindRow(ctx context.Context, table, key string) (rowcache.Row, bool, error) {
	t, ok := f.rows[table]
	if !ok {
		return nil, false, nil
	}
	r, ok := t[key]
	return r, ok, nil
}

func (f *fakeExecutor) DeleteRow(ctx context.Context, table, key string) (bool, error) {
	t, ok := f.rows[table]
	if !ok {
		return false, nil
	}
	_, existed := t[key]
	delete(t, key)
	return existed, nil
}

func (f *fakeExecutor) BulkUpsert(ctx context.Context, table string, inserts, updates []rowcache.Row, pkCols []string) error {
	t, ok := f.rows[table]
	if !ok {
		t = make(map[string]rowcache.Row)
		f.rows[table] = t
	}
	for _, r := range append(append([]rowcache.Row{}, inserts...), updates...) {
		t[r["id"].(string)] = r
	}
	return nil
}

func (f *fakeExecutor) ExecRaw(ctx context.Context, sql string, args []any) ([][]any, error) {
	return [][]any{{"ok"}}, nil
}

type fakeRegistry struct{ onChain map[string]bool }

func (r fakeRegistry) IsDefined(table string) bool { _, ok := r.onChain[table]; return ok }
func (r fakeRegistry) IsOnChain(table string) bool  { return r.onChain[table] }

func petNormalizer() *rowcache.SchemaNormalizer {
	return rowcache.NewSchemaNormalizer([]rowcache.Table{
		{
			Name:       "pet",
			PrimaryKey: []string{"id"},
			Columns: []rowcache.Column{
				{Name: "id", NotNull: true},
				{Name: "name", NotNull: true},
				{Name: "bigAge"},
			},
		},
	})
}

func newTestFacade() (*Facade, *fakeExecutor) {
	exec := newFakeExecutor()
	cache := rowcache.New(exec, petNormalizer(), rowcache.Config{MaxBytes: 1 << 20, IsDatabaseEmpty: true})
	registry := fakeRegistry{onChain: map[string]bool{"pet": true, "off_chain_table": false}}
	return New(cache, exec, registry), exec
}

// S1: basic create/find/delete.
func TestBasicCreateFindDelete(t *testing.T) {
	f, _ := newTestFacade()
	defer f.Close()
	ctx := context.Background()

	_, err := f.Insert(ctx, "pet", "id1", rowcache.Row{"id": "id1", "name": "Skip", "age": int64(12)}, ConflictThrow, nil)
	require.NoError(t, err)

	row, err := f.Find(ctx, "pet", "id1")
	require.NoError(t, err)
	require.Equal(t, "Skip", row["name"])

	deleted, err := f.Delete(ctx, "pet", "id1")
	require.NoError(t, err)
	require.True(t, deleted)

	row, err = f.Find(ctx, "pet", "id1")
	require.NoError(t, err)
	require.Nil(t, row)
}

// S3: update function.
func TestUpdateFunction(t *testing.T) {
	f, _ := newTestFacade()
	defer f.Close()
	ctx := context.Background()

	_, err := f.Insert(ctx, "pet", "id1", rowcache.Row{"id": "id1", "name": "Skip", "bigAge": int64(100)}, ConflictThrow, nil)
	require.NoError(t, err)

	row, err := f.Update(ctx, "pet", "id1", Patch{Derived: func(current rowcache.Row) rowcache.Row {
		return rowcache.Row{"name": current["name"].(string) + " and Skipper"}
	}})
	require.NoError(t, err)
	require.Equal(t, "Skip and Skipper", row["name"])
	require.Equal(t, int64(100), row["bigAge"])
}

func TestUpdateAgainstAbsentRowRaisesRecordNotFound(t *testing.T) {
	f, _ := newTestFacade()
	defer f.Close()
	_, err := f.Update(context.Background(), "pet", "missing", Patch{Static: rowcache.Row{"name": "x"}})
	require.Error(t, err)
}

func TestInsertConflictThrowOnDuplicate(t *testing.T) {
	f, _ := newTestFacade()
	defer f.Close()
	ctx := context.Background()
	_, err := f.Insert(ctx, "pet", "id1", rowcache.Row{"id": "id1", "name": "Skip"}, ConflictThrow, nil)
	require.NoError(t, err)
	_, err = f.Insert(ctx, "pet", "id1", rowcache.Row{"id": "id1", "name": "Skip2"}, ConflictThrow, nil)
	require.Error(t, err)
}

func TestInsertConflictDoNothing(t *testing.T) {
	f, _ := newTestFacade()
	defer f.Close()
	ctx := context.Background()
	_, _ = f.Insert(ctx, "pet", "id1", rowcache.Row{"id": "id1", "name": "Skip"}, ConflictThrow, nil)
	row, err := f.Insert(ctx, "pet", "id1", rowcache.Row{"id": "id1", "name": "Skip2"}, ConflictDoNothing, nil)
	require.NoError(t, err)
	require.Equal(t, "Skip", row["name"])
}

func TestOffChainTableRejected(t *testing.T) {
	f, _ := newTestFacade()
	defer f.Close()
	_, err := f.Find(context.Background(), "off_chain_table", "id1")
	require.Error(t, err)
}

func TestUndefinedTableRejected(t *testing.T) {
	f, _ := newTestFacade()
	defer f.Close()
	_, err := f.Find(context.Background(), "no_such_table", "id1")
	require.Error(t, err)
}

// Invariant 4 / Ordering guarantee: a find immediately following an
// insert to the same key, from a separate goroutine racing through the
// FIFO, still observes read-after-write.
func TestFIFOSerializesConcurrentOperations(t *testing.T) {
	f, _ := newTestFacade()
	defer f.Close()
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			_, _ = f.Insert(ctx, "pet", "id1", rowcache.Row{"id": "id1", "name": "Skip"}, ConflictDoNothing, nil)
			_, _ = f.Delete(ctx, "pet", "id1")
		}
		close(done)
	}()

	for i := 0; i < 50; i++ {
		_, _ = f.Find(ctx, "pet", "id1")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("FIFO deadlocked")
	}
}

func TestSQLFlushesBeforeExecuting(t *testing.T) {
	f, exec := newTestFacade()
	defer f.Close()
	ctx := context.Background()

	_, err := f.Insert(ctx, "pet", "id1", rowcache.Row{"id": "id1", "name": "Skip"}, ConflictThrow, nil)
	require.NoError(t, err)

	rows, err := f.SQL(ctx, "SELECT 1", nil)
	require.NoError(t, err)
	require.Equal(t, [][]any{{"ok"}}, rows)

	_, ok := exec.rows["pet"]["id1"]
	require.True(t, ok, "insert must have been flushed to the DB before the raw query ran")
}
