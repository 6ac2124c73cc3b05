package rowcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	rows    map[string]map[string]Row
	deletes []string
	upserts int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{rows: make(map[string]map[string]Row)}
}

func (f *fakeExecutor) FindRow(ctx context.Context, table, key string) (Row, bool, error) {
	t, ok := f.rows[table]
	if !ok {
		return nil, false, nil
	}
	r, ok := t[key]
	return r, ok, nil
}

func (f *fakeExecutor) DeleteRow(ctx context.Context, table, key string) (bool, error) {
	f.deletes = append(f.deletes, table+"/"+key)
	t, ok := f.rows[table]
	if !ok {
		return false, nil
	}
	_, existed := t[key]
	delete(t, key)
	return existed, nil
}

func (f *fakeExecutor) BulkUpsert(ctx context.Context, table string, inserts, updates []Row, pkCols []string) error {
	f.upserts++
	t, ok := f.rows[table]
	if !ok {
		t = make(map[string]Row)
		f.rows[table] = t
	}
	for _, r := range append(append([]Row{}, inserts...), updates...) {
		key := fmtKey(r, pkCols)
		t[key] = r
	}
	return nil
}

func fmtKey(r Row, pkCols []string) string {
	s := ""
	for _, c := range pkCols {
		s += toStr(r[c])
	}
	return s
}

func toStr(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func petNormalizer() *SchemaNormalizer {
	return NewSchemaNormalizer([]Table{
		{
			Name:       "pet",
			PrimaryKey: []string{"id"},
			Columns: []Column{
				{Name: "id", NotNull: true},
				{Name: "name", NotNull: true},
				{Name: "age", NotNull: false, Default: int64(0)},
			},
		},
	})
}

// S1: basic create/find/delete.
func TestBasicCreateFindDelete(t *testing.T) {
	exec := newFakeExecutor()
	c := New(exec, petNormalizer(), Config{MaxBytes: 1 << 20})

	_, err := c.Set("pet", "id1", Row{"id": "id1", "name": "Skip", "age": int64(12)}, Insert)
	require.NoError(t, err)

	row, err := c.Get(context.Background(), "pet", "id1")
	require.NoError(t, err)
	require.Equal(t, "Skip", row["name"])

	ok, err := c.Delete(context.Background(), "pet", "id1")
	require.NoError(t, err)
	require.True(t, ok)

	row, err = c.Get(context.Background(), "pet", "id1")
	require.NoError(t, err)
	require.Nil(t, row)
}

// S3: update function semantics (patch application), exercised at the
// rowcache layer as a Set with the already-merged patch (the façade is
// responsible for computing the function's result before calling Set).
func TestUpdateAppliesPatch(t *testing.T) {
	exec := newFakeExecutor()
	c := New(exec, petNormalizer(), Config{MaxBytes: 1 << 20})

	_, err := c.Set("pet", "id1", Row{"id": "id1", "name": "Skip", "age": int64(100)}, Insert)
	require.NoError(t, err)

	updated, err := c.Set("pet", "id1", Row{"name": "Skip and Skipper"}, Update)
	require.NoError(t, err)
	require.Equal(t, "Skip and Skipper", updated["name"])
	require.Equal(t, int64(100), updated["age"])
}

func TestInsertNeverFlushedDeleteSkipsDB(t *testing.T) {
	exec := newFakeExecutor()
	c := New(exec, petNormalizer(), Config{MaxBytes: 1 << 20})

	_, err := c.Set("pet", "id1", Row{"id": "id1", "name": "Skip"}, Insert)
	require.NoError(t, err)

	ok, err := c.Delete(context.Background(), "pet", "id1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, exec.deletes, "Insert entries must never reach the DB")
}

func TestNotNullConstraint(t *testing.T) {
	exec := newFakeExecutor()
	c := New(exec, petNormalizer(), Config{MaxBytes: 1 << 20})

	_, err := c.Set("pet", "id1", Row{"id": "id1"}, Insert)
	require.Error(t, err)
}

func TestFlushDemotesToFindAndClearsInsert(t *testing.T) {
	exec := newFakeExecutor()
	c := New(exec, petNormalizer(), Config{MaxBytes: 1 << 20, FlushRatio: 0.5, MaxQueryParameters: 100})

	_, err := c.Set("pet", "id1", Row{"id": "id1", "name": "Skip", "age": int64(1)}, Insert)
	require.NoError(t, err)

	require.NoError(t, c.Flush(context.Background()))
	require.Equal(t, 1, exec.upserts)

	entry := c.perTable["pet"]["id1"]
	require.Equal(t, Find, entry.Kind)
}

func TestCacheBytesMatchesEntrySum(t *testing.T) {
	exec := newFakeExecutor()
	c := New(exec, petNormalizer(), Config{MaxBytes: 1 << 20})

	_, _ = c.Set("pet", "id1", Row{"id": "id1", "name": "Skip", "age": int64(1)}, Insert)
	_, _ = c.Set("pet", "id2", Row{"id": "id2", "name": "Rex", "age": int64(2)}, Insert)

	var sum uint64
	for _, table := range c.perTable {
		for _, e := range table {
			sum += uint64(e.Bytes)
		}
	}
	require.Equal(t, sum, c.CacheBytes())

	_, _ = c.Delete(context.Background(), "pet", "id1")
	sum = 0
	for _, table := range c.perTable {
		for _, e := range table {
			sum += uint64(e.Bytes)
		}
	}
	require.Equal(t, sum, c.CacheBytes())
}

func TestIsFull(t *testing.T) {
	exec := newFakeExecutor()
	c := New(exec, petNormalizer(), Config{MaxBytes: 1})
	require.False(t, c.IsFull())
	_, _ = c.Set("pet", "id1", Row{"id": "id1", "name": "Skip", "age": int64(1)}, Insert)
	require.True(t, c.IsFull())
}

func TestInvalidateClearsCache(t *testing.T) {
	exec := newFakeExecutor()
	c := New(exec, petNormalizer(), Config{MaxBytes: 1 << 20})
	_, _ = c.Set("pet", "id1", Row{"id": "id1", "name": "Skip", "age": int64(1)}, Insert)
	c.Invalidate()
	require.Equal(t, uint64(0), c.CacheBytes())
	row, err := c.Get(context.Background(), "pet", "id1")
	require.NoError(t, err)
	require.Nil(t, row, "invalidated cache must fall through to the (empty) fake DB")
}
