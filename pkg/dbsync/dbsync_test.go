package dbsync

import (
	"context"
	"fmt"
	"testing"

	"github.com/go-kit/log"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE widgets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		value TEXT
	)`)
	require.NoError(t, err)
	return db
}

func TestSyncInsertsNewRowsAndAssignsIDs(t *testing.T) {
	db := newTestEngine(t)
	engine := New(db, log.NewNopLogger(), Options{})

	batch := Batch{
		{"name": "a", "value": "1"},
		{"name": "b", "value": "2"},
	}
	result, err := engine.Sync(context.Background(), "widgets", batch, []string{"name"}, "id", []string{"value"}, nil)
	require.NoError(t, err)
	require.Len(t, result.Inserted, 2)
	require.Len(t, result.Batch, 2)
	for _, row := range result.Batch {
		require.NotNil(t, row["id"])
	}
}

func TestSyncDedupesByNaturalKey(t *testing.T) {
	db := newTestEngine(t)
	engine := New(db, log.NewNopLogger(), Options{})

	batch := Batch{
		{"name": "a", "value": "1"},
		{"name": "a", "value": "2"},
	}
	result, err := engine.Sync(context.Background(), "widgets", batch, []string{"name"}, "id", []string{"value"}, nil)
	require.NoError(t, err)
	require.Len(t, result.Batch, 1)
}

func TestSyncUpdatesExistingRows(t *testing.T) {
	db := newTestEngine(t)
	engine := New(db, log.NewNopLogger(), Options{})
	ctx := context.Background()

	first, err := engine.Sync(ctx, "widgets", Batch{{"name": "a", "value": "1"}}, []string{"name"}, "id", []string{"value"}, nil)
	require.NoError(t, err)
	require.Len(t, first.Batch, 1)

	second, err := engine.Sync(ctx, "widgets", Batch{{"name": "a", "value": "2"}}, []string{"name"}, "id", []string{"value"}, nil)
	require.NoError(t, err)
	require.Len(t, second.Updated, 1)
	require.Len(t, second.Inserted, 0)
	require.Equal(t, "2", second.Batch[0]["value"])
	require.Equal(t, first.Batch[0]["id"], second.Batch[0]["id"])
}

// TestSyncIncludesUnchangedRowsInResultBatch guards against a
// regression where rows matching an existing natural key with no
// update columns configured were silently dropped from the result
// batch instead of being reported as unchanged.
func TestSyncIncludesUnchangedRowsInResultBatch(t *testing.T) {
	db := newTestEngine(t)
	engine := New(db, log.NewNopLogger(), Options{})
	ctx := context.Background()

	first, err := engine.Sync(ctx, "widgets", Batch{{"name": "a", "value": "1"}}, []string{"name"}, "id", []string{"value"}, nil)
	require.NoError(t, err)
	require.Len(t, first.Batch, 1)

	second, err := engine.Sync(ctx, "widgets", Batch{{"name": "a", "value": "2"}}, []string{"name"}, "id", nil, nil)
	require.NoError(t, err)
	require.Empty(t, second.Updated)
	require.Empty(t, second.Inserted)
	require.Len(t, second.Batch, 1)
	require.Equal(t, first.Batch[0]["id"], second.Batch[0]["id"])
}

func TestSyncIsolatesPerRowRejectionOnInsert(t *testing.T) {
	db := newTestEngine(t)
	engine := New(db, log.NewNopLogger(), Options{})

	var rejected []RowError
	batch := Batch{
		{"name": "good", "value": "1"},
		{"name": nil, "value": "2"}, // violates NOT NULL on name
	}
	result, err := engine.Sync(context.Background(), "widgets", batch, []string{"value"}, "id", []string{"name"}, func(re RowError) {
		rejected = append(rejected, re)
	})
	require.NoError(t, err)
	require.Len(t, result.Inserted, 1)
	require.Len(t, rejected, 1)
}

func TestSyncEmptyBatchIsNoop(t *testing.T) {
	db := newTestEngine(t)
	engine := New(db, log.NewNopLogger(), Options{})
	result, err := engine.Sync(context.Background(), "widgets", nil, []string{"name"}, "id", []string{"value"}, nil)
	require.NoError(t, err)
	require.Empty(t, result.Batch)
}

// TestSyncBulkInsertsManyRowsInOneStatement guards against a regression
// to per-row INSERTs: a single insertMany call covers the whole batch
// (well under the default MaxPlaceholdersPerStatement), so every row
// commits in one statement rather than one at a time.
func TestSyncBulkInsertsManyRowsInOneStatement(t *testing.T) {
	db := newTestEngine(t)
	engine := New(db, log.NewNopLogger(), Options{})

	batch := make(Batch, 0, 50)
	for i := 0; i < 50; i++ {
		batch = append(batch, Row{"name": fmt.Sprintf("row-%d", i), "value": "1"})
	}
	result, err := engine.Sync(context.Background(), "widgets", batch, []string{"name"}, "id", []string{"value"}, nil)
	require.NoError(t, err)
	require.Len(t, result.Inserted, 50)
	require.Len(t, result.Batch, 50)
	for _, row := range result.Batch {
		require.NotNil(t, row["id"])
	}
}

// TestSyncBulkUpdatesManyRowsInOneStatement exercises the CASE-expression
// bulk UPDATE path across many rows at once.
func TestSyncBulkUpdatesManyRowsInOneStatement(t *testing.T) {
	db := newTestEngine(t)
	engine := New(db, log.NewNopLogger(), Options{})
	ctx := context.Background()

	insertBatch := make(Batch, 0, 20)
	for i := 0; i < 20; i++ {
		insertBatch = append(insertBatch, Row{"name": fmt.Sprintf("row-%d", i), "value": "old"})
	}
	first, err := engine.Sync(ctx, "widgets", insertBatch, []string{"name"}, "id", []string{"value"}, nil)
	require.NoError(t, err)
	require.Len(t, first.Batch, 20)

	updateBatch := make(Batch, 0, 20)
	for i := 0; i < 20; i++ {
		updateBatch = append(updateBatch, Row{"name": fmt.Sprintf("row-%d", i), "value": fmt.Sprintf("new-%d", i)})
	}
	second, err := engine.Sync(ctx, "widgets", updateBatch, []string{"name"}, "id", []string{"value"}, nil)
	require.NoError(t, err)
	require.Len(t, second.Updated, 20)

	byName := make(map[string]Row, len(second.Batch))
	for _, row := range second.Batch {
		byName[fmt.Sprint(row["name"])] = row
	}
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("row-%d", i)
		require.Equal(t, fmt.Sprintf("new-%d", i), byName[name]["value"])
	}
}
