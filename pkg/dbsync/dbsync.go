// Package dbsync implements the batched insert/update engine:
// given a tabular batch of candidate rows, a natural key, a
// surrogate pkey column and an update policy, it produces a
// result-equivalent batch with every row's surrogate id assigned.
//
// Already-known rows are copied through, only new ones are inserted,
// and per-row errors are isolated and reported through a callback
// instead of failing the batch. Statements are chunked to a bound
// placeholder count and writes to a table are gated by a per-table
// semaphore.
package dbsync

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/concurrency"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Row is one candidate row, keyed by column name. The engine is
// schema-agnostic: every pipeline stage (events, stations, channels,
// segments) drives the same Engine with its own table/column set.
type Row map[string]interface{}

// Batch is a tabular batch of candidate rows, moved by value between
// stages.
type Batch []Row

// Options configures the engine.
type Options struct {
	// MaxPlaceholdersPerStatement bounds how many bound parameters a
	// single INSERT/UPDATE/SELECT statement may use; batches are
	// chunked to this size.
	MaxPlaceholdersPerStatement int

	// MaxConcurrentWritesPerTable bounds how many concurrent
	// INSERT/UPDATE statements may be in flight for a single table,
	// enforced by a semaphore.Weighted per table.
	MaxConcurrentWritesPerTable int64
}

func (o *Options) setDefaults() {
	if o.MaxPlaceholdersPerStatement <= 0 {
		o.MaxPlaceholdersPerStatement = 8192
	}
	if o.MaxConcurrentWritesPerTable <= 0 {
		o.MaxConcurrentWritesPerTable = 8
	}
}

// Engine is the DB sync engine. One Engine is shared by all
// stages; it is the only thing in the pipeline that opens SQL
// statements.
type Engine struct {
	db     *sqlx.DB
	logger log.Logger
	opts   Options

	mu         sync.Mutex
	semaphores map[string]*semaphore.Weighted
}

// New returns an Engine backed by db.
func New(db *sqlx.DB, logger log.Logger, opts Options) *Engine {
	opts.setDefaults()
	return &Engine{
		db:         db,
		logger:     logger,
		opts:       opts,
		semaphores: make(map[string]*semaphore.Weighted),
	}
}

func (e *Engine) tableSemaphore(table string) *semaphore.Weighted {
	e.mu.Lock()
	defer e.mu.Unlock()
	sem, ok := e.semaphores[table]
	if !ok {
		sem = semaphore.NewWeighted(e.opts.MaxConcurrentWritesPerTable)
		e.semaphores[table] = sem
	}
	return sem
}

// RowError pairs a rejected row with the SQL error that rejected it.
type RowError struct {
	Row Row
	Err error
}

// Result is the outcome of one Sync call.
type Result struct {
	Inserted       Batch
	Rejected       []RowError
	Updated        Batch
	RejectedUpdate []RowError
	// Batch is every surviving row (inserted ∪ updated ∪ unchanged),
	// each carrying its surrogate id under PkeyCol.
	Batch Batch
}

// Sync performs the insert-new / update-existing reconciliation.
// naturalKeyCols identifies the natural key; pkeyCol is the
// surrogate id column assigned by the database. If updateCols is
// empty, existing rows are left untouched (stations' inventory_xml
// column is deliberately excluded this way by the channels stage).
func (e *Engine) Sync(ctx context.Context, table string, batch Batch, naturalKeyCols []string, pkeyCol string, updateCols []string, onRowError func(RowError)) (Result, error) {
	deduped := dedup(batch, naturalKeyCols)
	if len(deduped) == 0 {
		return Result{}, nil
	}

	existing, err := e.lookupExisting(ctx, table, deduped, naturalKeyCols, pkeyCol)
	if err != nil {
		return Result{}, errors.Wrapf(err, "look up existing %s rows by natural key", table)
	}

	var toInsert, toUpdate, unchanged Batch
	for _, row := range deduped {
		key := naturalKey(row, naturalKeyCols)
		if existingRow, ok := existing[key]; ok {
			row[pkeyCol] = existingRow[pkeyCol]
			if len(updateCols) > 0 {
				toUpdate = append(toUpdate, row)
			} else {
				unchanged = append(unchanged, mergeRow(existingRow, row, updateCols))
			}
		} else {
			toInsert = append(toInsert, row)
		}
	}

	result := Result{}

	if len(toInsert) > 0 {
		inserted, rejected, err := e.insertBatch(ctx, table, toInsert, naturalKeyCols, pkeyCol)
		if err != nil {
			return Result{}, errors.Wrapf(err, "insert into %s", table)
		}
		result.Inserted = inserted
		result.Rejected = rejected
		for _, re := range rejected {
			if onRowError != nil {
				onRowError(re)
			}
		}
	}

	if len(toUpdate) > 0 {
		updated, rejected, err := e.updateBatch(ctx, table, toUpdate, pkeyCol, updateCols)
		if err != nil {
			return Result{}, errors.Wrapf(err, "update %s", table)
		}
		result.Updated = updated
		result.RejectedUpdate = rejected
		for _, re := range rejected {
			if onRowError != nil {
				onRowError(re)
			}
		}
	}

	result.Batch = append(append(append(Batch{}, result.Inserted...), result.Updated...), unchanged...)

	if len(result.Batch) == 0 && len(toInsert)+len(toUpdate) > 0 {
		return result, errors.Errorf("sync of %s persisted zero rows out of %d candidates", table, len(toInsert)+len(toUpdate))
	}

	level.Debug(e.logger).Log("msg", "synced batch", "table", table, "candidates", len(deduped),
		"inserted", len(result.Inserted), "updated", len(result.Updated),
		"rejected", len(result.Rejected), "rejected_updates", len(result.RejectedUpdate))

	return result, nil
}

func dedup(batch Batch, naturalKeyCols []string) Batch {
	seen := make(map[string]struct{}, len(batch))
	out := make(Batch, 0, len(batch))
	for _, row := range batch {
		k := naturalKey(row, naturalKeyCols)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, row)
	}
	return out
}

func naturalKey(row Row, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%v", row[c])
	}
	return strings.Join(parts, "\x1f")
}

func mergeRow(existing, incoming Row, updateCols []string) Row {
	out := make(Row, len(existing))
	for k, v := range existing {
		out[k] = v
	}
	for _, c := range updateCols {
		out[c] = incoming[c]
	}
	return out
}

// lookupExisting fetches the subset of table already present for the
// natural keys found in batch, chunked to Options.MaxPlaceholdersPerStatement.
func (e *Engine) lookupExisting(ctx context.Context, table string, batch Batch, naturalKeyCols []string, pkeyCol string) (map[string]Row, error) {
	out := make(map[string]Row, len(batch))
	cols := append([]string{pkeyCol}, naturalKeyCols...)
	chunkSize := e.opts.MaxPlaceholdersPerStatement / len(naturalKeyCols)
	if chunkSize < 1 {
		chunkSize = 1
	}

	for start := 0; start < len(batch); start += chunkSize {
		end := min(start+chunkSize, len(batch))
		chunk := batch[start:end]

		var where []string
		var args []interface{}
		for _, row := range chunk {
			var group []string
			for _, c := range naturalKeyCols {
				group = append(group, fmt.Sprintf("%s = ?", c))
				args = append(args, row[c])
			}
			where = append(where, "("+strings.Join(group, " AND ")+")")
		}

		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(cols, ", "), table, strings.Join(where, " OR "))
		query = e.db.Rebind(query)

		rows, err := e.db.QueryxContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		err = func() error {
			defer rows.Close()
			for rows.Next() {
				row := make(Row)
				if err := rows.MapScan(row); err != nil {
					return err
				}
				out[naturalKey(row, naturalKeyCols)] = row
			}
			return rows.Err()
		}()
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// insertBatch bulk-inserts rows not found by lookupExisting with one
// multi-row INSERT statement per chunk,
// chunked to Options.MaxPlaceholdersPerStatement, then reads back
// assigned surrogate ids by natural key in one query rather than one
// row at a time. A chunk whose bulk
// INSERT fails falls back to inserting that chunk's rows one at a time
// to isolate which row was rejected.
func (e *Engine) insertBatch(ctx context.Context, table string, rows Batch, naturalKeyCols []string, pkeyCol string) (Batch, []RowError, error) {
	sem := e.tableSemaphore(table)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}
	defer sem.Release(1)

	cols := insertColumns(rows, pkeyCol)

	var inserted Batch
	var rejected []RowError

	chunkSize := e.opts.MaxPlaceholdersPerStatement / len(cols)
	if chunkSize < 1 {
		chunkSize = 1
	}

	for start := 0; start < len(rows); start += chunkSize {
		end := min(start+chunkSize, len(rows))
		chunk := rows[start:end]

		if err := e.insertMany(ctx, table, chunk, cols); err != nil {
			level.Warn(e.logger).Log("msg", "bulk insert failed, falling back to per-row isolation", "table", table, "rows", len(chunk), "err", err)
			ins, rej := e.insertRowsIndividually(ctx, table, chunk, cols)
			inserted = append(inserted, ins...)
			rejected = append(rejected, rej...)
			continue
		}
		inserted = append(inserted, chunk...)
	}

	assigned, err := e.lookupExisting(ctx, table, inserted, naturalKeyCols, pkeyCol)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read back assigned surrogate ids")
	}
	for i, row := range inserted {
		if got, ok := assigned[naturalKey(row, naturalKeyCols)]; ok {
			row[pkeyCol] = got[pkeyCol]
			inserted[i] = row
		}
	}

	return inserted, rejected, nil
}

// insertMany issues exactly one multi-row INSERT statement for rows.
func (e *Engine) insertMany(ctx context.Context, table string, rows Batch, cols []string) error {
	var groups []string
	var args []interface{}
	for _, row := range rows {
		placeholders := make([]string, len(cols))
		for i, c := range cols {
			placeholders[i] = "?"
			args = append(args, row[c])
		}
		groups = append(groups, "("+strings.Join(placeholders, ", ")+")")
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", table, strings.Join(cols, ", "), strings.Join(groups, ", "))
	query = e.db.Rebind(query)
	_, err := e.db.ExecContext(ctx, query, args...)
	return err
}

// insertRowsIndividually is the per-row fallback used once a chunk's
// bulk INSERT has already failed, so the single offending row can be
// isolated without discarding the rest of the chunk.
func (e *Engine) insertRowsIndividually(ctx context.Context, table string, rows Batch, cols []string) (Batch, []RowError) {
	var inserted Batch
	var rejected []RowError
	var mu sync.Mutex

	_ = concurrency.ForEachJob(ctx, len(rows), 1, func(ctx context.Context, idx int) error {
		row := rows[idx]
		if err := e.insertOne(ctx, table, row, cols); err != nil {
			mu.Lock()
			rejected = append(rejected, RowError{Row: row, Err: err})
			mu.Unlock()
			level.Warn(e.logger).Log("msg", "rejected row on insert", "table", table, "err", err)
			return nil
		}
		mu.Lock()
		inserted = append(inserted, row)
		mu.Unlock()
		return nil
	})
	return inserted, rejected
}

func (e *Engine) insertOne(ctx context.Context, table string, row Row, cols []string) error {
	placeholders := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	for i, c := range cols {
		placeholders[i] = "?"
		args[i] = row[c]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	query = e.db.Rebind(query)
	_, err := e.db.ExecContext(ctx, query, args...)
	return err
}

func insertColumns(rows Batch, pkeyCol string) []string {
	seen := make(map[string]struct{})
	var cols []string
	for _, row := range rows {
		for c := range row {
			if c == pkeyCol {
				continue
			}
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				cols = append(cols, c)
			}
		}
	}
	return cols
}

// updateBatch bulk-updates rows already carrying their surrogate id
// with one multi-row UPDATE statement per chunk, built as a CASE expression per updated column keyed on
// pkeyCol, chunked to Options.MaxPlaceholdersPerStatement. A chunk
// whose bulk UPDATE fails falls back to per-row isolation, the same
// fallback insertBatch uses.
func (e *Engine) updateBatch(ctx context.Context, table string, rows Batch, pkeyCol string, updateCols []string) (Batch, []RowError, error) {
	sem := e.tableSemaphore(table)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}
	defer sem.Release(1)

	var updated Batch
	var rejected []RowError

	placeholdersPerRow := 2*len(updateCols) + 1
	chunkSize := e.opts.MaxPlaceholdersPerStatement / placeholdersPerRow
	if chunkSize < 1 {
		chunkSize = 1
	}

	for start := 0; start < len(rows); start += chunkSize {
		end := min(start+chunkSize, len(rows))
		chunk := rows[start:end]

		if err := e.updateMany(ctx, table, chunk, pkeyCol, updateCols); err != nil {
			level.Warn(e.logger).Log("msg", "bulk update failed, falling back to per-row isolation", "table", table, "rows", len(chunk), "err", err)
			upd, rej := e.updateRowsIndividually(ctx, table, chunk, pkeyCol, updateCols)
			updated = append(updated, upd...)
			rejected = append(rejected, rej...)
			continue
		}
		updated = append(updated, chunk...)
	}

	return updated, rejected, nil
}

// updateMany issues exactly one UPDATE statement covering every row in
// rows, setting each updateCols entry via a CASE expression keyed on
// pkeyCol so a single statement can carry distinct values per row.
func (e *Engine) updateMany(ctx context.Context, table string, rows Batch, pkeyCol string, updateCols []string) error {
	var setClauses []string
	var caseArgs []interface{}
	for _, c := range updateCols {
		var whens []string
		for _, row := range rows {
			whens = append(whens, "WHEN ? THEN ?")
			caseArgs = append(caseArgs, row[pkeyCol], row[c])
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = CASE %s %s ELSE %s END", c, pkeyCol, strings.Join(whens, " "), c))
	}

	ids := make([]interface{}, len(rows))
	placeholders := make([]string, len(rows))
	for i, row := range rows {
		placeholders[i] = "?"
		ids[i] = row[pkeyCol]
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s IN (%s)", table, strings.Join(setClauses, ", "), pkeyCol, strings.Join(placeholders, ", "))
	query = e.db.Rebind(query)
	args := append(caseArgs, ids...)
	_, err := e.db.ExecContext(ctx, query, args...)
	return err
}

// updateRowsIndividually is the per-row fallback used once a chunk's
// bulk UPDATE has already failed.
func (e *Engine) updateRowsIndividually(ctx context.Context, table string, rows Batch, pkeyCol string, updateCols []string) (Batch, []RowError) {
	var updated Batch
	var rejected []RowError
	var mu sync.Mutex

	_ = concurrency.ForEachJob(ctx, len(rows), 1, func(ctx context.Context, idx int) error {
		row := rows[idx]
		if err := e.updateOne(ctx, table, row, pkeyCol, updateCols); err != nil {
			mu.Lock()
			rejected = append(rejected, RowError{Row: row, Err: err})
			mu.Unlock()
			level.Warn(e.logger).Log("msg", "rejected row on update", "table", table, "err", err)
			return nil
		}
		mu.Lock()
		updated = append(updated, row)
		mu.Unlock()
		return nil
	})
	return updated, rejected
}

func (e *Engine) updateOne(ctx context.Context, table string, row Row, pkeyCol string, updateCols []string) error {
	var sets []string
	var args []interface{}
	for _, c := range updateCols {
		sets = append(sets, fmt.Sprintf("%s = ?", c))
		args = append(args, row[c])
	}
	args = append(args, row[pkeyCol])
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", table, strings.Join(sets, ", "), pkeyCol)
	query = e.db.Rebind(query)
	_, err := e.db.ExecContext(ctx, query, args...)
	return err
}
