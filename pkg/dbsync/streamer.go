package dbsync

import "context"

// UpsertStreamer is the streaming counterpart of Sync: it accepts a
// stream of small batches with a target buffer size, flushing either
// at size or on explicit close. The
// downloader is its only caller today: every processed
// segment is appended here so memory is bounded regardless of how many
// segments a run downloads.
type UpsertStreamer struct {
	engine         *Engine
	table          string
	naturalKeyCols []string
	pkeyCol        string
	updateCols     []string
	bufferSize     int
	onRowError     func(RowError)

	buffer Batch
	result Result
}

// NewUpsertStreamer returns a streamer that flushes to table whenever
// bufferSize rows have accumulated, or on Close.
func (e *Engine) NewUpsertStreamer(table string, naturalKeyCols []string, pkeyCol string, updateCols []string, bufferSize int, onRowError func(RowError)) *UpsertStreamer {
	if bufferSize <= 0 {
		bufferSize = 500
	}
	return &UpsertStreamer{
		engine:         e,
		table:          table,
		naturalKeyCols: naturalKeyCols,
		pkeyCol:        pkeyCol,
		updateCols:     updateCols,
		bufferSize:     bufferSize,
		onRowError:     onRowError,
	}
}

// Add appends row to the streamer's buffer, flushing if the buffer has
// reached its target size.
func (s *UpsertStreamer) Add(ctx context.Context, row Row) error {
	s.buffer = append(s.buffer, row)
	if len(s.buffer) >= s.bufferSize {
		return s.flush(ctx)
	}
	return nil
}

func (s *UpsertStreamer) flush(ctx context.Context) error {
	if len(s.buffer) == 0 {
		return nil
	}
	result, err := s.engine.Sync(ctx, s.table, s.buffer, s.naturalKeyCols, s.pkeyCol, s.updateCols, s.onRowError)
	if err != nil {
		return err
	}
	s.result.Inserted = append(s.result.Inserted, result.Inserted...)
	s.result.Updated = append(s.result.Updated, result.Updated...)
	s.result.Rejected = append(s.result.Rejected, result.Rejected...)
	s.result.RejectedUpdate = append(s.result.RejectedUpdate, result.RejectedUpdate...)
	s.result.Batch = append(s.result.Batch, result.Batch...)
	s.buffer = s.buffer[:0]
	return nil
}

// Close flushes any remaining buffered rows and returns the cumulative
// Result across every flush this streamer performed.
func (s *UpsertStreamer) Close(ctx context.Context) (Result, error) {
	if err := s.flush(ctx); err != nil {
		return Result{}, err
	}
	return s.result, nil
}
