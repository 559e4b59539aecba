package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/edusync/assessment-sync/pkg/metrics"
	"github.com/edusync/assessment-sync/pkg/retry"
	"github.com/edusync/assessment-sync/pkg/syncerr"
)

const (
	// DefaultChunkSize is the default number of rows per upsert statement.
	DefaultChunkSize = 200
	// MaxChunkSize bounds the rows per upsert statement.
	MaxChunkSize = 500
	// DefaultLookupChunkSize bounds IN-list lookups.
	DefaultLookupChunkSize = 50
)

// ErrDuplicateInBatch marks a row superseded by a later row with the same
// natural key in the same Upsert call.
var ErrDuplicateInBatch = errors.New("duplicate natural key in batch")

// WriterConfig controls chunking and retries.
type WriterConfig struct {
	ChunkSize       int
	LookupChunkSize int
	Retry           retry.Policy
}

// DefaultWriterConfig returns the default writer configuration.
func DefaultWriterConfig() WriterConfig {
	p := retry.DefaultPolicy()
	p.BaseDelay = 500 * time.Millisecond
	p.MaxDelay = 10 * time.Second
	return WriterConfig{
		ChunkSize:       DefaultChunkSize,
		LookupChunkSize: DefaultLookupChunkSize,
		Retry:           p,
	}
}

// Writer upserts mapped rows in chunks.
type Writer struct {
	db      *gorm.DB
	cfg     WriterConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewWriter creates a Writer. Out-of-range chunk sizes are clamped.
func NewWriter(db *gorm.DB, cfg WriterConfig, logger *slog.Logger, m *metrics.Metrics) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkSize > MaxChunkSize {
		cfg.ChunkSize = MaxChunkSize
	}
	if cfg.LookupChunkSize < 1 {
		cfg.LookupChunkSize = DefaultLookupChunkSize
	}
	return &Writer{db: db, cfg: cfg, logger: logger, metrics: m}
}

// DB returns the underlying connection.
func (w *Writer) DB() *gorm.DB { return w.db }

// RecordFailure is a row the writer could not store.
type RecordFailure struct {
	Key string
	Err error
}

// Result summarizes one Upsert call.
type Result struct {
	// Written counts rows inserted or updated.
	Written  int
	Failures []RecordFailure
}

// Upsert writes rows keyed on conflictKeys, which must equal the kind's
// declared natural key. Rows are written in chunks; each chunk is a single
// statement. A chunk that fails with a data error is retried row by row so
// one bad row only fails itself. The returned error is non-nil only for
// run-aborting failures.
func Upsert[T Row](ctx context.Context, w *Writer, rows []T, conflictKeys []string) (Result, error) {
	kind := kindOf[T]()
	spec := specs[kind]
	var res Result

	if !slices.Equal(conflictKeys, spec.naturalKey) {
		return res, syncerr.Fatal("upsert "+spec.table,
			fmt.Errorf("%w: conflict key %v does not match natural key %v", syncerr.ErrSinkRejected, conflictKeys, spec.naturalKey))
	}
	if len(rows) == 0 {
		return res, nil
	}

	rows, dups := dedupe(rows)
	res.Failures = append(res.Failures, dups...)

	conflict := clause.OnConflict{
		Columns:   columns(spec.naturalKey),
		DoUpdates: clause.AssignmentColumns(spec.updates),
	}

	for start := 0; start < len(rows); start += w.cfg.ChunkSize {
		end := min(start+w.cfg.ChunkSize, len(rows))
		chunk := rows[start:end]

		began := time.Now()
		err := w.writeWithRetry(ctx, spec.table, conflict, &chunk)
		w.metrics.ObserveChunk(string(kind), time.Since(began), err)
		if err == nil {
			res.Written += len(chunk)
			continue
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if k := syncerr.KindOf(err); k == syncerr.KindFatal || k == syncerr.KindTransient {
			return res, err
		}

		w.logger.Warn("chunk rejected, retrying rows individually",
			"table", spec.table, "rows", len(chunk), "error", err)
		written, failures, err := writeRows(ctx, w, spec.table, conflict, chunk)
		res.Written += written
		res.Failures = append(res.Failures, failures...)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// writeWithRetry writes one chunk, retrying transient failures. rows must
// be a pointer to a slice of models.
func (w *Writer) writeWithRetry(ctx context.Context, table string, conflict clause.OnConflict, rows any) error {
	return w.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		err := w.db.WithContext(ctx).Clauses(conflict).Create(rows).Error
		return classify("upsert "+table, err)
	}, func(err error, attempt int, wait time.Duration) {
		w.logger.Warn("sink write failed, retrying", "table", table, "attempt", attempt, "wait", wait, "error", err)
	})
}

// writeRows is the per-row fallback for a rejected chunk.
func writeRows[T Row](ctx context.Context, w *Writer, table string, conflict clause.OnConflict, chunk []T) (int, []RecordFailure, error) {
	var (
		written  int
		failures []RecordFailure
		unknown  int
	)
	for i := range chunk {
		row := chunk[i : i+1]
		err := w.writeWithRetry(ctx, table, conflict, &row)
		if err == nil {
			written++
			continue
		}
		if ctx.Err() != nil {
			return written, failures, ctx.Err()
		}
		switch syncerr.KindOf(err) {
		case syncerr.KindFatal, syncerr.KindTransient:
			return written, failures, err
		case syncerr.KindUnknown:
			unknown++
		}
		failures = append(failures, RecordFailure{Key: chunk[i].NaturalKey(), Err: err})
	}
	// Every row failing with an unclassified error points at the statement,
	// not the data.
	if len(chunk) > 1 && unknown == len(chunk) {
		return written, failures, syncerr.Fatal("upsert "+table,
			fmt.Errorf("%w: every row rejected: %v", syncerr.ErrSinkRejected, failures[0].Err))
	}
	return written, failures, nil
}

func dedupe[T Row](rows []T) ([]T, []RecordFailure) {
	last := make(map[string]int, len(rows))
	for i, r := range rows {
		last[r.NaturalKey()] = i
	}
	if len(last) == len(rows) {
		return rows, nil
	}
	out := make([]T, 0, len(last))
	var dropped []RecordFailure
	for i, r := range rows {
		key := r.NaturalKey()
		if last[key] != i {
			dropped = append(dropped, RecordFailure{Key: key, Err: syncerr.Record("upsert", ErrDuplicateInBatch)})
			continue
		}
		out = append(out, r)
	}
	return out, dropped
}

func columns(names []string) []clause.Column {
	out := make([]clause.Column, len(names))
	for i, n := range names {
		out[i] = clause.Column{Name: n}
	}
	return out
}
