package mirror

import (
	"context"
	"time"

	"quotemirror/pkg/interval"
)

// Store is the persistence boundary the orchestrator drives: coverage
// bookkeeping plus idempotent raw-row inserts. The Postgres implementation
// lives in internal/persistence/coverage.
type Store interface {
	// LoadCoverage returns, for every requested symbol, the stored
	// coverage intervals that strictly overlap window, sorted by start.
	// Symbols with no coverage map to an empty slice, never a missing key.
	LoadCoverage(ctx context.Context, ds Dataset, symbols []string, window interval.Interval) (map[string][]interval.Interval, error)

	// RecordCoverage merges window into each symbol's stored coverage,
	// coalescing with any overlapping or adjacent intervals. The merged
	// interval's end is capped at now minus delay. Atomic per call.
	RecordCoverage(ctx context.Context, ds Dataset, symbols []string, window interval.Interval, delay time.Duration) error

	// InsertRows persists fetched rows, ignoring duplicates. Returns the
	// number of rows actually inserted.
	InsertRows(ctx context.Context, ds Dataset, rows []Row) (int, error)
}
