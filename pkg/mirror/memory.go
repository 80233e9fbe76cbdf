package mirror

import (
	"context"
	"sync"
	"time"

	"quotemirror/pkg/interval"
)

// MemoryStore is an in-memory Store used by tests and dry runs. It keeps
// the same invariants as the Postgres adapter: per-symbol coverage stays
// disjoint, non-adjacent and sorted; row inserts are idempotent.
type MemoryStore struct {
	mu       sync.Mutex
	coverage map[string][]interval.Interval
	rows     map[string]Row

	// Now is the clock used for the record-coverage end cap. Tests
	// override it for determinism. Defaults to time.Now.
	Now func() time.Time
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		coverage: make(map[string][]interval.Interval),
		rows:     make(map[string]Row),
		Now:      time.Now,
	}
}

func coverageKey(ds Dataset, symbol string) string {
	return ds.String() + "|" + symbol
}

func rowKey(ds Dataset, r Row) string {
	return ds.String() + "|" + r.Symbol + "|" + r.Span.Start.UTC().Format(time.RFC3339Nano)
}

// LoadCoverage implements Store.
func (m *MemoryStore) LoadCoverage(ctx context.Context, ds Dataset, symbols []string, window interval.Interval) (map[string][]interval.Interval, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]interval.Interval, len(symbols))
	for _, sym := range symbols {
		overlapping := []interval.Interval{}
		for _, iv := range m.coverage[coverageKey(ds, sym)] {
			if iv.Overlaps(window) {
				overlapping = append(overlapping, iv)
			}
		}
		out[sym] = overlapping
	}
	return out, nil
}

// RecordCoverage implements Store.
func (m *MemoryStore) RecordCoverage(ctx context.Context, ds Dataset, symbols []string, window interval.Interval, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	capEnd := m.Now().Add(-delay)
	for _, sym := range symbols {
		key := coverageKey(ds, sym)
		merged := window
		if merged.End.After(capEnd) {
			merged.End = capEnd
		}
		var kept []interval.Interval
		for _, iv := range m.coverage[key] {
			if iv.Overlaps(window) || iv.Adjacent(window) {
				if iv.Start.Before(merged.Start) {
					merged.Start = iv.Start
				}
				if iv.End.After(merged.End) {
					merged.End = iv.End
				}
				continue
			}
			kept = append(kept, iv)
		}
		if merged.Start.Before(merged.End) {
			kept = append(kept, merged)
		}
		m.coverage[key] = interval.Normalize(kept)
	}
	return nil
}

// InsertRows implements Store.
func (m *MemoryStore) InsertRows(ctx context.Context, ds Dataset, rows []Row) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, r := range rows {
		key := rowKey(ds, r)
		if _, exists := m.rows[key]; exists {
			continue
		}
		m.rows[key] = r
		inserted++
	}
	return inserted, nil
}

// Coverage returns a copy of the stored coverage for one symbol,
// for assertions in tests.
func (m *MemoryStore) Coverage(ds Dataset, symbol string) []interval.Interval {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]interval.Interval(nil), m.coverage[coverageKey(ds, symbol)]...)
}

// RowCount returns the number of distinct rows stored.
func (m *MemoryStore) RowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
