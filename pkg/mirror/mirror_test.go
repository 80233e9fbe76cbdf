package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotemirror/pkg/interval"
	"quotemirror/pkg/provider"
)

var testDataset = Dataset{Provider: "fake", Market: "stock", Name: "daily"}

// fakeProvider serves synthetic daily bars and counts calls.
type fakeProvider struct {
	mu         sync.Mutex
	capability provider.Capability
	universe   []string
	calls      int
	failures   int
	failWith   error
	badBars    []provider.Bar
}

func newFakeProvider(axis provider.BatchAxis) *fakeProvider {
	return &fakeProvider{
		capability: provider.Capability{
			Axis:              axis,
			MaxRowsPerRequest: 100,
			Granularity:       24 * time.Hour,
			RequestsPerSecond: 1000,
			Delay:             time.Hour,
		},
		universe: []string{"600519.SH", "000001.SZ"},
	}
}

func (f *fakeProvider) Name() string                    { return "fake" }
func (f *fakeProvider) Capability() provider.Capability { return f.capability }

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProvider) barsFor(symbols []string, start, end time.Time) []provider.Bar {
	var bars []provider.Bar
	for _, sym := range symbols {
		for cur := start; cur.Before(end); cur = cur.Add(24 * time.Hour) {
			raw, _ := json.Marshal(map[string]any{"ts_code": sym, "close": 100.0})
			bars = append(bars, provider.Bar{
				Symbol:    sym,
				TradeDate: cur,
				Open:      99,
				High:      101,
				Low:       98,
				Close:     100,
				Volume:    1000,
				Raw:       raw,
			})
		}
	}
	return append(bars, f.badBars...)
}

func (f *fakeProvider) fetch(symbols []string, start, end time.Time) ([]provider.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		if f.failWith != nil {
			return nil, f.failWith
		}
		return nil, provider.Transient("fetch", errors.New("rate limited"))
	}
	return f.barsFor(symbols, start, end), nil
}

func (f *fakeProvider) FetchBySymbol(_ context.Context, _, symbol string, start, end time.Time) ([]provider.Bar, error) {
	return f.fetch([]string{symbol}, start, end)
}

func (f *fakeProvider) FetchByTime(_ context.Context, _ string, symbols []string, start, end time.Time) ([]provider.Bar, error) {
	return f.fetch(symbols, start, end)
}

func (f *fakeProvider) ListInstruments(context.Context) ([]provider.Instrument, error) {
	out := make([]provider.Instrument, 0, len(f.universe))
	for _, sym := range f.universe {
		out = append(out, provider.Instrument{Symbol: sym})
	}
	return out, nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func fastRetry() *provider.RetryHandler {
	return provider.NewRetryHandler(provider.RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})
}

func newTestMirror(t *testing.T, store *MemoryStore, p provider.Provider, now time.Time) *Mirror {
	t.Helper()
	m, err := New(store, p,
		WithClock(fixedClock(now)),
		WithRetryHandler(fastRetry()),
		WithReporter(NopReporter{}),
	)
	require.NoError(t, err)
	return m
}

func TestDownloadFillsWindowAndRecordsCoverage(t *testing.T) {
	now := day(30)
	store := NewMemoryStore()
	store.Now = fixedClock(now)
	p := newFakeProvider(provider.AxisHybrid)
	m := newTestMirror(t, store, p, now)

	req := Request{Dataset: testDataset, Symbols: []string{"600519.SH"}, Window: span(0, 10)}
	summary, err := m.Download(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 10, summary.RowsInserted)
	assert.Equal(t, 1, summary.Batches)

	// Coverage completeness: nothing missing after a successful fetch.
	missing, err := MissingRanges(context.Background(), store, testDataset, []string{"600519.SH"}, span(0, 10))
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestDownloadIsIdempotent(t *testing.T) {
	now := day(30)
	store := NewMemoryStore()
	store.Now = fixedClock(now)
	p := newFakeProvider(provider.AxisHybrid)
	m := newTestMirror(t, store, p, now)

	req := Request{Dataset: testDataset, Symbols: []string{"600519.SH", "000001.SZ"}, Window: span(0, 10)}
	_, err := m.Download(context.Background(), req)
	require.NoError(t, err)
	callsAfterFirst := p.Calls()
	rowsAfterFirst := store.RowCount()

	summary, err := m.Download(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, callsAfterFirst, p.Calls(), "second run must issue zero provider calls")
	assert.Zero(t, summary.Batches)
	assert.Equal(t, rowsAfterFirst, store.RowCount(), "store state must be unchanged")
}

func TestDownloadFetchesOnlyTheGap(t *testing.T) {
	now := day(30)
	store := NewMemoryStore()
	store.Now = fixedClock(now)
	p := newFakeProvider(provider.AxisHybrid)
	m := newTestMirror(t, store, p, now)

	// Pre-cover [day0, day10); request [day5, day15).
	require.NoError(t, store.RecordCoverage(context.Background(), testDataset,
		[]string{"600519.SH"}, span(0, 10), time.Hour))

	missing, err := MissingRanges(context.Background(), store, testDataset, []string{"600519.SH"}, span(5, 15))
	require.NoError(t, err)
	require.Equal(t, []Range{{Symbol: "600519.SH", Span: span(10, 15)}}, missing)

	req := Request{Dataset: testDataset, Symbols: []string{"600519.SH"}, Window: span(5, 15)}
	summary, err := m.Download(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.RowsInserted, "only the uncovered five days are fetched")
}

func TestGapsPerSymbolIndependent(t *testing.T) {
	store := NewMemoryStore()
	store.Now = fixedClock(day(30))
	// "A" covered for the whole request, "B" not at all.
	require.NoError(t, store.RecordCoverage(context.Background(), testDataset,
		[]string{"A"}, span(0, 5), time.Hour))

	missing, err := MissingRanges(context.Background(), store, testDataset, []string{"A", "B"}, span(0, 5))
	require.NoError(t, err)
	assert.Equal(t, []Range{{Symbol: "B", Span: span(0, 5)}}, missing)
}

func TestRecordCoverageMergesAdjacent(t *testing.T) {
	store := NewMemoryStore()
	store.Now = fixedClock(day(60))
	ctx := context.Background()
	require.NoError(t, store.RecordCoverage(ctx, testDataset, []string{"A"}, span(-4, 0), time.Hour))
	require.NoError(t, store.RecordCoverage(ctx, testDataset, []string{"A"}, span(0, 4), time.Hour))

	assert.Equal(t, []interval.Interval{span(-4, 4)}, store.Coverage(testDataset, "A"),
		"adjacent coverage must coalesce into one interval")
}

func TestRecordCoverageEndCap(t *testing.T) {
	now := day(10)
	store := NewMemoryStore()
	store.Now = fixedClock(now)
	ctx := context.Background()

	require.NoError(t, store.RecordCoverage(ctx, testDataset, []string{"A"}, span(0, 20), 24*time.Hour))
	cov := store.Coverage(testDataset, "A")
	require.Len(t, cov, 1)
	assert.Equal(t, day(9), cov[0].End, "coverage end must be capped at now minus delay")
}

func TestCoverageStaysDisjointAndNonAdjacent(t *testing.T) {
	store := NewMemoryStore()
	store.Now = fixedClock(day(60))
	ctx := context.Background()
	spans := []interval.Interval{span(0, 3), span(5, 8), span(3, 5), span(20, 21), span(7, 12)}
	for _, sp := range spans {
		require.NoError(t, store.RecordCoverage(ctx, testDataset, []string{"A"}, sp, time.Hour))
	}
	cov := store.Coverage(testDataset, "A")
	for i := 1; i < len(cov); i++ {
		assert.False(t, cov[i-1].Overlaps(cov[i]), "stored coverage must not overlap")
		assert.False(t, cov[i-1].Adjacent(cov[i]), "stored coverage must not stay adjacent")
	}
	assert.Equal(t, []interval.Interval{span(0, 12), span(20, 21)}, cov)
}

func TestEmptyClampedWindowIsNoOp(t *testing.T) {
	now := day(0)
	store := NewMemoryStore()
	p := newFakeProvider(provider.AxisHybrid)
	m := newTestMirror(t, store, p, now)

	// Entirely in the future relative to the fixed clock.
	req := Request{Dataset: testDataset, Symbols: []string{"600519.SH"}, Window: span(5, 10)}
	summary, err := m.Download(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, summary.Batches)
	assert.Zero(t, p.Calls())
}

func TestWindowClampedToEarliest(t *testing.T) {
	now := day(10)
	store := NewMemoryStore()
	store.Now = fixedClock(now)
	p := newFakeProvider(provider.AxisHybrid)
	p.capability.Earliest = day(5)
	m := newTestMirror(t, store, p, now)

	req := Request{Dataset: testDataset, Symbols: []string{"600519.SH"}, Window: span(0, 8)}
	summary, err := m.Download(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.RowsInserted, "only [earliest, end) is fetched")
}

func TestTransientFailureIsRetried(t *testing.T) {
	now := day(30)
	store := NewMemoryStore()
	store.Now = fixedClock(now)
	p := newFakeProvider(provider.AxisHybrid)
	p.failures = 2
	m := newTestMirror(t, store, p, now)

	req := Request{Dataset: testDataset, Symbols: []string{"600519.SH"}, Window: span(0, 5)}
	summary, err := m.Download(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.RowsInserted)
	assert.Equal(t, 3, p.Calls(), "two transient failures then success")
}

func TestStrictModeAbortsOnExhaustedRetries(t *testing.T) {
	now := day(30)
	store := NewMemoryStore()
	store.Now = fixedClock(now)
	p := newFakeProvider(provider.AxisHybrid)
	p.failures = 100
	m := newTestMirror(t, store, p, now)

	req := Request{Dataset: testDataset, Symbols: []string{"600519.SH"}, Window: span(0, 5)}
	_, err := m.Download(context.Background(), req)
	assert.Error(t, err)
}

func TestBestEffortModeSkipsFailedBatches(t *testing.T) {
	now := day(30)
	store := NewMemoryStore()
	store.Now = fixedClock(now)
	p := newFakeProvider(provider.AxisTime)
	p.capability.MaxRowsPerRequest = 5
	p.failures = 5 // exactly one batch worth of attempts
	m := newTestMirror(t, store, p, now)

	req := Request{Dataset: testDataset, Symbols: []string{"600519.SH"}, Window: span(0, 10)}
	summary, err := m.Update(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Batches)
	assert.Equal(t, 1, summary.FailedBatches)
	assert.Equal(t, 5, summary.RowsInserted, "surviving batch still persists")
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	now := day(30)
	store := NewMemoryStore()
	store.Now = fixedClock(now)
	p := newFakeProvider(provider.AxisHybrid)
	p.failures = 1
	p.failWith = provider.Permanent("fetch", errors.New("bad dataset"))
	m := newTestMirror(t, store, p, now)

	req := Request{Dataset: testDataset, Symbols: []string{"600519.SH"}, Window: span(0, 5)}
	_, err := m.Download(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, 1, p.Calls(), "permanent failures must not be retried")
}

func TestMalformedRowsAreDroppedNotFatal(t *testing.T) {
	now := day(30)
	store := NewMemoryStore()
	store.Now = fixedClock(now)
	p := newFakeProvider(provider.AxisHybrid)
	p.badBars = []provider.Bar{
		{Symbol: "600519.SH", TradeDate: day(2), Volume: 10.5},  // fractional volume
		{Symbol: "", TradeDate: day(2), Volume: 10},             // missing symbol
		{Symbol: "600519.SH", TradeDate: day(2), Close: -1},     // negative price
	}
	m := newTestMirror(t, store, p, now)

	req := Request{Dataset: testDataset, Symbols: []string{"600519.SH"}, Window: span(0, 5)}
	summary, err := m.Download(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.RowsInserted, "malformed rows are dropped, valid ones kept")
}

func TestBatchShapeSelectsCallMode(t *testing.T) {
	// A two-symbol batch must go through FetchByTime, a single-symbol
	// batch through FetchBySymbol, regardless of the merge strategy.
	now := day(30)
	store := NewMemoryStore()
	store.Now = fixedClock(now)
	p := newFakeProvider(provider.AxisSymbol)
	m := newTestMirror(t, store, p, now)

	req := Request{Dataset: testDataset, Window: span(0, 1)} // universe: two symbols
	summary, err := m.Download(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Symbols)
	assert.Equal(t, 1, summary.Batches)
	assert.Equal(t, 1, p.Calls())
	assert.Equal(t, 2, summary.RowsInserted)
}

func TestRequestNormalizeRejectsAmbiguousScope(t *testing.T) {
	granularity := 24 * time.Hour
	_, err := Request{Dataset: testDataset}.Normalize(granularity)
	assert.Error(t, err, "window or timestamp required")

	_, err = Request{Dataset: testDataset, Window: span(0, 1), At: day(0)}.Normalize(granularity)
	assert.Error(t, err, "window and timestamp are mutually exclusive")

	req, err := Request{Dataset: testDataset, At: day(3)}.Normalize(granularity)
	require.NoError(t, err)
	assert.Equal(t, span(3, 4), req.Window, "timestamp becomes a one-granularity window")

	req, err = Request{Dataset: testDataset, Symbols: []string{" A ", "B", "A", ""}, Window: span(0, 1)}.Normalize(granularity)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, req.Symbols, "symbols are trimmed and deduplicated")

	_, err = Request{Dataset: Dataset{Provider: "fake"}, Window: span(0, 1)}.Normalize(granularity)
	assert.Error(t, err, "incomplete dataset key")
}

func TestCalendarExclusionPredicate(t *testing.T) {
	now := day(30)
	store := NewMemoryStore()
	store.Now = fixedClock(now)
	p := newFakeProvider(provider.AxisHybrid)

	weekend := func(r Range) bool {
		wd := r.Span.Start.Weekday()
		return wd == time.Saturday || wd == time.Sunday
	}
	m, err := New(store, p,
		WithClock(fixedClock(now)),
		WithRetryHandler(fastRetry()),
		WithReporter(NopReporter{}),
		WithExclusion(weekend),
	)
	require.NoError(t, err)

	// day(1) == 2024-03-02, a Saturday.
	req := Request{Dataset: testDataset, Symbols: []string{"600519.SH"}, At: day(1)}
	summary, err := m.Download(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, summary.Batches, "excluded ranges produce no batches")
	assert.Zero(t, p.Calls())
}

func TestNewValidatesCapability(t *testing.T) {
	store := NewMemoryStore()
	p := newFakeProvider(provider.AxisHybrid)
	p.capability.MaxRowsPerRequest = 0
	_, err := New(store, p)
	assert.Error(t, err, "invalid capability must fail at construction")

	p2 := newFakeProvider(provider.BatchAxis(9))
	_, err = New(store, p2)
	assert.Error(t, err, "unknown axis is a startup configuration error")
}

func TestBatchString(t *testing.T) {
	b := Batch{Symbols: []string{"A", "B", "C", "D"}, Span: span(0, 1)}
	assert.Contains(t, fmt.Sprintf("%v", b), "+1")
}
