package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"quotemirror/pkg/interval"
	"quotemirror/pkg/provider"
)

// volumeTolerance is how far a reported volume may sit from an integer
// before the row is rejected as malformed.
const volumeTolerance = 1e-6

// Mirror orchestrates one fetch-store cycle: load coverage, compute gaps,
// merge them into batches, then fetch and persist batch by batch.
type Mirror struct {
	store    Store
	provider provider.Provider
	reporter Reporter
	retry    *provider.RetryHandler
	pacer    *provider.Pacer
	exclude  func(Range) bool
	now      func() time.Time
}

// Option customises a Mirror.
type Option func(*Mirror)

// WithReporter injects a progress reporter.
func WithReporter(r Reporter) Option {
	return func(m *Mirror) {
		if r != nil {
			m.reporter = r
		}
	}
}

// WithRetryHandler overrides the retry policy around provider calls.
func WithRetryHandler(h *provider.RetryHandler) Option {
	return func(m *Mirror) {
		if h != nil {
			m.retry = h
		}
	}
}

// WithExclusion installs a predicate that drops missing ranges before
// batching, e.g. a trading-calendar filter. Nil means no exclusion.
func WithExclusion(pred func(Range) bool) Option {
	return func(m *Mirror) {
		m.exclude = pred
	}
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Mirror) {
		if now != nil {
			m.now = now
		}
	}
}

// New wires a Mirror for one provider. The provider's capability profile
// must validate; an unknown batch axis is a configuration error surfaced
// here, at construction.
func New(store Store, p provider.Provider, opts ...Option) (*Mirror, error) {
	if store == nil {
		return nil, fmt.Errorf("mirror: store is required")
	}
	if p == nil {
		return nil, fmt.Errorf("mirror: provider is required")
	}
	profile := p.Capability()
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	m := &Mirror{
		store:    store,
		provider: p,
		reporter: LogReporter{},
		retry:    provider.NewRetryHandler(provider.RetryConfig{}),
		pacer:    provider.NewPacer(profile.RequestsPerSecond),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Summary reports what one invocation did.
type Summary struct {
	Symbols       int
	MissingRanges int
	Batches       int
	FailedBatches int
	BarsFetched   int
	RowsInserted  int
}

// Download runs one fetch cycle in strict mode: the first batch that
// exhausts its retries aborts the whole run.
func (m *Mirror) Download(ctx context.Context, req Request) (*Summary, error) {
	return m.run(ctx, req, false)
}

// Update runs one fetch cycle in best-effort mode: failed batches are
// logged and skipped so the remaining batches still make progress.
func (m *Mirror) Update(ctx context.Context, req Request) (*Summary, error) {
	return m.run(ctx, req, true)
}

func (m *Mirror) run(ctx context.Context, req Request, bestEffort bool) (*Summary, error) {
	profile := m.provider.Capability()
	req, err := req.Normalize(profile.Granularity)
	if err != nil {
		return nil, err
	}

	window, ok := m.clampWindow(req.Window, profile)
	if !ok {
		logx.WithContext(ctx).Infof("mirror: %s: nothing to fetch in %s", req.Dataset, req.Window)
		return &Summary{}, nil
	}

	symbols := req.Symbols
	if len(symbols) == 0 {
		symbols, err = m.listSymbols(ctx)
		if err != nil {
			return nil, fmt.Errorf("mirror: list instruments for %s: %w", req.Dataset, err)
		}
	}

	missing, err := MissingRanges(ctx, m.store, req.Dataset, symbols, window)
	if err != nil {
		return nil, err
	}
	if m.exclude != nil {
		kept := missing[:0]
		for _, r := range missing {
			if !m.exclude(r) {
				kept = append(kept, r)
			}
		}
		missing = kept
	}

	batches, err := MergeBatches(profile, missing)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		Symbols:       len(symbols),
		MissingRanges: len(missing),
		Batches:       len(batches),
	}
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		m.reporter.BatchStarted(ctx, i+1, len(batches), batch)

		bars, err := m.fetchBatch(ctx, req.Dataset, batch)
		if err != nil {
			summary.FailedBatches++
			m.reporter.BatchFailed(ctx, i+1, len(batches), batch, err)
			if bestEffort {
				continue
			}
			return summary, fmt.Errorf("mirror: batch %d/%d for %s: %w", i+1, len(batches), req.Dataset, err)
		}
		summary.BarsFetched += len(bars)

		rows := m.transform(ctx, profile, bars)
		inserted, err := m.store.InsertRows(ctx, req.Dataset, rows)
		if err != nil {
			return summary, fmt.Errorf("mirror: insert rows for %s: %w", req.Dataset, err)
		}
		summary.RowsInserted += inserted

		if err := m.store.RecordCoverage(ctx, req.Dataset, batch.Symbols, batch.Span, profile.Delay); err != nil {
			return summary, fmt.Errorf("mirror: record coverage for %s: %w", req.Dataset, err)
		}
		m.reporter.BatchDone(ctx, i+1, len(batches), batch, inserted)
	}
	return summary, nil
}

// clampWindow bounds the requested window to what the provider can serve:
// nothing before its earliest date, nothing after now. Returns false when
// the clamped window is empty, which ends the run with zero work.
func (m *Mirror) clampWindow(window interval.Interval, profile provider.Capability) (interval.Interval, bool) {
	start := window.Start
	if !profile.Earliest.IsZero() && start.Before(profile.Earliest) {
		start = profile.Earliest
	}
	end := window.End
	if now := m.now(); end.After(now) {
		end = now
	}
	if !start.Before(end) {
		return interval.Interval{}, false
	}
	return interval.Interval{Start: start, End: end}, true
}

func (m *Mirror) listSymbols(ctx context.Context) ([]string, error) {
	var instruments []provider.Instrument
	err := m.retry.Do(ctx, func() error {
		var ferr error
		instruments, ferr = m.provider.ListInstruments(ctx)
		return ferr
	})
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		if inst.Symbol != "" {
			symbols = append(symbols, inst.Symbol)
		}
	}
	return symbols, nil
}

// fetchBatch calls the provider with the shape matching the batch: one
// symbol goes by symbol, several go by time. The choice depends only on
// the batch shape, not on which merge strategy produced it.
func (m *Mirror) fetchBatch(ctx context.Context, ds Dataset, batch Batch) ([]provider.Bar, error) {
	var bars []provider.Bar
	err := m.retry.Do(ctx, func() error {
		if err := m.pacer.Wait(ctx); err != nil {
			return err
		}
		var ferr error
		if len(batch.Symbols) == 1 {
			bars, ferr = m.provider.FetchBySymbol(ctx, ds.Name, batch.Symbols[0], batch.Span.Start, batch.Span.End)
		} else {
			bars, ferr = m.provider.FetchByTime(ctx, ds.Name, batch.Symbols, batch.Span.Start, batch.Span.End)
		}
		return ferr
	})
	return bars, err
}

// transform turns provider bars into storage rows, widening each bar's
// timestamp into a half-open span of one granularity. Malformed bars are
// dropped with a warning; they never abort the batch.
func (m *Mirror) transform(ctx context.Context, profile provider.Capability, bars []provider.Bar) []Row {
	rows := make([]Row, 0, len(bars))
	for _, bar := range bars {
		if err := validateBar(bar); err != nil {
			logx.WithContext(ctx).Errorf("mirror: dropping malformed row for %s at %s: %v", bar.Symbol, bar.TradeDate.Format("2006-01-02"), err)
			continue
		}
		payload := bar.Raw
		if len(payload) == 0 {
			encoded, err := json.Marshal(bar)
			if err != nil {
				logx.WithContext(ctx).Errorf("mirror: dropping unencodable row for %s: %v", bar.Symbol, err)
				continue
			}
			payload = encoded
		}
		rows = append(rows, Row{
			Symbol:  bar.Symbol,
			Span:    interval.Interval{Start: bar.TradeDate, End: bar.TradeDate.Add(profile.Granularity)},
			Payload: payload,
		})
	}
	return rows
}

func validateBar(bar provider.Bar) error {
	if bar.Symbol == "" {
		return fmt.Errorf("empty symbol")
	}
	if bar.TradeDate.IsZero() {
		return fmt.Errorf("zero trade date")
	}
	if bar.Open < 0 || bar.High < 0 || bar.Low < 0 || bar.Close < 0 {
		return fmt.Errorf("negative price")
	}
	if bar.Volume < 0 {
		return fmt.Errorf("negative volume %v", bar.Volume)
	}
	if frac := math.Abs(bar.Volume - math.Round(bar.Volume)); frac > volumeTolerance {
		return fmt.Errorf("fractional volume %v", bar.Volume)
	}
	return nil
}
