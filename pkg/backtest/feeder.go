package backtest

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"quotemirror/pkg/mirror"
	"quotemirror/pkg/provider"
)

// SliceFeeder replays an in-memory bar series in time order.
type SliceFeeder struct {
	bars []provider.Bar
	idx  int
}

// NewSliceFeeder sorts bars by trade date and wraps them as a Feeder.
func NewSliceFeeder(bars []provider.Bar) *SliceFeeder {
	sorted := append([]provider.Bar(nil), bars...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].TradeDate.Before(sorted[j].TradeDate)
	})
	return &SliceFeeder{bars: sorted}
}

// Next implements Feeder.
func (f *SliceFeeder) Next(ctx context.Context) (provider.Bar, bool, error) {
	if err := ctx.Err(); err != nil {
		return provider.Bar{}, false, err
	}
	if f.idx >= len(f.bars) {
		return provider.Bar{}, false, nil
	}
	bar := f.bars[f.idx]
	f.idx++
	return bar, true, nil
}

// BarsFromRows decodes stored mirror rows back into bars. Rows whose
// payload carries no close price are skipped; a backtest cannot price
// them.
func BarsFromRows(rows []mirror.Row) []provider.Bar {
	bars := make([]provider.Bar, 0, len(rows))
	for _, row := range rows {
		var payload struct {
			Open      float64 `json:"open"`
			High      float64 `json:"high"`
			Low       float64 `json:"low"`
			Close     float64 `json:"close"`
			Volume    float64 `json:"vol"`
			TradeDate string  `json:"trade_date"`
		}
		if err := json.Unmarshal(row.Payload, &payload); err != nil || payload.Close == 0 {
			continue
		}
		tradeDate := row.Span.Start
		if payload.TradeDate != "" {
			if t, err := time.ParseInLocation("20060102", payload.TradeDate, tradeDate.Location()); err == nil {
				tradeDate = t
			}
		}
		bars = append(bars, provider.Bar{
			Symbol:    row.Symbol,
			TradeDate: tradeDate,
			Open:      payload.Open,
			High:      payload.High,
			Low:       payload.Low,
			Close:     payload.Close,
			Volume:    payload.Volume,
			Raw:       row.Payload,
		})
	}
	return bars
}
