// Package provider defines the upstream market data source abstraction:
// a narrow fetch interface, the capability profile that drives query
// batching, and the config-driven provider registry.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Bar is one observation returned by a provider, normalised to OHLCV form.
// Raw preserves the provider's original row for lossless storage.
type Bar struct {
	Symbol    string
	TradeDate time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Raw       json.RawMessage
}

// Instrument describes one tradable symbol known to a provider.
type Instrument struct {
	Symbol   string
	Name     string
	Market   string
	Industry string
	ListDate string
}

// Provider is the upstream data source consumed by the mirror orchestrator.
// Implementations wrap a concrete vendor API and surface its two query
// shapes. Both fetch calls treat [start, end) as half-open.
type Provider interface {
	// Name identifies the provider, e.g. "tushare".
	Name() string
	// Capability reports the provider's batching constraints.
	Capability() Capability
	// FetchBySymbol downloads rows for a single symbol over a time range.
	FetchBySymbol(ctx context.Context, dataset, symbol string, start, end time.Time) ([]Bar, error)
	// FetchByTime downloads rows for many symbols over a range no longer
	// than one capability granularity.
	FetchByTime(ctx context.Context, dataset string, symbols []string, start, end time.Time) ([]Bar, error)
	// ListInstruments returns the provider's tradable symbol universe.
	ListInstruments(ctx context.Context) ([]Instrument, error)
}

// BatchAxis selects how a provider prefers queries to be batched.
type BatchAxis int

const (
	// AxisSymbol batches many symbols into one call per time chunk.
	AxisSymbol BatchAxis = iota
	// AxisTime batches a wide time range into one call per symbol.
	AxisTime
	// AxisHybrid supports both shapes; the merger picks the cheaper plan.
	AxisHybrid
)

// ParseBatchAxis maps a config string onto the closed axis enum.
func ParseBatchAxis(s string) (BatchAxis, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "symbol":
		return AxisSymbol, nil
	case "time":
		return AxisTime, nil
	case "hybrid", "":
		return AxisHybrid, nil
	default:
		return 0, fmt.Errorf("provider: unknown batch axis %q", s)
	}
}

func (a BatchAxis) String() string {
	switch a {
	case AxisSymbol:
		return "symbol"
	case AxisTime:
		return "time"
	case AxisHybrid:
		return "hybrid"
	default:
		return fmt.Sprintf("axis(%d)", int(a))
	}
}

// Capability is the static descriptor of a provider's request limits.
type Capability struct {
	// Axis is the preferred batching strategy.
	Axis BatchAxis
	// MaxRowsPerRequest bounds the estimated row count of a single call.
	MaxRowsPerRequest int
	// Granularity is the provider's native bar width, e.g. one day.
	Granularity time.Duration
	// RequestsPerSecond caps the call rate.
	RequestsPerSecond int
	// Earliest is the first date the provider has data for.
	Earliest time.Time
	// Delay is the safety margin subtracted from "now" when recording
	// coverage; bars younger than this may not be final yet.
	Delay time.Duration
}

// Validate rejects profiles that would make batching meaningless.
func (c Capability) Validate() error {
	switch c.Axis {
	case AxisSymbol, AxisTime, AxisHybrid:
	default:
		return fmt.Errorf("provider: unknown batch axis %s", c.Axis)
	}
	if c.MaxRowsPerRequest <= 0 {
		return fmt.Errorf("provider: max rows per request must be positive, got %d", c.MaxRowsPerRequest)
	}
	if c.Granularity <= 0 {
		return fmt.Errorf("provider: granularity must be positive, got %s", c.Granularity)
	}
	if c.RequestsPerSecond <= 0 {
		return fmt.Errorf("provider: requests per second must be positive, got %d", c.RequestsPerSecond)
	}
	return nil
}
