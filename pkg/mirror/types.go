// Package mirror implements incremental mirroring of time-series market
// data: it tracks which time ranges are already stored per symbol, computes
// the missing gaps for a requested window, merges those gaps into the
// fewest provider-compliant batch requests, and drives fetch-and-persist
// cycles against a coverage store.
package mirror

import (
	"fmt"
	"strings"
	"time"

	"quotemirror/pkg/interval"
)

// Dataset identifies one logical series by its natural key,
// e.g. tushare/stock/daily. Looked up lazily in the store on first use.
type Dataset struct {
	Provider string
	Market   string
	Name     string
}

func (d Dataset) String() string {
	return fmt.Sprintf("%s/%s/%s", d.Provider, d.Market, d.Name)
}

// Validate rejects datasets with blank key components.
func (d Dataset) Validate() error {
	if strings.TrimSpace(d.Provider) == "" || strings.TrimSpace(d.Market) == "" || strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("mirror: dataset %q: provider, market and name are all required", d)
	}
	return nil
}

// Request is a data need: a dataset, a symbol scope and a time scope.
// An empty symbol list means the whole symbol universe. Exactly one of
// Window or At must be set; At is shorthand for a one-granularity window.
type Request struct {
	Dataset Dataset
	Symbols []string
	Window  interval.Interval
	At      time.Time
}

// Normalize validates the request and resolves the At shorthand into a
// concrete window using the provider's granularity.
func (r Request) Normalize(granularity time.Duration) (Request, error) {
	if err := r.Dataset.Validate(); err != nil {
		return Request{}, err
	}
	hasWindow := !r.Window.IsZero()
	hasAt := !r.At.IsZero()
	switch {
	case hasWindow && hasAt:
		return Request{}, fmt.Errorf("mirror: request for %s: window and timestamp are mutually exclusive", r.Dataset)
	case !hasWindow && !hasAt:
		return Request{}, fmt.Errorf("mirror: request for %s: either a window or a timestamp is required", r.Dataset)
	case hasAt:
		win, err := interval.New(r.At, r.At.Add(granularity))
		if err != nil {
			return Request{}, err
		}
		r.Window = win
		r.At = time.Time{}
	default:
		if _, err := interval.New(r.Window.Start, r.Window.End); err != nil {
			return Request{}, err
		}
	}
	seen := make(map[string]struct{}, len(r.Symbols))
	symbols := make([]string, 0, len(r.Symbols))
	for _, sym := range r.Symbols {
		sym = strings.TrimSpace(sym)
		if sym == "" {
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		symbols = append(symbols, sym)
	}
	r.Symbols = symbols
	return r, nil
}

// Range is a single-symbol missing sub-range produced by gap computation.
// Transient: created and discarded within one fetch cycle.
type Range struct {
	Symbol string
	Span   interval.Interval
}

// Batch is one provider call's worth of work: a symbol set and a time
// range shaped to respect the provider's row limit.
type Batch struct {
	Symbols []string
	Span    interval.Interval
}

func (b Batch) String() string {
	const sample = 3
	syms := strings.Join(b.Symbols[:min(sample, len(b.Symbols))], ",")
	if len(b.Symbols) > sample {
		syms = fmt.Sprintf("%s…(+%d)", syms, len(b.Symbols)-sample)
	}
	return fmt.Sprintf("{%s %s}", syms, b.Span)
}

// Row is one fetched observation ready for persistence, keyed by
// (dataset, symbol, span). Inserts are idempotent on that key.
type Row struct {
	Symbol  string
	Span    interval.Interval
	Payload []byte
}
