package tushare

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"quotemirror/pkg/provider"
)

func init() {
	provider.Register("tushare", func(name string, cfg *provider.ProviderConfig) (provider.Provider, error) {
		return NewFromConfig(name, cfg)
	})
}

// tradeDateLayout is Tushare's compact date format.
const tradeDateLayout = "20060102"

// exchangeTZ anchors trade dates: a daily bar dated 20240105 covers the
// Shanghai trading day, not a UTC day.
var exchangeTZ = mustLoadLocation("Asia/Shanghai")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("tushare: load location %s: %v", name, err))
	}
	return loc
}

// datasetSpec maps one mirror dataset onto a Tushare api_name. The OHLCV
// field names differ per endpoint; blank means the endpoint has no such
// column and the bar keeps a zero value there.
type datasetSpec struct {
	apiName string

	openField, highField, lowField, closeField, volField string
}

// datasets are the supported Tushare daily endpoints. All share the
// ts_code/trade_date/start_date/end_date parameter convention.
var datasets = map[string]datasetSpec{
	"daily": {
		apiName:    "daily",
		openField:  "open",
		highField:  "high",
		lowField:   "low",
		closeField: "close",
		volField:   "vol",
	},
	"daily_basic": {
		apiName:    "daily_basic",
		closeField: "close",
	},
	"moneyflow": {
		apiName: "moneyflow",
	},
}

// Provider serves Chinese A-share data from Tushare Pro.
type Provider struct {
	name       string
	client     *Client
	capability provider.Capability
}

// NewFromConfig builds a Provider from a provider config entry.
func NewFromConfig(name string, cfg *provider.ProviderConfig) (*Provider, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("tushare: provider %s: token is required", name)
	}
	capability, err := cfg.Capability()
	if err != nil {
		return nil, err
	}
	if capability.Earliest.IsZero() {
		// Tushare's A-share history starts with the Shanghai exchange.
		capability.Earliest = time.Date(1989, 1, 1, 0, 0, 0, 0, exchangeTZ)
	}
	opts := []ClientOption{}
	if cfg.BaseURL != "" {
		opts = append(opts, WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}
	return &Provider{
		name:       name,
		client:     NewClient(cfg.Token, opts...),
		capability: capability,
	}, nil
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return p.name }

// Capability implements provider.Provider.
func (p *Provider) Capability() provider.Capability { return p.capability }

// FetchBySymbol implements provider.Provider. The [start, end) range maps
// onto Tushare's inclusive start_date/end_date pair, so end backs off by
// one granularity.
func (p *Provider) FetchBySymbol(ctx context.Context, dataset, symbol string, start, end time.Time) ([]provider.Bar, error) {
	spec, err := lookupDataset(dataset)
	if err != nil {
		return nil, err
	}
	params := map[string]string{
		"ts_code":    symbol,
		"start_date": start.In(exchangeTZ).Format(tradeDateLayout),
		"end_date":   end.Add(-p.capability.Granularity).In(exchangeTZ).Format(tradeDateLayout),
	}
	rows, err := p.client.Call(ctx, spec.apiName, params, "")
	if err != nil {
		return nil, err
	}
	return p.toBars(spec, rows, nil)
}

// FetchByTime implements provider.Provider. Tushare's trade_date queries
// return the whole market for that day, so the result is filtered down to
// the requested symbols.
func (p *Provider) FetchByTime(ctx context.Context, dataset string, symbols []string, start, end time.Time) ([]provider.Bar, error) {
	spec, err := lookupDataset(dataset)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		wanted[sym] = struct{}{}
	}

	var bars []provider.Bar
	for cur := start; cur.Before(end); cur = cur.Add(p.capability.Granularity) {
		params := map[string]string{
			"trade_date": cur.In(exchangeTZ).Format(tradeDateLayout),
		}
		rows, err := p.client.Call(ctx, spec.apiName, params, "")
		if err != nil {
			return nil, err
		}
		dayBars, err := p.toBars(spec, rows, wanted)
		if err != nil {
			return nil, err
		}
		bars = append(bars, dayBars...)
	}
	return bars, nil
}

// ListInstruments implements provider.Provider using the stock_basic
// endpoint, which lists every currently listed A-share.
func (p *Provider) ListInstruments(ctx context.Context) ([]provider.Instrument, error) {
	rows, err := p.client.Call(ctx, "stock_basic",
		map[string]string{"list_status": "L"},
		"ts_code,name,market,industry,list_date")
	if err != nil {
		return nil, err
	}
	instruments := make([]provider.Instrument, 0, len(rows))
	for _, row := range rows {
		symbol := row.str("ts_code")
		if symbol == "" {
			continue
		}
		instruments = append(instruments, provider.Instrument{
			Symbol:   symbol,
			Name:     row.str("name"),
			Market:   row.str("market"),
			Industry: row.str("industry"),
			ListDate: row.str("list_date"),
		})
	}
	return instruments, nil
}

func lookupDataset(dataset string) (datasetSpec, error) {
	spec, ok := datasets[dataset]
	if !ok {
		return datasetSpec{}, provider.Permanent(dataset, fmt.Errorf("tushare: unknown dataset %q", dataset))
	}
	return spec, nil
}

// toBars converts decoded records into bars. When wanted is non-nil,
// symbols outside the set are dropped. The full record is preserved as the
// bar's raw payload so no endpoint-specific column is lost.
func (p *Provider) toBars(spec datasetSpec, rows []record, wanted map[string]struct{}) ([]provider.Bar, error) {
	bars := make([]provider.Bar, 0, len(rows))
	for _, row := range rows {
		symbol := row.str("ts_code")
		if symbol == "" {
			continue
		}
		if wanted != nil {
			if _, ok := wanted[symbol]; !ok {
				continue
			}
		}
		dateRaw := row.str("trade_date")
		tradeDate, err := time.ParseInLocation(tradeDateLayout, dateRaw, exchangeTZ)
		if err != nil {
			return nil, provider.Permanent(spec.apiName, fmt.Errorf("tushare: bad trade_date %q for %s: %w", dateRaw, symbol, err))
		}
		raw, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("tushare: encode row for %s: %w", symbol, err)
		}
		bar := provider.Bar{
			Symbol:    symbol,
			TradeDate: tradeDate,
			Raw:       raw,
		}
		if spec.openField != "" {
			bar.Open = row.num(spec.openField)
		}
		if spec.highField != "" {
			bar.High = row.num(spec.highField)
		}
		if spec.lowField != "" {
			bar.Low = row.num(spec.lowField)
		}
		if spec.closeField != "" {
			bar.Close = row.num(spec.closeField)
		}
		if spec.volField != "" {
			bar.Volume = row.num(spec.volField)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}
