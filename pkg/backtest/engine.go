// Package backtest replays mirrored daily bars through a strategy and
// reports the simulated performance. It consumes data already stored by
// the mirror; it never talks to a provider.
package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"quotemirror/pkg/provider"
)

// Feeder yields sequential bars for one symbol.
type Feeder interface {
	Next(ctx context.Context) (provider.Bar, bool, error)
}

// Order is one simulated fill request. Quantity is in shares.
type Order struct {
	Buy      bool
	Quantity float64
}

// Strategy maps the latest bar and current position into orders.
type Strategy interface {
	Decide(ctx context.Context, bar provider.Bar, position float64) ([]Order, error)
}

// Engine wires a Feeder and a Strategy into a simulated session.
type Engine struct {
	Feeder   Feeder
	Strategy Strategy

	InitialEquity float64 // defaults to 100000 when zero
	FeeBps        float64 // per-trade fee in basis points
	SlippageBps   float64 // execution slippage applied to the close

	// OutputPath, when set, receives the JSON report.
	OutputPath string
}

// Result summarises one simulation run.
type Result struct {
	Steps       int           `json:"steps"`
	OrdersSent  int           `json:"orders_sent"`
	Trades      int           `json:"trades"`
	Wins        int           `json:"wins"`
	WinRate     float64       `json:"win_rate"`
	RealizedPNL float64       `json:"realized_pnl"`
	UnrealPNL   float64       `json:"unrealized_pnl"`
	TotalPNL    float64       `json:"total_pnl"`
	MaxDDPct    float64       `json:"max_drawdown_pct"`
	Sharpe      float64       `json:"sharpe"`
	EquityCurve []float64     `json:"equity_curve"`
	Details     []TradeDetail `json:"details"`
}

// TradeDetail records per-order execution for analysis.
type TradeDetail struct {
	Step     int     `json:"step"`
	Side     string  `json:"side"`
	Price    float64 `json:"price"`
	Qty      float64 `json:"qty"`
	Fee      float64 `json:"fee"`
	Realized float64 `json:"realized"`
	Position float64 `json:"position"`
}

// Run replays the feed to exhaustion.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if e.Feeder == nil || e.Strategy == nil {
		return nil, fmt.Errorf("backtest: engine not fully configured")
	}
	res := &Result{}
	eq0 := e.InitialEquity
	if eq0 <= 0 {
		eq0 = 100000
	}
	pf := &portfolio{cash: eq0, feeBps: e.FeeBps}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bar, ok, err := e.Feeder.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		res.Steps++

		orders, err := e.Strategy.Decide(ctx, bar, pf.pos)
		if err != nil {
			return nil, err
		}
		for _, ord := range orders {
			execPx := applySlippage(bar.Close, e.SlippageBps, ord.Buy)
			realized, fee, closed := pf.apply(ord.Buy, execPx, ord.Quantity)
			if closed {
				res.Trades++
				if realized > 0 {
					res.Wins++
				}
			}
			res.OrdersSent++
			res.Details = append(res.Details, TradeDetail{
				Step:     res.Steps,
				Side:     sideStr(ord.Buy),
				Price:    execPx,
				Qty:      ord.Quantity,
				Fee:      fee,
				Realized: realized,
				Position: pf.pos,
			})
		}
		res.EquityCurve = append(res.EquityCurve, pf.equity(bar.Close))
	}

	res.RealizedPNL = pf.realized
	res.UnrealPNL = pf.unrealized
	res.TotalPNL = res.RealizedPNL + res.UnrealPNL
	if res.Trades > 0 {
		res.WinRate = float64(res.Wins) / float64(res.Trades)
	}
	res.MaxDDPct = maxDrawdownPct(append([]float64{eq0}, res.EquityCurve...))
	res.Sharpe = sharpe(res.EquityCurve)

	if e.OutputPath != "" {
		if err := writeReport(e.OutputPath, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func applySlippage(px, bps float64, isBuy bool) float64 {
	if bps == 0 {
		return px
	}
	m := 1 + bps/10000.0
	if isBuy {
		return px * m
	}
	return px / m
}

func maxDrawdownPct(series []float64) float64 {
	peak := series[0]
	mdd := 0.0
	for _, v := range series {
		if v > peak {
			peak = v
		}
		dd := (peak - v) / peak
		if dd > mdd {
			mdd = dd
		}
	}
	return mdd * 100
}

func sharpe(equity []float64) float64 {
	if len(equity) < 2 {
		return 0
	}
	rets := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] == 0 {
			continue
		}
		rets = append(rets, equity[i]/equity[i-1]-1)
	}
	if len(rets) == 0 {
		return 0
	}
	mean := 0.0
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	variance := 0.0
	for _, r := range rets {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(rets))
	sd := math.Sqrt(variance)
	if sd == 0 {
		return 0
	}
	return mean / sd * math.Sqrt(float64(len(rets)))
}

func writeReport(path string, r *Result) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func sideStr(buy bool) string {
	if buy {
		return "buy"
	}
	return "sell"
}
