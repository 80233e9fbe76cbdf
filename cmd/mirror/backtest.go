package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"quotemirror/pkg/backtest"
	"quotemirror/pkg/interval"
	"quotemirror/pkg/mirror"
)

func runBacktest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	var (
		configPath   = fs.String("config", "etc/mirror.yaml", "path to the application config")
		providerName = fs.String("provider", "", "provider name (default: config default)")
		market       = fs.String("market", "stock", "dataset market segment")
		dataset      = fs.String("dataset", "daily", "dataset name")
		symbol       = fs.String("symbol", "", "symbol to replay")
		startRaw     = fs.String("start", "", "window start, YYYY-MM-DD")
		endRaw       = fs.String("end", "", "window end, YYYY-MM-DD, exclusive (default: now)")
		equity       = fs.Float64("equity", 100000, "initial equity")
		maxLots      = fs.Int("lots", 5, "pyramid lot count")
		gap          = fs.Float64("gap", 0.05, "pyramid buy/sell gap fraction")
		feeBps       = fs.Float64("fee-bps", 5, "per-trade fee in basis points")
		output       = fs.String("output", "", "write the JSON report to this file")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *symbol == "" {
		return fmt.Errorf("-symbol is required")
	}

	svcCtx, err := loadContext(*configPath)
	if err != nil {
		return err
	}
	if svcCtx.Store == nil {
		return fmt.Errorf("postgres dsn is not configured")
	}

	window, err := parseWindow(*startRaw, *endRaw)
	if err != nil {
		return err
	}
	ds := mirror.Dataset{Provider: providerLabel(svcCtx, *providerName), Market: *market, Name: *dataset}

	stored, err := svcCtx.Store.ReadRows(ctx, ds, *symbol, window)
	if err != nil {
		return err
	}
	rows := make([]mirror.Row, 0, len(stored))
	for _, sr := range stored {
		span, err := interval.New(sr.Start, sr.End)
		if err != nil {
			continue
		}
		rows = append(rows, mirror.Row{Symbol: sr.Symbol, Span: span, Payload: []byte(sr.Payload)})
	}
	bars := backtest.BarsFromRows(rows)
	if len(bars) == 0 {
		return fmt.Errorf("no priced bars for %s %s in %s; run download first", ds, *symbol, window)
	}
	log.Printf("[backtest] replaying %d bars for %s", len(bars), *symbol)

	engine := &backtest.Engine{
		Feeder: backtest.NewSliceFeeder(bars),
		Strategy: &backtest.Pyramid{
			MaxLots: *maxLots,
			BuyGap:  *gap,
			SellGap: *gap,
			Budget:  *equity,
		},
		InitialEquity: *equity,
		FeeBps:        *feeBps,
		OutputPath:    *output,
	}

	start := time.Now()
	result, err := engine.Run(ctx)
	if err != nil {
		return err
	}
	log.Printf("[backtest] done in %s", time.Since(start).Round(time.Millisecond))

	summary := struct {
		Steps       int     `json:"steps"`
		OrdersSent  int     `json:"orders_sent"`
		Trades      int     `json:"trades"`
		WinRate     float64 `json:"win_rate"`
		RealizedPNL float64 `json:"realized_pnl"`
		UnrealPNL   float64 `json:"unrealized_pnl"`
		TotalPNL    float64 `json:"total_pnl"`
		MaxDDPct    float64 `json:"max_drawdown_pct"`
		Sharpe      float64 `json:"sharpe"`
	}{
		result.Steps, result.OrdersSent, result.Trades, result.WinRate,
		result.RealizedPNL, result.UnrealPNL, result.TotalPNL, result.MaxDDPct, result.Sharpe,
	}
	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
