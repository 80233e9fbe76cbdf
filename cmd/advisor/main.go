package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"quotemirror/internal/config"
	"quotemirror/internal/svc"
	advisorpkg "quotemirror/pkg/advisor"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	var (
		configPath    = flag.String("config", "etc/mirror.yaml", "path to the application config")
		portfolioPath = flag.String("portfolio", "", "path to a JSON portfolio file")
		holdingsRaw   = flag.String("holdings", "", "inline holdings, e.g. 600519.SH=100,000001.SZ=500")
		lookback      = flag.Duration("lookback", 7*24*time.Hour, "event window to consult over")
	)
	flag.Parse()

	appCfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[advisor] Failed to load app config: %v", err)
	}
	appCfg.MustSetUp()

	svcCtx := svc.NewServiceContext(*appCfg)
	if svcCtx.Advisor == nil {
		log.Fatalf("[advisor] Advisor config section is required")
	}

	portfolio, err := loadPortfolio(*portfolioPath, *holdingsRaw)
	if err != nil {
		log.Fatalf("[advisor] %v", err)
	}
	if len(portfolio) == 0 {
		log.Fatalf("[advisor] Empty portfolio; use -portfolio or -holdings")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	end := time.Now().UTC()
	start := end.Add(-*lookback)

	report, err := svcCtx.Consult(ctx, portfolio, nil, start, end)
	if err != nil {
		log.Fatalf("[advisor] Consultation failed: %v", err)
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("[advisor] Encode report: %v", err)
	}
	fmt.Println(string(out))
}

func loadPortfolio(path, inline string) ([]advisorpkg.Holding, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read portfolio: %w", err)
		}
		var holdings []advisorpkg.Holding
		if err := json.Unmarshal(data, &holdings); err != nil {
			return nil, fmt.Errorf("parse portfolio %s: %w", path, err)
		}
		return holdings, nil
	}

	var holdings []advisorpkg.Holding
	for _, part := range strings.Split(inline, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		symbol, qtyRaw, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid holding %q, expected SYMBOL=QUANTITY", part)
		}
		qty, err := strconv.ParseFloat(strings.TrimSpace(qtyRaw), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid quantity in %q: %w", part, err)
		}
		holdings = append(holdings, advisorpkg.Holding{
			Symbol:   strings.TrimSpace(symbol),
			Quantity: qty,
		})
	}
	return holdings, nil
}
