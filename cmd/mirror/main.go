package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"quotemirror/internal/cli"
	"quotemirror/internal/config"
	coveragepersist "quotemirror/internal/persistence/coverage"
	"quotemirror/internal/svc"
	"quotemirror/pkg/interval"
	"quotemirror/pkg/mirror"
)

const dateLayout = "2006-01-02"

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: mirror <command> [flags]

Commands:
  download   fetch missing data for a window, aborting on the first failed batch
  update     fetch missing data for a window, skipping failed batches
  symbols    list the provider's tradable symbol universe
  reset      drop and recreate the mirror tables, or delete one dataset
  backtest   replay stored daily bars through the pyramid strategy

Run "mirror <command> -h" for command flags.
`)
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "download":
		err = runFetch(ctx, args, false)
	case "update":
		err = runFetch(ctx, args, true)
	case "symbols":
		err = runSymbols(ctx, args)
	case "reset":
		err = runReset(ctx, args)
	case "backtest":
		err = runBacktest(ctx, args)
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "mirror: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("[mirror] %v", err)
	}
}

func loadContext(configPath string) (*svc.ServiceContext, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	cfg.MustSetUp()
	cli.LogConfigSummary(cfg)
	return svc.NewServiceContext(*cfg), nil
}

func runFetch(ctx context.Context, args []string, bestEffort bool) error {
	name := "download"
	if bestEffort {
		name = "update"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	var (
		configPath   = fs.String("config", "etc/mirror.yaml", "path to the application config")
		providerName = fs.String("provider", "", "provider name (default: config default)")
		market       = fs.String("market", "stock", "dataset market segment")
		dataset      = fs.String("dataset", "daily", "dataset name")
		symbolsRaw   = fs.String("symbols", "", "comma-separated symbols (empty: whole universe)")
		startRaw     = fs.String("start", "", "window start, YYYY-MM-DD")
		endRaw       = fs.String("end", "", "window end, YYYY-MM-DD, exclusive (default: now)")
		atRaw        = fs.String("at", "", "single trading day, YYYY-MM-DD (instead of start/end)")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	svcCtx, err := loadContext(*configPath)
	if err != nil {
		return err
	}
	m, err := svcCtx.MirrorFor(*providerName)
	if err != nil {
		return err
	}
	if err := coveragepersist.EnsureSchema(ctx, svcCtx.DBConn); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	req := mirror.Request{
		Dataset: mirror.Dataset{
			Provider: providerLabel(svcCtx, *providerName),
			Market:   *market,
			Name:     *dataset,
		},
		Symbols: splitSymbols(*symbolsRaw),
	}
	if *atRaw != "" {
		at, err := time.Parse(dateLayout, *atRaw)
		if err != nil {
			return fmt.Errorf("parse -at: %w", err)
		}
		req.At = at
	} else {
		window, err := parseWindow(*startRaw, *endRaw)
		if err != nil {
			return err
		}
		req.Window = window
	}

	start := time.Now()
	var summary *mirror.Summary
	if bestEffort {
		summary, err = m.Update(ctx, req)
	} else {
		summary, err = m.Download(ctx, req)
	}
	if summary != nil {
		log.Printf("[mirror] %s %s: symbols=%d missing=%d batches=%d failed=%d bars=%d inserted=%d in %s",
			name, req.Dataset, summary.Symbols, summary.MissingRanges, summary.Batches,
			summary.FailedBatches, summary.BarsFetched, summary.RowsInserted,
			time.Since(start).Round(time.Millisecond))
	}
	return err
}

func runSymbols(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("symbols", flag.ExitOnError)
	var (
		configPath   = fs.String("config", "etc/mirror.yaml", "path to the application config")
		providerName = fs.String("provider", "", "provider name (default: config default)")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	svcCtx, err := loadContext(*configPath)
	if err != nil {
		return err
	}
	instruments, err := svcCtx.ListInstruments(ctx, *providerName)
	if err != nil {
		return err
	}
	for _, inst := range instruments {
		fmt.Printf("%-12s %-20s %-10s %s\n", inst.Symbol, inst.Name, inst.Market, inst.Industry)
	}
	log.Printf("[mirror] %d instruments", len(instruments))
	return nil
}

func runReset(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	var (
		configPath   = fs.String("config", "etc/mirror.yaml", "path to the application config")
		providerName = fs.String("provider", "", "provider name (default: config default)")
		market       = fs.String("market", "stock", "dataset market segment")
		dataset      = fs.String("dataset", "", "dataset to delete (empty: drop and recreate every table)")
		yes          = fs.Bool("yes", false, "skip the confirmation prompt")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	svcCtx, err := loadContext(*configPath)
	if err != nil {
		return err
	}
	if svcCtx.DBConn == nil {
		return fmt.Errorf("postgres dsn is not configured")
	}

	target := "ALL mirror tables"
	if *dataset != "" {
		target = fmt.Sprintf("dataset %s/%s/%s", providerLabel(svcCtx, *providerName), *market, *dataset)
	}
	if !*yes && !svcCtx.Config.IsTestEnv() {
		if !confirm(fmt.Sprintf("This will irreversibly delete %s. Continue?", target)) {
			log.Printf("[mirror] reset aborted")
			return nil
		}
	}

	if *dataset == "" {
		if err := coveragepersist.ResetTables(ctx, svcCtx.DBConn); err != nil {
			return err
		}
		log.Printf("[mirror] tables dropped and recreated")
		return nil
	}

	ds := mirror.Dataset{Provider: providerLabel(svcCtx, *providerName), Market: *market, Name: *dataset}
	if err := svcCtx.Store.DeleteDataset(ctx, ds); err != nil {
		return err
	}
	log.Printf("[mirror] deleted %s", ds)
	return nil
}

func providerLabel(svcCtx *svc.ServiceContext, name string) string {
	if name != "" {
		return name
	}
	if svcCtx.ProviderConfig != nil {
		return svcCtx.ProviderConfig.Default
	}
	return ""
}

func splitSymbols(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t'
	})
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if _, dup := seen[field]; dup {
			continue
		}
		seen[field] = struct{}{}
		out = append(out, field)
	}
	return out
}

func parseWindow(startRaw, endRaw string) (interval.Interval, error) {
	if startRaw == "" {
		return interval.Interval{}, fmt.Errorf("either -start or -at is required")
	}
	start, err := time.Parse(dateLayout, startRaw)
	if err != nil {
		return interval.Interval{}, fmt.Errorf("parse -start: %w", err)
	}
	end := time.Now().UTC().Truncate(time.Second)
	if endRaw != "" {
		end, err = time.Parse(dateLayout, endRaw)
		if err != nil {
			return interval.Interval{}, fmt.Errorf("parse -end: %w", err)
		}
	}
	return interval.New(start, end)
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
