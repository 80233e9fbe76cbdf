package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"quotemirror/internal/cli"
	"quotemirror/internal/config"
	coveragepersist "quotemirror/internal/persistence/coverage"
	"quotemirror/internal/svc"
	"quotemirror/pkg/interval"
	"quotemirror/pkg/mirror"
)

const (
	runTimeout      = 30 * time.Minute // cap for a single update cycle
	shutdownTimeout = 10 * time.Second // grace period for shutdown
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Println("[main] Starting mirror cron...")

	var (
		configPath = flag.String("config", "etc/mirror.yaml", "path to the application config")
		schedule   = flag.String("schedule", "30 17 * * 1-5", "cron schedule for the daily update")
		market     = flag.String("market", "stock", "dataset market segment")
		datasets   = flag.String("datasets", "daily", "comma-separated dataset names to keep fresh")
		lookback   = flag.Duration("lookback", 30*24*time.Hour, "window to re-check on every run")
		immediate  = flag.Bool("immediate", false, "run one update cycle at startup")
	)
	flag.Parse()

	appCfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[main] Failed to load app config: %v", err)
	}
	appCfg.MustSetUp()

	log.Printf("[main] Configuration loaded:")
	for _, line := range cli.ConfigSummaryLines(appCfg) {
		log.Printf("  - %s", line)
	}
	log.Printf("  - Schedule: %s", *schedule)
	log.Printf("  - Datasets: %s", *datasets)
	log.Printf("  - Lookback: %s", *lookback)

	svcCtx := svc.NewServiceContext(*appCfg)
	if svcCtx.Mirror == nil {
		log.Fatalf("[main] Mirror not configured: postgres dsn and a default provider are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := coveragepersist.EnsureSchema(ctx, svcCtx.DBConn); err != nil {
		log.Fatalf("[main] Failed to ensure schema: %v", err)
	}

	names := splitList(*datasets)
	if len(names) == 0 {
		log.Fatalf("[main] No datasets configured")
	}

	var wg sync.WaitGroup
	runCycle := func() {
		wg.Add(1)
		defer wg.Done()
		updateDatasets(ctx, svcCtx, *market, names, *lookback)
	}

	if *immediate {
		runCycle()
	}

	c := cron.New()
	if _, err := c.AddFunc(*schedule, runCycle); err != nil {
		log.Fatalf("[main] Invalid schedule %q: %v", *schedule, err)
	}
	c.Start()
	log.Println("[main] Mirror cron started. Press Ctrl+C to stop.")

	<-ctx.Done()
	log.Println("[main] Shutdown signal received, stopping...")

	cronCtx := c.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		<-cronCtx.Done()
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("[main] All tasks stopped cleanly")
	case <-shutdownCtx.Done():
		log.Println("[main] Shutdown timeout exceeded, forcing exit")
	}

	log.Println("[main] Mirror cron stopped")
}

// updateDatasets runs one best-effort update cycle over the configured
// datasets. Failures are logged and do not abort the remaining datasets.
func updateDatasets(parentCtx context.Context, svcCtx *svc.ServiceContext, market string, datasets []string, lookback time.Duration) {
	if parentCtx.Err() != nil {
		return
	}

	providerName := ""
	if svcCtx.ProviderConfig != nil {
		providerName = svcCtx.ProviderConfig.Default
	}

	now := time.Now().UTC()
	window, err := interval.New(now.Add(-lookback), now)
	if err != nil {
		log.Printf("[update] [ERROR] build window: %v", err)
		return
	}

	for _, name := range datasets {
		func(dataset string) {
			ctx, cancel := context.WithTimeout(parentCtx, runTimeout)
			defer cancel()

			release, ok := svcCtx.TryMirrorLock(ctx, dataset)
			if !ok {
				log.Printf("[update.%s] [SKIP] another run holds the lock", dataset)
				return
			}
			defer release()

			req := mirror.Request{
				Dataset: mirror.Dataset{Provider: providerName, Market: market, Name: dataset},
				Window:  window,
			}

			start := time.Now()
			summary, err := svcCtx.Mirror.Update(ctx, req)
			elapsed := time.Since(start)

			if err != nil {
				log.Printf("[update.%s] [ERROR] %v, took %dms", dataset, err, elapsed.Milliseconds())
				return
			}
			log.Printf("[update.%s] [OK] symbols=%d batches=%d failed=%d inserted=%d, took %dms",
				dataset, summary.Symbols, summary.Batches, summary.FailedBatches,
				summary.RowsInserted, elapsed.Milliseconds())
		}(name)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
