//go:build integration
// +build integration

package coveragepersist_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	coveragepersist "quotemirror/internal/persistence/coverage"
	"quotemirror/pkg/interval"
	"quotemirror/pkg/mirror"
)

const dsnEnv = "QUOTEMIRROR_TEST_DSN"

var testDataset = mirror.Dataset{Provider: "tushare", Market: "stock", Name: "daily"}

func day(n int) time.Time {
	return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func span(t *testing.T, from, to int) interval.Interval {
	t.Helper()
	iv, err := interval.New(day(from), day(to))
	require.NoError(t, err)
	return iv
}

// newIntegrationService drops and recreates the schema so every test
// starts from a clean database.
func newIntegrationService(t *testing.T, now time.Time) *coveragepersist.Service {
	t.Helper()
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("Postgres not configured (%s not set)", dsnEnv)
	}
	conn := sqlx.NewSqlConn("pgx", dsn)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, coveragepersist.ResetTables(ctx, conn))

	return coveragepersist.NewService(conn, coveragepersist.WithClock(func() time.Time { return now }))
}

func loadSymbol(t *testing.T, svc *coveragepersist.Service, symbol string, window interval.Interval) []interval.Interval {
	t.Helper()
	cov, err := svc.LoadCoverage(context.Background(), testDataset, []string{symbol}, window)
	require.NoError(t, err)
	require.Contains(t, cov, symbol)
	return cov[symbol]
}

func TestRecordCoverageMergesAdjacentRanges(t *testing.T) {
	svc := newIntegrationService(t, day(100))
	ctx := context.Background()

	require.NoError(t, svc.RecordCoverage(ctx, testDataset, []string{"600519.SH"}, span(t, 0, 4), 24*time.Hour))
	require.NoError(t, svc.RecordCoverage(ctx, testDataset, []string{"600519.SH"}, span(t, 4, 8), 24*time.Hour))

	got := loadSymbol(t, svc, "600519.SH", span(t, -5, 50))
	require.Len(t, got, 1, "adjacent ranges must coalesce into one row")
	assert.True(t, got[0].Start.Equal(day(0)))
	assert.True(t, got[0].End.Equal(day(8)))
}

func TestRecordCoverageAbsorbsOverlap(t *testing.T) {
	svc := newIntegrationService(t, day(100))
	ctx := context.Background()

	require.NoError(t, svc.RecordCoverage(ctx, testDataset, []string{"600519.SH"}, span(t, 0, 10), 24*time.Hour))
	require.NoError(t, svc.RecordCoverage(ctx, testDataset, []string{"600519.SH"}, span(t, 5, 15), 24*time.Hour))

	got := loadSymbol(t, svc, "600519.SH", span(t, -5, 50))
	require.Len(t, got, 1)
	assert.True(t, got[0].Start.Equal(day(0)))
	assert.True(t, got[0].End.Equal(day(15)))
}

func TestRecordCoverageAppliesEndCap(t *testing.T) {
	svc := newIntegrationService(t, day(10))
	ctx := context.Background()

	// now is day 10 and delay is 24h, so nothing after day 9 may be
	// recorded even when the window claims more.
	require.NoError(t, svc.RecordCoverage(ctx, testDataset, []string{"600519.SH"}, span(t, 0, 12), 24*time.Hour))

	got := loadSymbol(t, svc, "600519.SH", span(t, -5, 50))
	require.Len(t, got, 1)
	assert.True(t, got[0].Start.Equal(day(0)))
	assert.True(t, got[0].End.Equal(day(9)))
}

func TestRecordCoverageEntirelyPastCapIsNoOp(t *testing.T) {
	svc := newIntegrationService(t, day(10))
	ctx := context.Background()

	require.NoError(t, svc.RecordCoverage(ctx, testDataset, []string{"600519.SH"}, span(t, 10, 12), 24*time.Hour))

	got := loadSymbol(t, svc, "600519.SH", span(t, -5, 50))
	assert.Empty(t, got)
}

func TestCoverageIsPerSymbol(t *testing.T) {
	svc := newIntegrationService(t, day(100))
	ctx := context.Background()

	require.NoError(t, svc.RecordCoverage(ctx, testDataset, []string{"600519.SH"}, span(t, 0, 4), 24*time.Hour))

	cov, err := svc.LoadCoverage(ctx, testDataset, []string{"600519.SH", "000001.SZ"}, span(t, -5, 50))
	require.NoError(t, err)
	require.Len(t, cov["600519.SH"], 1)
	assert.Empty(t, cov["000001.SZ"], "uncovered symbols still appear, with no ranges")
}

func TestLoadCoverageSpansSymbolChunks(t *testing.T) {
	svc := newIntegrationService(t, day(100))
	ctx := context.Background()

	// More symbols than one ANY($n) chunk names, so the load must stitch
	// results across chunks.
	symbols := make([]string, 150)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("%06d.SZ", i)
	}
	require.NoError(t, svc.RecordCoverage(ctx, testDataset, symbols, span(t, 0, 4), 24*time.Hour))

	cov, err := svc.LoadCoverage(ctx, testDataset, symbols, span(t, -5, 50))
	require.NoError(t, err)
	require.Len(t, cov, len(symbols))
	for _, sym := range symbols {
		require.Len(t, cov[sym], 1, "symbol %s", sym)
		assert.True(t, cov[sym][0].Start.Equal(day(0)))
		assert.True(t, cov[sym][0].End.Equal(day(4)))
	}
}

func TestInsertRowsIsIdempotent(t *testing.T) {
	svc := newIntegrationService(t, day(100))
	ctx := context.Background()

	rows := []mirror.Row{
		{Symbol: "600519.SH", Span: span(t, 0, 1), Payload: []byte(`{"close": 1700.0}`)},
		{Symbol: "600519.SH", Span: span(t, 1, 2), Payload: []byte(`{"close": 1710.0}`)},
		{Symbol: "600519.SH", Span: span(t, 2, 3), Payload: []byte(`{"close": 1720.0}`)},
	}
	inserted, err := svc.InsertRows(ctx, testDataset, rows)
	require.NoError(t, err)
	assert.Equal(t, 3, inserted)

	inserted, err = svc.InsertRows(ctx, testDataset, rows)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted, "re-inserting stored rows must be a no-op")

	stored, err := svc.ReadRows(ctx, testDataset, "600519.SH", span(t, 0, 10))
	require.NoError(t, err)
	require.Len(t, stored, 3)
	for i := range stored {
		assert.True(t, stored[i].Start.Equal(day(i)), "rows come back in time order")
	}
}

func TestDeleteDatasetCascades(t *testing.T) {
	svc := newIntegrationService(t, day(100))
	ctx := context.Background()

	_, err := svc.InsertRows(ctx, testDataset, []mirror.Row{
		{Symbol: "600519.SH", Span: span(t, 0, 1), Payload: []byte(`{"close": 1700.0}`)},
	})
	require.NoError(t, err)
	require.NoError(t, svc.RecordCoverage(ctx, testDataset, []string{"600519.SH"}, span(t, 0, 1), 24*time.Hour))

	require.NoError(t, svc.DeleteDataset(ctx, testDataset))

	assert.Empty(t, loadSymbol(t, svc, "600519.SH", span(t, -5, 50)))
	stored, err := svc.ReadRows(ctx, testDataset, "600519.SH", span(t, -5, 50))
	require.NoError(t, err)
	assert.Empty(t, stored)
}
