package mirror

import (
	"context"

	"github.com/zeromicro/go-zero/core/logx"
)

// Reporter receives one started/done (or failed) event per batch. Purely
// observational; implementations must not affect control flow.
type Reporter interface {
	BatchStarted(ctx context.Context, index, total int, batch Batch)
	BatchDone(ctx context.Context, index, total int, batch Batch, rowsInserted int)
	BatchFailed(ctx context.Context, index, total int, batch Batch, err error)
}

// NopReporter discards all progress events.
type NopReporter struct{}

func (NopReporter) BatchStarted(context.Context, int, int, Batch)      {}
func (NopReporter) BatchDone(context.Context, int, int, Batch, int)    {}
func (NopReporter) BatchFailed(context.Context, int, int, Batch, error) {}

// LogReporter emits progress through logx.
type LogReporter struct{}

func (LogReporter) BatchStarted(ctx context.Context, index, total int, batch Batch) {
	logx.WithContext(ctx).Infof("mirror: batch %d/%d started: %d symbols %s", index, total, len(batch.Symbols), batch.Span)
}

func (LogReporter) BatchDone(ctx context.Context, index, total int, batch Batch, rowsInserted int) {
	logx.WithContext(ctx).Infof("mirror: batch %d/%d done: %d rows inserted", index, total, rowsInserted)
}

func (LogReporter) BatchFailed(ctx context.Context, index, total int, batch Batch, err error) {
	logx.WithContext(ctx).Errorf("mirror: batch %d/%d failed: %v", index, total, err)
}
