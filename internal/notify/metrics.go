package notify

import (
	"context"
	"errors"
	"time"

	"github.com/C4ne/merge2users/internal/merge"
	"github.com/C4ne/merge2users/internal/observability"
)

// MetricsSink records merge outcomes as OpenTelemetry metrics.
type MetricsSink struct {
	metrics *observability.MergeMetrics
}

var _ merge.Sink = (*MetricsSink)(nil)

// NewMetricsSink creates a sink backed by metrics.
func NewMetricsSink(metrics *observability.MergeMetrics) *MetricsSink {
	return &MetricsSink{metrics: metrics}
}

func (s *MetricsSink) TableSucceeded(ctx context.Context, _ *merge.RunContext, _ string, result merge.TableResult) {
	s.metrics.RecordTable(ctx, string(result.Tier), true, result.RowsDeleted, result.RowsUpdated)
}

func (s *MetricsSink) TableFailed(ctx context.Context, _ *merge.RunContext, _ string, err error) {
	tier := "unknown"
	var execErr *merge.ExecutionError
	if errors.As(err, &execErr) {
		tier = string(execErr.Tier)
	}
	s.metrics.RecordTable(ctx, tier, false, 0, 0)
}

func (s *MetricsSink) TransactionSucceeded(context.Context, *merge.RunContext) {}

func (s *MetricsSink) TransactionFailed(context.Context, *merge.RunContext, error) {}

func (s *MetricsSink) MergeSucceeded(ctx context.Context, run *merge.RunContext, _, _ int64) {
	s.metrics.RecordRun(ctx, time.Since(run.StartedAt), true, run.DryRun)
}

func (s *MetricsSink) MergeFailed(ctx context.Context, run *merge.RunContext, _, _ int64, _ error) {
	s.metrics.RecordRun(ctx, time.Since(run.StartedAt), false, run.DryRun)
}
