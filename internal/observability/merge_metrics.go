package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MergeMetrics holds counters and histograms for merge runs.
type MergeMetrics struct {
	runCounter      metric.Int64Counter
	errorCounter    metric.Int64Counter
	durationHist    metric.Float64Histogram
	tableCounter    metric.Int64Counter
	rowCounter      metric.Int64Counter
	lastSuccessUnix atomic.Int64
}

// InitMergeMetrics initializes merge metrics on the global meter provider.
func InitMergeMetrics(logger *slog.Logger) (*MergeMetrics, error) {
	meter := otel.Meter("merge2users")

	runCounter, err := meter.Int64Counter(
		"merge.runs.total",
		metric.WithDescription("Total number of merge runs by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create merge run counter: %w", err)
	}

	errorCounter, err := meter.Int64Counter(
		"merge.errors.total",
		metric.WithDescription("Total number of failed merge runs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create merge error counter: %w", err)
	}

	durationHist, err := meter.Float64Histogram(
		"merge.run.duration",
		metric.WithDescription("Duration of merge runs in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create merge duration histogram: %w", err)
	}

	tableCounter, err := meter.Int64Counter(
		"merge.tables.total",
		metric.WithDescription("Total number of tables processed by tier and status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create merge table counter: %w", err)
	}

	rowCounter, err := meter.Int64Counter(
		"merge.rows.total",
		metric.WithDescription("Total number of rows deleted or updated by merge runs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create merge row counter: %w", err)
	}

	lastSuccessGauge, err := meter.Int64ObservableGauge(
		"merge.last_success_unix",
		metric.WithDescription("Unix timestamp of the last successful merge run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create merge last success gauge: %w", err)
	}

	metrics := &MergeMetrics{
		runCounter:   runCounter,
		errorCounter: errorCounter,
		durationHist: durationHist,
		tableCounter: tableCounter,
		rowCounter:   rowCounter,
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			value := metrics.lastSuccessUnix.Load()
			if value > 0 {
				observer.ObserveInt64(lastSuccessGauge, value)
			}
			return nil
		},
		lastSuccessGauge,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register merge gauge callback: %w", err)
	}

	logger.Debug("merge metrics initialized")
	return metrics, nil
}

// RecordRun records a finished merge run.
func (m *MergeMetrics) RecordRun(ctx context.Context, duration time.Duration, success, dryRun bool) {
	attrs := []attribute.KeyValue{
		attribute.Bool("success", success),
		attribute.Bool("dry_run", dryRun),
	}

	m.runCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.durationHist.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if !success {
		m.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("dry_run", dryRun)))
		return
	}

	if !dryRun {
		m.lastSuccessUnix.Store(time.Now().Unix())
	}
}

// RecordTable records one processed table and the rows it changed.
func (m *MergeMetrics) RecordTable(ctx context.Context, tier string, success bool, deleted, updated int64) {
	m.tableCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.Bool("success", success),
	))
	if deleted > 0 {
		m.rowCounter.Add(ctx, deleted, metric.WithAttributes(attribute.String("operation", "delete")))
	}
	if updated > 0 {
		m.rowCounter.Add(ctx, updated, metric.WithAttributes(attribute.String("operation", "update")))
	}
}
