package notify

import (
	"context"
	"log/slog"

	"github.com/C4ne/merge2users/internal/merge"
)

// LogSink writes every signal as a structured log record.
type LogSink struct {
	logger *slog.Logger
}

var _ merge.Sink = (*LogSink)(nil)

// NewLogSink creates a sink that logs through logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) with(run *merge.RunContext) *slog.Logger {
	return s.logger.With(
		slog.String("run_id", run.RunID.String()),
		slog.Bool("dry_run", run.DryRun),
	)
}

func (s *LogSink) TableSucceeded(ctx context.Context, run *merge.RunContext, table string, result merge.TableResult) {
	level := slog.LevelDebug
	if result.Changed() {
		level = slog.LevelInfo
	}
	s.with(run).Log(ctx, level, "table merged",
		slog.String("table", table),
		slog.String("tier", string(result.Tier)),
		slog.Int64("rows_deleted", result.RowsDeleted),
		slog.Int64("rows_updated", result.RowsUpdated),
	)
}

func (s *LogSink) TableFailed(ctx context.Context, run *merge.RunContext, table string, err error) {
	s.with(run).ErrorContext(ctx, "table merge failed",
		slog.String("table", table),
		slog.String("error", err.Error()),
	)
}

func (s *LogSink) TransactionSucceeded(ctx context.Context, run *merge.RunContext) {
	s.with(run).InfoContext(ctx, "transaction committed")
}

func (s *LogSink) TransactionFailed(ctx context.Context, run *merge.RunContext, err error) {
	s.with(run).ErrorContext(ctx, "transaction commit failed", slog.String("error", err.Error()))
}

func (s *LogSink) MergeSucceeded(ctx context.Context, run *merge.RunContext, baseID, mergeID int64) {
	s.with(run).InfoContext(ctx, "merge succeeded",
		slog.Int64("base_id", baseID),
		slog.Int64("merge_id", mergeID),
	)
}

func (s *LogSink) MergeFailed(ctx context.Context, run *merge.RunContext, baseID, mergeID int64, err error) {
	s.with(run).ErrorContext(ctx, "merge failed",
		slog.Int64("base_id", baseID),
		slog.Int64("merge_id", mergeID),
		slog.String("error", err.Error()),
	)
}
