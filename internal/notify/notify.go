// Package notify implements merge outcome sinks: structured logs, metrics,
// console messages, fan-out and an in-memory recorder.
package notify

import (
	"context"

	"github.com/C4ne/merge2users/internal/merge"
)

// Multi forwards every signal to each sink in order.
type Multi []merge.Sink

var _ merge.Sink = Multi(nil)

func (m Multi) TableSucceeded(ctx context.Context, run *merge.RunContext, table string, result merge.TableResult) {
	for _, s := range m {
		s.TableSucceeded(ctx, run, table, result)
	}
}

func (m Multi) TableFailed(ctx context.Context, run *merge.RunContext, table string, err error) {
	for _, s := range m {
		s.TableFailed(ctx, run, table, err)
	}
}

func (m Multi) TransactionSucceeded(ctx context.Context, run *merge.RunContext) {
	for _, s := range m {
		s.TransactionSucceeded(ctx, run)
	}
}

func (m Multi) TransactionFailed(ctx context.Context, run *merge.RunContext, err error) {
	for _, s := range m {
		s.TransactionFailed(ctx, run, err)
	}
}

func (m Multi) MergeSucceeded(ctx context.Context, run *merge.RunContext, baseID, mergeID int64) {
	for _, s := range m {
		s.MergeSucceeded(ctx, run, baseID, mergeID)
	}
}

func (m Multi) MergeFailed(ctx context.Context, run *merge.RunContext, baseID, mergeID int64, err error) {
	for _, s := range m {
		s.MergeFailed(ctx, run, baseID, mergeID, err)
	}
}
