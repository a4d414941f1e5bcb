package merge

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RunContext identifies one merge run. It is passed to every outcome signal.
type RunContext struct {
	RunID     uuid.UUID
	Actor     string
	BaseID    int64
	MergeID   int64
	DryRun    bool
	StartedAt time.Time
}

// Sink receives merge outcome signals. Implementations must not fail the run;
// they log or count and return.
type Sink interface {
	TableSucceeded(ctx context.Context, run *RunContext, table string, result TableResult)
	TableFailed(ctx context.Context, run *RunContext, table string, err error)
	TransactionSucceeded(ctx context.Context, run *RunContext)
	TransactionFailed(ctx context.Context, run *RunContext, err error)
	MergeSucceeded(ctx context.Context, run *RunContext, baseID, mergeID int64)
	MergeFailed(ctx context.Context, run *RunContext, baseID, mergeID int64, err error)
}

// NopSink ignores every signal.
type NopSink struct{}

func (NopSink) TableSucceeded(context.Context, *RunContext, string, TableResult) {}
func (NopSink) TableFailed(context.Context, *RunContext, string, error)          {}
func (NopSink) TransactionSucceeded(context.Context, *RunContext)                {}
func (NopSink) TransactionFailed(context.Context, *RunContext, error)            {}
func (NopSink) MergeSucceeded(context.Context, *RunContext, int64, int64)        {}
func (NopSink) MergeFailed(context.Context, *RunContext, int64, int64, error)    {}
