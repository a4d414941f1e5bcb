package notify

import (
	"context"
	"sync"

	"github.com/C4ne/merge2users/internal/merge"
)

// EventKind names a recorded signal.
type EventKind string

const (
	EventTableSucceeded       EventKind = "table_succeeded"
	EventTableFailed          EventKind = "table_failed"
	EventTransactionSucceeded EventKind = "transaction_succeeded"
	EventTransactionFailed    EventKind = "transaction_failed"
	EventMergeSucceeded       EventKind = "merge_succeeded"
	EventMergeFailed          EventKind = "merge_failed"
)

// Event is one recorded signal.
type Event struct {
	Kind    EventKind
	RunID   string
	Table   string
	Result  merge.TableResult
	BaseID  int64
	MergeID int64
	Err     error
}

// Recorder keeps every signal in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

var _ merge.Sink = (*Recorder)(nil)

func (r *Recorder) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded signals.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the recorded signal kinds in order.
func (r *Recorder) Kinds() []EventKind {
	events := r.Events()
	kinds := make([]EventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	return kinds
}

// Tables returns the tables of recorded events of kind, in order.
func (r *Recorder) Tables(kind EventKind) []string {
	var tables []string
	for _, e := range r.Events() {
		if e.Kind == kind {
			tables = append(tables, e.Table)
		}
	}
	return tables
}

func (r *Recorder) TableSucceeded(_ context.Context, run *merge.RunContext, table string, result merge.TableResult) {
	r.add(Event{Kind: EventTableSucceeded, RunID: run.RunID.String(), Table: table, Result: result})
}

func (r *Recorder) TableFailed(_ context.Context, run *merge.RunContext, table string, err error) {
	r.add(Event{Kind: EventTableFailed, RunID: run.RunID.String(), Table: table, Err: err})
}

func (r *Recorder) TransactionSucceeded(_ context.Context, run *merge.RunContext) {
	r.add(Event{Kind: EventTransactionSucceeded, RunID: run.RunID.String()})
}

func (r *Recorder) TransactionFailed(_ context.Context, run *merge.RunContext, err error) {
	r.add(Event{Kind: EventTransactionFailed, RunID: run.RunID.String(), Err: err})
}

func (r *Recorder) MergeSucceeded(_ context.Context, run *merge.RunContext, baseID, mergeID int64) {
	r.add(Event{Kind: EventMergeSucceeded, RunID: run.RunID.String(), BaseID: baseID, MergeID: mergeID})
}

func (r *Recorder) MergeFailed(_ context.Context, run *merge.RunContext, baseID, mergeID int64, err error) {
	r.add(Event{Kind: EventMergeFailed, RunID: run.RunID.String(), BaseID: baseID, MergeID: mergeID, Err: err})
}
