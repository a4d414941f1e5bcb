package merge

import (
	"time"
)

// State is a step of the merge run state machine.
type State string

const (
	StateCreated         State = "CREATED"
	StateLocked          State = "LOCKED"
	StateTransactionOpen State = "TRANSACTION_OPEN"
	StateProcessing      State = "PROCESSING"
	StateCommitted       State = "COMMITTED"
	StateRolledBack      State = "ROLLED_BACK"
	StateLockReleased    State = "LOCK_RELEASED"
)

// Outcome summarizes how a run ended.
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeDryRun    Outcome = "dry_run"
	OutcomeFailed    Outcome = "failed"
)

// TableStatus is the result of one table.
type TableStatus string

const (
	TableSucceeded TableStatus = "succeeded"
	TableFailed    TableStatus = "failed"
)

// StatementResult records one executed operation.
type StatementResult struct {
	Kind         OperationKind `yaml:"kind" json:"kind"`
	Column       string        `yaml:"column,omitempty" json:"column,omitempty"`
	SQL          string        `yaml:"sql" json:"sql"`
	Args         []any         `yaml:"args,omitempty" json:"args,omitempty"`
	RowsAffected int64         `yaml:"rows_affected" json:"rows_affected"`
}

// TableResult is the audit record of one table.
type TableResult struct {
	Table            string            `yaml:"table" json:"table"`
	Tier             Tier              `yaml:"tier" json:"tier"`
	Status           TableStatus       `yaml:"status" json:"status"`
	ReferenceColumns []string          `yaml:"reference_columns,omitempty" json:"reference_columns,omitempty"`
	Conflicts        int               `yaml:"conflicts,omitempty" json:"conflicts,omitempty"`
	RowsDeleted      int64             `yaml:"rows_deleted" json:"rows_deleted"`
	RowsUpdated      int64             `yaml:"rows_updated" json:"rows_updated"`
	Statements       []StatementResult `yaml:"statements,omitempty" json:"statements,omitempty"`
	Error            string            `yaml:"error,omitempty" json:"error,omitempty"`
}

// Changed reports whether any statement ran for the table.
func (r TableResult) Changed() bool {
	return len(r.Statements) > 0
}

// Report is the audit record of a whole run.
type Report struct {
	RunID         string        `yaml:"run_id" json:"run_id"`
	Actor         string        `yaml:"actor,omitempty" json:"actor,omitempty"`
	BaseID        int64         `yaml:"base_id" json:"base_id"`
	MergeID       int64         `yaml:"merge_id" json:"merge_id"`
	DryRun        bool          `yaml:"dry_run" json:"dry_run"`
	StartedAt     time.Time     `yaml:"started_at" json:"started_at"`
	Duration      time.Duration `yaml:"duration" json:"duration"`
	States        []State       `yaml:"states" json:"states"`
	Outcome       Outcome       `yaml:"outcome" json:"outcome"`
	FailedTable   string        `yaml:"failed_table,omitempty" json:"failed_table,omitempty"`
	FailedTier    Tier          `yaml:"failed_tier,omitempty" json:"failed_tier,omitempty"`
	Error         string        `yaml:"error,omitempty" json:"error,omitempty"`
	RollbackError string        `yaml:"rollback_error,omitempty" json:"rollback_error,omitempty"`
	Tables        []TableResult `yaml:"tables" json:"tables"`
}

func newReport(run *RunContext) *Report {
	return &Report{
		RunID:     run.RunID.String(),
		Actor:     run.Actor,
		BaseID:    run.BaseID,
		MergeID:   run.MergeID,
		DryRun:    run.DryRun,
		StartedAt: run.StartedAt,
		States:    []State{StateCreated},
	}
}

func (r *Report) transition(state State) {
	r.States = append(r.States, state)
}

// State returns the last state the run reached.
func (r *Report) State() State {
	if len(r.States) == 0 {
		return StateCreated
	}
	return r.States[len(r.States)-1]
}

// Reached reports whether the run passed through state.
func (r *Report) Reached(state State) bool {
	for _, s := range r.States {
		if s == state {
			return true
		}
	}
	return false
}

// Table returns the result recorded for name.
func (r *Report) Table(name string) (TableResult, bool) {
	for _, t := range r.Tables {
		if t.Table == name {
			return t, true
		}
	}
	return TableResult{}, false
}

// Totals sums deleted and updated rows across tables.
func (r *Report) Totals() (deleted, updated int64) {
	for _, t := range r.Tables {
		deleted += t.RowsDeleted
		updated += t.RowsUpdated
	}
	return deleted, updated
}
