package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/C4ne/merge2users/internal/merge"
)

func testRun(dryRun bool) *merge.RunContext {
	return &merge.RunContext{
		RunID:     uuid.New(),
		Actor:     "admin",
		BaseID:    1,
		MergeID:   2,
		DryRun:    dryRun,
		StartedAt: time.Now(),
	}
}

func emitAll(sink merge.Sink, run *merge.RunContext) {
	ctx := context.Background()
	sink.TableSucceeded(ctx, run, "log", merge.TableResult{Table: "log", Tier: merge.TierGeneric, RowsUpdated: 2,
		Statements: []merge.StatementResult{{Kind: merge.OpUpdate, RowsAffected: 2}}})
	sink.TableSucceeded(ctx, run, "config", merge.TableResult{Table: "config", Tier: merge.TierGeneric})
	sink.TableFailed(ctx, run, "profile", errors.New("duplicate entry"))
	sink.TransactionSucceeded(ctx, run)
	sink.TransactionFailed(ctx, run, errors.New("commit refused"))
	sink.MergeSucceeded(ctx, run, 1, 2)
	sink.MergeFailed(ctx, run, 1, 2, errors.New("boom"))
}

func TestMulti_FansOutInOrder(t *testing.T) {
	first, second := &Recorder{}, &Recorder{}
	run := testRun(false)

	emitAll(Multi{first, second}, run)

	want := []EventKind{
		EventTableSucceeded, EventTableSucceeded, EventTableFailed,
		EventTransactionSucceeded, EventTransactionFailed,
		EventMergeSucceeded, EventMergeFailed,
	}
	assert.Equal(t, want, first.Kinds())
	assert.Equal(t, want, second.Kinds())
	assert.Equal(t, []string{"log", "config"}, first.Tables(EventTableSucceeded))
	assert.Equal(t, []string{"profile"}, first.Tables(EventTableFailed))

	events := first.Events()
	assert.Equal(t, run.RunID.String(), events[0].RunID)
	assert.EqualValues(t, 2, events[5].MergeID)
	assert.EqualError(t, events[6].Err, "boom")
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	emitAll(NewLogSink(logger), testRun(true))

	var messages []string
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var record map[string]any
		require.NoError(t, dec.Decode(&record))
		messages = append(messages, record["msg"].(string))
		assert.Equal(t, true, record["dry_run"])
	}

	// The unchanged table is logged at debug and filtered out.
	assert.Equal(t, []string{
		"table merged",
		"table merge failed",
		"transaction committed",
		"transaction commit failed",
		"merge succeeded",
		"merge failed",
	}, messages)
}

func TestConsoleSink(t *testing.T) {
	var buf bytes.Buffer
	emitAll(NewConsoleSink(&buf, false), testRun(true))

	out := buf.String()
	assert.Contains(t, out, "Successfully merged table log (0 deleted, 2 updated)")
	assert.NotContains(t, out, "config")
	assert.Contains(t, out, "Failed to merge table profile: duplicate entry")
	assert.Contains(t, out, "The transaction was committed successfully")
	assert.Contains(t, out, "The transaction could not be committed successfully: commit refused")
	assert.Contains(t, out, "Dry run: the transaction was rolled back successfully")
	assert.Contains(t, out, "Succeeded to merge user id 2 into user id 1")
	assert.Contains(t, out, "Failed to merge user id 2 into user id 1: boom")
	assert.Contains(t, out, "Aborting merge process")
}

func TestConsoleSink_Verbose(t *testing.T) {
	var buf bytes.Buffer
	emitAll(NewConsoleSink(&buf, true), testRun(false))

	out := buf.String()
	assert.Contains(t, out, "Nothing to merge in table config")
	assert.NotContains(t, out, "Dry run")
}
