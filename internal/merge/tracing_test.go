package merge_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/C4ne/merge2users/internal/merge"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = provider.Shutdown(context.Background())
	})
	return recorder
}

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) attribute.Value {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value
		}
	}
	return attribute.Value{}
}

func spansNamed(recorder *tracetest.SpanRecorder, name string) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, span := range recorder.Ended() {
		if span.Name() == name {
			out = append(out, span)
		}
	}
	return out
}

func TestMerge_Spans(t *testing.T) {
	recorder := recordSpans(t)
	h := newHarness(t)
	m := newMerger(t, h, nil)

	report, err := m.Run(context.Background(), merge.Request{BaseID: 1, MergeID: 2})
	require.NoError(t, err)

	runs := spansNamed(recorder, "merge.run")
	require.Len(t, runs, 1)
	assert.Equal(t, report.RunID, spanAttr(runs[0], "merge.run_id").AsString())
	assert.Equal(t, string(merge.OutcomeCommitted), spanAttr(runs[0], "merge.outcome").AsString())
	assert.NotEqual(t, codes.Error, runs[0].Status().Code)

	var tables []string
	for _, span := range spansNamed(recorder, "merge.table") {
		assert.Equal(t, runs[0].SpanContext().TraceID(), span.SpanContext().TraceID())
		tables = append(tables, spanAttr(span, "db.table").AsString())
	}
	assert.Contains(t, tables, "enrolment")
	assert.Contains(t, tables, "log")
}

func TestMerge_SpanRecordsFailure(t *testing.T) {
	recorder := recordSpans(t)
	h := newHarness(t)
	m := newMerger(t, h, nil)

	_, err := m.Run(context.Background(), merge.Request{BaseID: 1, MergeID: 1})
	require.ErrorIs(t, err, merge.ErrSameEntity)

	runs := spansNamed(recorder, "merge.run")
	require.Len(t, runs, 1)
	assert.Equal(t, codes.Error, runs[0].Status().Code)
	assert.Equal(t, string(merge.OutcomeFailed), spanAttr(runs[0], "merge.outcome").AsString())
	assert.Empty(t, spansNamed(recorder, "merge.table"))
}
