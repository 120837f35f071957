package util

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestGetArtifactPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rel  string
		want string
	}{
		{"top level file", "stdout.log", "evals/job-1/artifacts/stdout.log"},
		{"nested file", "salute/run-1/run_summary.json", "evals/job-1/artifacts/salute/run-1/run_summary.json"},
		{"parent traversal is clamped", "../../etc/passwd", "evals/job-1/artifacts/etc/passwd"},
		{"redundant separators", "a//b/./c.txt", "evals/job-1/artifacts/a/b/c.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, GetArtifactPath("job-1", tt.rel))
		})
	}
}

func TestKeyHelpers(t *testing.T) {
	t.Parallel()

	require.Equal(t, "evals/abc/outcome.json", GetOutcomePath("abc"))
	require.Equal(t, "idempotency:msg-42", GetIdempotencyKey("msg-42"))
}

func TestRecordSpanError(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	_, span := tp.Tracer("test").Start(t.Context(), "op")

	RecordSpanError(span, errors.New("boom"))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, codes.Error, spans[0].Status().Code)
	require.Equal(t, "boom", spans[0].Status().Description)
	require.Len(t, spans[0].Events(), 1)
}
