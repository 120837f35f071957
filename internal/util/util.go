package util

import (
	"fmt"
	"path"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func RecordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GetArtifactPath is the object key of a file from a job's artifact directory.
// rel uses forward slashes.
func GetArtifactPath(jobID string, rel string) string {
	return path.Join("evals", jobID, "artifacts", path.Clean("/"+rel)[1:])
}

func GetOutcomePath(jobID string) string {
	return fmt.Sprintf("evals/%s/outcome.json", jobID)
}

func GetIdempotencyKey(key string) string {
	return fmt.Sprintf("idempotency:%s", key)
}
