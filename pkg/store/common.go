package store

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func addDBStatsToSpan(span trace.Span, system, statement string, messagesCount int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("messagesCount", messagesCount),
		attribute.String("db.system", system),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}
