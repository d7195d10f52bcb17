package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer is the evaluator's package-wide tracer. The teacher's own go.mod
// carries go.opentelemetry.io/otel as an unused indirect dependency; this
// gives it the same real job zerolog gets in internal/logging.
var tracer = otel.Tracer("github.com/flagmatchio/evaluator/internal/flagstore")

// StartDBSpan opens a span named "<component>.<op>" for a single database
// round trip and returns a function that ends it, recording err (if any) as
// the span's status. Call sites wrap one pool.Query/QueryRow/Exec call
// (WriteHashKeyOverrides's span also covers its transaction's Begin and
// Commit), mirroring how the teacher wraps a single store call per metric tick
// in internal/telemetry's HTTP middleware.
func StartDBSpan(ctx context.Context, component, op string, attrs ...attribute.KeyValue) (context.Context, func(err error)) {
	ctx, span := tracer.Start(ctx, component+"."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
