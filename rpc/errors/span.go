package errors

import (
	"github.com/gostdlib/base/context"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// recordSpanError attaches err to the span active in ctx, if any. This lets
// E() be called from deep inside the rpc stack without every caller needing
// to know whether tracing is enabled.
func recordSpanError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
