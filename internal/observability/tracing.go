package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/vtcode-ai/vtcode"

// StartTurnSpan opens a span covering one full turn.
func StartTurnSpan(ctx context.Context, turn int, model string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "engine.turn",
		trace.WithAttributes(
			attribute.Int("vtcode.turn", turn),
			attribute.String("vtcode.model", model),
		))
}

// StartProviderSpan opens a span covering one provider request.
func StartProviderSpan(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "provider.generate",
		trace.WithAttributes(
			attribute.String("vtcode.provider", provider),
			attribute.String("vtcode.model", model),
		))
}

// StartToolSpan opens a span covering one tool execution.
func StartToolSpan(ctx context.Context, tool, callID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "tool.execute",
		trace.WithAttributes(
			attribute.String("vtcode.tool", tool),
			attribute.String("vtcode.tool_call_id", callID),
		))
}

// EndSpan records err (if any) and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
