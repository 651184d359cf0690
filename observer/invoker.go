package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dirigentlabs/dirigent"
)

// Invoke wraps an InvokeFunc with tracing and metrics. Each tool call
// produces a span named after the action; invocation count and latency
// land in the instruments. Failures are read off ToolResult.Error since
// invocation never returns a Go error.
func Invoke(fn dirigent.InvokeFunc, inst *Instruments) dirigent.InvokeFunc {
	return func(ctx context.Context, call dirigent.ToolCall) dirigent.ToolResult {
		ctx, span := inst.Tracer.Start(ctx, "tool.invoke",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("tool.name", call.Name),
				attribute.String("tool.agent", call.AgentName()),
				attribute.String("tool.action", call.ActionName()),
			))
		defer span.End()

		start := time.Now()
		res := fn(ctx, call)
		elapsed := float64(time.Since(start).Milliseconds())

		attrs := metric.WithAttributes(
			attribute.String("tool.name", call.Name),
			attribute.Bool("error", res.Failed()),
		)
		inst.Invocations.Add(ctx, 1, attrs)
		inst.InvokeDuration.Record(ctx, elapsed, attrs)

		if res.Failed() {
			span.SetStatus(codes.Error, res.Error)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return res
	}
}
