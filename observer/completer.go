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

// ObservedCompleter wraps a dirigent.Completer with tracing and metrics.
// Every Complete call produces a span and records request count, latency,
// and token usage.
type ObservedCompleter struct {
	inner dirigent.Completer
	inst  *Instruments
}

var _ dirigent.Completer = (*ObservedCompleter)(nil)

// Completer wraps c with observability instruments. Pass the Instruments
// returned by Init.
func Completer(c dirigent.Completer, inst *Instruments) *ObservedCompleter {
	return &ObservedCompleter{inner: c, inst: inst}
}

func (o *ObservedCompleter) Name() string { return o.inner.Name() }

func (o *ObservedCompleter) Complete(ctx context.Context, req dirigent.CompletionRequest) (dirigent.Completion, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.complete",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.backend", o.inner.Name()),
			attribute.String("llm.model", req.Model),
			attribute.Int("llm.messages", len(req.Messages)),
			attribute.Int("llm.tools", len(req.Tools)),
		))
	defer span.End()

	start := time.Now()
	resp, err := o.inner.Complete(ctx, req)
	elapsed := float64(time.Since(start).Milliseconds())

	attrs := metric.WithAttributes(
		attribute.String("llm.backend", o.inner.Name()),
		attribute.String("llm.model", req.Model),
		attribute.Bool("error", err != nil),
	)
	o.inst.LLMRequests.Add(ctx, 1, attrs)
	o.inst.LLMDuration.Record(ctx, elapsed, attrs)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}

	span.SetAttributes(
		attribute.Int("llm.tokens.input", resp.Usage.InputTokens),
		attribute.Int("llm.tokens.output", resp.Usage.OutputTokens),
		attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
	)
	o.inst.TokenUsage.Add(ctx, int64(resp.Usage.InputTokens), metric.WithAttributes(
		attribute.String("llm.model", req.Model),
		attribute.String("token.type", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(resp.Usage.OutputTokens), metric.WithAttributes(
		attribute.String("llm.model", req.Model),
		attribute.String("token.type", "output"),
	))
	span.SetStatus(codes.Ok, "")
	return resp, nil
}
