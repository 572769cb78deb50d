package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const orchestratorTracerName = "orchestrator-core"

func coreTracer() trace.Tracer {
	return Tracer(orchestratorTracerName)
}

// TraceAdvance creates a span around one QueueEngine.advance(parent) call.
func TraceAdvance(ctx context.Context, parentWorkflowID int64) (context.Context, trace.Span) {
	ctx, span := coreTracer().Start(ctx, "queueengine.advance",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.Int64("parent_workflow_id", parentWorkflowID))
	return ctx, span
}

// TraceAgentStep creates a span around one AgentRunner step invocation.
func TraceAgentStep(ctx context.Context, workflowID int64, agentType string) (context.Context, trace.Span) {
	ctx, span := coreTracer().Start(ctx, "agentrunner.step",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.Int64("workflow_id", workflowID),
		attribute.String("agent_type", agentType),
	)
	return ctx, span
}

// TraceCheckpointRewind creates a span around one CheckpointRewind call.
func TraceCheckpointRewind(ctx context.Context, rootID int64) (context.Context, trace.Span) {
	ctx, span := coreTracer().Start(ctx, "checkpoint.rewind",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.Int64("root_workflow_id", rootID))
	return ctx, span
}

// TraceReaperSweep creates a span around one reaper sweep pass.
func TraceReaperSweep(ctx context.Context) (context.Context, trace.Span) {
	return coreTracer().Start(ctx, "reaper.sweep", trace.WithSpanKind(trace.SpanKindInternal))
}

// RecordResult records the outcome of a span, setting an error status on
// failure.
func RecordResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
