package resume

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/wilhg/ckpt/resume"

type traced struct {
	next   Resumer
	tracer trace.Tracer
}

// Traced wraps next in a "resume" span.
func Traced(next Resumer) Resumer { return TracedWithTracer(next, otel.Tracer(tracerName)) }

// TracedWithTracer is Traced with an explicit tracer.
func TracedWithTracer(next Resumer, tracer trace.Tracer) Resumer {
	return &traced{next: next, tracer: tracer}
}

func (t *traced) Resume(ctx context.Context, originalID, newID string) (Result, error) {
	ctx, span := t.tracer.Start(ctx, "resume", trace.WithAttributes(
		attribute.String("ckpt.original_operation_id", originalID),
		attribute.String("ckpt.new_operation_id", newID),
	))
	defer span.End()
	res, err := t.next.Resume(ctx, originalID, newID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(attribute.Int64("ckpt.starting_boundary", res.StartingBoundary))
	span.SetStatus(codes.Ok, "")
	return res, nil
}
