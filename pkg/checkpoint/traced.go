package checkpoint

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/wilhg/ckpt/checkpoint"

type traced struct {
	next   Store
	tracer trace.Tracer
}

// Traced wraps next so every call runs inside an OpenTelemetry span. With no
// global TracerProvider configured the spans are no-ops.
func Traced(next Store) Store {
	return TracedWithTracer(next, otel.Tracer(tracerName))
}

// TracedWithTracer is Traced with an explicit tracer.
func TracedWithTracer(next Store, tracer trace.Tracer) Store {
	return &traced{next: next, tracer: tracer}
}

func (t *traced) Save(ctx context.Context, operationID string, p Payload) error {
	ctx, span := t.tracer.Start(ctx, "checkpoint.save", trace.WithAttributes(
		attribute.String("ckpt.operation_id", operationID),
		attribute.String("ckpt.checkpoint_id", p.CheckpointID),
		attribute.String("ckpt.checkpoint_type", string(p.Type)),
		attribute.Int("ckpt.artifacts", len(p.Artifacts)),
	))
	defer span.End()
	err := t.next.Save(ctx, operationID, p)
	finish(span, err)
	return err
}

func (t *traced) Load(ctx context.Context, operationID string) (*Checkpoint, bool, error) {
	ctx, span := t.tracer.Start(ctx, "checkpoint.load", trace.WithAttributes(
		attribute.String("ckpt.operation_id", operationID),
	))
	defer span.End()
	cp, ok, err := t.next.Load(ctx, operationID)
	span.SetAttributes(attribute.Bool("ckpt.found", ok))
	if ok {
		span.SetAttributes(
			attribute.String("ckpt.checkpoint_id", cp.CheckpointID),
			attribute.Int64("ckpt.state_size_bytes", cp.StateSizeBytes),
			attribute.Int64("ckpt.artifacts_size_bytes", cp.ArtifactsSizeBytes),
		)
	}
	finish(span, err)
	return cp, ok, err
}

func (t *traced) Delete(ctx context.Context, operationID string) error {
	ctx, span := t.tracer.Start(ctx, "checkpoint.delete", trace.WithAttributes(
		attribute.String("ckpt.operation_id", operationID),
	))
	defer span.End()
	err := t.next.Delete(ctx, operationID)
	finish(span, err)
	return err
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
