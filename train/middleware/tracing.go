package middleware

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/YuminosukeSato/detrain/data"
	"github.com/YuminosukeSato/detrain/runner"
)

var _ runner.BatchProcessor = (*tracing)(nil)

type tracing struct {
	tracer trace.Tracer
	next   runner.BatchProcessor
}

// Tracing opens one span per processed batch.
func Tracing(tracer trace.Tracer, next runner.BatchProcessor) runner.BatchProcessor {
	return &tracing{tracer, next}
}

func (tm *tracing) Process(ctx context.Context, r *runner.Runner, b *data.Batch, train bool) (*runner.Outputs, error) {
	ctx, span := tm.tracer.Start(ctx, mode(train)+"-step", trace.WithAttributes(
		attribute.Int("epoch", r.Epoch()),
		attribute.Int("iteration", r.Iter()),
		attribute.Int("batch_size", b.Size()),
	))
	defer span.End()

	out, err := tm.next.Process(ctx, r, b, train)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Float64("loss", out.Loss), attribute.Bool("applied", out.Applied))
	return out, nil
}
