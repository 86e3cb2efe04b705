// Package middleware decorates a batch processor with logging, metrics and
// tracing.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/YuminosukeSato/detrain/data"
	"github.com/YuminosukeSato/detrain/pkg/log"
	"github.com/YuminosukeSato/detrain/runner"
)

var _ runner.BatchProcessor = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger log.Logger
	next   runner.BatchProcessor
}

// Logging logs every processed batch at debug level and failures at warn.
func Logging(logger log.Logger, next runner.BatchProcessor) runner.BatchProcessor {
	return &loggingMiddleware{logger: logger, next: next}
}

func (lm *loggingMiddleware) Process(ctx context.Context, r *runner.Runner, b *data.Batch, train bool) (out *runner.Outputs, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("batch",
				slog.String("mode", mode(train)),
				slog.Int("size", b.Size()),
			),
			slog.Int(log.EpochKey, r.Epoch()),
			slog.Int(log.IterationKey, r.Iter()),
		}
		if err != nil {
			args = append(args, log.ErrAttr(err))
			lm.logger.Warn("Process batch failed", args...)
			return
		}
		if out == nil {
			return
		}
		args = append(args, slog.Float64(log.LossKey, out.Loss))
		if train && !out.Applied {
			lm.logger.Warn("Optimizer step skipped", args...)
			return
		}
		lm.logger.Debug("Process batch completed successfully", args...)
	}(time.Now())

	return lm.next.Process(ctx, r, b, train)
}

func mode(train bool) string {
	if train {
		return "train"
	}
	return "val"
}
