package log

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
)

// stackHandler enriches every record carrying an ErrAttr with the stack
// trace cockroachdb/errors recorded for the error and with its hints.
type stackHandler struct {
	next slog.Handler
}

func newStackHandler(next slog.Handler) slog.Handler {
	return stackHandler{next: next}
}

func (h stackHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.next.Enabled(ctx, l)
}

func (h stackHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := recordError(r); err != nil {
		if st := stackOf(err); st != "" {
			r.AddAttrs(slog.String(StacktraceAttrKey, st))
		}
		if hints := errors.FlattenHints(err); hints != "" {
			r.AddAttrs(slog.String(HintAttrKey, hints))
		}
	}
	return h.next.Handle(ctx, r)
}

func (h stackHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return stackHandler{next: h.next.WithAttrs(attrs)}
}

func (h stackHandler) WithGroup(name string) slog.Handler {
	return stackHandler{next: h.next.WithGroup(name)}
}

func recordError(r slog.Record) (err error) {
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != ErrAttrKey {
			return true
		}
		err, _ = a.Value.Any().(error)
		return false
	})
	return err
}

// stackOf returns the outermost stack trace found in the chain of err.
func stackOf(err error) string {
	for _, d := range errors.GetAllSafeDetails(err) {
		if len(d.SafeDetails) > 0 && d.SafeDetails[0] != "" {
			return d.SafeDetails[0]
		}
	}
	return ""
}
