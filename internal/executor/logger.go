package executor

import (
	"context"
	"log/slog"
)

// replayHandler drops records while the pass is replaying recorded history,
// so orchestrator logs are written once per yield point rather than once per pass.
type replayHandler struct {
	inner slog.Handler
	oc    *orchestrationContext
}

func (h *replayHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return !h.oc.replaying && h.inner.Enabled(ctx, level)
}

func (h *replayHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.oc.replaying {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *replayHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &replayHandler{inner: h.inner.WithAttrs(attrs), oc: h.oc}
}

func (h *replayHandler) WithGroup(name string) slog.Handler {
	return &replayHandler{inner: h.inner.WithGroup(name), oc: h.oc}
}
