package logging

import (
	"context"
	"log/slog"
	"strings"
)

// minLevelHandler drops records below floor. The wrapped handler is built at
// the most verbose level any stage override asks for, so a stage logger can
// lower the floor without rebuilding the output chain.
type minLevelHandler struct {
	next  slog.Handler
	floor slog.Level
}

func (h *minLevelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.floor && h.next.Enabled(ctx, level)
}

func (h *minLevelHandler) Handle(ctx context.Context, record slog.Record) error {
	if record.Level < h.floor {
		return nil
	}
	return h.next.Handle(ctx, record)
}

func (h *minLevelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &minLevelHandler{next: h.next.WithAttrs(attrs), floor: h.floor}
}

func (h *minLevelHandler) WithGroup(name string) slog.Handler {
	return &minLevelHandler{next: h.next.WithGroup(name), floor: h.floor}
}

// withMinLevel replaces the floor of an existing minLevelHandler rather than
// stacking a second one, since the outer floor would otherwise hide lines a
// more verbose stage override asked for.
func withMinLevel(handler slog.Handler, floor slog.Level) slog.Handler {
	if h, ok := handler.(*minLevelHandler); ok {
		handler = h.next
	}
	return &minLevelHandler{next: handler, floor: floor}
}

// ForStage returns the logger a stage's dispatches log through: tagged with
// the stage name and filtered at the level from [logging] stage_overrides,
// or at the base level when the stage has no override.
func ForStage(logger *slog.Logger, overrides map[string]string, stage string) *slog.Logger {
	if logger == nil {
		return NewNop()
	}
	tagged := logger.With(String(FieldStage, stage))
	level, ok := overrides[strings.ToLower(stage)]
	if !ok {
		return tagged
	}
	return slog.New(withMinLevel(tagged.Handler(), parseLevel(level)))
}
