package logging

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"
)

// SlogHandler routes log/slog records into the zerolog root logger.
// sutureslog only speaks slog.
type SlogHandler struct {
	attrs []slog.Attr
}

// NewSlogHandler creates a slog.Handler backed by the global logger
func NewSlogHandler() *SlogHandler {
	return &SlogHandler{}
}

func (h *SlogHandler) Enabled(_ context.Context, level slog.Level) bool {
	logger := base()
	return logger.GetLevel() <= toZerolog(level)
}

//nolint:gocritic // slog.Record is passed by value per slog.Handler interface
func (h *SlogHandler) Handle(_ context.Context, record slog.Record) error {
	logger := base()
	ev := logger.WithLevel(toZerolog(record.Level))
	if ev == nil {
		return nil
	}
	ev = ev.Str("component", "supervisor")
	for _, a := range h.attrs {
		ev = ev.Interface(a.Key, a.Value.Any())
	}
	record.Attrs(func(a slog.Attr) bool {
		ev = ev.Interface(a.Key, a.Value.Any())
		return true
	})
	ev.Msg(record.Message)
	return nil
}

func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &SlogHandler{attrs: merged}
}

// WithGroup flattens groups; supervisor events do not nest.
func (h *SlogHandler) WithGroup(_ string) slog.Handler {
	return h
}

func toZerolog(level slog.Level) zerolog.Level {
	switch {
	case level >= slog.LevelError:
		return zerolog.ErrorLevel
	case level >= slog.LevelWarn:
		return zerolog.WarnLevel
	case level >= slog.LevelInfo:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}
