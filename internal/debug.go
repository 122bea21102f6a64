package internal

import (
	"context"
	"log/slog"
)

// LevelTrace is the level used for per-segment logging.
const LevelTrace slog.Level = slog.LevelDebug - 2

// LogEnabled reports whether l is non-nil and logs at lvl.
func LogEnabled(l *slog.Logger, lvl slog.Level) bool {
	return l != nil && l.Handler().Enabled(context.Background(), lvl)
}

// LogAttrs is the helper used by all package loggers. A nil logger discards the record.
func LogAttrs(l *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	if l != nil {
		l.LogAttrs(context.Background(), level, msg, attrs...)
	}
}
