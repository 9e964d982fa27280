package notify

import (
	"context"
	"log/slog"
)

// Log is the always-on sink: notifications land in the structured log at a
// level matching their severity.
type Log struct {
	logger *slog.Logger
}

// NewLog returns a Log sink. A nil logger falls back to slog.Default().
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, n Notification) error {
	level := slog.LevelInfo
	switch n.Severity {
	case Warning:
		level = slog.LevelWarn
	case Error, Critical:
		level = slog.LevelError
	}
	l.logger.Log(ctx, level, "notify: "+n.Title,
		"id", n.ID,
		"severity", n.Severity.String(),
		"message", n.Message)
	return nil
}
