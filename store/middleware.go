package store

import (
	"log/slog"
	"time"
)

// LoggingMiddleware logs every action with its outcome: whether a new
// snapshot was installed, which slice changed last, and how long the rest
// of the chain took. Install it first so it observes the full chain.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(s *Store, act Action, next Next) error {
		before := s.State().Rev()
		start := time.Now()
		err := next()
		elapsed := time.Since(start)

		after := s.State()
		switch {
		case err != nil:
			logger.Warn("store: action failed",
				"type", act.Type,
				"error", err,
				"elapsed", elapsed)
		case after.Rev() == before:
			logger.Debug("store: action ignored",
				"type", act.Type,
				"elapsed", elapsed)
		default:
			logger.Debug("store: action applied",
				"type", act.Type,
				"slice", after.Meta().LastChanged,
				"rev", after.Rev(),
				"elapsed", elapsed)
		}
		return err
	}
}
