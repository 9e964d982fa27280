// Package shield provides the HTTP middleware stack for the topos API:
// security headers, request body limits, request IDs with per-request
// structured loggers, and SQLite-configured rate limiting.
//
// Usage:
//
//	r := chi.NewRouter()
//	stack, rl := shield.APIStack(db)
//	rl.StartReloader(done)
//	for _, mw := range stack {
//	    r.Use(mw)
//	}
package shield

import (
	"database/sql"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// APIStack returns the standard middleware stack for the topos API.
// Middleware is ordered: HeadToGet → SecurityHeaders → MaxBody → RequestID
// → RateLimiter. Health checks bypass rate limiting. The returned
// RateLimiter handle lets callers start the rule reloader.
func APIStack(db *sql.DB) ([]func(http.Handler) http.Handler, *RateLimiter) {
	rl := NewRateLimiter(db, "/health")
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(1 << 20),
		RequestID,
		rl.Middleware,
	}, rl
}
