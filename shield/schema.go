package shield

import "database/sql"

// Schema defines the rate_limits table read by RateLimiter. The endpoint
// column holds "METHOD /path" keys; a trailing "*" makes the rule a prefix
// match. All statements are idempotent, and the seeded capture rule keeps a
// runaway client from hammering browser script evaluation.
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limits (
    endpoint       TEXT PRIMARY KEY,
    max_requests   INTEGER NOT NULL DEFAULT 60,
    window_seconds INTEGER NOT NULL DEFAULT 60,
    enabled        INTEGER NOT NULL DEFAULT 1
);

INSERT OR IGNORE INTO rate_limits (endpoint, max_requests, window_seconds, enabled)
VALUES ('POST /api/tabs/*', 30, 60, 1);
`

// Init creates the shield tables if they don't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
