package kv

import (
	"context"
	"database/sql"
	"strings"

	"github.com/hazyhaar/topos/dbopen"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
`

// SQLite stores keys in a single kv table. It does not own the *sql.DB;
// the caller opens it (see dbopen) and closes it.
type SQLite struct {
	db *sql.DB
}

// NewSQLite applies the kv schema and returns the store.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, &StorageError{Op: "schema", Err: err}
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	placeholders := strings.Repeat("?,", len(keys))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE key IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, &StorageError{Op: "get", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, &StorageError{Op: "get", Key: k, Err: err}
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "get", Err: err}
	}
	return out, nil
}

func (s *SQLite) Set(ctx context.Context, items map[string][]byte) error {
	if len(items) == 0 {
		return nil
	}
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO kv (key, value, updated_at)
			VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for k, v := range items {
			if _, err := stmt.ExecContext(ctx, k, v); err != nil {
				return &StorageError{Op: "set", Key: k, Err: err}
			}
		}
		return nil
	})
	if err != nil {
		if _, ok := err.(*StorageError); ok {
			return err
		}
		return &StorageError{Op: "set", Err: err}
	}
	return nil
}

func (s *SQLite) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(keys))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	if _, err := dbopen.Exec(ctx, s.db,
		`DELETE FROM kv WHERE key IN (`+placeholders+`)`, args...); err != nil {
		return &StorageError{Op: "remove", Err: err}
	}
	return nil
}

// Keys returns every key currently stored, sorted by SQLite's default
// ordering. Used by diagnostics and tests.
func (s *SQLite) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return nil, &StorageError{Op: "keys", Err: err}
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, &StorageError{Op: "keys", Err: err}
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
