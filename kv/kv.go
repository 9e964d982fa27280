// Package kv provides the flat key-value storage surface backing the state
// container and the tab assignment map. Values are opaque JSON documents;
// key layout is owned by the callers.
package kv

import (
	"context"
	"fmt"
)

// Store is a durable flat key-value store.
//
// Get returns only the keys that exist; absent keys are simply missing from
// the result map. Set upserts all items atomically. Implementations must be
// safe for concurrent use.
type Store interface {
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)
	Set(ctx context.Context, items map[string][]byte) error
	Remove(ctx context.Context, keys ...string) error
}

// StorageError wraps a backend failure with the operation and key involved.
type StorageError struct {
	Op  string // "get", "set", "remove"
	Key string // offending key; empty when the whole batch failed
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("kv: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("kv: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
