package topics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hazyhaar/topos/kv"
)

// KeyTabAssignments is the storage key of the stableId→topicId map.
const KeyTabAssignments = "tabAssignments"

// Assignments is the durable binding between content-derived tab identities
// and topics. Bindings survive tab close and browser restart; they are
// dropped only when their topic is deleted or the binding is explicitly
// removed. Every mutation is written through to storage immediately.
type Assignments struct {
	kv     kv.Store
	logger *slog.Logger

	mu sync.Mutex
	m  map[string]string // stableID -> topicID
}

// NewAssignments returns an empty assignment map backed by kvs.
// Call Load to replay the persisted state.
func NewAssignments(kvs kv.Store, logger *slog.Logger) *Assignments {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assignments{
		kv:     kvs,
		logger: logger,
		m:      map[string]string{},
	}
}

// Load replays the persisted map. A corrupt value is treated as absent and
// logged; only transport failures are returned.
func (a *Assignments) Load(ctx context.Context) error {
	rows, err := a.kv.Get(ctx, KeyTabAssignments)
	if err != nil {
		return fmt.Errorf("topics: load assignments: %w", err)
	}
	raw, ok := rows[KeyTabAssignments]
	if !ok {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		a.logger.Warn("topics: corrupt assignment map, starting empty", "error", err)
		return nil
	}
	a.mu.Lock()
	a.m = m
	a.mu.Unlock()
	return nil
}

// TopicOf returns the topic a stable id is bound to.
func (a *Assignments) TopicOf(stableID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.m[stableID]
	return t, ok
}

// Bind assigns a stable id to a topic and persists the map. Binding to the
// topic it already points at is a no-op.
func (a *Assignments) Bind(ctx context.Context, stableID, topicID string) error {
	if stableID == "" || topicID == "" {
		return fmt.Errorf("topics: bind needs both stable id and topic id")
	}
	a.mu.Lock()
	if a.m[stableID] == topicID {
		a.mu.Unlock()
		return nil
	}
	a.m[stableID] = topicID
	return a.persistAndUnlock(ctx)
}

// Unbind removes bindings and persists the map when anything was removed.
func (a *Assignments) Unbind(ctx context.Context, stableIDs ...string) error {
	a.mu.Lock()
	removed := false
	for _, id := range stableIDs {
		if _, ok := a.m[id]; ok {
			delete(a.m, id)
			removed = true
		}
	}
	if !removed {
		a.mu.Unlock()
		return nil
	}
	return a.persistAndUnlock(ctx)
}

// PruneTopics drops every binding whose topic fails the alive check and
// returns how many were dropped. Called after topic deletion and once after
// hydration to heal bindings orphaned by external edits.
func (a *Assignments) PruneTopics(ctx context.Context, alive func(topicID string) bool) (int, error) {
	a.mu.Lock()
	dropped := 0
	for sid, topicID := range a.m {
		if !alive(topicID) {
			delete(a.m, sid)
			dropped++
		}
	}
	if dropped == 0 {
		a.mu.Unlock()
		return 0, nil
	}
	err := a.persistAndUnlock(ctx)
	return dropped, err
}

// All returns a copy of the current map.
func (a *Assignments) All() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string, len(a.m))
	for k, v := range a.m {
		out[k] = v
	}
	return out
}

// Len reports the number of bindings.
func (a *Assignments) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.m)
}

// persistAndUnlock serializes the map under the held lock, then writes it
// out. Callers must hold a.mu; it is released here.
func (a *Assignments) persistAndUnlock(ctx context.Context) error {
	raw, err := json.Marshal(a.m)
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("topics: marshal assignments: %w", err)
	}
	if err := a.kv.Set(ctx, map[string][]byte{KeyTabAssignments: raw}); err != nil {
		return fmt.Errorf("topics: persist assignments: %w", err)
	}
	return nil
}
