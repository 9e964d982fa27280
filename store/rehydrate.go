package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/topos/kv"
)

// Rehydrate reconciles a live store with storage after an external writer
// touched the database. Unlike Hydrate it runs against an initialized tree:
// a slice is re-dispatched only when the persisted bytes differ from what
// the store itself would persist, so a pass triggered by the store's own
// write-through converges without dispatching anything. Returns the number
// of slices refreshed.
func Rehydrate(ctx context.Context, s *Store, kvs kv.Store) (int, error) {
	snap := s.State()
	refreshed := 0

	root, err := kvs.Get(ctx, KeyTopics, KeyActiveTopic, KeyCategorySets)
	if err != nil {
		return 0, fmt.Errorf("store: rehydrate root keys: %w", err)
	}

	curTopics := SelectTopics(snap)
	topics := curTopics
	if raw, differs := diffJSON(root[KeyTopics], curTopics, s.logger); differs {
		var loaded []Topic
		if err := json.Unmarshal(orEmptyArray(raw), &loaded); err != nil {
			s.logger.Warn("store: corrupt persisted value, keeping in-memory state",
				"key", KeyTopics, "error", err)
		} else {
			if err := s.Dispatch(SetTopics(loaded)); err != nil {
				return refreshed, err
			}
			topics = loaded
			refreshed++
		}
	}

	if raw, differs := diffJSON(root[KeyCategorySets], SelectCategorySets(snap), s.logger); differs {
		var sets []CategorySet
		if err := json.Unmarshal(orEmptyArray(raw), &sets); err != nil {
			s.logger.Warn("store: corrupt persisted value, keeping in-memory state",
				"key", KeyCategorySets, "error", err)
		} else {
			if err := s.Dispatch(SetCategorySets(sets)); err != nil {
				return refreshed, err
			}
			refreshed++
		}
	}

	if raw, ok := root[KeyActiveTopic]; ok {
		var active string
		if err := json.Unmarshal(raw, &active); err != nil {
			s.logger.Warn("store: corrupt persisted value, keeping in-memory state",
				"key", KeyActiveTopic, "error", err)
		} else if active != SelectActiveTopicID(snap) && (active == "" || topicExists(topics, active)) {
			if err := s.Dispatch(SetActiveTopic(active)); err != nil {
				return refreshed, err
			}
			refreshed++
		}
	}

	// Categories: the union of topics known to storage and topics still in
	// memory, so both external additions and external deletions land.
	topicIDs := map[string]bool{}
	for _, t := range topics {
		topicIDs[t.ID] = true
	}
	if cats, ok := snap.Slice(SliceCategories).(*Categories); ok {
		for id := range cats.ByTopic {
			topicIDs[id] = true
		}
	}
	catKeys := make([]string, 0, len(topicIDs))
	keyTopic := map[string]string{}
	for id := range topicIDs {
		k := CategoriesKey(id)
		catKeys = append(catKeys, k)
		keyTopic[k] = id
	}
	catRows, err := kvs.Get(ctx, catKeys...)
	if err != nil {
		return refreshed, fmt.Errorf("store: rehydrate categories: %w", err)
	}

	categoryIDs := map[string]bool{}
	if bms, ok := snap.Slice(SliceBookmarks).(*Bookmarks); ok {
		for id := range bms.ByCategory {
			categoryIDs[id] = true
		}
	}
	for _, key := range catKeys {
		topicID := keyTopic[key]
		raw, differs := diffJSON(catRows[key], SelectCategories(snap, topicID), s.logger)
		var loaded []Category
		if err := json.Unmarshal(orEmptyArray(raw), &loaded); err != nil {
			s.logger.Warn("store: corrupt persisted value, keeping in-memory state",
				"key", key, "error", err)
			continue
		}
		if differs {
			if err := s.Dispatch(SetCategories(topicID, loaded)); err != nil {
				return refreshed, err
			}
			refreshed++
		}
		for _, c := range loaded {
			categoryIDs[c.ID] = true
		}
	}

	bmKeys := make([]string, 0, len(categoryIDs))
	keyCategory := map[string]string{}
	for id := range categoryIDs {
		k := BookmarksKey(id)
		bmKeys = append(bmKeys, k)
		keyCategory[k] = id
	}
	bmRows, err := kvs.Get(ctx, bmKeys...)
	if err != nil {
		return refreshed, fmt.Errorf("store: rehydrate bookmarks: %w", err)
	}
	for _, key := range bmKeys {
		categoryID := keyCategory[key]
		raw, differs := diffJSON(bmRows[key], SelectBookmarks(snap, categoryID), s.logger)
		if !differs {
			continue
		}
		var loaded []Bookmark
		if err := json.Unmarshal(orEmptyArray(raw), &loaded); err != nil {
			s.logger.Warn("store: corrupt persisted value, keeping in-memory state",
				"key", key, "error", err)
			continue
		}
		if err := s.Dispatch(SetBookmarks(categoryID, loaded)); err != nil {
			return refreshed, err
		}
		refreshed++
	}
	return refreshed, nil
}

// diffJSON reports whether the stored bytes disagree with the value the
// persister would write for cur. Absent keys and empty collections compare
// equal, so a key never written yet does not look like an external edit.
func diffJSON(stored []byte, cur any, logger *slog.Logger) ([]byte, bool) {
	want, err := json.Marshal(cur)
	if err != nil {
		logger.Error("store: marshal for rehydrate failed", "error", err)
		return stored, false
	}
	if emptyJSON(stored) && emptyJSON(want) {
		return stored, false
	}
	return stored, !bytes.Equal(stored, want)
}

func emptyJSON(b []byte) bool {
	switch string(bytes.TrimSpace(b)) {
	case "", "null", "[]", "{}", `""`:
		return true
	}
	return false
}

func orEmptyArray(b []byte) []byte {
	if emptyJSON(b) {
		return []byte("[]")
	}
	return b
}

func topicExists(topics []Topic, id string) bool {
	for _, t := range topics {
		if t.ID == id {
			return true
		}
	}
	return false
}
