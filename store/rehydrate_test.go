package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hazyhaar/topos/store"
)

// TestRehydrateAfterOwnWritesIsNoOp: a pass triggered by the store's own
// write-through must converge without dispatching anything, otherwise the
// watch loop would ping-pong against the persister forever.
func TestRehydrateAfterOwnWritesIsNoOp(t *testing.T) {
	ctx := context.Background()
	s, mem, p := persistedStore(t)

	topicID := addTopic(t, s, "research")
	catAct, err := store.AddCategory(topicID, "papers")
	dispatch(t, s, catAct, err)
	catID := catAct.Payload.(store.AddCategoryPayload).Category.ID
	bmAct, err := store.AddBookmark(catID, "Go spec", "https://go.dev/ref/spec")
	dispatch(t, s, bmAct, err)
	flush(t, p)

	before := s.State().Rev()
	n, err := store.Rehydrate(ctx, s, mem)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if n != 0 {
		t.Fatalf("refreshed %d slices, want 0", n)
	}
	if got := s.State().Rev(); got != before {
		t.Fatalf("rev moved %d -> %d on a no-op rehydrate", before, got)
	}
}

func TestRehydrateAdoptsExternalEdits(t *testing.T) {
	ctx := context.Background()
	s, mem, p := persistedStore(t)

	topicID := addTopic(t, s, "research")
	flush(t, p)

	// An external writer renames the topic and adds a category behind the
	// store's back.
	renamed := store.SelectTopics(s.State())
	renamed[0].Name = "renamed elsewhere"
	extCat := []store.Category{{
		ID:        "cat-ext",
		TopicID:   topicID,
		Name:      "added elsewhere",
		CreatedAt: time.Now().UTC(),
	}}
	topicsRaw, _ := json.Marshal(renamed)
	catsRaw, _ := json.Marshal(extCat)
	if err := mem.Set(ctx, map[string][]byte{
		store.KeyTopics:              topicsRaw,
		store.CategoriesKey(topicID): catsRaw,
	}); err != nil {
		t.Fatalf("external set: %v", err)
	}

	n, err := store.Rehydrate(ctx, s, mem)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if n != 2 {
		t.Fatalf("refreshed %d slices, want 2", n)
	}
	if got, _ := store.SelectTopic(s.State(), topicID); got.Name != "renamed elsewhere" {
		t.Fatalf("topic name = %q, want external rename", got.Name)
	}
	if cats := store.SelectCategories(s.State(), topicID); len(cats) != 1 || cats[0].ID != "cat-ext" {
		t.Fatalf("categories = %+v, want the external one", cats)
	}

	// The adopting dispatches echo back to storage; once that settles a
	// second pass finds nothing to do.
	flush(t, p)
	if n, err = store.Rehydrate(ctx, s, mem); err != nil || n != 0 {
		t.Fatalf("second rehydrate: n=%d err=%v, want 0, nil", n, err)
	}
}

func TestRehydrateExternalDeletion(t *testing.T) {
	ctx := context.Background()
	s, mem, p := persistedStore(t)

	topicID := addTopic(t, s, "research")
	catAct, err := store.AddCategory(topicID, "papers")
	dispatch(t, s, catAct, err)
	catID := catAct.Payload.(store.AddCategoryPayload).Category.ID
	bmAct, err := store.AddBookmark(catID, "Go spec", "https://go.dev/ref/spec")
	dispatch(t, s, bmAct, err)
	flush(t, p)

	if err := mem.Remove(ctx, store.BookmarksKey(catID)); err != nil {
		t.Fatalf("external remove: %v", err)
	}

	n, err := store.Rehydrate(ctx, s, mem)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if n != 1 {
		t.Fatalf("refreshed %d slices, want 1", n)
	}
	if bms := store.SelectBookmarks(s.State(), catID); len(bms) != 0 {
		t.Fatalf("bookmarks = %+v, want none after external deletion", bms)
	}
}

func TestRehydrateClearsExternallyUnsetActiveTopic(t *testing.T) {
	ctx := context.Background()
	s, mem, p := persistedStore(t)

	topicID := addTopic(t, s, "research")
	dispatch(t, s, store.SetActiveTopic(topicID), nil)
	flush(t, p)

	cleared, _ := json.Marshal("")
	if err := mem.Set(ctx, map[string][]byte{store.KeyActiveTopic: cleared}); err != nil {
		t.Fatalf("external set: %v", err)
	}
	if _, err := store.Rehydrate(ctx, s, mem); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if got := store.SelectActiveTopicID(s.State()); got != "" {
		t.Fatalf("activeTopicId = %q, want cleared", got)
	}
}
