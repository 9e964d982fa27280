// Package e2e tests cross-package integration: the store, its SQLite
// persistence, tab identity, and the reconciler assembled the way cmd/topos
// assembles them, driven through the tabs.Fake platform. The scenarios here
// span process restarts and external database writes, which no single
// package test can cover.
package e2e

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/topos/dbopen"
	"github.com/hazyhaar/topos/kv"
	"github.com/hazyhaar/topos/store"
	"github.com/hazyhaar/topos/tabid"
	"github.com/hazyhaar/topos/tabs"
	"github.com/hazyhaar/topos/topics"

	_ "modernc.org/sqlite"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// world is one daemon incarnation over a shared database file and a shared
// fake browser. Building a second world on the same inputs is a restart.
type world struct {
	t         *testing.T
	kvs       *kv.SQLite
	st        *store.Store
	persister *store.Persister
	fake      *tabs.Fake
	resolver  *tabid.Resolver
	assign    *topics.Assignments
	rec       *topics.Reconciler
	svc       *topics.Service
	cancel    context.CancelFunc
}

func buildWorld(t *testing.T, dbPath string, fake *tabs.Fake) *world {
	t.Helper()
	logger := discardLogger()
	ctx := context.Background()

	db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	kvs, err := kv.NewSQLite(db)
	if err != nil {
		t.Fatalf("kv schema: %v", err)
	}

	st := store.New(store.WithLogger(logger))
	if err := store.RegisterDefaults(st); err != nil {
		t.Fatalf("RegisterDefaults: %v", err)
	}
	st.Use(store.LoggingMiddleware(logger))
	persister := store.NewPersister(kvs, store.WithPersistLogger(logger))
	st.Use(persister.Middleware())

	pctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	persister.Start(pctx)

	if err := store.Hydrate(ctx, st, kvs); err != nil {
		t.Fatalf("hydrate: %v", err)
	}

	resolver := tabid.New(tabid.Static{}, tabid.WithLogger(logger))
	assign := topics.NewAssignments(kvs, logger)
	if err := assign.Load(ctx); err != nil {
		t.Fatalf("load assignments: %v", err)
	}
	rec := topics.NewReconciler(fake, resolver, st, assign,
		topics.WithLogger(logger))
	svc, err := topics.NewService(topics.Config{
		Store:       st,
		Reconciler:  rec,
		Assignments: assign,
		Platform:    fake,
		Resolver:    resolver,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	return &world{
		t: t, kvs: kvs, st: st, persister: persister, fake: fake,
		resolver: resolver, assign: assign, rec: rec, svc: svc,
		cancel: cancel,
	}
}

// stop flushes pending writes and stops the persister, like a graceful
// daemon shutdown.
func (w *world) stop() {
	w.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.persister.Flush(ctx); err != nil {
		w.t.Fatalf("flush: %v", err)
	}
	w.cancel()
}

func (w *world) flush() {
	w.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.persister.Flush(ctx); err != nil {
		w.t.Fatalf("flush: %v", err)
	}
}

func (w *world) createTopic(name string) store.Topic {
	w.t.Helper()
	topic, err := w.svc.CreateTopic(context.Background(), name, "", "")
	if err != nil {
		w.t.Fatalf("CreateTopic(%q): %v", name, err)
	}
	return topic
}

func (w *world) tab(id int64) tabs.Tab {
	w.t.Helper()
	tb, err := w.fake.Get(context.Background(), id)
	if err != nil {
		w.t.Fatalf("Get(%d): %v", id, err)
	}
	return tb
}

// TestRestartRestoresWorkspace is the full restart cycle: topics, bindings
// and the active topic survive a daemon restart through SQLite, and tabs
// whose content identity is unchanged rebind to their topics without any
// re-assignment.
func TestRestartRestoresWorkspace(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "topos.db")
	fake := tabs.NewFake()

	w1 := buildWorld(t, dbPath, fake)
	research := w1.createTopic("Research")
	press := w1.createTopic("Press")

	// Two physical tabs with the same content identity: the tracking
	// parameter is stripped during normalization.
	plain := fake.Add("https://example.com/page", "Example")
	tracked := fake.Add("https://example.com/page?utm_source=x", "Example")
	news := fake.Add("https://news.example/today", "News")

	sidPlain := w1.resolver.Resolve(ctx, plain)
	if sidTracked := w1.resolver.Resolve(ctx, tracked); sidTracked != sidPlain {
		t.Fatalf("tracked URL resolved to %s, want %s", sidTracked, sidPlain)
	}
	if err := w1.assign.Bind(ctx, sidPlain, research.ID); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := w1.assign.Bind(ctx, w1.resolver.Resolve(ctx, news), press.ID); err != nil {
		t.Fatalf("bind: %v", err)
	}

	if err := w1.svc.SwitchTopic(ctx, research.ID); err != nil {
		t.Fatalf("SwitchTopic: %v", err)
	}
	if w1.tab(plain.ID).Hidden || w1.tab(tracked.ID).Hidden {
		t.Fatal("both physical tabs of the active topic's content should be visible")
	}
	if !w1.tab(news.ID).Hidden {
		t.Fatal("the other topic's tab should be hidden")
	}
	w1.stop()

	// Restart: new store, new resolver cache, same database, same browser.
	w2 := buildWorld(t, dbPath, fake)
	names := map[string]bool{}
	for _, tp := range store.SelectTopics(w2.st.State()) {
		names[tp.Name] = true
	}
	if !names["Research"] || !names["Press"] {
		t.Fatalf("topics after restart = %v", names)
	}
	if got := store.SelectActiveTopicID(w2.st.State()); got != research.ID {
		t.Fatalf("activeTopicId after restart = %q, want %q", got, research.ID)
	}
	if owner, ok := w2.assign.TopicOf(sidPlain); !ok || owner != research.ID {
		t.Fatalf("binding after restart = %q, %v", owner, ok)
	}

	// The restarted reconciler finds visibility already correct: a sweep
	// issues no hide/show calls.
	fake.Reset()
	if err := w2.rec.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if calls := append(fake.CallsLike("hide"), fake.CallsLike("show")...); len(calls) != 0 {
		t.Fatalf("sweep after restart issued %v, want none", calls)
	}
}

// TestSwitchRoundTrip drives two switches through the service and checks
// the invariant after each: exactly the active topic's tabs visible.
func TestSwitchRoundTrip(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "topos.db")
	fake := tabs.NewFake()
	w := buildWorld(t, dbPath, fake)

	a := w.createTopic("A")
	b := w.createTopic("B")
	tabA := fake.Add("https://a.example/doc", "A doc")
	tabB := fake.Add("https://b.example/doc", "B doc")
	if err := w.assign.Bind(ctx, w.resolver.Resolve(ctx, tabA), a.ID); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := w.assign.Bind(ctx, w.resolver.Resolve(ctx, tabB), b.ID); err != nil {
		t.Fatalf("bind: %v", err)
	}

	if err := w.svc.SwitchTopic(ctx, a.ID); err != nil {
		t.Fatalf("switch a: %v", err)
	}
	if w.tab(tabA.ID).Hidden || !w.tab(tabB.ID).Hidden {
		t.Fatalf("after switch to A: a hidden=%v b hidden=%v",
			w.tab(tabA.ID).Hidden, w.tab(tabB.ID).Hidden)
	}

	if err := w.svc.SwitchTopic(ctx, b.ID); err != nil {
		t.Fatalf("switch b: %v", err)
	}
	if !w.tab(tabA.ID).Hidden || w.tab(tabB.ID).Hidden {
		t.Fatalf("after switch to B: a hidden=%v b hidden=%v",
			w.tab(tabA.ID).Hidden, w.tab(tabB.ID).Hidden)
	}

	// The switch persisted through to storage, not just memory.
	w.flush()
	got, err := w.kvs.Get(ctx, "activeTopicId")
	if err != nil {
		t.Fatalf("kv get: %v", err)
	}
	if string(got["activeTopicId"]) != `"`+b.ID+`"` {
		t.Fatalf("persisted activeTopicId = %s", got["activeTopicId"])
	}
}

// TestEmptyTopicDefaultTabSurvivesRestart: scenario B across a restart. The
// synthetic default tab's fragment identity keeps it bound to its topic, so
// a second switch (even after restart) does not create a second default.
func TestEmptyTopicDefaultTabSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "topos.db")
	fake := tabs.NewFake()

	w1 := buildWorld(t, dbPath, fake)
	b := w1.createTopic("B")
	if err := w1.svc.SwitchTopic(ctx, b.ID); err != nil {
		t.Fatalf("switch: %v", err)
	}
	created := fake.CallsLike("create")
	if len(created) != 1 {
		t.Fatalf("create calls = %v, want exactly one default tab", created)
	}
	w1.stop()

	w2 := buildWorld(t, dbPath, fake)
	fake.Reset()
	if err := w2.svc.SwitchTopic(ctx, b.ID); err != nil {
		t.Fatalf("switch after restart: %v", err)
	}
	if created := fake.CallsLike("create"); len(created) != 0 {
		t.Fatalf("second switch created %v, want none", created)
	}
}

// TestDeleteTopicCascadesThroughStorage: deleting a topic removes its
// categories' and bookmarks' storage keys and prunes its tab bindings.
func TestDeleteTopicCascadesThroughStorage(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "topos.db")
	fake := tabs.NewFake()
	w := buildWorld(t, dbPath, fake)

	topic := w.createTopic("Doomed")
	catAct, err := store.AddCategory(topic.ID, "Stuff")
	if err != nil {
		t.Fatalf("AddCategory: %v", err)
	}
	if err := w.st.Dispatch(catAct); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	cat := catAct.Payload.(store.AddCategoryPayload).Category
	bmAct, err := store.AddBookmark(cat.ID, "Saved", "https://doomed.example/")
	if err != nil {
		t.Fatalf("AddBookmark: %v", err)
	}
	if err := w.st.Dispatch(bmAct); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	tb := fake.Add("https://doomed.example/", "Doomed")
	sid := w.resolver.Resolve(ctx, tb)
	if err := w.assign.Bind(ctx, sid, topic.ID); err != nil {
		t.Fatalf("bind: %v", err)
	}
	w.flush()

	if err := w.svc.DeleteTopic(ctx, topic.ID); err != nil {
		t.Fatalf("DeleteTopic: %v", err)
	}
	w.flush()

	rows, err := w.kvs.Get(ctx,
		store.CategoriesKey(topic.ID), store.BookmarksKey(cat.ID), "topics")
	if err != nil {
		t.Fatalf("kv get: %v", err)
	}
	if _, ok := rows[store.CategoriesKey(topic.ID)]; ok {
		t.Error("categories key should be removed")
	}
	if _, ok := rows[store.BookmarksKey(cat.ID)]; ok {
		t.Error("bookmarks key should be removed")
	}
	if string(rows["topics"]) != "[]" {
		t.Errorf("topics key = %s, want empty list", rows["topics"])
	}
	if _, ok := w.assign.TopicOf(sid); ok {
		t.Error("binding should be pruned with its topic")
	}
}

// TestTabEventsBindToActiveTopic: the event path, end to end — a tab
// created while a topic is active joins it; navigating that tab to new
// content re-binds the new identity and keeps the old one.
func TestTabEventsBindToActiveTopic(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "topos.db")
	fake := tabs.NewFake()
	w := buildWorld(t, dbPath, fake)

	topic := w.createTopic("Research")
	if err := w.svc.SwitchTopic(ctx, topic.ID); err != nil {
		t.Fatalf("switch: %v", err)
	}

	tb, err := fake.Create(ctx, tabs.CreateOpts{URL: "https://papers.example/one", Active: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.rec.OnTabCreated(ctx, tb); err != nil {
		t.Fatalf("OnTabCreated: %v", err)
	}
	oldSID := w.resolver.Resolve(ctx, tb)
	if owner, ok := w.assign.TopicOf(oldSID); !ok || owner != topic.ID {
		t.Fatalf("owner after create = %q, %v", owner, ok)
	}

	moved := tb
	moved.URL = "https://papers.example/two"
	if err := w.rec.OnTabUpdated(ctx, moved, true); err != nil {
		t.Fatalf("OnTabUpdated: %v", err)
	}
	newSID := w.resolver.Resolve(ctx, moved)
	if newSID == oldSID {
		t.Fatal("navigation to a different path should change the stable id")
	}
	if owner, ok := w.assign.TopicOf(newSID); !ok || owner != topic.ID {
		t.Fatalf("new identity owner = %q, %v", owner, ok)
	}
	if owner, ok := w.assign.TopicOf(oldSID); !ok || owner != topic.ID {
		t.Fatalf("old binding must survive navigation, got %q, %v", owner, ok)
	}
}
