package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/topos/kv"
)

// Storage keys. The flat layout keeps every write minimal: one topic's
// categories or one category's bookmarks change without rewriting the rest.
const (
	KeyTopics       = "topics"
	KeyActiveTopic  = "activeTopicId"
	KeyCategorySets = "categorySets"
)

// CategoriesKey returns the storage key of one topic's categories.
func CategoriesKey(topicID string) string { return "categories_" + topicID }

// BookmarksKey returns the storage key of one category's bookmarks.
func BookmarksKey(categoryID string) string { return "bookmarks_" + categoryID }

const writeTimeout = 5 * time.Second

type writeOp struct {
	sets    map[string][]byte
	removes []string
}

func (op writeOp) empty() bool { return len(op.sets) == 0 && len(op.removes) == 0 }

// Persister mirrors persist-worthy slices to a kv.Store. Writes are
// serialized through a single background goroutine in enqueue order, so
// storage converges to the last dispatched state. Dispatch never waits on
// storage; failures are logged and reported through the failure hook.
type Persister struct {
	kv      kv.Store
	logger  *slog.Logger
	onError func(error)

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []writeOp
	busy    bool
	started bool
	stopped bool
}

// PersistOption configures a Persister.
type PersistOption func(*Persister)

// WithPersistLogger sets the persister's logger. Default: slog.Default().
func WithPersistLogger(l *slog.Logger) PersistOption {
	return func(p *Persister) { p.logger = l }
}

// WithFailureHook installs a callback invoked on every failed write, after
// logging. Used to surface storage trouble to the notification layer.
func WithFailureHook(fn func(error)) PersistOption {
	return func(p *Persister) { p.onError = fn }
}

// NewPersister returns a Persister writing to kvs. Call Start before
// dispatching, otherwise ops pile up in the queue.
func NewPersister(kvs kv.Store, opts ...PersistOption) *Persister {
	p := &Persister{
		kv:     kvs,
		logger: slog.Default(),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start launches the background writer. When ctx is canceled the writer
// drains the queue (each write bounded by its own timeout) and exits; ops
// enqueued after that are never written.
func (p *Persister) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		p.stopped = true
		p.cond.Broadcast()
		p.mu.Unlock()
	}()
	go p.run(ctx)
}

func (p *Persister) run(ctx context.Context) {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		op := p.queue[0]
		p.queue = p.queue[1:]
		p.busy = true
		p.mu.Unlock()

		p.write(ctx, op)

		p.mu.Lock()
		p.busy = false
		p.cond.Broadcast()
		p.mu.Unlock()
	}
}

func (p *Persister) write(ctx context.Context, op writeOp) {
	// Writes outlive dispatch cancellation so a shutdown still flushes.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if len(op.sets) > 0 {
		if err := p.kv.Set(wctx, op.sets); err != nil {
			p.fail(fmt.Errorf("store: persist set: %w", err))
		}
	}
	if len(op.removes) > 0 {
		if err := p.kv.Remove(wctx, op.removes...); err != nil {
			p.fail(fmt.Errorf("store: persist remove: %w", err))
		}
	}
}

func (p *Persister) fail(err error) {
	p.logger.Error("store: persistence write failed", "error", err)
	if p.onError != nil {
		p.onError(err)
	}
}

func (p *Persister) enqueue(op writeOp) {
	p.mu.Lock()
	p.queue = append(p.queue, op)
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Flush blocks until every enqueued write has been attempted.
func (p *Persister) Flush(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) > 0 || p.busy {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.cond.Wait()
	}
	return nil
}

// Middleware returns the persistence middleware. It captures the state
// before the action, lets the chain run, and diffs by action type to write
// only the keys the action could have touched. Nothing is written until the
// tree is marked initialized, which keeps hydration from echoing freshly
// read values back into storage.
func (p *Persister) Middleware() Middleware {
	return func(s *Store, act Action, next Next) error {
		pre := s.State()
		if err := next(); err != nil {
			return err
		}
		post := s.State()
		if post.Rev() == pre.Rev() || !post.Meta().Initialized {
			return nil
		}
		op := diffOp(act, pre, post, p.logger)
		if !op.empty() {
			p.enqueue(op)
		}
		return nil
	}
}

// diffOp maps an applied action to the minimal storage writes.
func diffOp(act Action, pre, post Snapshot, logger *slog.Logger) writeOp {
	op := writeOp{sets: map[string][]byte{}}
	set := func(key string, v any) {
		b, err := json.Marshal(v)
		if err != nil {
			logger.Error("store: marshal for persistence failed", "key", key, "error", err)
			return
		}
		op.sets[key] = b
	}

	switch act.Type {
	case TypeAddTopic, TypeUpdateTopic, TypeSetTopics:
		set(KeyTopics, SelectTopics(post))

	case TypeDeleteTopic:
		p, ok := act.Payload.(DeleteTopicPayload)
		if !ok {
			return writeOp{}
		}
		set(KeyTopics, SelectTopics(post))
		if SelectActiveTopicID(pre) == p.TopicID {
			set(KeyActiveTopic, SelectActiveTopicID(post))
		}
		op.removes = append(op.removes, CategoriesKey(p.TopicID))
		// The pre-action state is authoritative for cleanup; the payload's
		// category ids are merged in case the caller knew more than the tree.
		seen := map[string]bool{}
		for _, c := range SelectCategories(pre, p.TopicID) {
			seen[c.ID] = true
			op.removes = append(op.removes, BookmarksKey(c.ID))
		}
		for _, id := range p.CategoryIDs {
			if !seen[id] {
				op.removes = append(op.removes, BookmarksKey(id))
			}
		}

	case TypeSetActiveTopic:
		set(KeyActiveTopic, SelectActiveTopicID(post))

	case TypeAddCategory:
		p, ok := act.Payload.(AddCategoryPayload)
		if !ok {
			return writeOp{}
		}
		set(CategoriesKey(p.Category.TopicID), SelectCategories(post, p.Category.TopicID))

	case TypeUpdateCategory:
		p, ok := act.Payload.(UpdateCategoryPayload)
		if !ok {
			return writeOp{}
		}
		set(CategoriesKey(p.TopicID), SelectCategories(post, p.TopicID))

	case TypeDeleteCategory:
		p, ok := act.Payload.(DeleteCategoryPayload)
		if !ok {
			return writeOp{}
		}
		set(CategoriesKey(p.TopicID), SelectCategories(post, p.TopicID))
		op.removes = append(op.removes, BookmarksKey(p.CategoryID))

	case TypeSetCategories:
		p, ok := act.Payload.(SetCategoriesPayload)
		if !ok {
			return writeOp{}
		}
		set(CategoriesKey(p.TopicID), SelectCategories(post, p.TopicID))

	case TypeAddBookmark:
		p, ok := act.Payload.(AddBookmarkPayload)
		if !ok {
			return writeOp{}
		}
		set(BookmarksKey(p.Bookmark.CategoryID), SelectBookmarks(post, p.Bookmark.CategoryID))

	case TypeUpdateBookmark:
		p, ok := act.Payload.(UpdateBookmarkPayload)
		if !ok {
			return writeOp{}
		}
		set(BookmarksKey(p.CategoryID), SelectBookmarks(post, p.CategoryID))

	case TypeDeleteBookmark:
		p, ok := act.Payload.(DeleteBookmarkPayload)
		if !ok {
			return writeOp{}
		}
		set(BookmarksKey(p.CategoryID), SelectBookmarks(post, p.CategoryID))

	case TypeSetBookmarks:
		p, ok := act.Payload.(SetBookmarksPayload)
		if !ok {
			return writeOp{}
		}
		set(BookmarksKey(p.CategoryID), SelectBookmarks(post, p.CategoryID))

	case TypeAddCategorySet, TypeUpdateCategorySet, TypeDeleteCategorySet, TypeSetCategorySets:
		set(KeyCategorySets, SelectCategorySets(post))

	case TypeReset:
		set(KeyTopics, []Topic{})
		set(KeyActiveTopic, "")
		set(KeyCategorySets, []CategorySet{})
		if cats, ok := pre.Slice(SliceCategories).(*Categories); ok {
			for topicID := range cats.ByTopic {
				op.removes = append(op.removes, CategoriesKey(topicID))
			}
		}
		if bms, ok := pre.Slice(SliceBookmarks).(*Bookmarks); ok {
			for categoryID := range bms.ByCategory {
				op.removes = append(op.removes, BookmarksKey(categoryID))
			}
		}
	}
	return op
}

// Hydrate replays persisted slices into the store and marks it initialized.
// Reads go tier by tier: the root keys, then each topic's categories in one
// batch, then each category's bookmarks in one batch. A key that fails to
// decode is treated as absent and logged; a storage read failure aborts the
// remaining tiers and is returned, but the store is still marked
// initialized so the system proceeds on whatever was loaded.
func Hydrate(ctx context.Context, s *Store, kvs kv.Store) error {
	defer s.MarkInitialized()

	root, err := kvs.Get(ctx, KeyTopics, KeyActiveTopic, KeyCategorySets)
	if err != nil {
		return fmt.Errorf("store: hydrate root keys: %w", err)
	}

	var topics []Topic
	if raw, ok := root[KeyTopics]; ok {
		if err := json.Unmarshal(raw, &topics); err != nil {
			s.logger.Warn("store: corrupt persisted value, using default", "key", KeyTopics, "error", err)
			topics = nil
		}
	}
	if len(topics) > 0 {
		if err := s.Dispatch(SetTopics(topics)); err != nil {
			return err
		}
	}

	if raw, ok := root[KeyCategorySets]; ok {
		var sets []CategorySet
		if err := json.Unmarshal(raw, &sets); err != nil {
			s.logger.Warn("store: corrupt persisted value, using default", "key", KeyCategorySets, "error", err)
		} else if len(sets) > 0 {
			if err := s.Dispatch(SetCategorySets(sets)); err != nil {
				return err
			}
		}
	}

	if raw, ok := root[KeyActiveTopic]; ok {
		var active string
		if err := json.Unmarshal(raw, &active); err != nil {
			s.logger.Warn("store: corrupt persisted value, using default", "key", KeyActiveTopic, "error", err)
		} else if active != "" {
			found := false
			for _, t := range topics {
				if t.ID == active {
					found = true
					break
				}
			}
			if found {
				if err := s.Dispatch(SetActiveTopic(active)); err != nil {
					return err
				}
			} else {
				s.logger.Warn("store: persisted active topic no longer exists", "topicId", active)
			}
		}
	}

	if len(topics) == 0 {
		return nil
	}

	catKeys := make([]string, len(topics))
	for i, t := range topics {
		catKeys[i] = CategoriesKey(t.ID)
	}
	catRows, err := kvs.Get(ctx, catKeys...)
	if err != nil {
		return fmt.Errorf("store: hydrate categories: %w", err)
	}

	var bmKeys []string
	bmOwner := map[string]string{} // storage key -> category id
	for _, t := range topics {
		raw, ok := catRows[CategoriesKey(t.ID)]
		if !ok {
			continue
		}
		var cats []Category
		if err := json.Unmarshal(raw, &cats); err != nil {
			s.logger.Warn("store: corrupt persisted value, using default", "key", CategoriesKey(t.ID), "error", err)
			continue
		}
		if len(cats) == 0 {
			continue
		}
		if err := s.Dispatch(SetCategories(t.ID, cats)); err != nil {
			return err
		}
		for _, c := range cats {
			key := BookmarksKey(c.ID)
			bmKeys = append(bmKeys, key)
			bmOwner[key] = c.ID
		}
	}

	if len(bmKeys) == 0 {
		return nil
	}
	bmRows, err := kvs.Get(ctx, bmKeys...)
	if err != nil {
		return fmt.Errorf("store: hydrate bookmarks: %w", err)
	}
	for _, key := range bmKeys {
		raw, ok := bmRows[key]
		if !ok {
			continue
		}
		var bms []Bookmark
		if err := json.Unmarshal(raw, &bms); err != nil {
			s.logger.Warn("store: corrupt persisted value, using default", "key", key, "error", err)
			continue
		}
		if len(bms) == 0 {
			continue
		}
		if err := s.Dispatch(SetBookmarks(bmOwner[key], bms)); err != nil {
			return err
		}
	}
	return nil
}
