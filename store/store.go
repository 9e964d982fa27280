// Package store implements the reactive state container: named slices owned
// by pure reducers, an ordered middleware chain, serialized FIFO dispatch,
// and synchronous subscriber notification. A Store is constructed once at
// startup and handed to collaborators; there is no package-level singleton.
package store

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"
)

// Reducer is a pure function from (sliceValue, action) to sliceValue.
// It must return the identical value when the action does not apply;
// returning anything else marks the slice as changed.
type Reducer func(current any, act Action) any

// Middleware wraps reducer application chain-of-responsibility style.
// Calling next proceeds down the chain; not calling it halts the action
// silently (no reducers, no notification). Returning an error aborts the
// current action; queued actions still run.
type Middleware func(s *Store, act Action, next Next) error

// Next continues the middleware chain.
type Next func() error

// Subscriber observes installed snapshots.
type Subscriber func(Snapshot)

// Store dispatch errors.
var (
	ErrNilSubscriber = &ValidationError{Field: "callback", Reason: "nil"}
	ErrMissingType   = &ValidationError{Field: "type", Reason: "missing"}
)

type registeredReducer struct {
	slice string
	fn    Reducer
}

type subscription struct {
	id int
	fn Subscriber
}

// Store holds the state tree. Safe for concurrent use: overlapping
// dispatches are serialized through a FIFO queue.
type Store struct {
	logger *slog.Logger

	mu          sync.Mutex
	reducers    []registeredReducer
	middlewares []Middleware
	subs        []subscription
	nextSubID   int
	queue       []Action
	dispatching bool
	sealed      bool // set on first dispatch; registration is closed after
	snapshot    Snapshot
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New returns an empty Store. Register reducers and middleware before the
// first dispatch.
func New(opts ...Option) *Store {
	s := &Store{
		logger: slog.Default(),
		snapshot: Snapshot{
			rev:    0,
			values: map[string]any{},
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RegisterReducer binds a reducer and its initial value to a named slice.
// The initial value must be of a comparable type (pointers to slice-state
// structs, strings); that is what makes reference change detection work.
// Registration is rejected after the first dispatch.
func (s *Store) RegisterReducer(slice string, initial any, fn Reducer) error {
	if slice == "" {
		return &ValidationError{Field: "slice", Reason: "empty"}
	}
	if fn == nil {
		return &ValidationError{Field: "reducer", Reason: "nil"}
	}
	if initial != nil && !reflect.TypeOf(initial).Comparable() {
		return &ValidationError{Field: "initial", Reason: fmt.Sprintf("type %T is not comparable; hold slice state behind a pointer", initial)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return &ValidationError{Field: "reducer", Reason: "registered after first dispatch"}
	}
	for _, r := range s.reducers {
		if r.slice == slice {
			return &ValidationError{Field: "slice", Reason: fmt.Sprintf("%q already registered", slice)}
		}
	}
	s.reducers = append(s.reducers, registeredReducer{slice: slice, fn: fn})

	values := make(map[string]any, len(s.snapshot.values)+1)
	for k, v := range s.snapshot.values {
		values[k] = v
	}
	values[slice] = initial
	s.snapshot = Snapshot{rev: s.snapshot.rev, values: values, meta: s.snapshot.meta}
	return nil
}

// Use appends a middleware to the chain. Middlewares run in registration
// order, outermost first.
func (s *Store) Use(mw Middleware) {
	if mw == nil {
		return
	}
	s.mu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.mu.Unlock()
}

// Subscribe registers a callback invoked after every installed snapshot.
// The returned function unsubscribes and is idempotent.
func (s *Store) Subscribe(fn Subscriber) (func(), error) {
	if fn == nil {
		return nil, ErrNilSubscriber
	}
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs = append(s.subs, subscription{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}, nil
}

// State returns the current snapshot.
func (s *Store) State() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// MarkInitialized flags the state tree as hydrated. Called once by the
// hydration loader after persisted slices are replayed.
func (s *Store) MarkInitialized() {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta := s.snapshot.meta
	meta.Initialized = true
	s.snapshot = Snapshot{rev: s.snapshot.rev + 1, values: s.snapshot.values, meta: meta}
}

// Dispatch runs act through the middleware chain and reducers.
//
// If a dispatch is already in progress (a reentrant call from a reducer,
// middleware, or subscriber, or a call from another goroutine), the action
// is enqueued and Dispatch returns nil immediately; the in-progress
// dispatcher drains the queue in FIFO order. The returned error therefore
// reflects only validation failures and middleware aborts of the action
// that began this dispatch; errors of queued actions are logged.
func (s *Store) Dispatch(act Action) error {
	if act.Type == "" {
		return ErrMissingType
	}
	if act.Meta.Timestamp.IsZero() {
		act.Meta.Timestamp = time.Now()
	}

	s.mu.Lock()
	s.sealed = true
	if s.dispatching {
		s.queue = append(s.queue, act)
		s.mu.Unlock()
		return nil
	}
	s.dispatching = true
	s.mu.Unlock()

	err := s.process(act)
	if err != nil {
		s.logger.Warn("store: action aborted", "type", act.Type, "error", err)
	}

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.dispatching = false
			s.mu.Unlock()
			return err
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if qerr := s.process(next); qerr != nil {
			s.logger.Warn("store: queued action aborted", "type", next.Type, "error", qerr)
		}
	}
}

// process runs one action through middlewares then reducers+notification.
func (s *Store) process(act Action) error {
	s.mu.Lock()
	chain := s.middlewares
	s.mu.Unlock()

	i := -1
	var run Next
	run = func() error {
		i++
		if i < len(chain) {
			return chain[i](s, act, run)
		}
		s.apply(act)
		return nil
	}
	return run()
}

// apply runs every reducer, installs a new snapshot if any slice changed,
// and notifies subscribers. Reducers run outside the store lock; dispatch
// serialization guarantees no concurrent apply.
func (s *Store) apply(act Action) {
	s.mu.Lock()
	cur := s.snapshot
	reducers := s.reducers
	s.mu.Unlock()

	var values map[string]any
	lastChanged := ""
	for _, r := range reducers {
		old := cur.values[r.slice]
		next := r.fn(old, act)
		if next != old {
			if values == nil {
				values = make(map[string]any, len(cur.values))
				for k, v := range cur.values {
					values[k] = v
				}
			}
			values[r.slice] = next
			lastChanged = r.slice
		}
	}
	if values == nil {
		return // no slice changed: the dispatch is a no-op
	}

	snap := Snapshot{
		rev:    cur.rev + 1,
		values: values,
		meta: Meta{
			LastUpdated: time.Now(),
			Initialized: cur.meta.Initialized,
			LastChanged: lastChanged,
		},
	}

	s.mu.Lock()
	s.snapshot = snap
	subs := make([]subscription, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		s.notify(sub, snap, act.Type)
	}
}

func (s *Store) notify(sub subscription, snap Snapshot, actionType string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("store: subscriber panicked", "action", actionType, "panic", r)
		}
	}()
	sub.fn(snap)
}
