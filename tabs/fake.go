package tabs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Fake is an in-memory Platform for tests. It keeps a call log so tests can
// assert exact hide/show batches and their order, and supports error
// injection per operation.
type Fake struct {
	mu     sync.Mutex
	nextID int64
	tabs   map[int64]*Tab
	calls  []string
	subs   map[int]chan Event
	nextCh int

	// Error injection: when set, the matching operation fails with it.
	QueryErr  error
	CreateErr error
	HideErr   error
	ShowErr   error
	ScriptErr error

	// ScriptResults maps tab ID to the string ExecuteScript returns.
	ScriptResults map[int64]string
}

func NewFake() *Fake {
	return &Fake{
		nextID:        1,
		tabs:          make(map[int64]*Tab),
		subs:          make(map[int]chan Event),
		ScriptResults: make(map[int64]string),
	}
}

// Add seeds a visible tab and returns its snapshot. No event is emitted;
// use Create for that.
func (f *Fake) Add(url, title string) Tab {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &Tab{ID: f.nextID, URL: url, Title: title}
	f.tabs[t.ID] = t
	f.nextID++
	return *t
}

// Calls returns the operations recorded since the last Reset, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsLike returns the recorded calls whose name matches op.
func (f *Fake) CallsLike(op string) []string {
	var out []string
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, op+"(") {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears the call log, keeping tabs and subscribers.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *Fake) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *Fake) Query(_ context.Context) ([]Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("query()")
	if f.QueryErr != nil {
		return nil, f.QueryErr
	}
	out := make([]Tab, 0, len(f.tabs))
	for _, t := range f.tabs {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) Get(_ context.Context, id int64) (Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tabs[id]
	if !ok {
		return Tab{}, &TabError{Op: "get", TabID: id, Err: ErrNotFound}
	}
	return *t, nil
}

func (f *Fake) Create(_ context.Context, opts CreateOpts) (Tab, error) {
	f.mu.Lock()
	if f.CreateErr != nil {
		f.record("create(%s)!err", opts.URL)
		f.mu.Unlock()
		return Tab{}, &TabError{Op: "create", Err: f.CreateErr}
	}
	t := &Tab{ID: f.nextID, URL: opts.URL, Active: opts.Active}
	f.tabs[t.ID] = t
	f.nextID++
	if opts.Active {
		f.activateLocked(t.ID)
	}
	f.record("create(%s)", opts.URL)
	snap := *t
	f.mu.Unlock()

	f.emit(Event{Kind: EventCreated, Tab: snap})
	return snap, nil
}

func (f *Fake) Update(_ context.Context, id int64, opts UpdateOpts) (Tab, error) {
	f.mu.Lock()
	t, ok := f.tabs[id]
	if !ok {
		f.mu.Unlock()
		return Tab{}, &TabError{Op: "update", TabID: id, Err: ErrNotFound}
	}
	urlChanged := false
	if opts.URL != nil && *opts.URL != t.URL {
		t.URL = *opts.URL
		urlChanged = true
	}
	if opts.Active != nil && *opts.Active {
		f.activateLocked(id)
	}
	f.record("update(%d)", id)
	snap := *t
	f.mu.Unlock()

	f.emit(Event{Kind: EventUpdated, Tab: snap, URLChanged: urlChanged})
	return snap, nil
}

func (f *Fake) Hide(_ context.Context, ids ...int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("hide(%s)", joinIDs(ids))
	if f.HideErr != nil {
		return &TabError{Op: "hide", Err: f.HideErr}
	}
	for _, id := range ids {
		if t, ok := f.tabs[id]; ok {
			t.Hidden = true
		}
	}
	return nil
}

func (f *Fake) Show(_ context.Context, ids ...int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("show(%s)", joinIDs(ids))
	if f.ShowErr != nil {
		return &TabError{Op: "show", Err: f.ShowErr}
	}
	for _, id := range ids {
		if t, ok := f.tabs[id]; ok {
			t.Hidden = false
		}
	}
	return nil
}

func (f *Fake) Activate(_ context.Context, id int64) error {
	f.mu.Lock()
	if _, ok := f.tabs[id]; !ok {
		f.mu.Unlock()
		return &TabError{Op: "activate", TabID: id, Err: ErrNotFound}
	}
	f.record("activate(%d)", id)
	f.activateLocked(id)
	snap := *f.tabs[id]
	f.mu.Unlock()

	f.emit(Event{Kind: EventActivated, Tab: snap})
	return nil
}

// activateLocked makes id the single active tab. Activation also unhides,
// matching real browser behaviour.
func (f *Fake) activateLocked(id int64) {
	for _, t := range f.tabs {
		t.Active = t.ID == id
	}
	f.tabs[id].Hidden = false
}

func (f *Fake) Remove(_ context.Context, id int64) error {
	f.mu.Lock()
	if _, ok := f.tabs[id]; !ok {
		f.mu.Unlock()
		return &TabError{Op: "remove", TabID: id, Err: ErrNotFound}
	}
	delete(f.tabs, id)
	f.record("remove(%d)", id)
	f.mu.Unlock()

	f.emit(Event{Kind: EventRemoved, Tab: Tab{ID: id}})
	return nil
}

func (f *Fake) ExecuteScript(_ context.Context, id int64, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("script(%d)", id)
	if f.ScriptErr != nil {
		return "", &TabError{Op: "script", TabID: id, Err: f.ScriptErr}
	}
	if _, ok := f.tabs[id]; !ok {
		return "", &TabError{Op: "script", TabID: id, Err: ErrNotFound}
	}
	return f.ScriptResults[id], nil
}

func (f *Fake) Subscribe(ctx context.Context) (<-chan Event, func()) {
	f.mu.Lock()
	ch := make(chan Event, 64)
	key := f.nextCh
	f.nextCh++
	f.subs[key] = ch
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, key)
			f.mu.Unlock()
			close(ch)
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel
}

// Emit injects a synthetic event, bypassing state changes. Tests use it to
// simulate races like events for already-closed tabs.
func (f *Fake) Emit(ev Event) {
	f.emit(ev)
}

func (f *Fake) emit(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ",")
}
