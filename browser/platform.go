package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/topos/tabs"
)

// Platform implements tabs.Platform over CDP. Tab handles are adapter-owned
// int64 IDs: hiding a tab closes its CDP target but keeps the ID and
// snapshot, and showing re-creates the target under the same ID, so callers
// see chrome.tabs-like hide/show semantics on a browser that has none.
//
// The Active flag is maintained for the adapter's own Activate calls and
// the startup probe; foreground changes the user makes by clicking between
// visible tabs are not tracked (hidden tabs are not clickable at all, so
// enforcement never depends on it).
type Platform struct {
	mgr    *Manager
	logger *slog.Logger

	mu  sync.Mutex
	reg *registry

	browser *rod.Browser

	subs    map[int]chan tabs.Event
	nextSub int
}

// Option configures a Platform.
type Option func(*Platform)

// WithLogger sets the adapter's logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Platform) { p.logger = l }
}

// NewPlatform creates the CDP tab adapter. Call Start before use.
func NewPlatform(mgr *Manager, opts ...Option) *Platform {
	p := &Platform{
		mgr:    mgr,
		logger: slog.Default(),
		reg:    newRegistry(),
		subs:   make(map[int]chan tabs.Event),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start seeds the registry from the browser's current pages, probes the
// foreground tab, and starts the target event pump. The manager must be
// started first.
func (p *Platform) Start(ctx context.Context) error {
	b := p.mgr.Browser()
	if b == nil {
		return fmt.Errorf("browser: platform start: not connected")
	}
	p.browser = b

	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		return fmt.Errorf("browser: enable target discovery: %w", err)
	}

	pages, err := b.Pages()
	if err != nil {
		return fmt.Errorf("browser: list pages: %w", err)
	}

	p.mu.Lock()
	for _, pg := range pages {
		info, err := pg.Info()
		if err != nil {
			p.logger.Debug("browser: page info failed during seed", "error", err)
			continue
		}
		p.reg.alloc(tabs.Tab{URL: info.URL, Title: info.Title}, pg.TargetID)
	}
	count := len(p.reg.byID)
	p.mu.Unlock()

	p.seedActive(ctx)
	go p.pump(ctx)

	p.logger.Info("browser: platform ready", "tabs", count)
	return nil
}

// seedActive finds the foreground tab by probing visibility state.
func (p *Platform) seedActive(ctx context.Context) {
	type probe struct {
		id     int64
		target proto.TargetTargetID
		url    string
	}

	p.mu.Lock()
	probes := make([]probe, 0, len(p.reg.byID))
	for _, e := range p.reg.byID {
		probes = append(probes, probe{id: e.id, target: e.target, url: e.snap.URL})
	}
	p.mu.Unlock()

	for _, pr := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		state, err := p.eval(probeCtx, pr.target, pr.url, "document.visibilityState")
		cancel()
		if err != nil || state != "visible" {
			continue
		}
		p.mu.Lock()
		p.reg.setActive(pr.id)
		p.mu.Unlock()
		return
	}
}

// ---------- tabs.Platform ----------

func (p *Platform) Query(ctx context.Context) ([]tabs.Tab, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reg.list(), nil
}

func (p *Platform) Get(ctx context.Context, id int64) (tabs.Tab, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.reg.get(id)
	if !ok {
		return tabs.Tab{}, &tabs.TabError{Op: "get", TabID: id, Err: tabs.ErrNotFound}
	}
	return p.reg.snapshot(e), nil
}

func (p *Platform) Create(ctx context.Context, opts tabs.CreateOpts) (tabs.Tab, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Holding the lock across the create keeps the event pump from
	// admitting our own target as a foreign tab.
	pg, err := p.browser.Page(proto.TargetCreateTarget{URL: opts.URL})
	if err != nil {
		return tabs.Tab{}, &tabs.TabError{Op: "create", Err: err}
	}

	e := p.reg.alloc(tabs.Tab{URL: opts.URL}, pg.TargetID)
	if opts.Active {
		if _, err := pg.Activate(); err != nil {
			p.logger.Warn("browser: activate after create failed", "tab", e.id, "error", err)
		} else {
			p.reg.setActive(e.id)
		}
	}

	snap := p.reg.snapshot(e)
	p.emitLocked(tabs.Event{Kind: tabs.EventCreated, Tab: snap})
	return snap, nil
}

func (p *Platform) Update(ctx context.Context, id int64, opts tabs.UpdateOpts) (tabs.Tab, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.reg.get(id)
	if !ok {
		return tabs.Tab{}, &tabs.TabError{Op: "update", TabID: id, Err: tabs.ErrNotFound}
	}

	urlChanged := false
	if opts.URL != nil && *opts.URL != e.snap.URL {
		if !e.parked {
			pg, err := p.pageFor(e)
			if err != nil {
				return tabs.Tab{}, &tabs.TabError{Op: "update", TabID: id, Err: err}
			}
			if err := pg.Context(ctx).Navigate(*opts.URL); err != nil {
				return tabs.Tab{}, &tabs.TabError{Op: "update", TabID: id, Err: err}
			}
		}
		e.snap.URL = *opts.URL
		urlChanged = true
	}

	if opts.Active != nil && *opts.Active {
		if err := p.activateLocked(ctx, e); err != nil {
			return tabs.Tab{}, err
		}
	}

	snap := p.reg.snapshot(e)
	p.emitLocked(tabs.Event{Kind: tabs.EventUpdated, Tab: snap, URLChanged: urlChanged})
	return snap, nil
}

func (p *Platform) Hide(ctx context.Context, ids ...int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range ids {
		e, ok := p.reg.get(id)
		if !ok {
			return &tabs.TabError{Op: "hide", TabID: id, Err: tabs.ErrNotFound}
		}
		if e.parked {
			continue
		}

		pg, err := p.pageFor(e)
		if err != nil {
			return &tabs.TabError{Op: "hide", TabID: id, Err: err}
		}
		p.reg.markClosing(e.target)
		if err := pg.Close(); err != nil {
			p.reg.consumeClosing(e.target)
			return &tabs.TabError{Op: "hide", TabID: id, Err: err}
		}
		p.reg.park(e)
	}
	return nil
}

func (p *Platform) Show(ctx context.Context, ids ...int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range ids {
		e, ok := p.reg.get(id)
		if !ok {
			return &tabs.TabError{Op: "show", TabID: id, Err: tabs.ErrNotFound}
		}
		if !e.parked {
			continue
		}

		pg, err := p.browser.Page(proto.TargetCreateTarget{URL: e.snap.URL})
		if err != nil {
			return &tabs.TabError{Op: "show", TabID: id, Err: err}
		}
		p.reg.unpark(e, pg.TargetID)
	}
	return nil
}

func (p *Platform) Activate(ctx context.Context, id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.reg.get(id)
	if !ok {
		return &tabs.TabError{Op: "activate", TabID: id, Err: tabs.ErrNotFound}
	}
	if err := p.activateLocked(ctx, e); err != nil {
		return err
	}
	p.emitLocked(tabs.Event{Kind: tabs.EventActivated, Tab: p.reg.snapshot(e)})
	return nil
}

// activateLocked brings a tab to the foreground, unparking it first if
// hidden (activation implies visibility).
func (p *Platform) activateLocked(ctx context.Context, e *entry) error {
	if e.parked {
		pg, err := p.browser.Page(proto.TargetCreateTarget{URL: e.snap.URL})
		if err != nil {
			return &tabs.TabError{Op: "activate", TabID: e.id, Err: err}
		}
		p.reg.unpark(e, pg.TargetID)
	}

	pg, err := p.pageFor(e)
	if err != nil {
		return &tabs.TabError{Op: "activate", TabID: e.id, Err: err}
	}
	if _, err := pg.Activate(); err != nil {
		return &tabs.TabError{Op: "activate", TabID: e.id, Err: err}
	}
	p.reg.setActive(e.id)
	return nil
}

func (p *Platform) Remove(ctx context.Context, id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.reg.get(id)
	if !ok {
		return &tabs.TabError{Op: "remove", TabID: id, Err: tabs.ErrNotFound}
	}

	if !e.parked {
		pg, err := p.pageFor(e)
		if err != nil {
			return &tabs.TabError{Op: "remove", TabID: id, Err: err}
		}
		p.reg.markClosing(e.target)
		if err := pg.Close(); err != nil {
			p.reg.consumeClosing(e.target)
			return &tabs.TabError{Op: "remove", TabID: id, Err: err}
		}
	}
	p.reg.remove(id)
	p.emitLocked(tabs.Event{Kind: tabs.EventRemoved, Tab: tabs.Tab{ID: id}})
	return nil
}

func (p *Platform) ExecuteScript(ctx context.Context, id int64, js string) (string, error) {
	p.mu.Lock()
	e, ok := p.reg.get(id)
	if !ok {
		p.mu.Unlock()
		return "", &tabs.TabError{Op: "script", TabID: id, Err: tabs.ErrNotFound}
	}
	if e.parked {
		p.mu.Unlock()
		return "", &tabs.TabError{Op: "script", TabID: id, Err: fmt.Errorf("tab is hidden")}
	}
	target, url := e.target, e.snap.URL
	p.mu.Unlock()

	// Evaluate outside the lock; page scripts can be slow.
	return p.eval(ctx, target, url, js)
}

func (p *Platform) eval(ctx context.Context, target proto.TargetTargetID, url, js string) (string, error) {
	pg, err := p.browser.PageFromTarget(target)
	if err != nil {
		return "", &tabs.TabError{Op: "script", Err: err}
	}

	res, err := pg.Context(ctx).Eval(wrapExpr(js))
	if err != nil {
		if tabs.Restricted(url) {
			return "", &tabs.TabError{Op: "script", Err: tabs.ErrNoScriptPermission}
		}
		return "", &tabs.TabError{Op: "script", Err: err}
	}
	return res.Value.Str(), nil
}

// wrapExpr turns a bare JS expression into the arrow function Eval expects.
func wrapExpr(js string) string {
	t := strings.TrimSpace(js)
	if strings.HasPrefix(t, "(") || strings.HasPrefix(t, "function") || strings.HasPrefix(t, "async") {
		return js
	}
	return "() => (" + js + ")"
}

func (p *Platform) Subscribe(ctx context.Context) (<-chan tabs.Event, func()) {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	ch := make(chan tabs.Event, 64)
	p.subs[id] = ch
	p.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
			close(ch)
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return ch, cancel
}

// emitLocked fans an event out to subscribers. Slow consumers drop events;
// the reconciler's sweep repairs anything missed.
func (p *Platform) emitLocked(ev tabs.Event) {
	for _, ch := range p.subs {
		select {
		case ch <- ev:
		default:
			p.logger.Warn("browser: event dropped", "kind", ev.Kind.String(), "tab", ev.Tab.ID)
		}
	}
}

func (p *Platform) pageFor(e *entry) (*rod.Page, error) {
	return p.browser.PageFromTarget(e.target)
}

// ---------- target event pump ----------

func (p *Platform) pump(ctx context.Context) {
	b := p.browser.Context(ctx)
	wait := b.EachEvent(
		func(ev *proto.TargetTargetCreated) { p.onTargetCreated(ev) },
		func(ev *proto.TargetTargetDestroyed) { p.onTargetDestroyed(ev) },
		func(ev *proto.TargetTargetInfoChanged) { p.onTargetInfoChanged(ev) },
	)
	wait()
	p.logger.Info("browser: event pump stopped")
}

func (p *Platform) onTargetCreated(ev *proto.TargetTargetCreated) {
	if ev.TargetInfo.Type != "page" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.reg.byTargetID(ev.TargetInfo.TargetID); ok {
		return // adapter-created, already registered
	}

	e := p.reg.alloc(tabs.Tab{
		URL:   ev.TargetInfo.URL,
		Title: ev.TargetInfo.Title,
	}, ev.TargetInfo.TargetID)

	p.emitLocked(tabs.Event{Kind: tabs.EventCreated, Tab: p.reg.snapshot(e)})
}

func (p *Platform) onTargetDestroyed(ev *proto.TargetTargetDestroyed) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.reg.consumeClosing(ev.TargetID) {
		return // park or remove initiated by the adapter
	}

	e, ok := p.reg.byTargetID(ev.TargetID)
	if !ok {
		return
	}
	id := e.id
	p.reg.remove(id)
	p.emitLocked(tabs.Event{Kind: tabs.EventRemoved, Tab: tabs.Tab{ID: id}})
}

func (p *Platform) onTargetInfoChanged(ev *proto.TargetTargetInfoChanged) {
	if ev.TargetInfo.Type != "page" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.reg.byTargetID(ev.TargetInfo.TargetID)
	if !ok || e.parked {
		return
	}

	urlChanged := ev.TargetInfo.URL != "" && ev.TargetInfo.URL != e.snap.URL
	titleChanged := ev.TargetInfo.Title != e.snap.Title
	if !urlChanged && !titleChanged {
		return
	}

	if urlChanged {
		e.snap.URL = ev.TargetInfo.URL
	}
	e.snap.Title = ev.TargetInfo.Title

	p.emitLocked(tabs.Event{
		Kind:       tabs.EventUpdated,
		Tab:        p.reg.snapshot(e),
		URLChanged: urlChanged,
	})
}
