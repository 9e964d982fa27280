// Package topics binds the state container to the physical browser: it owns
// the durable stableId→topicId assignment map and reconciles tab visibility
// so that exactly the active topic's tabs are on screen. Reconciliation is
// self-healing: every pass ends with an authoritative re-scan that corrects
// drift instead of trusting earlier calls.
package topics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hazyhaar/topos/notify"
	"github.com/hazyhaar/topos/store"
	"github.com/hazyhaar/topos/tabid"
	"github.com/hazyhaar/topos/tabs"
)

// DefaultNewTabBase is where a topic's default tab points when the topic
// has no tabs left. The topic id rides in the fragment so the tab's stable
// identity is unique per topic.
const DefaultNewTabBase = "https://www.google.de/"

// Reconciler enforces the visibility invariant over a tabs.Platform.
// All passes are serialized on an internal mutex; SwitchTo additionally
// rejects overlapping switches instead of queueing them.
type Reconciler struct {
	platform tabs.Platform
	resolver *tabid.Resolver
	st       *store.Store
	assign   *Assignments
	logger   *slog.Logger
	notifier notify.Notifier

	newTabBase string

	switching atomic.Bool
	mu        sync.Mutex
	stats     Stats
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the reconciler's logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithNotifier routes correction warnings to a notification sink.
func WithNotifier(n notify.Notifier) Option {
	return func(r *Reconciler) { r.notifier = n }
}

// WithNewTabBase overrides the default-tab base URL.
func WithNewTabBase(base string) Option {
	return func(r *Reconciler) { r.newTabBase = base }
}

// NewReconciler wires the reconciler to its collaborators.
func NewReconciler(platform tabs.Platform, resolver *tabid.Resolver, st *store.Store, assign *Assignments, opts ...Option) *Reconciler {
	r := &Reconciler{
		platform:   platform,
		resolver:   resolver,
		st:         st,
		assign:     assign,
		logger:     slog.Default(),
		newTabBase: DefaultNewTabBase,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Stats returns the reconciler's counters.
func (r *Reconciler) Stats() StatsSnapshot { return r.stats.Snapshot() }

// SwitchTo makes topicID the active topic and reconciles visibility: tabs
// of other topics are hidden, the topic's tabs are shown, one of them is
// activated. A second call while a switch is reconciling returns
// ErrSwitchInFlight.
func (r *Reconciler) SwitchTo(ctx context.Context, topicID string) error {
	if !r.switching.CompareAndSwap(false, true) {
		return ErrSwitchInFlight
	}
	defer r.switching.Store(false)

	if _, ok := store.SelectTopic(r.st.State(), topicID); !ok {
		return &NotFoundError{Kind: "topic", ID: topicID}
	}
	if err := r.st.Dispatch(store.SetActiveTopic(topicID)); err != nil {
		return err
	}
	r.stats.switches.Add(1)

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconcileLocked(ctx, topicID)
}

// Sweep runs one full reconciliation pass against the current active topic.
// With no active topic there is nothing to enforce.
func (r *Reconciler) Sweep(ctx context.Context) error {
	active := store.SelectActiveTopicID(r.st.State())
	if active == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconcileLocked(ctx, active)
}

// Run consumes platform events until ctx ends or the stream closes.
func (r *Reconciler) Run(ctx context.Context) {
	events, cancel := r.platform.Subscribe(ctx)
	defer cancel()
	r.logger.Info("topics: reconciler event loop started")
	for ev := range events {
		r.stats.events.Add(1)
		var err error
		switch ev.Kind {
		case tabs.EventCreated:
			err = r.OnTabCreated(ctx, ev.Tab)
		case tabs.EventUpdated:
			err = r.OnTabUpdated(ctx, ev.Tab, ev.URLChanged)
		case tabs.EventRemoved:
			r.OnTabRemoved(ev.Tab.ID)
		case tabs.EventActivated:
			err = r.OnTabActivated(ctx, ev.Tab)
		}
		if err != nil {
			r.logger.Warn("topics: event handling failed",
				"kind", ev.Kind.String(), "tab", ev.Tab.ID, "error", err)
		}
	}
	r.logger.Info("topics: reconciler event loop stopped")
}

// OnTabCreated binds a fresh regular tab to the active topic (unless its
// content is already bound elsewhere) and enforces its visibility.
func (r *Reconciler) OnTabCreated(ctx context.Context, tb tabs.Tab) error {
	if !tabs.Regular(tb) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	active := store.SelectActiveTopicID(r.st.State())
	sid := r.resolver.Resolve(ctx, tb)
	owner, ok := r.assign.TopicOf(sid)
	if !ok {
		if active == "" {
			return nil
		}
		if err := r.assign.Bind(ctx, sid, active); err != nil {
			return err
		}
		owner = active
	}
	return r.enforceLocked(ctx, tb, owner, active)
}

// OnTabUpdated recomputes the tab's identity after a navigation. Content
// never seen before joins the active topic; the binding of the content the
// tab navigated away from stays untouched, so that content reopens in its
// original topic later.
func (r *Reconciler) OnTabUpdated(ctx context.Context, tb tabs.Tab, urlChanged bool) error {
	if !urlChanged || !tabs.Regular(tb) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	changed, sid := r.resolver.Changed(ctx, tb)
	if changed {
		r.logger.Debug("topics: tab identity moved", "tab", tb.ID, "stableId", sid)
	}
	active := store.SelectActiveTopicID(r.st.State())
	owner, ok := r.assign.TopicOf(sid)
	if !ok {
		if active == "" {
			return nil
		}
		if err := r.assign.Bind(ctx, sid, active); err != nil {
			return err
		}
		owner = active
	}
	return r.enforceLocked(ctx, tb, owner, active)
}

// OnTabRemoved drops the handle's fingerprint cache. The stableId→topicId
// binding is durable and survives the physical tab.
func (r *Reconciler) OnTabRemoved(tabID int64) {
	r.resolver.Forget(tabID)
}

// OnTabActivated re-enforces visibility for the activated tab. A foreign
// tab surfacing while another topic is active is drift, whoever caused it.
func (r *Reconciler) OnTabActivated(ctx context.Context, tb tabs.Tab) error {
	if !tabs.Regular(tb) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	active := store.SelectActiveTopicID(r.st.State())
	sid := r.resolver.Resolve(ctx, tb)
	owner, ok := r.assign.TopicOf(sid)
	if !ok {
		return nil
	}
	return r.enforceLocked(ctx, tb, owner, active)
}

// reconcileLocked is the full visibility pass: partition, hide, show,
// activate, verify. Caller holds r.mu and guarantees activeID != "".
func (r *Reconciler) reconcileLocked(ctx context.Context, activeID string) error {
	if activeID == "" {
		return nil
	}
	all, err := r.platform.Query(ctx)
	if err != nil {
		return fmt.Errorf("topics: query tabs: %w", err)
	}

	var toHide, toShow []int64
	var owned []tabs.Tab
	for _, tb := range all {
		if !tabs.Regular(tb) {
			continue
		}
		sid := r.resolver.Resolve(ctx, tb)
		owner, ok := r.assign.TopicOf(sid)
		if !ok {
			// Unclaimed content adopts the active topic.
			if err := r.assign.Bind(ctx, sid, activeID); err != nil {
				r.logger.Warn("topics: bind failed", "stableId", sid, "error", err)
			}
			owner = activeID
		}
		if owner == activeID {
			owned = append(owned, tb)
			if tb.Hidden {
				toShow = append(toShow, tb.ID)
			}
		} else if !tb.Hidden {
			toHide = append(toHide, tb.ID)
		}
	}

	// Hiding first keeps foreign tabs from lingering next to the incoming
	// set. Batch failures don't abort the pass: the verification re-scan
	// retries tab by tab, and the sweeper retries after that.
	if len(toHide) > 0 {
		if err := r.platform.Hide(ctx, toHide...); err != nil {
			r.stats.platformFailures.Add(1)
			r.logger.Warn("topics: hide batch failed", "tabs", len(toHide), "error", err)
			r.notifyWarn(ctx, "tab hide failed",
				fmt.Sprintf("%d tabs could not be hidden: %v", len(toHide), err))
		} else {
			r.stats.tabsHidden.Add(int64(len(toHide)))
		}
	}
	if len(toShow) > 0 {
		if err := r.platform.Show(ctx, toShow...); err != nil {
			r.stats.platformFailures.Add(1)
			r.logger.Warn("topics: show batch failed", "tabs", len(toShow), "error", err)
			r.notifyWarn(ctx, "tab show failed",
				fmt.Sprintf("%d tabs could not be shown: %v", len(toShow), err))
		} else {
			r.stats.tabsShown.Add(int64(len(toShow)))
		}
	}

	if len(owned) > 0 {
		// Prefer a tab that was already visible before the pass.
		target := owned[0]
		for _, tb := range owned {
			if !tb.Hidden {
				target = tb
				break
			}
		}
		if err := r.platform.Activate(ctx, target.ID); err != nil {
			r.logger.Warn("topics: activate failed", "tab", target.ID, "error", err)
		}
	}

	return r.verifyLocked(ctx, activeID)
}

// verifyLocked re-queries the platform and force-corrects any tab whose
// visibility disagrees with its binding. The re-scan, not the earlier
// calls, decides whether the topic ended up with zero tabs; only then is
// the default tab created.
func (r *Reconciler) verifyLocked(ctx context.Context, activeID string) error {
	verified, err := r.platform.Query(ctx)
	if err != nil {
		return fmt.Errorf("topics: verification scan: %w", err)
	}

	corrections := 0
	ownedPresent := 0
	for _, tb := range verified {
		if !tabs.Regular(tb) {
			continue
		}
		sid := r.resolver.Resolve(ctx, tb)
		owner, ok := r.assign.TopicOf(sid)
		if !ok {
			continue
		}
		if owner == activeID {
			ownedPresent++
			if tb.Hidden {
				corrections++
				if err := r.platform.Show(ctx, tb.ID); err != nil {
					r.stats.platformFailures.Add(1)
					r.logger.Warn("topics: correction show failed", "tab", tb.ID, "error", err)
				} else {
					r.stats.tabsShown.Add(1)
				}
			}
		} else if !tb.Hidden {
			corrections++
			if err := r.platform.Hide(ctx, tb.ID); err != nil {
				r.stats.platformFailures.Add(1)
				r.logger.Warn("topics: correction hide failed", "tab", tb.ID, "error", err)
			} else {
				r.stats.tabsHidden.Add(1)
			}
		}
	}
	if corrections > 0 {
		r.stats.corrections.Add(int64(corrections))
		r.logger.Warn("topics: verification corrected drift",
			"topic", activeID, "corrections", corrections)
		r.notifyWarn(ctx, "tab visibility corrected",
			fmt.Sprintf("%d tabs were out of place after switching", corrections))
	}

	if ownedPresent > 0 {
		return nil
	}

	created, err := r.platform.Create(ctx, tabs.CreateOpts{
		URL:    r.defaultTabURL(activeID),
		Active: true,
	})
	if err != nil {
		return fmt.Errorf("topics: create default tab: %w", err)
	}
	sid := r.resolver.Resolve(ctx, created)
	if err := r.assign.Bind(ctx, sid, activeID); err != nil {
		r.logger.Warn("topics: bind default tab failed", "stableId", sid, "error", err)
	}
	r.stats.tabsCreated.Add(1)
	r.logger.Info("topics: opened default tab", "topic", activeID, "tab", created.ID)
	return nil
}

// enforceLocked corrects one tab's visibility against its binding.
func (r *Reconciler) enforceLocked(ctx context.Context, tb tabs.Tab, owner, active string) error {
	if active == "" {
		return nil
	}
	if owner != active && !tb.Hidden {
		if err := r.platform.Hide(ctx, tb.ID); err != nil {
			return err
		}
		r.stats.tabsHidden.Add(1)
		return nil
	}
	if owner == active && tb.Hidden {
		if err := r.platform.Show(ctx, tb.ID); err != nil {
			return err
		}
		r.stats.tabsShown.Add(1)
	}
	return nil
}

func (r *Reconciler) defaultTabURL(topicID string) string {
	return r.newTabBase + "#" + tabid.TopicMarker + topicID
}

func (r *Reconciler) notifyWarn(ctx context.Context, title, message string) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, notify.New(notify.Warning, title, message)); err != nil {
		r.logger.Warn("topics: notification delivery failed", "error", err)
	}
}
