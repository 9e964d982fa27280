// Package tabid derives durable tab identity from page content. A StableId
// survives reloads and browser restarts, unlike the platform's numeric tab
// handles, and is the key of the topic assignment map.
package tabid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/hazyhaar/topos/tabs"
)

// TopicMarker is the fragment marker carried by synthetic default tabs.
// A URL whose fragment contains it is normalized to itself wholesale, so
// every topic's default tab keeps a distinct identity.
const TopicMarker = "topicId="

// volatilePrefixes are query parameter name prefixes dropped during URL
// normalization: tracking and session noise that does not change what page
// the tab shows.
var volatilePrefixes = []string{"utm_", "ref", "session", "token", "id", "fbclid", "gclid"}

// Provider produces a content fingerprint for a tab's page. Implementations
// report script-permission denials as tabs.ErrNoScriptPermission so the
// resolver can pick the right fallback tier.
type Provider interface {
	Fingerprint(ctx context.Context, tab tabs.Tab) (string, error)
}

// Static is a fixed Provider for tests, keyed by tab ID.
type Static map[int64]string

func (s Static) Fingerprint(_ context.Context, tab tabs.Tab) (string, error) {
	return s[tab.ID], nil
}

// Fingerprint is the cached per-handle metadata a StableId derives from.
// It is never persisted.
type Fingerprint struct {
	URLPattern string
	Domain     string
	Title      string
	DOMPrint   string
	FavHash    string
	StableID   string
}

// Resolver computes and caches StableIds per physical tab handle.
// Resolution never fails; on error it degrades through fallback tiers.
type Resolver struct {
	provider Provider
	logger   *slog.Logger
	volatile []string

	mu    sync.Mutex
	cache map[int64]*Fingerprint
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the resolver's logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithVolatilePrefixes appends extra query-parameter prefixes to strip
// during normalization.
func WithVolatilePrefixes(prefixes ...string) Option {
	return func(r *Resolver) { r.volatile = append(r.volatile, prefixes...) }
}

// New returns a Resolver backed by the given fingerprint provider.
func New(provider Provider, opts ...Option) *Resolver {
	r := &Resolver{
		provider: provider,
		logger:   slog.Default(),
		volatile: volatilePrefixes,
		cache:    make(map[int64]*Fingerprint),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the tab's StableId, computing and caching the fingerprint
// on first sight of the handle.
func (r *Resolver) Resolve(ctx context.Context, tab tabs.Tab) string {
	r.mu.Lock()
	if fp, ok := r.cache[tab.ID]; ok {
		id := fp.StableID
		r.mu.Unlock()
		return id
	}
	r.mu.Unlock()

	fp := r.compute(ctx, tab)

	r.mu.Lock()
	r.cache[tab.ID] = fp
	r.mu.Unlock()
	return fp.StableID
}

// Changed recomputes the tab's fingerprint and reports whether its identity
// moved significantly (urlPattern or domain changed). On significant change
// the cache entry is replaced and the new StableId returned; otherwise the
// cached id is returned. An unseen handle counts as changed.
func (r *Resolver) Changed(ctx context.Context, tab tabs.Tab) (bool, string) {
	r.mu.Lock()
	prev, ok := r.cache[tab.ID]
	r.mu.Unlock()

	fresh := r.compute(ctx, tab)
	if ok && prev.URLPattern == fresh.URLPattern && prev.Domain == fresh.Domain {
		return false, prev.StableID
	}

	r.mu.Lock()
	r.cache[tab.ID] = fresh
	r.mu.Unlock()
	return true, fresh.StableID
}

// Forget drops the handle's cache entry. Call on tab close; the durable
// stableId→topicId binding is not touched here.
func (r *Resolver) Forget(tabID int64) {
	r.mu.Lock()
	delete(r.cache, tabID)
	r.mu.Unlock()
}

// Cached returns the cached fingerprint for a handle, if any.
func (r *Resolver) Cached(tabID int64) (Fingerprint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fp, ok := r.cache[tabID]; ok {
		return *fp, true
	}
	return Fingerprint{}, false
}

func (r *Resolver) compute(ctx context.Context, tab tabs.Tab) *Fingerprint {
	fp := &Fingerprint{
		URLPattern: normalize(tab.URL, r.volatile),
		Domain:     ExtractDomain(tab.URL),
		Title:      tab.Title,
		FavHash:    Hash32(tab.FavIconURL),
	}

	if tab.URL == "" || tabs.Restricted(tab.URL) {
		fp.StableID = Hash32("restricted|" + tab.URL + "|" + tab.Title)
		return fp
	}

	dom, err := r.provider.Fingerprint(ctx, tab)
	if err != nil {
		if errors.Is(err, tabs.ErrNoScriptPermission) {
			fp.StableID = Hash32("restricted|" + tab.URL + "|" + tab.Title)
		} else {
			r.logger.Debug("tabid: fingerprint degraded", "tab", tab.ID, "error", err)
			fp.StableID = Hash32("basic|" + tab.URL + "|" + tab.Title)
		}
		return fp
	}

	fp.DOMPrint = dom
	fp.StableID = Hash32(fp.URLPattern + "|" + fp.Domain + "|" + dom + "|" + fp.FavHash)
	return fp
}

// NormalizeURL canonicalizes a URL for identity purposes: scheme+host+path
// with the trailing slash stripped, volatile query parameters dropped, the
// rest sorted. A fragment containing TopicMarker short-circuits to the raw
// URL; so does a parse failure.
func NormalizeURL(raw string) string {
	return normalize(raw, volatilePrefixes)
}

func normalize(raw string, volatile []string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	if strings.Contains(u.Fragment, TopicMarker) {
		return raw
	}

	base := u.Scheme + "://" + u.Host + strings.TrimSuffix(u.EscapedPath(), "/")

	q := u.Query()
	for key := range q {
		lower := strings.ToLower(key)
		for _, p := range volatile {
			if strings.HasPrefix(lower, p) {
				delete(q, key)
				break
			}
		}
	}
	if len(q) > 0 {
		base += "?" + q.Encode()
	}
	return base
}

// ExtractDomain returns the hostname (without port) of a URL, or "" when it
// cannot be parsed.
func ExtractDomain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Hash32 is the 32-bit rolling hash used for all identity material:
// multiply-add over the bytes, rendered as 8 zero-padded hex chars.
func Hash32(s string) string {
	var h uint32
	for i := 0; i < len(s); i++ {
		h = h*31 + uint32(s[i])
	}
	return fmt.Sprintf("%08x", h)
}
