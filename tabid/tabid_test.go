package tabid_test

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/hazyhaar/topos/tabid"
	"github.com/hazyhaar/topos/tabs"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "https://example.com/page", "https://example.com/page"},
		{"trailing slash", "https://example.com/page/", "https://example.com/page"},
		{"root slash", "https://example.com/", "https://example.com"},
		{"drops utm", "https://example.com/page?utm_source=x", "https://example.com/page"},
		{"drops several volatile", "https://example.com/p?utm_campaign=a&fbclid=b&gclid=c&token=d", "https://example.com/p"},
		{"drops ref and session and id prefixes", "https://example.com/p?ref=h&session=1&id=9", "https://example.com/p"},
		{"keeps and sorts others", "https://example.com/p?z=2&a=1", "https://example.com/p?a=1&z=2"},
		{"mixed volatile and stable", "https://example.com/p?utm_source=x&q=go", "https://example.com/p?q=go"},
		{"topic marker short-circuits", "https://www.google.de/#topicId=B", "https://www.google.de/#topicId=B"},
		{"topic marker with query", "https://www.google.de/?utm_source=x#topicId=B", "https://www.google.de/?utm_source=x#topicId=B"},
		{"ordinary fragment stripped", "https://example.com/page#section", "https://example.com/page"},
		{"unparseable returned raw", "not a url at all", "not a url at all"},
		{"no host returned raw", "/relative/path", "/relative/path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tabid.NormalizeURL(tt.in); got != tt.want {
				t.Fatalf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestExtractDomain(t *testing.T) {
	if got := tabid.ExtractDomain("https://sub.example.com:8080/p"); got != "sub.example.com" {
		t.Fatalf("domain = %q", got)
	}
	if got := tabid.ExtractDomain("://bad"); got != "" {
		t.Fatalf("domain for garbage = %q, want empty", got)
	}
}

func TestHash32(t *testing.T) {
	hexRe := regexp.MustCompile(`^[0-9a-f]{8}$`)
	for _, s := range []string{"", "a", "hello world", "https://example.com/page"} {
		h := tabid.Hash32(s)
		if !hexRe.MatchString(h) {
			t.Fatalf("Hash32(%q) = %q, not 8 hex chars", s, h)
		}
		if h != tabid.Hash32(s) {
			t.Fatalf("Hash32(%q) not deterministic", s)
		}
	}
	if tabid.Hash32("a") == tabid.Hash32("b") {
		t.Fatal("distinct inputs should not trivially collide")
	}
}

func newTab(id int64, url, title string) tabs.Tab {
	return tabs.Tab{ID: id, URL: url, Title: title, FavIconURL: "https://example.com/favicon.ico"}
}

func TestResolveDeterministic(t *testing.T) {
	ctx := context.Background()
	prov := tabid.Static{1: "dom|x", 2: "dom|x"}
	r := tabid.New(prov)

	// Same content on two handles resolves to the same id.
	a := newTab(1, "https://example.com/page", "Page")
	b := newTab(2, "https://example.com/page", "Page")
	if got, want := r.Resolve(ctx, a), r.Resolve(ctx, b); got != want {
		t.Fatalf("ids differ: %q vs %q", got, want)
	}
}

func TestResolveIgnoresVolatileParams(t *testing.T) {
	ctx := context.Background()
	prov := tabid.Static{1: "dom|x", 2: "dom|x"}
	r := tabid.New(prov)

	plain := newTab(1, "https://example.com/page", "Page")
	tracked := newTab(2, "https://example.com/page?utm_source=x", "Page")
	if r.Resolve(ctx, plain) != r.Resolve(ctx, tracked) {
		t.Fatal("blacklisted query param changed the stable id")
	}
}

func TestResolvePathMatters(t *testing.T) {
	ctx := context.Background()
	prov := tabid.Static{1: "dom|x", 2: "dom|x"}
	r := tabid.New(prov)

	a := newTab(1, "https://example.com/page", "Page")
	b := newTab(2, "https://example.com/other", "Page")
	if r.Resolve(ctx, a) == r.Resolve(ctx, b) {
		t.Fatal("different paths must produce different stable ids")
	}
}

func TestResolveRestrictedScheme(t *testing.T) {
	ctx := context.Background()
	r := tabid.New(tabid.Static{})

	tab := newTab(1, "about:config", "Config")
	id := r.Resolve(ctx, tab)
	if id != tabid.Hash32("restricted|about:config|Config") {
		t.Fatalf("restricted tier id = %q", id)
	}
	if fp, ok := r.Cached(1); !ok || fp.DOMPrint != "" {
		t.Fatal("restricted tab should cache without a DOM print")
	}
}

type failingProvider struct{ err error }

func (f failingProvider) Fingerprint(context.Context, tabs.Tab) (string, error) {
	return "", f.err
}

func TestResolveFallbackTiers(t *testing.T) {
	ctx := context.Background()
	tab := newTab(1, "https://example.com/p", "T")

	perm := tabid.New(failingProvider{err: &tabs.TabError{Op: "script", TabID: 1, Err: tabs.ErrNoScriptPermission}})
	if got := perm.Resolve(ctx, tab); got != tabid.Hash32("restricted|https://example.com/p|T") {
		t.Fatalf("permission tier id = %q", got)
	}

	other := tabid.New(failingProvider{err: errors.New("eval timeout")})
	if got := other.Resolve(ctx, tab); got != tabid.Hash32("basic|https://example.com/p|T") {
		t.Fatalf("basic tier id = %q", got)
	}
}

func TestResolveCaches(t *testing.T) {
	ctx := context.Background()
	prov := tabid.Static{1: "dom|v1"}
	r := tabid.New(prov)

	tab := newTab(1, "https://example.com/p", "T")
	first := r.Resolve(ctx, tab)

	// Provider output changes, but the cache answers until invalidated.
	prov[1] = "dom|v2"
	if got := r.Resolve(ctx, tab); got != first {
		t.Fatalf("cache miss: %q vs %q", got, first)
	}

	r.Forget(1)
	if _, ok := r.Cached(1); ok {
		t.Fatal("Forget should drop the entry")
	}
}

func TestChanged(t *testing.T) {
	ctx := context.Background()
	prov := tabid.Static{1: "dom|x"}
	r := tabid.New(prov)

	tab := newTab(1, "https://example.com/p", "T")
	orig := r.Resolve(ctx, tab)

	// Same pattern and domain: not significant.
	tab.Title = "New title"
	changed, id := r.Changed(ctx, tab)
	if changed || id != orig {
		t.Fatalf("title-only change flagged significant (changed=%v id=%q)", changed, id)
	}

	// Path moved: significant, new id, cache replaced.
	tab.URL = "https://example.com/elsewhere"
	changed, id = r.Changed(ctx, tab)
	if !changed || id == orig {
		t.Fatalf("path change not flagged (changed=%v id=%q)", changed, id)
	}
	if fp, _ := r.Cached(1); fp.StableID != id {
		t.Fatal("cache should hold the new fingerprint")
	}

	// Unseen handle counts as changed.
	changed, _ = r.Changed(ctx, newTab(9, "https://example.com/p", "T"))
	if !changed {
		t.Fatal("unseen handle should report changed")
	}
}

func TestHTMLFingerprint(t *testing.T) {
	page := `<html><head><title> My  Page </title>
		<meta name="description" content="about stuff"></head>
		<body><header></header><nav></nav><main id="content">
		<h1>Hello World</h1><article></article><article></article>
		</main><footer></footer><div id="app"></div></body></html>`

	fp := tabid.HTMLFingerprint(page)
	if fp == "" {
		t.Fatal("fingerprint empty")
	}
	if fp != tabid.HTMLFingerprint(page) {
		t.Fatal("fingerprint not deterministic")
	}

	want := "t:My Page|d:11|h:Hello World|l:n1,m1,e1,f1,a2,s0|c:app,content"
	if fp != want {
		t.Fatalf("fingerprint = %q, want %q", fp, want)
	}

	if tabid.HTMLFingerprint(page) == tabid.HTMLFingerprint("<html><body><p>bare</p></body></html>") {
		t.Fatal("structurally different pages should differ")
	}
}
