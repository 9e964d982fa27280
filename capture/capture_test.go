package capture_test

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/hazyhaar/topos/capture"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const articlePage = `<!DOCTYPE html>
<html><head>
<title>Understanding QUIC</title>
<meta name="description" content="A field guide to the QUIC transport protocol.">
</head><body>
<nav class="nav"><a href="/">Home</a> <a href="/about">About</a></nav>
<article>
<h1>Understanding QUIC</h1>
<p>QUIC is a UDP based transport protocol that carries HTTP/3. It multiplexes
streams without head of line blocking and bakes the TLS handshake into the
connection setup, saving a round trip on every fresh connection.</p>
<p>See the <a href="/drafts/quic">draft history</a> for how it evolved.</p>
</article>
<footer class="footer">All rights reserved</footer>
</body></html>`

func TestFromHTMLProducesMarkdown(t *testing.T) {
	c := capture.New(discardLogger())

	page, err := c.FromHTML([]byte(articlePage), "https://blog.example/quic")
	if err != nil {
		t.Fatalf("FromHTML: %v", err)
	}
	if page.Title != "Understanding QUIC" {
		t.Errorf("Title = %q", page.Title)
	}
	if page.Description != "A field guide to the QUIC transport protocol." {
		t.Errorf("Description = %q", page.Description)
	}
	if !strings.Contains(page.Markdown, "Understanding QUIC") {
		t.Errorf("Markdown missing heading text: %q", page.Markdown)
	}
	if strings.Contains(page.Markdown, "<p>") || strings.Contains(page.Markdown, "<article") {
		t.Errorf("Markdown still contains HTML: %q", page.Markdown)
	}
	if strings.Contains(page.Markdown, "Home") && strings.Contains(page.Markdown, "About") {
		t.Errorf("Markdown should not carry navigation: %q", page.Markdown)
	}
	if page.ContentHash == "" {
		t.Error("ContentHash should not be empty")
	}
}

// The density heuristic would pick the long comment thread on this page;
// a site selector pins extraction to the post body instead.
const forumPage = `<!DOCTYPE html>
<html><head><title>Release notes</title></head><body>
<div class="post-body"><p>Version 2.0 ships connection migration and a new
congestion controller. Upgrading requires no configuration changes, the wire
format is compatible with 1.x deployments and downgrades remain possible.</p></div>
<div class="thread">
<p>me too, thanks for this update it works great on my machine.</p>
<p>me too, thanks for this update it works great on my machine.</p>
<p>me too, thanks for this update it works great on my machine.</p>
<p>me too, thanks for this update it works great on my machine.</p>
<p>me too, thanks for this update it works great on my machine.</p>
<p>me too, thanks for this update it works great on my machine.</p></div>
</body></html>`

func TestFromHTMLUsesSiteSelectors(t *testing.T) {
	c := capture.New(discardLogger(), capture.WithSiteSelectors(map[string][]string{
		"forum.example": {"div.post-body"},
	}))

	page, err := c.FromHTML([]byte(forumPage), "https://forum.example/releases/2")
	if err != nil {
		t.Fatalf("FromHTML: %v", err)
	}
	if !strings.Contains(page.Markdown, "connection migration") {
		t.Errorf("Markdown missing post body: %q", page.Markdown)
	}
	if strings.Contains(page.Markdown, "me too") {
		t.Errorf("Markdown kept the comment thread: %q", page.Markdown)
	}
}

func TestFromHTMLSelectorsCoverSubdomains(t *testing.T) {
	c := capture.New(discardLogger(), capture.WithSiteSelectors(map[string][]string{
		"example.com": {"div.post-body"},
	}))

	page, err := c.FromHTML([]byte(forumPage), "https://news.example.com/releases/2")
	if err != nil {
		t.Fatalf("FromHTML: %v", err)
	}
	if !strings.Contains(page.Markdown, "connection migration") {
		t.Errorf("Markdown missing post body: %q", page.Markdown)
	}
}

func TestFromHTMLSelectorMissFallsBackToDensity(t *testing.T) {
	c := capture.New(discardLogger(), capture.WithSiteSelectors(map[string][]string{
		"blog.example": {"div.no-such-region"},
	}))

	page, err := c.FromHTML([]byte(articlePage), "https://blog.example/quic")
	if err != nil {
		t.Fatalf("FromHTML: %v", err)
	}
	if !strings.Contains(page.Markdown, "Understanding QUIC") {
		t.Errorf("Markdown missing article after selector miss: %q", page.Markdown)
	}
}

func TestFromHTMLSynthesisesDescription(t *testing.T) {
	src := `<html><head><title>No Meta</title></head><body>
<article><p>` + strings.Repeat("Plenty of body text here. ", 30) + `</p></article>
</body></html>`

	c := capture.New(discardLogger())
	page, err := c.FromHTML([]byte(src), "https://blog.example/nometa")
	if err != nil {
		t.Fatalf("FromHTML: %v", err)
	}
	if page.Description == "" {
		t.Fatal("Description should be synthesised from body text")
	}
	if n := len([]rune(page.Description)); n > 201 {
		t.Errorf("Description too long: %d runes", n)
	}
}

func TestFromHTMLSparsePage(t *testing.T) {
	c := capture.New(discardLogger())
	page, err := c.FromHTML([]byte(`<html><head><title>Tiny</title></head><body><p>hi</p></body></html>`), "https://example.com/")
	if err != nil {
		t.Fatalf("FromHTML: %v", err)
	}
	if page.Title != "Tiny" {
		t.Errorf("Title = %q", page.Title)
	}
	if page.Markdown != "" {
		t.Errorf("Markdown = %q, want empty for sparse page", page.Markdown)
	}
}
