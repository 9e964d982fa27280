// Package capture distils a live tab's DOM into bookmark content.
//
// The reconciler's platform hands over the page's outerHTML; capture finds
// the main content region, sanitises it, and converts it to markdown so a
// bookmark carries a readable snapshot of the page, not just its URL.
package capture

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/topos/extract"
)

// excerptRunes bounds the description synthesised from page text when the
// page carries no meta description.
const excerptRunes = 200

// Page is the distilled content of a captured tab.
type Page struct {
	Title       string
	Description string
	Markdown    string
	ContentHash string
}

// Capturer runs the extract → sanitise → markdown pipeline.
type Capturer struct {
	logger        *slog.Logger
	policy        *bluemonday.Policy
	mdConverter   *converter.Converter
	siteSelectors map[string][]string
}

// Option configures a Capturer.
type Option func(*Capturer)

// WithSiteSelectors registers per-host CSS selectors tried before density
// analysis when capturing a page from that host. Keys are lowercase
// hostnames; a rule for "example.com" also covers its subdomains.
func WithSiteSelectors(rules map[string][]string) Option {
	return func(c *Capturer) {
		if len(rules) == 0 {
			return
		}
		c.siteSelectors = make(map[string][]string, len(rules))
		for host, sels := range rules {
			c.siteSelectors[strings.ToLower(host)] = sels
		}
	}
}

// New creates a Capturer. A nil logger falls back to slog.Default().
func New(logger *slog.Logger, opts ...Option) *Capturer {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Capturer{
		logger: logger,
		policy: bluemonday.UGCPolicy(),
		mdConverter: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromHTML extracts the main content of rawHTML and converts it to
// markdown. pageURL resolves relative links in the output and selects any
// per-site selector rules.
func (c *Capturer) FromHTML(rawHTML []byte, pageURL string) (*Page, error) {
	res, err := extract.Extract(rawHTML, extract.Options{
		Mode:      "auto",
		Selectors: c.selectorsFor(pageURL),
	})
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	clean := extract.CleanText(res.Text)

	desc := res.Description
	if desc == "" {
		desc = extract.Excerpt(clean, excerptRunes)
	}

	return &Page{
		Title:       res.Title,
		Description: desc,
		Markdown:    c.toMarkdown(res.HTML, pageURL, clean),
		ContentHash: res.Hash,
	}, nil
}

// selectorsFor returns the selector rule for pageURL's host, walking up
// the domain so "docs.example.com" falls back to an "example.com" rule.
func (c *Capturer) selectorsFor(pageURL string) []string {
	if len(c.siteSelectors) == 0 {
		return nil
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	for host != "" {
		if sels, ok := c.siteSelectors[host]; ok {
			return sels
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return nil
		}
		host = host[i+1:]
	}
	return nil
}

// toMarkdown sanitises the extracted HTML and converts it to structured
// markdown. Falls back to the plain text when conversion fails or
// produces empty output.
func (c *Capturer) toMarkdown(htmlSrc, pageURL, fallback string) string {
	if htmlSrc == "" {
		return fallback
	}
	sanitized := c.policy.Sanitize(htmlSrc)
	result, err := c.mdConverter.ConvertString(sanitized, converter.WithDomain(pageURL))
	if err != nil || strings.TrimSpace(result) == "" {
		if err != nil {
			c.logger.Debug("capture: markdown conversion failed", "url", pageURL, "error", err)
		}
		return fallback
	}
	return strings.TrimSpace(result)
}
