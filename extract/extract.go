// Package extract pulls the readable content out of a captured page.
//
// Bookmark capture hands it the raw outerHTML of a live tab. The pipeline
// parses the document, locates the main content region, and returns clean
// text together with the matching HTML subtree for markdown conversion.
// Three modes:
//   - css:     regions matching CSS selectors
//   - density: the subtree with the best text-to-markup ratio
//   - auto:    selectors first, density as fallback
package extract

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Result is the output of content extraction.
type Result struct {
	Text        string // clean extracted text
	HTML        string // extracted HTML subtree
	Title       string // page <title> if present
	Description string // meta description, og:description preferred
	Hash        string // SHA-256 of extracted text
}

// Options controls extraction behaviour.
type Options struct {
	Selectors  []string // CSS selectors to try before density analysis
	Mode       string   // "css", "density", "auto" (default "auto")
	MinTextLen int      // minimum text length to accept (default 50)
}

func (o *Options) defaults() {
	if o.Mode == "" {
		o.Mode = "auto"
	}
	if o.MinTextLen <= 0 {
		o.MinTextLen = 50
	}
}

// Extract runs the extraction pipeline on raw HTML.
func Extract(rawHTML []byte, opts Options) (*Result, error) {
	opts.defaults()

	doc, err := html.Parse(bytes.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("extract: parse html: %w", err)
	}

	title := findTitle(doc)
	desc := findDescription(doc)

	var res *Result
	switch opts.Mode {
	case "css":
		res, err = bySelectors(doc, opts.Selectors, title, opts.MinTextLen)
	case "density":
		res, err = byDensity(doc, title, opts.MinTextLen)
	case "auto":
		if len(opts.Selectors) > 0 {
			if r, selErr := bySelectors(doc, opts.Selectors, title, opts.MinTextLen); selErr == nil && len(r.Text) >= opts.MinTextLen {
				r.Description = desc
				return r, nil
			}
		}
		res, err = byDensity(doc, title, opts.MinTextLen)
	default:
		return nil, fmt.Errorf("extract: unknown mode %q", opts.Mode)
	}
	if err != nil {
		return nil, err
	}
	res.Description = desc
	return res, nil
}

// findTitle extracts the page <title> text.
func findTitle(doc *html.Node) string {
	var title string
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Title {
			if n.FirstChild != nil {
				title = strings.TrimSpace(n.FirstChild.Data)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(doc)
	return title
}

// findDescription pulls the page's meta description. Open Graph wins over
// the plain description tag when both are present.
func findDescription(doc *html.Node) string {
	var plain, og string
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Meta {
			var key, content string
			for _, attr := range n.Attr {
				switch attr.Key {
				case "name", "property":
					key = strings.ToLower(attr.Val)
				case "content":
					content = attr.Val
				}
			}
			switch key {
			case "og:description":
				og = strings.TrimSpace(content)
			case "description":
				plain = strings.TrimSpace(content)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(doc)
	if og != "" {
		return og
	}
	return plain
}

// hashText returns the SHA-256 hex digest of text.
func hashText(text string) string {
	h := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%x", h)
}

// renderNode serialises an HTML node subtree back to a string.
func renderNode(n *html.Node) string {
	var buf bytes.Buffer
	html.Render(&buf, n)
	return buf.String()
}

// collectText extracts all visible text from a node subtree.
func collectText(n *html.Node) string {
	var sb strings.Builder
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)
	return sb.String()
}

// isContentTag returns true for tags likely to contain main content.
func isContentTag(a atom.Atom) bool {
	switch a {
	case atom.Main, atom.Article, atom.Section, atom.Div, atom.P,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Li,
		atom.Table, atom.Td, atom.Th, atom.Dl, atom.Dd, atom.Dt,
		atom.Figure, atom.Figcaption, atom.Details, atom.Summary:
		return true
	}
	return false
}

// isBoilerplate checks if a node is likely boilerplate (nav, footer, etc).
func isBoilerplate(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch n.DataAtom {
	case atom.Nav, atom.Footer, atom.Header, atom.Aside:
		return true
	}
	for _, attr := range n.Attr {
		if attr.Key == "class" || attr.Key == "id" {
			lower := strings.ToLower(attr.Val)
			for _, pattern := range boilerplatePatterns {
				if strings.Contains(lower, pattern) {
					return true
				}
			}
		}
		if attr.Key == "role" {
			switch attr.Val {
			case "navigation", "banner", "contentinfo", "complementary":
				return true
			}
		}
	}
	return false
}

var boilerplatePatterns = []string{
	"sidebar", "footer", "header", "nav", "menu", "breadcrumb",
	"cookie", "banner", "advert", "social", "share", "comment",
	"related", "widget", "popup", "modal",
}
