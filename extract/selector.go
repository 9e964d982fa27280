package extract

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// bySelectors collects the regions matching any of the CSS selectors.
// Per-site selector rules from the capture configuration land here; a page
// whose selectors all miss falls back to density analysis in auto mode.
func bySelectors(doc *html.Node, selectors []string, title string, minLen int) (*Result, error) {
	var texts, parts []string
	for _, sel := range selectors {
		for _, n := range parseQuery(sel).find(doc) {
			text := collectText(n)
			if len(text) >= minLen {
				texts = append(texts, text)
				parts = append(parts, renderNode(n))
			}
		}
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("extract: no content matched selectors %v", selectors)
	}
	return regionResult(texts, parts, title), nil
}

// cssQuery is a parsed selector: a chain of steps separated by spaces,
// each matching descendants of the previous step's matches.
//
// Supported step forms: tag, .class, #id, tag.class, tag#id, tag[attr],
// tag[attr=val]. That subset covers the per-site rules this system needs;
// anything richer belongs in the page script, not here.
type cssQuery struct {
	steps []cssStep
}

type cssStep struct {
	tag     string
	id      string
	class   string
	attr    string
	attrVal string
}

func parseQuery(selector string) cssQuery {
	var q cssQuery
	for _, part := range strings.Fields(selector) {
		q.steps = append(q.steps, parseStep(part))
	}
	return q
}

func parseStep(part string) cssStep {
	var s cssStep
	if i := strings.IndexByte(part, '['); i >= 0 {
		spec := strings.TrimRight(part[i+1:], "]")
		part = part[:i]
		if eq := strings.IndexByte(spec, '='); eq >= 0 {
			s.attr = spec[:eq]
			s.attrVal = strings.Trim(spec[eq+1:], `"'`)
		} else {
			s.attr = spec
		}
	}
	if i := strings.IndexByte(part, '#'); i >= 0 {
		s.id = part[i+1:]
		part = part[:i]
	}
	if i := strings.IndexByte(part, '.'); i >= 0 {
		s.class = part[i+1:]
		part = part[:i]
	}
	s.tag = part
	return s
}

// find returns every node the full step chain matches under root.
func (q cssQuery) find(root *html.Node) []*html.Node {
	if len(q.steps) == 0 {
		return nil
	}
	scopes := []*html.Node{root}
	for _, step := range q.steps {
		var next []*html.Node
		for _, scope := range scopes {
			eachElement(scope, func(n *html.Node) {
				if step.matches(n) {
					next = append(next, n)
				}
			})
		}
		scopes = next
	}
	return scopes
}

func (s cssStep) matches(n *html.Node) bool {
	if s.tag != "" && n.Data != s.tag {
		return false
	}
	if s.id != "" && attrValue(n, "id") != s.id {
		return false
	}
	if s.class != "" && !hasClass(n, s.class) {
		return false
	}
	if s.attr != "" {
		val, ok := findAttr(n, s.attr)
		if !ok {
			return false
		}
		if s.attrVal != "" && val != s.attrVal {
			return false
		}
	}
	return true
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attrValue(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func attrValue(n *html.Node, key string) string {
	val, _ := findAttr(n, key)
	return val
}

func findAttr(n *html.Node, key string) (string, bool) {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val, true
		}
	}
	return "", false
}

// eachElement visits every element in the subtree, root included.
func eachElement(root *html.Node, fn func(*html.Node)) {
	if root.Type == html.ElementNode {
		fn(root)
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		eachElement(c, fn)
	}
}

func regionResult(texts, parts []string, title string) *Result {
	combined := strings.Join(texts, "\n\n")
	return &Result{
		Text:  combined,
		HTML:  strings.Join(parts, "\n"),
		Title: title,
		Hash:  hashText(combined),
	}
}
