package tabid

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// wellKnownContainers are element ids that commonly anchor a page's layout.
// Their presence pattern is part of the DOM fingerprint.
var wellKnownContainers = []string{
	"app", "root", "main", "content", "container", "wrapper", "page", "site",
}

// HTMLFingerprint derives the DOM fingerprint component of a StableId from
// raw page HTML: title, description length, first h1, landmark element
// counts, and which well-known container ids exist. Deterministic for a
// given document; returns "" when the HTML cannot be parsed.
func HTMLFingerprint(src string) string {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return ""
	}

	var (
		title, h1, desc string
		counts          = map[atom.Atom]int{}
		ids             = map[string]bool{}
	)

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Title:
				if title == "" {
					title = collapsedText(n)
				}
			case atom.H1:
				if h1 == "" {
					h1 = collapsedText(n)
				}
			case atom.Meta:
				name := attr(n, "name")
				if (name == "description" || name == "keywords") && desc == "" {
					desc = attr(n, "content")
				}
			case atom.Nav, atom.Main, atom.Header, atom.Footer, atom.Article, atom.Aside:
				counts[n.DataAtom]++
			}
			if id := attr(n, "id"); id != "" {
				ids[strings.ToLower(id)] = true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	var present []string
	for _, c := range wellKnownContainers {
		if ids[c] {
			present = append(present, c)
		}
	}

	return fmt.Sprintf("t:%s|d:%d|h:%s|l:n%d,m%d,e%d,f%d,a%d,s%d|c:%s",
		title, len(desc), h1,
		counts[atom.Nav], counts[atom.Main], counts[atom.Header],
		counts[atom.Footer], counts[atom.Article], counts[atom.Aside],
		strings.Join(present, ","))
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func collapsedText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}
