package extract

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// byDensity finds the page's readable region without selector hints.
// Semantic landmarks (<main>, <article>) win when they carry enough text;
// otherwise the subtree with the best text-to-markup ratio does.
func byDensity(doc *html.Node, title string, minLen int) (*Result, error) {
	if regions := landmarkRegions(doc); len(regions) > 0 {
		var texts, parts []string
		for _, n := range regions {
			if isBoilerplate(n) {
				continue
			}
			if text := collectText(n); len(text) >= minLen {
				texts = append(texts, text)
				parts = append(parts, renderNode(n))
			}
		}
		if len(texts) > 0 {
			return regionResult(texts, parts, title), nil
		}
	}

	body := bodyNode(doc)
	if body == nil {
		body = doc
	}
	best := densestRegion(body, minLen)
	if best == nil {
		// Nothing scored: take whatever text the body has outside
		// boilerplate, or give up on an effectively empty page.
		text := textOutsideBoilerplate(body)
		if len(text) < minLen {
			return &Result{Title: title, Hash: hashText("")}, nil
		}
		return &Result{
			Text:  text,
			HTML:  renderNode(body),
			Title: title,
			Hash:  hashText(text),
		}, nil
	}

	text := collectText(best)
	return &Result{
		Text:  text,
		HTML:  renderNode(best),
		Title: title,
		Hash:  hashText(text),
	}, nil
}

// landmarkRegions returns the page's <main> elements, or its <article>
// elements when there is no <main>.
func landmarkRegions(doc *html.Node) []*html.Node {
	for _, tag := range []atom.Atom{atom.Main, atom.Article} {
		var nodes []*html.Node
		eachElement(doc, func(n *html.Node) {
			if n.DataAtom == tag {
				nodes = append(nodes, n)
			}
		})
		if len(nodes) > 0 {
			return nodes
		}
	}
	return nil
}

// densestRegion walks content-bearing subtrees and keeps the best-scoring
// one. Boilerplate subtrees are pruned outright; non-content wrappers are
// descended through without being scored themselves.
func densestRegion(root *html.Node, minLen int) *html.Node {
	var best *html.Node
	var bestScore float64
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type != html.ElementNode || isBoilerplate(n) {
			return
		}
		if isContentTag(n.DataAtom) || n.DataAtom == atom.Body {
			if text := collectText(n); len(text) >= minLen {
				if score, ok := regionScore(n, text); ok && score > bestScore {
					bestScore = score
					best = n
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return best
}

// regionScore weighs text density against link-heavy markup. A region
// whose text is mostly anchors reads as navigation and is rejected.
func regionScore(n *html.Node, text string) (float64, bool) {
	markupLen := len(renderNode(n))
	if markupLen == 0 {
		markupLen = 1
	}
	linkRatio := float64(len(anchorText(n))) / float64(len(text))
	if linkRatio > 0.5 {
		return 0, false
	}
	density := float64(len(text)) / float64(markupLen)
	return density * lengthWeight(len(text)) * (1 - linkRatio), true
}

// lengthWeight grows roughly with log2 of the text length so long regions
// beat dense-but-tiny ones.
func lengthWeight(n int) float64 {
	if n <= 0 {
		return 0
	}
	weight := 1.0
	for n > 100 {
		weight++
		n /= 2
	}
	return weight
}

// anchorText concatenates the text living inside <a> subtrees.
func anchorText(root *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node, bool)
	walk = func(n *html.Node, inLink bool) {
		inLink = inLink || (n.Type == html.ElementNode && n.DataAtom == atom.A)
		if n.Type == html.TextNode && inLink {
			sb.WriteString(strings.TrimSpace(n.Data))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inLink)
		}
	}
	walk(root, false)
	return sb.String()
}

// textOutsideBoilerplate is collectText with boilerplate subtrees pruned.
func textOutsideBoilerplate(root *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if isBoilerplate(n) {
				return
			}
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
				return
			}
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return sb.String()
}

func bodyNode(doc *html.Node) *html.Node {
	var body *html.Node
	eachElement(doc, func(n *html.Node) {
		if body == nil && n.DataAtom == atom.Body {
			body = n
		}
	})
	return body
}
