package extract

import (
	"regexp"
	"strings"
)

// CleanText normalises extracted text for storage. It strips zero-width
// characters and collapses runs of whitespace.
func CleanText(text string) string {
	text = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\ufeff', '\u00ad':
			return -1
		}
		return r
	}, text)
	return strings.TrimSpace(collapseWhitespace(text))
}

// Excerpt shortens text to at most max runes, cutting at a word boundary.
// Bookmark descriptions fall back to an excerpt of the page body when the
// page carries no meta description.
func Excerpt(text string, max int) string {
	text = CleanText(text)
	runes := []rune(text)
	if max <= 0 || len(runes) <= max {
		return text
	}
	cut := strings.TrimRight(string(runes[:max]), " ")
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "…"
}

var multiSpaceRe = regexp.MustCompile(`\s+`)

func collapseWhitespace(s string) string {
	return multiSpaceRe.ReplaceAllString(s, " ")
}
