package extract

import (
	"strings"
	"testing"
)

var testHTML = []byte(`<!DOCTYPE html>
<html>
<head>
<title>Test Page</title>
<meta name="description" content="Plain description.">
<meta property="og:description" content="Open Graph description.">
</head>
<body>
<nav><a href="/">Home</a> <a href="/about">About</a></nav>
<main>
<article>
<h1>Important Article</h1>
<p>This is the main content of the article. It contains important information
that should be extracted by the content extraction engine. The text is long
enough to pass the minimum length threshold for extraction.</p>
<p>Second paragraph with more relevant content about the topic being discussed.</p>
</article>
</main>
<aside>
<div class="sidebar">Related links and advertisements</div>
</aside>
<footer>Copyright 2024</footer>
</body>
</html>`)

func TestExtract_Auto(t *testing.T) {
	result, err := Extract(testHTML, Options{Mode: "auto"})
	if err != nil {
		t.Fatalf("extract auto: %v", err)
	}
	if result.Title != "Test Page" {
		t.Errorf("Title: got %q, want %q", result.Title, "Test Page")
	}
	if !strings.Contains(result.Text, "Important Article") {
		t.Errorf("Text should contain article title, got: %s", result.Text[:min(len(result.Text), 200)])
	}
	if !strings.Contains(result.Text, "main content") {
		t.Errorf("Text should contain main content, got: %s", result.Text[:min(len(result.Text), 200)])
	}
	if result.Hash == "" {
		t.Error("Hash should not be empty")
	}
}

func TestExtract_DescriptionPrefersOpenGraph(t *testing.T) {
	result, err := Extract(testHTML, Options{Mode: "auto"})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if result.Description != "Open Graph description." {
		t.Errorf("Description: got %q", result.Description)
	}
}

func TestExtract_DescriptionFallsBackToPlainMeta(t *testing.T) {
	html := []byte(`<html><head>
<meta name="description" content="Only the plain one.">
</head><body>
<article><p>Some body text that is long enough to clear the extraction threshold easily.</p></article>
</body></html>`)
	result, err := Extract(html, Options{Mode: "auto"})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if result.Description != "Only the plain one." {
		t.Errorf("Description: got %q", result.Description)
	}
}

func TestExtract_CSS(t *testing.T) {
	result, err := Extract(testHTML, Options{
		Mode:      "css",
		Selectors: []string{"article"},
	})
	if err != nil {
		t.Fatalf("extract css: %v", err)
	}
	if !strings.Contains(result.Text, "Important Article") {
		t.Errorf("CSS extraction should find article content")
	}
	if strings.Contains(result.Text, "Copyright") {
		t.Error("CSS extraction should not include footer")
	}
}

func TestExtract_Density(t *testing.T) {
	result, err := Extract(testHTML, Options{Mode: "density"})
	if err != nil {
		t.Fatalf("extract density: %v", err)
	}
	if !strings.Contains(result.Text, "main content") {
		t.Errorf("Density extraction should find main content")
	}
}

func TestExtract_CSSClassSelector(t *testing.T) {
	html := []byte(`<html><body>
<div class="content main-text">
<p>This is the actual content that needs to be extracted from the page. It has enough text to meet the threshold.</p>
</div>
<div class="sidebar">sidebar stuff</div>
</body></html>`)

	result, err := Extract(html, Options{
		Mode:      "css",
		Selectors: []string{"div.content"},
	})
	if err != nil {
		t.Fatalf("extract css class: %v", err)
	}
	if !strings.Contains(result.Text, "actual content") {
		t.Errorf("CSS class selector should match, got: %s", result.Text)
	}
}

func TestExtract_UnknownMode(t *testing.T) {
	if _, err := Extract(testHTML, Options{Mode: "xpath"}); err == nil {
		t.Fatal("unknown mode should error")
	}
}

func TestCleanText(t *testing.T) {
	input := "\ufeff  Hello\u200b  world\u00ad   test\u200c\u200d  "
	got := CleanText(input)
	want := "Hello world test"
	if got != want {
		t.Errorf("CleanText: got %q, want %q", got, want)
	}
}

func TestExcerpt(t *testing.T) {
	long := strings.Repeat("lorem ipsum ", 40)
	got := Excerpt(long, 50)
	if len([]rune(got)) > 51 {
		t.Errorf("Excerpt too long: %d runes", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("Excerpt should end with ellipsis, got %q", got)
	}
	if strings.Contains(got, "  ") {
		t.Errorf("Excerpt should be whitespace-collapsed, got %q", got)
	}

	short := "Already short."
	if Excerpt(short, 50) != short {
		t.Errorf("short text should pass through unchanged")
	}
}
