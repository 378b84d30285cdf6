package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
)

const testPage = `<!DOCTYPE html>
<html>
<head>
  <title>Council Minutes</title>
  <style>body { color: red; }</style>
  <script>console.log("tracking");</script>
</head>
<body>
  <nav><a href="/">Home</a></nav>
  <header>Site header</header>
  <h1>Meeting Summary</h1>
  <p>The council convened at noon.</p>
  <ul>
    <li>First item</li>
    <li>Second item</li>
  </ul>
  <aside>Related links</aside>
  <footer>Copyright</footer>
</body>
</html>`

func TestExtractReadableText(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(testPage))
	if err != nil {
		t.Fatal(err)
	}

	text := ExtractReadableText(doc)

	for _, want := range []string{"Council Minutes", "Meeting Summary", "The council convened at noon.", "First item", "Second item"} {
		if !strings.Contains(text, want) {
			t.Errorf("Extracted text missing %q:\n%s", want, text)
		}
	}
	for _, unwanted := range []string{"console.log", "color: red", "Home", "Site header", "Related links", "Copyright"} {
		if strings.Contains(text, unwanted) {
			t.Errorf("Extracted text contains stripped content %q:\n%s", unwanted, text)
		}
	}
	if !strings.HasPrefix(text, "Council Minutes") {
		t.Errorf("Title should lead the extracted text:\n%s", text)
	}
}

func TestFetchURLContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.Contains(ua, "Mozilla") {
			t.Errorf("User-Agent = %q, want browser-like", ua)
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(testPage))
	}))
	defer server.Close()

	content, err := FetchURLContent(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("FetchURLContent failed: %v", err)
	}
	if !strings.Contains(content, "The council convened at noon.") {
		t.Errorf("Content missing page text:\n%s", content)
	}
}

func TestFetchURLContentErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	tests := []struct {
		name string
		url  string
	}{
		{"not a url", "::not-a-url::"},
		{"unsupported scheme", "ftp://example.com/file"},
		{"relative path", "/just/a/path"},
		{"non-200 response", server.URL + "/missing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FetchURLContent(context.Background(), tt.url); err == nil {
				t.Errorf("FetchURLContent(%q) succeeded, want error", tt.url)
			}
		})
	}
}
