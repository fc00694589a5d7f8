package fetch

import (
	"strings"
	"testing"
)

const imageHTML = `<html><body>
	<img src="https://cdn.example.com/img/revenue-chart.png" width="800">
	<img src="https://tracker.example.com/pixel.gif" width="1" height="1">
	<img src="https://cdn.example.com/icons/favicon-32.png">
	<img src="/img/factory-photo.jpg">
	<img src="https://cdn.example.com/img/ceo-portrait.jpg">
	<img src="https://static.example.com/social/twitter-share.png">
	<img src="https://cdn.example.com/img/quarterly-table.png">
	<img data-src="https://cdn.example.com/img/lazy-margin-graph.png">
	<img src="data:image/png;base64,AAAA">
	<img src="https://cdn.example.com/img/revenue-chart.png">
</body></html>`

func TestExtractImageURLsHeuristic(t *testing.T) {
	urls := ExtractImageURLs(imageHTML, "https://news.example.com/story/1", 3)
	if len(urls) != 3 {
		t.Fatalf("expected 3 urls, got %d: %v", len(urls), urls)
	}

	// Chart/table/graph names are promoted to the front.
	for i, u := range urls {
		if i < 3 && !containsAny(u, "chart", "table", "graph") {
			t.Errorf("url %d should be a promoted financial image, got %s", i, u)
		}
	}

	joined := strings.Join(urls, " ")
	if strings.Contains(joined, "pixel") || strings.Contains(joined, "favicon") || strings.Contains(joined, "twitter") {
		t.Errorf("excluded image leaked: %v", urls)
	}
}

func TestExtractImageURLsResolvesRelative(t *testing.T) {
	html := `<img src="/img/plant.jpg"><img src="assets/mine.png">`
	urls := ExtractImageURLs(html, "https://news.example.com/story/42", 5)
	if len(urls) != 2 {
		t.Fatalf("expected 2 urls, got %v", urls)
	}
	if urls[0] != "https://news.example.com/img/plant.jpg" {
		t.Errorf("absolute-path resolution wrong: %s", urls[0])
	}
	if urls[1] != "https://news.example.com/story/assets/mine.png" {
		t.Errorf("relative-path resolution wrong: %s", urls[1])
	}
}

func TestExtractImageURLsDeduplicates(t *testing.T) {
	html := `<img src="https://a.com/one.jpg"><img src="https://a.com/one.jpg"><img src="https://a.com/two.jpg">`
	urls := ExtractImageURLs(html, "https://a.com", 5)
	if len(urls) != 2 {
		t.Fatalf("expected 2 deduplicated urls, got %v", urls)
	}
}

func TestExtractImageURLsRespectsMax(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 10; i++ {
		b.WriteString(`<img src="https://a.com/photo-` + string(rune('a'+i)) + `.jpg">`)
	}
	urls := ExtractImageURLs(b.String(), "https://a.com", 3)
	if len(urls) != 3 {
		t.Fatalf("expected max 3, got %d", len(urls))
	}
}

func TestExtractImageURLsTinyDimensionsExcluded(t *testing.T) {
	html := `<img src="https://a.com/track.jpg" width="1" height="1">
	         <img src="https://a.com/thumb.jpg" width="40px">
	         <img src="https://a.com/photo.jpg" width="640">`
	urls := ExtractImageURLs(html, "https://a.com", 5)
	if len(urls) != 1 || !strings.Contains(urls[0], "photo") {
		t.Fatalf("expected only the full-size photo, got %v", urls)
	}
}

func TestExtractImageURLsEmptyInput(t *testing.T) {
	if urls := ExtractImageURLs("", "https://a.com", 3); urls != nil {
		t.Errorf("expected nil for empty html, got %v", urls)
	}
	if urls := ExtractImageURLs(imageHTML, "https://a.com", 0); urls != nil {
		t.Errorf("expected nil for zero max, got %v", urls)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
