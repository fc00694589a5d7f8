package fetch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// articlePage builds a page whose article body is long enough to pass the
// useful-text threshold.
func articlePage(paragraphs int) string {
	var b strings.Builder
	b.WriteString(`<html><head>
		<title>Fed Holds Rates Steady</title>
		<meta property="og:title" content="Fed Holds Rates Steady in August Meeting">
		<meta property="og:image" content="https://cdn.example.com/img/fed-chart.png">
		<meta name="author" content="Jane Smith, Bob Lee">
		<meta name="keywords" content="fed, rates, monetary policy">
	</head><body>
		<nav>Home | Markets | Economy</nav>
		<header>Site chrome</header>
		<article>`)
	for i := 0; i < paragraphs; i++ {
		b.WriteString("<p>The Federal Reserve held its benchmark interest rate steady, citing balanced risks between inflation and employment in its latest policy statement.</p>")
	}
	b.WriteString(`</article>
		<footer>Copyright</footer>
		<script>analytics()</script>
	</body></html>`)
	return b.String()
}

func TestHTMLParseExtractsArticle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("expected user agent header")
		}
		_, _ = w.Write([]byte(articlePage(5)))
	}))
	defer srv.Close()

	f := New(testLogger())
	res, err := f.Fetch(context.Background(), srv.URL, StrategyHTMLParse)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.SourceTag != "html-parse" {
		t.Errorf("source tag = %q", res.SourceTag)
	}
	if !strings.Contains(res.FullText, "Federal Reserve") {
		t.Errorf("article text missing, got: %.120s", res.FullText)
	}
	if strings.Contains(res.FullText, "analytics()") || strings.Contains(res.FullText, "Site chrome") {
		t.Error("page chrome leaked into extracted text")
	}
	if res.Title != "Fed Holds Rates Steady in August Meeting" {
		t.Errorf("title = %q", res.Title)
	}
	if res.TopImage != "https://cdn.example.com/img/fed-chart.png" {
		t.Errorf("top image = %q", res.TopImage)
	}
	if len(res.Authors) != 2 || res.Authors[0] != "Jane Smith" {
		t.Errorf("authors = %v", res.Authors)
	}
	if res.Language != "en" {
		t.Errorf("language = %q", res.Language)
	}
	if res.WordCount == 0 {
		t.Error("expected non-zero word count")
	}
	if res.IsPartial {
		t.Error("full article should not be partial")
	}
	if res.HTML == "" {
		t.Error("expected raw HTML retained for image extraction")
	}
}

func TestShortTextFallsThroughToBrowser(t *testing.T) {
	thin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><article><p>Paywall teaser.</p></article></body></html>`))
	}))
	defer thin.Close()

	browser := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/render" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"html":"","text":"` + strings.Repeat("Rendered article body text. ", 20) + `"}`))
	}))
	defer browser.Close()

	f := New(testLogger(), WithBrowserService(browser.URL))
	res, err := f.Fetch(context.Background(), thin.URL, StrategyHTMLParse)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.SourceTag != "browser" {
		t.Errorf("source tag = %q, want browser fallback", res.SourceTag)
	}
	if res.IsPartial {
		t.Error("browser result above threshold should not be partial")
	}
}

func TestShortTextKeptAsPartialWhenChainExhausted(t *testing.T) {
	thin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><article><p>Only a teaser paragraph survives here.</p></article></body></html>`))
	}))
	defer thin.Close()

	f := New(testLogger()) // no browser, no extract API
	res, err := f.Fetch(context.Background(), thin.URL, StrategyHTMLParse)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !res.IsPartial {
		t.Error("short-only result should be marked partial")
	}
	if !strings.Contains(res.FullText, "teaser") {
		t.Errorf("partial text missing, got %q", res.FullText)
	}
}

func TestAllStrategiesFailReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := New(testLogger())
	if _, err := f.Fetch(context.Background(), srv.URL, StrategyHTMLParse); err == nil {
		t.Fatal("expected error when all strategies fail")
	}
}

func TestPrimaryBrowserRunsFirst(t *testing.T) {
	var htmlParseHit bool
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		htmlParseHit = true
		_, _ = w.Write([]byte(articlePage(5)))
	}))
	defer page.Close()

	browser := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"html":"","text":"` + strings.Repeat("Browser first. ", 30) + `"}`))
	}))
	defer browser.Close()

	f := New(testLogger(), WithBrowserService(browser.URL))
	res, err := f.Fetch(context.Background(), page.URL, StrategyBrowser)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.SourceTag != "browser" {
		t.Errorf("source tag = %q", res.SourceTag)
	}
	if htmlParseHit {
		t.Error("html-parse should not run when browser primary succeeds")
	}
}

func TestAPIAliasMapsToExternalExtract(t *testing.T) {
	extract := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Api-Key"); got != "k123" {
			t.Errorf("api key header = %q", got)
		}
		if got := r.URL.Query().Get("url"); got == "" {
			t.Error("expected url query param")
		}
		_, _ = w.Write([]byte(`{"title":"T","text":"` + strings.Repeat("Extracted text body. ", 20) + `","language":"en","authors":["A"]}`))
	}))
	defer extract.Close()

	f := New(testLogger(), WithExtractAPI(extract.URL, "k123"))
	res, err := f.Fetch(context.Background(), "https://news.example.com/a1", StrategyAPI)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.SourceTag != "external-extract" {
		t.Errorf("source tag = %q", res.SourceTag)
	}
	if res.Title != "T" || len(res.Authors) != 1 {
		t.Errorf("metadata not mapped: %+v", res)
	}
}

func TestChineseLanguageSniff(t *testing.T) {
	page := `<html><body><article>` +
		strings.Repeat("<p>央行今日宣布维持基准利率不变，市场反应平稳，分析师认为此举符合预期，有助于稳定经济增长预期。</p>", 6) +
		`</article></body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	f := New(testLogger())
	res, err := f.Fetch(context.Background(), srv.URL, StrategyHTMLParse)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Language != "zh" {
		t.Errorf("language = %q, want zh", res.Language)
	}
	if res.WordCount < 100 {
		t.Errorf("CJK word count = %d, expected rune-based count", res.WordCount)
	}
}

func TestSniffLanguage(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"The quick brown fox jumps over the lazy dog", "en"},
		{"央行宣布降息二十五个基点以刺激经济", "zh"},
		{"Fed统计显示中国出口回升、央行维持利率、市场预期改善", "zh"}, // mixed, CJK dominant
		{"", ""},
	}
	for _, tc := range cases {
		if got := sniffLanguage(tc.text); got != tc.want {
			t.Errorf("sniffLanguage(%.20q) = %q, want %q", tc.text, got, tc.want)
		}
	}
}

func TestOrderDeduplicates(t *testing.T) {
	chain := order(StrategyAPI)
	if chain[0] != StrategyExternalExtract {
		t.Errorf("primary = %q, want external-extract", chain[0])
	}
	if len(chain) != 3 {
		t.Fatalf("chain length = %d, want 3", len(chain))
	}
	seen := map[Strategy]bool{}
	for _, s := range chain {
		if seen[s] {
			t.Errorf("duplicate strategy %q", s)
		}
		seen[s] = true
	}
}
