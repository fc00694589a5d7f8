// Package fetch extracts full article text from news URLs using a chain of
// strategies: in-process HTML parsing, a headless browser sidecar, and a
// commercial extraction API.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/marketwire/newspipe/internal/llm"
)

// Strategy names one extraction approach.
type Strategy string

const (
	StrategyHTMLParse       Strategy = "html-parse"
	StrategyBrowser         Strategy = "browser"
	StrategyExternalExtract Strategy = "external-extract"
	// StrategyAPI is accepted on input as an alias for external-extract.
	StrategyAPI Strategy = "api"
)

// minUsefulChars is the threshold below which a strategy's text counts as a
// miss: the next strategy runs, but the short text is retained as a partial
// candidate in case nothing better turns up.
const minUsefulChars = 200

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Result is the outcome of one fetch.
type Result struct {
	FullText  string   `json:"full_text"`
	HTML      string   `json:"-"` // raw page HTML when the strategy surfaces it
	Title     string   `json:"title,omitempty"`
	WordCount int      `json:"word_count"`
	Language  string   `json:"language,omitempty"`
	Authors   []string `json:"authors,omitempty"`
	Keywords  []string `json:"keywords,omitempty"`
	TopImage  string   `json:"top_image,omitempty"`
	IsPartial bool     `json:"is_partial"`
	SourceTag string   `json:"source_tag"`
}

// ErrNoContent is returned when every strategy failed or produced nothing.
var ErrNoContent = errors.New("fetch: no strategy produced content")

// Fetcher runs the strategy chain. Strategies without configuration
// (no browser URL, no extract API) are skipped.
type Fetcher struct {
	http       *http.Client
	logger     *slog.Logger
	browserURL string
	extractURL string
	extractKey string
	minChars   int
}

// Option configures the fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(f *Fetcher) { f.http = hc }
}

// WithBrowserService enables the headless renderer strategy.
func WithBrowserService(baseURL string) Option {
	return func(f *Fetcher) { f.browserURL = strings.TrimRight(baseURL, "/") }
}

// WithExtractAPI enables the commercial extraction strategy.
func WithExtractAPI(baseURL, apiKey string) Option {
	return func(f *Fetcher) {
		f.extractURL = strings.TrimRight(baseURL, "/")
		f.extractKey = apiKey
	}
}

// WithMinTextLength overrides the useful-text threshold.
func WithMinTextLength(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.minChars = n
		}
	}
}

// New creates a fetcher. Only the html-parse strategy works out of the box;
// browser and external-extract activate through options.
func New(logger *slog.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:   logger,
		minChars: minUsefulChars,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// normalize maps the api alias and unknown values onto concrete strategies.
func normalize(s Strategy) Strategy {
	switch s {
	case StrategyBrowser, StrategyExternalExtract:
		return s
	case StrategyAPI:
		return StrategyExternalExtract
	default:
		return StrategyHTMLParse
	}
}

// order returns the strategy chain starting from primary, deduplicated.
func order(primary Strategy) []Strategy {
	chain := []Strategy{normalize(primary)}
	for _, s := range []Strategy{StrategyHTMLParse, StrategyBrowser, StrategyExternalExtract} {
		if s != chain[0] {
			chain = append(chain, s)
		}
	}
	return chain
}

// Fetch attempts the strategy chain until one produces useful text. A
// strategy that errors is never retried within this call. A strategy that
// succeeds with fewer than the minimum characters counts as a miss but its
// text is kept as a partial candidate returned when everything else fails.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, primary Strategy) (*Result, error) {
	var partial *Result
	var lastErr error

	for _, strategy := range order(primary) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var res *Result
		var err error
		switch strategy {
		case StrategyHTMLParse:
			res, err = f.htmlParse(ctx, rawURL)
		case StrategyBrowser:
			if f.browserURL == "" {
				continue
			}
			res, err = f.browserRender(ctx, rawURL)
		case StrategyExternalExtract:
			if f.extractURL == "" {
				continue
			}
			res, err = f.externalExtract(ctx, rawURL)
		}
		if err != nil {
			lastErr = err
			f.logger.Warn("fetch strategy failed",
				slog.String("strategy", string(strategy)),
				slog.String("url", rawURL),
				slog.String("error", err.Error()),
			)
			continue
		}

		if len(strings.TrimSpace(res.FullText)) >= f.minChars {
			return res, nil
		}
		// Too short to trust, but better than nothing if the chain runs dry.
		if partial == nil && strings.TrimSpace(res.FullText) != "" {
			res.IsPartial = true
			partial = res
		}
		f.logger.Debug("fetch strategy produced short text, falling through",
			slog.String("strategy", string(strategy)),
			slog.Int("chars", len(res.FullText)),
		)
	}

	if partial != nil {
		return partial, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoContent, lastErr)
	}
	return nil, ErrNoContent
}

// htmlParse downloads the page and extracts the main content in-process.
func (f *Fetcher) htmlParse(ctx context.Context, rawURL string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("html-parse: create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("html-parse: request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("html-parse: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("html-parse: read body: %w", err)
	}

	res, err := f.parseHTML(string(body))
	if err != nil {
		return nil, fmt.Errorf("html-parse: %w", err)
	}
	res.SourceTag = string(StrategyHTMLParse)
	return res, nil
}

// contentSelectors are tried in order when locating the article body.
var contentSelectors = []string{
	"article",
	"main",
	"[role=main]",
	".article-content",
	".article-body",
	".post-content",
	".entry-content",
	".story-body",
	"#content",
}

// parseHTML extracts text and metadata from raw page HTML.
func (f *Fetcher) parseHTML(rawHTML string) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	res := &Result{HTML: rawHTML}
	res.Title = metaContent(doc, `meta[property="og:title"]`)
	if res.Title == "" {
		res.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	res.TopImage = metaContent(doc, `meta[property="og:image"]`)
	if author := metaContent(doc, `meta[name="author"]`); author != "" {
		res.Authors = splitMeta(author)
	} else if author := metaContent(doc, `meta[property="article:author"]`); author != "" {
		res.Authors = splitMeta(author)
	}
	if kw := metaContent(doc, `meta[name="keywords"]`); kw != "" {
		res.Keywords = splitMeta(kw)
	}

	// Strip chrome before content selection.
	doc.Find("script, style, nav, header, footer, aside, form, iframe, noscript, svg").Remove()
	doc.Find(".advertisement, .ads, .social-share, .related-articles, .comments, .newsletter").Remove()

	content := doc.Find("body")
	for _, sel := range contentSelectors {
		if node := doc.Find(sel).First(); node.Length() > 0 && len(strings.TrimSpace(node.Text())) >= f.minChars/2 {
			content = node
			break
		}
	}

	fragment, err := goquery.OuterHtml(content)
	if err != nil {
		return nil, fmt.Errorf("serialize content: %w", err)
	}
	markdown, err := htmltomarkdown.ConvertString(fragment)
	if err != nil {
		// Fall back to plain text when conversion chokes on the markup.
		markdown = strings.TrimSpace(content.Text())
	}

	res.FullText = strings.TrimSpace(markdown)
	res.Language = sniffLanguage(res.FullText)
	res.WordCount = countWords(res.FullText, res.Language)
	return res, nil
}

// browserRequest is the renderer sidecar contract.
type browserRequest struct {
	URL string `json:"url"`
}

type browserResponse struct {
	HTML string `json:"html"`
	Text string `json:"text"`
}

// browserRender asks the headless renderer sidecar for the hydrated page.
func (f *Fetcher) browserRender(ctx context.Context, rawURL string) (*Result, error) {
	body, err := llm.DoJSONRequest(ctx, f.http, f.browserURL+"/render", browserRequest{URL: rawURL}, nil)
	if err != nil {
		return nil, fmt.Errorf("browser: %w", err)
	}

	var br browserResponse
	if err := json.Unmarshal(body, &br); err != nil {
		return nil, fmt.Errorf("browser: decode response: %w", err)
	}
	if br.HTML == "" && br.Text == "" {
		return nil, errors.New("browser: empty render")
	}

	if br.HTML != "" {
		res, err := f.parseHTML(br.HTML)
		if err != nil {
			return nil, fmt.Errorf("browser: %w", err)
		}
		// Prefer the renderer's own text extraction when it is richer.
		if len(br.Text) > len(res.FullText) {
			res.FullText = strings.TrimSpace(br.Text)
			res.Language = sniffLanguage(res.FullText)
			res.WordCount = countWords(res.FullText, res.Language)
		}
		res.SourceTag = string(StrategyBrowser)
		return res, nil
	}

	text := strings.TrimSpace(br.Text)
	lang := sniffLanguage(text)
	return &Result{
		FullText:  text,
		Language:  lang,
		WordCount: countWords(text, lang),
		SourceTag: string(StrategyBrowser),
	}, nil
}

// extractResponse is the external extraction API contract.
type extractResponse struct {
	Title    string   `json:"title"`
	Text     string   `json:"text"`
	Authors  []string `json:"authors"`
	Language string   `json:"language"`
	TopImage string   `json:"top_image"`
	Keywords []string `json:"keywords"`
}

// externalExtract calls the commercial extraction API, tried last.
func (f *Fetcher) externalExtract(ctx context.Context, rawURL string) (*Result, error) {
	u := fmt.Sprintf("%s/extract?url=%s", f.extractURL, url.QueryEscape(rawURL))
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("external-extract: create request: %w", err)
	}
	if f.extractKey != "" {
		req.Header.Set("X-Api-Key", f.extractKey)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("external-extract: request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("external-extract: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("external-extract: HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var er extractResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return nil, fmt.Errorf("external-extract: decode response: %w", err)
	}

	text := strings.TrimSpace(er.Text)
	lang := er.Language
	if lang == "" {
		lang = sniffLanguage(text)
	}
	return &Result{
		FullText:  text,
		Title:     er.Title,
		Authors:   er.Authors,
		Keywords:  er.Keywords,
		TopImage:  er.TopImage,
		Language:  lang,
		WordCount: countWords(text, lang),
		SourceTag: string(StrategyExternalExtract),
	}, nil
}

func metaContent(doc *goquery.Document, selector string) string {
	content, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(content)
}

func splitMeta(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// sniffLanguage guesses zh vs en from the CJK rune ratio.
func sniffLanguage(text string) string {
	if text == "" {
		return ""
	}
	var cjk, letters int
	for _, r := range text {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			cjk++
			letters++
		} else if unicode.IsLetter(r) {
			letters++
		}
	}
	if letters == 0 {
		return ""
	}
	if float64(cjk)/float64(letters) > 0.2 {
		return "zh"
	}
	return "en"
}

// countWords counts space-separated words for alphabetic text and CJK runes
// for Chinese, where whitespace segmentation undercounts badly.
func countWords(text, language string) int {
	if text == "" {
		return 0
	}
	if language == "zh" {
		n := 0
		for _, r := range text {
			if unicode.Is(unicode.Han, r) {
				n++
			}
		}
		if n > 0 {
			return n
		}
	}
	return len(strings.Fields(text))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
