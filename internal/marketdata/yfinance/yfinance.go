// Package yfinance adapts the public Yahoo Finance chart, search, and
// quoteSummary endpoints to the marketdata.Provider interface.
package yfinance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/marketwire/newspipe/internal/marketdata"
)

// DefaultBaseURL is the public Yahoo Finance query host.
const DefaultBaseURL = "https://query1.finance.yahoo.com"

// Yahoo rejects requests without a browser-looking user agent.
const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

var validPeriods = map[string]bool{
	"1d": true, "5d": true, "1mo": true, "3mo": true, "6mo": true,
	"1y": true, "2y": true, "5y": true, "10y": true, "max": true,
}

// Client is a Yahoo Finance provider. A suffix-configured instance serves one
// market (".SS" for Shanghai, ".SZ" for Shenzhen, ".HK" for Hong Kong); the
// US and metals instances use no suffix.
type Client struct {
	baseURL string
	suffix  string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the query host (tests, mirrors).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSymbolSuffix appends a Yahoo market suffix to bare symbols.
func WithSymbolSuffix(suffix string) Option {
	return func(c *Client) { c.suffix = suffix }
}

// New creates a Yahoo Finance client.
func New(logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID implements marketdata.Provider.
func (c *Client) ID() string { return "yfinance" }

// mapSymbol applies the configured market suffix. Symbols that already carry
// a suffix (or Yahoo special forms like GC=F) pass through unchanged. Hong
// Kong codes are trimmed to Yahoo's four-digit form.
func (c *Client) mapSymbol(symbol string) string {
	if c.suffix == "" || strings.ContainsAny(symbol, ".=^") {
		return symbol
	}
	s := symbol
	if c.suffix == ".HK" {
		s = strings.TrimLeft(s, "0")
		for len(s) < 4 {
			s = "0" + s
		}
	}
	return s + c.suffix
}

// chart API response. Bar arrays use pointers because Yahoo emits nulls for
// halted sessions.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Currency             string  `json:"currency"`
				Symbol               string  `json:"symbol"`
				ExchangeName         string  `json:"exchangeName"`
				ShortName            string  `json:"shortName"`
				LongName             string  `json:"longName"`
				RegularMarketPrice   float64 `json:"regularMarketPrice"`
				ChartPreviousClose   float64 `json:"chartPreviousClose"`
				PreviousClose        float64 `json:"previousClose"`
				RegularMarketDayHigh float64 `json:"regularMarketDayHigh"`
				RegularMarketDayLow  float64 `json:"regularMarketDayLow"`
				RegularMarketVolume  int64   `json:"regularMarketVolume"`
				RegularMarketTime    int64   `json:"regularMarketTime"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*int64   `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Quote implements marketdata.Provider via the chart meta block.
func (c *Client) Quote(ctx context.Context, symbol string) (*marketdata.Quote, error) {
	mapped := c.mapSymbol(symbol)
	var cr chartResponse
	if err := c.getJSON(ctx, fmt.Sprintf("%s/v8/finance/chart/%s?interval=1d&range=1d", c.baseURL, url.PathEscape(mapped)), &cr); err != nil {
		return nil, err
	}
	if cr.Chart.Error != nil {
		return nil, fmt.Errorf("yfinance: %s: %s", cr.Chart.Error.Code, cr.Chart.Error.Description)
	}
	if len(cr.Chart.Result) == 0 {
		return nil, fmt.Errorf("yfinance: no chart result for %s", mapped)
	}

	meta := cr.Chart.Result[0].Meta
	prevClose := meta.ChartPreviousClose
	if prevClose == 0 {
		prevClose = meta.PreviousClose
	}
	q := &marketdata.Quote{
		Symbol:    symbol,
		Currency:  meta.Currency,
		Price:     meta.RegularMarketPrice,
		PrevClose: prevClose,
		High:      meta.RegularMarketDayHigh,
		Low:       meta.RegularMarketDayLow,
		Volume:    meta.RegularMarketVolume,
		Source:    c.ID(),
	}
	if q.Name = meta.LongName; q.Name == "" {
		q.Name = meta.ShortName
	}
	if prevClose != 0 {
		q.Change = q.Price - prevClose
		q.ChangePct = q.Change / prevClose * 100
	}
	if meta.RegularMarketTime > 0 {
		q.AsOf = time.Unix(meta.RegularMarketTime, 0).UTC()
	}
	return q, nil
}

// History implements marketdata.Provider. Period uses Yahoo range tokens;
// unknown values fall back to 1mo.
func (c *Client) History(ctx context.Context, symbol, period string) (*marketdata.History, error) {
	if !validPeriods[period] {
		period = "1mo"
	}
	mapped := c.mapSymbol(symbol)
	var cr chartResponse
	if err := c.getJSON(ctx, fmt.Sprintf("%s/v8/finance/chart/%s?interval=1d&range=%s", c.baseURL, url.PathEscape(mapped), period), &cr); err != nil {
		return nil, err
	}
	if cr.Chart.Error != nil {
		return nil, fmt.Errorf("yfinance: %s: %s", cr.Chart.Error.Code, cr.Chart.Error.Description)
	}
	if len(cr.Chart.Result) == 0 || len(cr.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, fmt.Errorf("yfinance: no history for %s", mapped)
	}

	result := cr.Chart.Result[0]
	ohlcv := result.Indicators.Quote[0]
	hist := &marketdata.History{Symbol: symbol, Period: period, Source: c.ID()}
	for i, ts := range result.Timestamp {
		if i >= len(ohlcv.Close) || ohlcv.Close[i] == nil {
			continue // null bar (holiday, halt)
		}
		bar := marketdata.Bar{
			Date:  time.Unix(ts, 0).UTC(),
			Close: *ohlcv.Close[i],
		}
		if i < len(ohlcv.Open) && ohlcv.Open[i] != nil {
			bar.Open = *ohlcv.Open[i]
		}
		if i < len(ohlcv.High) && ohlcv.High[i] != nil {
			bar.High = *ohlcv.High[i]
		}
		if i < len(ohlcv.Low) && ohlcv.Low[i] != nil {
			bar.Low = *ohlcv.Low[i]
		}
		if i < len(ohlcv.Volume) && ohlcv.Volume[i] != nil {
			bar.Volume = *ohlcv.Volume[i]
		}
		hist.Bars = append(hist.Bars, bar)
	}
	return hist, nil
}

// quoteSummary raw/fmt number wrapper.
type rawValue struct {
	Raw float64 `json:"raw"`
}

type quoteSummaryResponse struct {
	QuoteSummary struct {
		Result []struct {
			AssetProfile struct {
				Sector              string `json:"sector"`
				Industry            string `json:"industry"`
				LongBusinessSummary string `json:"longBusinessSummary"`
			} `json:"assetProfile"`
			Price struct {
				LongName     string   `json:"longName"`
				ShortName    string   `json:"shortName"`
				ExchangeName string   `json:"exchangeName"`
				MarketCap    rawValue `json:"marketCap"`
			} `json:"price"`
			FinancialData map[string]json.RawMessage `json:"financialData"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"quoteSummary"`
}

// Info implements marketdata.Provider via quoteSummary assetProfile+price.
func (c *Client) Info(ctx context.Context, symbol string) (*marketdata.Info, error) {
	mapped := c.mapSymbol(symbol)
	var qs quoteSummaryResponse
	if err := c.getJSON(ctx, fmt.Sprintf("%s/v10/finance/quoteSummary/%s?modules=assetProfile%%2Cprice", c.baseURL, url.PathEscape(mapped)), &qs); err != nil {
		return nil, err
	}
	if qs.QuoteSummary.Error != nil {
		return nil, fmt.Errorf("yfinance: %s: %s", qs.QuoteSummary.Error.Code, qs.QuoteSummary.Error.Description)
	}
	if len(qs.QuoteSummary.Result) == 0 {
		return nil, fmt.Errorf("yfinance: no summary for %s", mapped)
	}

	res := qs.QuoteSummary.Result[0]
	info := &marketdata.Info{
		Symbol:      symbol,
		Name:        res.Price.LongName,
		Exchange:    res.Price.ExchangeName,
		Sector:      res.AssetProfile.Sector,
		Industry:    res.AssetProfile.Industry,
		Description: res.AssetProfile.LongBusinessSummary,
		MarketCap:   res.Price.MarketCap.Raw,
		Source:      c.ID(),
	}
	if info.Name == "" {
		info.Name = res.Price.ShortName
	}
	return info, nil
}

// Financials implements marketdata.Provider via the financialData module.
// Every raw-valued numeric field is flattened into the metric map.
func (c *Client) Financials(ctx context.Context, symbol string) (*marketdata.Financials, error) {
	mapped := c.mapSymbol(symbol)
	var qs quoteSummaryResponse
	if err := c.getJSON(ctx, fmt.Sprintf("%s/v10/finance/quoteSummary/%s?modules=financialData", c.baseURL, url.PathEscape(mapped)), &qs); err != nil {
		return nil, err
	}
	if qs.QuoteSummary.Error != nil {
		return nil, fmt.Errorf("yfinance: %s: %s", qs.QuoteSummary.Error.Code, qs.QuoteSummary.Error.Description)
	}
	if len(qs.QuoteSummary.Result) == 0 {
		return nil, fmt.Errorf("yfinance: no financials for %s", mapped)
	}

	fin := &marketdata.Financials{
		Symbol:  symbol,
		AsOf:    time.Now().UTC(),
		Metrics: make(map[string]float64),
		Source:  c.ID(),
	}
	for name, raw := range qs.QuoteSummary.Result[0].FinancialData {
		var rv rawValue
		if err := json.Unmarshal(raw, &rv); err != nil {
			continue // string fields like financialCurrency
		}
		if rv.Raw != 0 {
			fin.Metrics[name] = rv.Raw
		}
	}
	return fin, nil
}

type searchResponse struct {
	Quotes []struct {
		Symbol    string `json:"symbol"`
		ShortName string `json:"shortname"`
		LongName  string `json:"longname"`
		Exchange  string `json:"exchange"`
		QuoteType string `json:"quoteType"`
	} `json:"quotes"`
}

// Search implements marketdata.Provider via the finance search endpoint.
func (c *Client) Search(ctx context.Context, query string) ([]marketdata.SearchResult, error) {
	var sr searchResponse
	u := fmt.Sprintf("%s/v1/finance/search?q=%s&quotesCount=10&newsCount=0", c.baseURL, url.QueryEscape(query))
	if err := c.getJSON(ctx, u, &sr); err != nil {
		return nil, err
	}

	results := make([]marketdata.SearchResult, 0, len(sr.Quotes))
	for _, q := range sr.Quotes {
		if q.Symbol == "" {
			continue
		}
		name := q.LongName
		if name == "" {
			name = q.ShortName
		}
		results = append(results, marketdata.SearchResult{
			Symbol:   q.Symbol,
			Name:     name,
			Exchange: q.Exchange,
			Source:   c.ID(),
		})
	}
	return results, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return fmt.Errorf("yfinance: create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("yfinance: request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("yfinance: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("yfinance: HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("yfinance: decode response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
