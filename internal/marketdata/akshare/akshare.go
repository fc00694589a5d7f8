// Package akshare adapts the AKShare sidecar (a small HTTP bridge in front
// of the Python akshare library) to the marketdata.Provider interface. It is
// the primary source for mainland China and Hong Kong listings.
package akshare

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

// Client talks to one sidecar instance. The market hint is fixed at
// construction so the sidecar can pick the right akshare function family
// (stock_zh_a_* vs stock_hk_*).
type Client struct {
	baseURL string
	market  marketdata.Market
	http    *http.Client
	logger  *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a sidecar client for one market.
func New(baseURL string, market marketdata.Market, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		market:  market,
		http:    &http.Client{Timeout: 20 * time.Second},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID implements marketdata.Provider.
func (c *Client) ID() string { return "akshare" }

// HealthURL returns the sidecar health endpoint for the prober.
func (c *Client) HealthURL() string { return c.baseURL + "/health" }

type quotePayload struct {
	Symbol    string  `json:"symbol"`
	Name      string  `json:"name"`
	Currency  string  `json:"currency"`
	Price     float64 `json:"price"`
	PrevClose float64 `json:"prev_close"`
	Change    float64 `json:"change"`
	ChangePct float64 `json:"change_pct"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Volume    int64   `json:"volume"`
	AsOf      string  `json:"as_of"`
}

// Quote implements marketdata.Provider.
func (c *Client) Quote(ctx context.Context, symbol string) (*marketdata.Quote, error) {
	var p quotePayload
	if err := c.getJSON(ctx, "/quote", url.Values{"symbol": {symbol}}, &p); err != nil {
		return nil, err
	}
	if p.Price == 0 {
		return nil, fmt.Errorf("akshare: empty quote for %s", symbol)
	}

	q := &marketdata.Quote{
		Symbol:    symbol,
		Name:      p.Name,
		Currency:  p.Currency,
		Price:     p.Price,
		PrevClose: p.PrevClose,
		Change:    p.Change,
		ChangePct: p.ChangePct,
		High:      p.High,
		Low:       p.Low,
		Volume:    p.Volume,
		Source:    c.ID(),
	}
	if ts, err := time.Parse(time.RFC3339, p.AsOf); err == nil {
		q.AsOf = ts.UTC()
	}
	return q, nil
}

type historyPayload struct {
	Symbol string `json:"symbol"`
	Bars   []struct {
		Date   string  `json:"date"`
		Open   float64 `json:"open"`
		High   float64 `json:"high"`
		Low    float64 `json:"low"`
		Close  float64 `json:"close"`
		Volume int64   `json:"volume"`
	} `json:"bars"`
}

// History implements marketdata.Provider.
func (c *Client) History(ctx context.Context, symbol, period string) (*marketdata.History, error) {
	var p historyPayload
	if err := c.getJSON(ctx, "/history", url.Values{"symbol": {symbol}, "period": {period}}, &p); err != nil {
		return nil, err
	}

	hist := &marketdata.History{Symbol: symbol, Period: period, Source: c.ID()}
	for _, b := range p.Bars {
		date, err := time.Parse("2006-01-02", b.Date)
		if err != nil {
			continue
		}
		hist.Bars = append(hist.Bars, marketdata.Bar{
			Date:   date.UTC(),
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.Volume,
		})
	}
	return hist, nil
}

type infoPayload struct {
	Symbol    string  `json:"symbol"`
	Name      string  `json:"name"`
	Exchange  string  `json:"exchange"`
	Industry  string  `json:"industry"`
	MarketCap float64 `json:"market_cap"`
}

// Info implements marketdata.Provider.
func (c *Client) Info(ctx context.Context, symbol string) (*marketdata.Info, error) {
	var p infoPayload
	if err := c.getJSON(ctx, "/info", url.Values{"symbol": {symbol}}, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, fmt.Errorf("akshare: no info for %s", symbol)
	}
	return &marketdata.Info{
		Symbol:    symbol,
		Name:      p.Name,
		Exchange:  p.Exchange,
		Industry:  p.Industry,
		MarketCap: p.MarketCap,
		Source:    c.ID(),
	}, nil
}

type financialsPayload struct {
	Symbol  string             `json:"symbol"`
	AsOf    string             `json:"as_of"`
	Metrics map[string]float64 `json:"metrics"`
}

// Financials implements marketdata.Provider.
func (c *Client) Financials(ctx context.Context, symbol string) (*marketdata.Financials, error) {
	var p financialsPayload
	if err := c.getJSON(ctx, "/financials", url.Values{"symbol": {symbol}}, &p); err != nil {
		return nil, err
	}
	if len(p.Metrics) == 0 {
		return nil, fmt.Errorf("akshare: no financials for %s", symbol)
	}

	fin := &marketdata.Financials{Symbol: symbol, Metrics: p.Metrics, Source: c.ID()}
	if d, err := time.Parse("2006-01-02", p.AsOf); err == nil {
		fin.AsOf = d.UTC()
	}
	return fin, nil
}

type searchPayload struct {
	Results []struct {
		Symbol   string `json:"symbol"`
		Name     string `json:"name"`
		Exchange string `json:"exchange"`
	} `json:"results"`
}

// Search implements marketdata.Provider.
func (c *Client) Search(ctx context.Context, query string) ([]marketdata.SearchResult, error) {
	var p searchPayload
	if err := c.getJSON(ctx, "/search", url.Values{"q": {query}}, &p); err != nil {
		return nil, err
	}

	results := make([]marketdata.SearchResult, 0, len(p.Results))
	for _, r := range p.Results {
		if r.Symbol == "" {
			continue
		}
		results = append(results, marketdata.SearchResult{
			Symbol:   r.Symbol,
			Name:     r.Name,
			Exchange: r.Exchange,
			Market:   c.market,
			Source:   c.ID(),
		})
	}
	return results, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	params.Set("market", string(c.market))
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("akshare: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("akshare: request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("akshare: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("akshare: HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("akshare: decode response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
