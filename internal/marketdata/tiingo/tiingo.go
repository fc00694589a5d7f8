// Package tiingo adapts the Tiingo REST API (token auth) to the
// marketdata.Provider interface. Used as the secondary US chain member.
package tiingo

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

// DefaultBaseURL is the Tiingo API host.
const DefaultBaseURL = "https://api.tiingo.com"

// Client is a Tiingo provider.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the API host (tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a Tiingo client. The token is required by every endpoint.
func New(token string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID implements marketdata.Provider.
func (c *Client) ID() string { return "tiingo" }

type iexQuote struct {
	Ticker    string  `json:"ticker"`
	Last      float64 `json:"last"`
	TngoLast  float64 `json:"tngoLast"`
	PrevClose float64 `json:"prevClose"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Volume    int64   `json:"volume"`
	Timestamp string  `json:"timestamp"`
}

// Quote implements marketdata.Provider via the IEX endpoint.
func (c *Client) Quote(ctx context.Context, symbol string) (*marketdata.Quote, error) {
	var rows []iexQuote
	if err := c.getJSON(ctx, fmt.Sprintf("%s/iex/%s", c.baseURL, url.PathEscape(symbol)), &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("tiingo: no quote for %s", symbol)
	}

	row := rows[0]
	price := row.Last
	if price == 0 {
		price = row.TngoLast
	}
	q := &marketdata.Quote{
		Symbol:    symbol,
		Currency:  "USD",
		Price:     price,
		PrevClose: row.PrevClose,
		High:      row.High,
		Low:       row.Low,
		Volume:    row.Volume,
		Source:    c.ID(),
	}
	if row.PrevClose != 0 {
		q.Change = price - row.PrevClose
		q.ChangePct = q.Change / row.PrevClose * 100
	}
	if ts, err := time.Parse(time.RFC3339, row.Timestamp); err == nil {
		q.AsOf = ts.UTC()
	}
	return q, nil
}

type dailyPrice struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// periodDays maps Yahoo-style period tokens onto a lookback window.
var periodDays = map[string]int{
	"1d": 1, "5d": 7, "1mo": 31, "3mo": 92, "6mo": 183,
	"1y": 366, "2y": 731, "5y": 1827, "10y": 3653, "max": 7305,
}

// History implements marketdata.Provider via the end-of-day prices endpoint.
func (c *Client) History(ctx context.Context, symbol, period string) (*marketdata.History, error) {
	days, ok := periodDays[period]
	if !ok {
		period, days = "1mo", 31
	}
	start := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")

	var rows []dailyPrice
	u := fmt.Sprintf("%s/tiingo/daily/%s/prices?startDate=%s", c.baseURL, url.PathEscape(symbol), start)
	if err := c.getJSON(ctx, u, &rows); err != nil {
		return nil, err
	}

	hist := &marketdata.History{Symbol: symbol, Period: period, Source: c.ID()}
	for _, row := range rows {
		date, err := time.Parse(time.RFC3339, row.Date)
		if err != nil {
			continue
		}
		hist.Bars = append(hist.Bars, marketdata.Bar{
			Date:   date.UTC(),
			Open:   row.Open,
			High:   row.High,
			Low:    row.Low,
			Close:  row.Close,
			Volume: row.Volume,
		})
	}
	return hist, nil
}

type tickerMeta struct {
	Ticker       string `json:"ticker"`
	Name         string `json:"name"`
	ExchangeCode string `json:"exchangeCode"`
	Description  string `json:"description"`
}

// Info implements marketdata.Provider via the daily metadata endpoint.
func (c *Client) Info(ctx context.Context, symbol string) (*marketdata.Info, error) {
	var meta tickerMeta
	if err := c.getJSON(ctx, fmt.Sprintf("%s/tiingo/daily/%s", c.baseURL, url.PathEscape(symbol)), &meta); err != nil {
		return nil, err
	}
	if meta.Ticker == "" {
		return nil, fmt.Errorf("tiingo: no metadata for %s", symbol)
	}
	return &marketdata.Info{
		Symbol:      symbol,
		Name:        meta.Name,
		Exchange:    meta.ExchangeCode,
		Description: meta.Description,
		Source:      c.ID(),
	}, nil
}

type fundamentalsRow struct {
	Date          string  `json:"date"`
	MarketCap     float64 `json:"marketCap"`
	EnterpriseVal float64 `json:"enterpriseVal"`
	PERatio       float64 `json:"peRatio"`
	PBRatio       float64 `json:"pbRatio"`
	TrailingPEG1Y float64 `json:"trailingPEG1Y"`
}

// Financials implements marketdata.Provider via the daily fundamentals
// endpoint (requires the fundamentals add-on on the Tiingo account).
func (c *Client) Financials(ctx context.Context, symbol string) (*marketdata.Financials, error) {
	var rows []fundamentalsRow
	u := fmt.Sprintf("%s/tiingo/fundamentals/%s/daily", c.baseURL, url.PathEscape(symbol))
	if err := c.getJSON(ctx, u, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("tiingo: no fundamentals for %s", symbol)
	}

	latest := rows[len(rows)-1]
	fin := &marketdata.Financials{
		Symbol: symbol,
		Metrics: map[string]float64{
			"marketCap":     latest.MarketCap,
			"enterpriseVal": latest.EnterpriseVal,
			"peRatio":       latest.PERatio,
			"pbRatio":       latest.PBRatio,
			"trailingPEG1Y": latest.TrailingPEG1Y,
		},
		Source: c.ID(),
	}
	if date, err := time.Parse("2006-01-02", latest.Date); err == nil {
		fin.AsOf = date.UTC()
	}
	return fin, nil
}

type searchRow struct {
	Ticker    string `json:"ticker"`
	Name      string `json:"name"`
	AssetType string `json:"assetType"`
}

// Search implements marketdata.Provider via the utilities search endpoint.
func (c *Client) Search(ctx context.Context, query string) ([]marketdata.SearchResult, error) {
	var rows []searchRow
	u := fmt.Sprintf("%s/tiingo/utilities/search?query=%s", c.baseURL, url.QueryEscape(query))
	if err := c.getJSON(ctx, u, &rows); err != nil {
		return nil, err
	}

	results := make([]marketdata.SearchResult, 0, len(rows))
	for _, row := range rows {
		if row.Ticker == "" {
			continue
		}
		results = append(results, marketdata.SearchResult{
			Symbol: strings.ToUpper(row.Ticker),
			Name:   row.Name,
			Market: marketdata.MarketUS,
			Source: c.ID(),
		})
	}
	return results, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return fmt.Errorf("tiingo: create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tiingo: request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("tiingo: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tiingo: HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("tiingo: decode response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
