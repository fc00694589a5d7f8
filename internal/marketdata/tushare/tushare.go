// Package tushare adapts the Tushare Pro JSON-RPC style API (single POST
// endpoint, token auth) to the marketdata.Provider interface. Used in the
// Shanghai/Shenzhen chains behind AKShare.
package tushare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/marketwire/newspipe/internal/marketdata"
)

// DefaultBaseURL is the Tushare Pro API endpoint.
const DefaultBaseURL = "http://api.tushare.pro"

// Client is a Tushare Pro provider.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint (tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a Tushare client. The token is required by every call.
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
func (c *Client) ID() string { return "tushare" }

// tsCode converts a bare A-share code to Tushare's suffixed form. Shanghai
// listings start with 6, everything else trades in Shenzhen.
func tsCode(symbol string) string {
	if strings.Contains(symbol, ".") {
		return strings.ToUpper(symbol)
	}
	if strings.HasPrefix(symbol, "6") {
		return symbol + ".SH"
	}
	return symbol + ".SZ"
}

// apiRequest is the uniform Tushare Pro request envelope.
type apiRequest struct {
	APIName string            `json:"api_name"`
	Token   string            `json:"token"`
	Params  map[string]string `json:"params"`
	Fields  string            `json:"fields,omitempty"`
}

// apiResponse is the uniform column-oriented response envelope.
type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Fields []string          `json:"fields"`
		Raw    []json.RawMessage `json:"items"`
	} `json:"data"`
}

// rows converts the column-oriented payload into field-keyed string maps.
func (r *apiResponse) rows() ([]map[string]string, error) {
	out := make([]map[string]string, 0, len(r.Data.Raw))
	for _, rawRow := range r.Data.Raw {
		var cells []any
		if err := json.Unmarshal(rawRow, &cells); err != nil {
			return nil, fmt.Errorf("tushare: decode row: %w", err)
		}
		row := make(map[string]string, len(r.Data.Fields))
		for i, field := range r.Data.Fields {
			if i >= len(cells) || cells[i] == nil {
				continue
			}
			switch v := cells[i].(type) {
			case string:
				row[field] = v
			case float64:
				row[field] = strconv.FormatFloat(v, 'f', -1, 64)
			default:
				row[field] = fmt.Sprint(v)
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, apiName string, params map[string]string, fields string) ([]map[string]string, error) {
	payload, err := json.Marshal(apiRequest{APIName: apiName, Token: c.token, Params: params, Fields: fields})
	if err != nil {
		return nil, fmt.Errorf("tushare: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("tushare: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tushare: request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("tushare: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tushare: HTTP %d", resp.StatusCode)
	}

	var ar apiResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return nil, fmt.Errorf("tushare: decode response: %w", err)
	}
	if ar.Code != 0 {
		return nil, fmt.Errorf("tushare: %s (code %d)", ar.Msg, ar.Code)
	}
	return ar.rows()
}

func rowFloat(row map[string]string, field string) float64 {
	f, _ := strconv.ParseFloat(row[field], 64)
	return f
}

// Quote implements marketdata.Provider from the most recent daily bar.
func (c *Client) Quote(ctx context.Context, symbol string) (*marketdata.Quote, error) {
	code := tsCode(symbol)
	rows, err := c.call(ctx, "daily", map[string]string{"ts_code": code}, "ts_code,trade_date,open,high,low,close,pre_close,change,pct_chg,vol")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("tushare: no daily bar for %s", code)
	}

	row := rows[0] // daily returns newest first
	q := &marketdata.Quote{
		Symbol:    symbol,
		Currency:  "CNY",
		Price:     rowFloat(row, "close"),
		PrevClose: rowFloat(row, "pre_close"),
		Change:    rowFloat(row, "change"),
		ChangePct: rowFloat(row, "pct_chg"),
		High:      rowFloat(row, "high"),
		Low:       rowFloat(row, "low"),
		Volume:    int64(rowFloat(row, "vol") * 100), // vol is in lots of 100 shares
		Source:    c.ID(),
	}
	if d, err := time.Parse("20060102", row["trade_date"]); err == nil {
		q.AsOf = d.UTC()
	}
	return q, nil
}

// History implements marketdata.Provider via the daily endpoint with a
// start-date window derived from the period token.
func (c *Client) History(ctx context.Context, symbol, period string) (*marketdata.History, error) {
	days := map[string]int{
		"1d": 1, "5d": 7, "1mo": 31, "3mo": 92, "6mo": 183,
		"1y": 366, "2y": 731, "5y": 1827, "10y": 3653, "max": 7305,
	}[period]
	if days == 0 {
		period, days = "1mo", 31
	}
	code := tsCode(symbol)
	start := time.Now().UTC().AddDate(0, 0, -days).Format("20060102")

	rows, err := c.call(ctx, "daily", map[string]string{"ts_code": code, "start_date": start}, "trade_date,open,high,low,close,vol")
	if err != nil {
		return nil, err
	}

	hist := &marketdata.History{Symbol: symbol, Period: period, Source: c.ID()}
	// Reverse: tushare returns newest first, history is oldest first.
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		d, err := time.Parse("20060102", row["trade_date"])
		if err != nil {
			continue
		}
		hist.Bars = append(hist.Bars, marketdata.Bar{
			Date:   d.UTC(),
			Open:   rowFloat(row, "open"),
			High:   rowFloat(row, "high"),
			Low:    rowFloat(row, "low"),
			Close:  rowFloat(row, "close"),
			Volume: int64(rowFloat(row, "vol") * 100),
		})
	}
	return hist, nil
}

// Info implements marketdata.Provider via stock_basic.
func (c *Client) Info(ctx context.Context, symbol string) (*marketdata.Info, error) {
	code := tsCode(symbol)
	rows, err := c.call(ctx, "stock_basic", map[string]string{"ts_code": code}, "ts_code,name,area,industry,market,exchange")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("tushare: no basic info for %s", code)
	}

	row := rows[0]
	return &marketdata.Info{
		Symbol:   symbol,
		Name:     row["name"],
		Exchange: row["exchange"],
		Industry: row["industry"],
		Source:   c.ID(),
	}, nil
}

// Financials implements marketdata.Provider via fina_indicator (latest
// reporting period).
func (c *Client) Financials(ctx context.Context, symbol string) (*marketdata.Financials, error) {
	code := tsCode(symbol)
	rows, err := c.call(ctx, "fina_indicator", map[string]string{"ts_code": code}, "end_date,eps,roe,grossprofit_margin,netprofit_margin,debt_to_assets,or_yoy,netprofit_yoy")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("tushare: no financial indicators for %s", code)
	}

	row := rows[0]
	fin := &marketdata.Financials{
		Symbol:  symbol,
		Metrics: make(map[string]float64),
		Source:  c.ID(),
	}
	for field, val := range row {
		if field == "end_date" {
			continue
		}
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			fin.Metrics[field] = f
		}
	}
	if d, err := time.Parse("20060102", row["end_date"]); err == nil {
		fin.AsOf = d.UTC()
	}
	return fin, nil
}

// Search implements marketdata.Provider. Tushare has no fuzzy-search call, so
// the listing table is filtered client-side on code and name.
func (c *Client) Search(ctx context.Context, query string) ([]marketdata.SearchResult, error) {
	rows, err := c.call(ctx, "stock_basic", map[string]string{"list_status": "L"}, "ts_code,symbol,name,exchange")
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(strings.TrimSpace(query))
	var results []marketdata.SearchResult
	for _, row := range rows {
		if len(results) >= 10 {
			break
		}
		if !strings.Contains(strings.ToLower(row["name"]), needle) &&
			!strings.Contains(strings.ToLower(row["symbol"]), needle) {
			continue
		}
		market := marketdata.MarketSZ
		if strings.HasSuffix(row["ts_code"], ".SH") {
			market = marketdata.MarketSH
		}
		results = append(results, marketdata.SearchResult{
			Symbol:   row["symbol"],
			Name:     row["name"],
			Exchange: row["exchange"],
			Market:   market,
			Source:   c.ID(),
		})
	}
	return results, nil
}
