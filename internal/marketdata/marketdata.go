// Package marketdata routes quote, history, info, financials, and search
// reads across per-market provider chains with fallback.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Market identifies an exchange grouping with its own provider chain.
type Market string

const (
	MarketUS    Market = "US"
	MarketHK    Market = "HK"
	MarketSH    Market = "SH"
	MarketSZ    Market = "SZ"
	MarketMetal Market = "METAL"
)

// ParseMarket normalizes a market code from user input.
func ParseMarket(s string) (Market, error) {
	switch Market(strings.ToUpper(strings.TrimSpace(s))) {
	case MarketUS:
		return MarketUS, nil
	case MarketHK:
		return MarketHK, nil
	case MarketSH:
		return MarketSH, nil
	case MarketSZ:
		return MarketSZ, nil
	case MarketMetal:
		return MarketMetal, nil
	}
	return "", fmt.Errorf("unknown market %q", s)
}

// Quote is a point-in-time price snapshot.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Name      string    `json:"name,omitempty"`
	Currency  string    `json:"currency,omitempty"`
	Price     float64   `json:"price"`
	PrevClose float64   `json:"prev_close,omitempty"`
	Change    float64   `json:"change"`
	ChangePct float64   `json:"change_pct"`
	High      float64   `json:"high,omitempty"`
	Low       float64   `json:"low,omitempty"`
	Volume    int64     `json:"volume,omitempty"`
	AsOf      time.Time `json:"as_of"`
	Source    string    `json:"source"`
}

// Bar is one OHLCV candle.
type Bar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// History is a daily bar series for one symbol.
type History struct {
	Symbol string `json:"symbol"`
	Period string `json:"period"`
	Bars   []Bar  `json:"bars"`
	Source string `json:"source"`
}

// Info is static descriptive data about an instrument.
type Info struct {
	Symbol      string  `json:"symbol"`
	Name        string  `json:"name"`
	Exchange    string  `json:"exchange,omitempty"`
	Sector      string  `json:"sector,omitempty"`
	Industry    string  `json:"industry,omitempty"`
	Description string  `json:"description,omitempty"`
	MarketCap   float64 `json:"market_cap,omitempty"`
	Source      string  `json:"source"`
}

// Financials is a flat metric map so heterogeneous upstreams share one shape.
type Financials struct {
	Symbol  string             `json:"symbol"`
	AsOf    time.Time          `json:"as_of,omitempty"`
	Metrics map[string]float64 `json:"metrics"`
	Source  string             `json:"source"`
}

// SearchResult is one instrument match for a free-text query.
type SearchResult struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Exchange string `json:"exchange,omitempty"`
	Market   Market `json:"market,omitempty"`
	Source   string `json:"source"`
}

// Provider is one upstream market data source. Implementations live in the
// yfinance, tiingo, tushare, and akshare subpackages.
type Provider interface {
	ID() string
	Quote(ctx context.Context, symbol string) (*Quote, error)
	History(ctx context.Context, symbol, period string) (*History, error)
	Info(ctx context.Context, symbol string) (*Info, error)
	Financials(ctx context.Context, symbol string) (*Financials, error)
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// ErrNoProvider is returned when a market has no configured chain or every
// provider in the chain failed without producing a usable result.
var ErrNoProvider = errors.New("marketdata: no provider available")

// errNilResult marks a provider call that returned neither data nor error.
var errNilResult = errors.New("marketdata: provider returned no data")
