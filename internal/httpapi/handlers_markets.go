package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/marketwire/newspipe/internal/marketdata"
)

// marketSymbol parses the {market}/{symbol} route pair shared by the market
// data endpoints.
func marketSymbol(w http.ResponseWriter, r *http.Request) (marketdata.Market, string, bool) {
	market, err := marketdata.ParseMarket(chi.URLParam(r, "market"))
	if err != nil {
		jsonError(w, "bad_request", err.Error(), http.StatusBadRequest)
		return "", "", false
	}
	symbol := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "symbol")))
	if symbol == "" {
		jsonError(w, "bad_request", "symbol required", http.StatusBadRequest)
		return "", "", false
	}
	return market, symbol, true
}

func QuoteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		market, symbol, ok := marketSymbol(w, r)
		if !ok {
			return
		}
		quote, err := d.Markets.Quote(r.Context(), market, symbol)
		if err != nil {
			marketError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, quote)
	}
}

func HistoryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		market, symbol, ok := marketSymbol(w, r)
		if !ok {
			return
		}
		period := r.URL.Query().Get("period")
		if period == "" {
			period = "1mo"
		}
		history, err := d.Markets.History(r.Context(), market, symbol, period)
		if err != nil {
			marketError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, history)
	}
}

func InfoHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		market, symbol, ok := marketSymbol(w, r)
		if !ok {
			return
		}
		info, err := d.Markets.Info(r.Context(), market, symbol)
		if err != nil {
			marketError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func FinancialsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		market, symbol, ok := marketSymbol(w, r)
		if !ok {
			return
		}
		fin, err := d.Markets.Financials(r.Context(), market, symbol)
		if err != nil {
			marketError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, fin)
	}
}

func MarketSearchHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		market, err := marketdata.ParseMarket(chi.URLParam(r, "market"))
		if err != nil {
			jsonError(w, "bad_request", err.Error(), http.StatusBadRequest)
			return
		}
		query := strings.TrimSpace(r.URL.Query().Get("q"))
		if query == "" {
			jsonError(w, "bad_request", "q parameter required", http.StatusBadRequest)
			return
		}
		results, err := d.Markets.Search(r.Context(), market, query)
		if err != nil {
			marketError(w, err)
			return
		}
		if results == nil {
			results = []marketdata.SearchResult{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"market":  string(market),
			"query":   query,
			"results": results,
		})
	}
}
