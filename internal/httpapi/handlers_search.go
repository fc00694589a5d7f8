package httpapi

import (
	"net/http"
	"strings"

	"github.com/marketwire/newspipe/internal/embedding"
)

const (
	defaultSearchK = 10
	maxSearchK     = 50
)

// SearchHandler runs hybrid retrieval over indexed article content.
func SearchHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := strings.TrimSpace(r.URL.Query().Get("q"))
		if query == "" {
			jsonError(w, "bad_request", "q parameter required", http.StatusBadRequest)
			return
		}
		k := queryInt(r, "k", defaultSearchK)
		if k < 1 {
			k = defaultSearchK
		}
		if k > maxSearchK {
			k = maxSearchK
		}

		results, err := d.Search.HybridSearch(r.Context(), query, k)
		if err != nil {
			jsonError(w, "internal", err.Error(), http.StatusInternalServerError)
			return
		}
		if results == nil {
			results = []embedding.SearchResult{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"query":   query,
			"results": results,
		})
	}
}
