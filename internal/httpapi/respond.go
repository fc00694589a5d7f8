package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marketwire/newspipe/internal/marketdata"
	"github.com/marketwire/newspipe/internal/metrics"
	"github.com/marketwire/newspipe/internal/store"
)

// jsonError writes the error envelope shared by every endpoint:
// {"error": {"kind": "...", "message": "..."}}. Kind is a stable machine
// string; message is for humans.
func jsonError(w http.ResponseWriter, kind, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"kind": kind, "message": msg},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// storeError maps persistence failures onto the envelope.
func storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		jsonError(w, "not_found", "not found", http.StatusNotFound)
		return
	}
	jsonError(w, "storage_error", err.Error(), http.StatusInternalServerError)
}

// marketError maps provider-chain failures onto the envelope. Everything the
// chain can return is an upstream problem, so the status is 502 either way;
// the kind tells an exhausted chain apart from an unconfigured one.
func marketError(w http.ResponseWriter, err error) {
	if errors.Is(err, marketdata.ErrNoProvider) {
		jsonError(w, "no_provider", err.Error(), http.StatusBadGateway)
		return
	}
	jsonError(w, "provider_error", err.Error(), http.StatusBadGateway)
}

// pathID parses the {id} route parameter.
func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// queryInt reads an integer query parameter, falling back to def when the
// parameter is absent or malformed.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryTime reads a timestamp query parameter as RFC 3339 or a plain date.
func queryTime(r *http.Request, name string) (time.Time, bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, false, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, true, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// observeRequests records per-route request counts and latency. The route
// label is chi's pattern ("/v1/news/{id}"), not the raw path, keeping the
// cardinality bounded.
func observeRequests(m *metrics.Registry) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			m.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
			m.HTTPLatency.WithLabelValues(route).Observe(float64(time.Since(start).Milliseconds()))
		})
	}
}
