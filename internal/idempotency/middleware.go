package idempotency

import (
	"bytes"
	"net/http"
)

// Header is the request header clients set to deduplicate retries.
const Header = "Idempotency-Key"

// ReplayHeader marks responses that were served from the cache instead of
// re-executing the handler.
const ReplayHeader = "Idempotency-Replay"

// Middleware replays cached responses for repeated mutating requests that
// carry the same Idempotency-Key. Keys are scoped per method and path, so the
// same key sent to different endpoints never collides. Only successful (2xx)
// responses are cached: a failed enqueue retried with the same key runs again
// instead of replaying the error for the whole TTL.
func Middleware(cache *Cache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(Header)
			if key == "" || !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			scoped := r.Method + " " + r.URL.Path + " " + key

			// Return the cached response if available.
			if e, ok := cache.Get(scoped); ok {
				for k, v := range e.Headers {
					w.Header().Set(k, v)
				}
				w.Header().Set(ReplayHeader, "true")
				w.WriteHeader(e.StatusCode)
				_, _ = w.Write(e.Response)
				return
			}

			// Capture the response so it can be cached.
			rec := &responseRecorder{
				ResponseWriter: w,
				body:           &bytes.Buffer{},
				statusCode:     http.StatusOK,
			}
			next.ServeHTTP(rec, r)

			if rec.statusCode < 200 || rec.statusCode >= 300 {
				return
			}
			hdrs := make(map[string]string)
			for k, v := range rec.Header() {
				if len(v) > 0 {
					hdrs[k] = v[0]
				}
			}
			cache.Set(scoped, rec.body.Bytes(), rec.statusCode, hdrs)
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// responseRecorder wraps an http.ResponseWriter to capture the response body
// and status code while still writing to the original writer.
type responseRecorder struct {
	http.ResponseWriter
	body       *bytes.Buffer
	statusCode int
	written    bool
}

func (r *responseRecorder) WriteHeader(code int) {
	if !r.written {
		r.statusCode = code
		r.written = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
