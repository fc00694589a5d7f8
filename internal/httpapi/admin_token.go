package httpapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// AdminToken holds the bearer token that guards /admin/v1. The token is
// resolved once at startup with the following precedence:
//
//  1. Explicit env/config value (operator-provided, source of truth)
//  2. Previously persisted token from the data directory
//  3. Newly generated random token
//
// The resolved token is persisted to <dataDir>/.admin-token and
// <dataDir>/env so restarts without the env var keep the same token and
// newspipectl on the same host can pick it up.
type AdminToken struct {
	token   string
	dataDir string
}

// NewAdminToken resolves and persists the admin token. dataDir may be empty,
// in which case nothing is persisted and a generated token lives only for
// this run.
func NewAdminToken(configToken, dataDir string, logger *slog.Logger) (*AdminToken, error) {
	t := &AdminToken{dataDir: dataDir}

	switch {
	case configToken != "":
		t.token = configToken
	default:
		t.token = t.readPersisted()
	}

	if t.token == "" {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("generate admin token: %w", err)
		}
		t.token = hex.EncodeToString(raw)
		logger.Warn("NEWSPIPE_ADMIN_TOKEN not set — generated a token (retrieve with: newspipectl admin-token)")
	}

	t.persist(logger)
	return t, nil
}

// Get returns the current admin token.
func (t *AdminToken) Get() string { return t.token }

// Equal compares the provided token in constant time.
func (t *AdminToken) Equal(provided string) bool {
	return subtle.ConstantTimeCompare([]byte(provided), []byte(t.token)) == 1
}

func (t *AdminToken) readPersisted() string {
	if t.dataDir == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(t.dataDir, ".admin-token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (t *AdminToken) persist(logger *slog.Logger) {
	if t.dataDir == "" {
		return
	}
	if err := os.MkdirAll(t.dataDir, 0o755); err != nil {
		logger.Warn("create data dir for admin token", slog.String("error", err.Error()))
		return
	}
	env := "NEWSPIPE_ADMIN_TOKEN=" + t.token + "\n"
	if err := os.WriteFile(filepath.Join(t.dataDir, "env"), []byte(env), 0o600); err != nil {
		logger.Warn("write state env file", slog.String("error", err.Error()))
	}
	if err := os.WriteFile(filepath.Join(t.dataDir, ".admin-token"), []byte(t.token+"\n"), 0o600); err != nil {
		logger.Warn("write admin token file", slog.String("error", err.Error()))
	}
}

// RequireAdmin validates the Authorization bearer token on admin requests.
func RequireAdmin(tok *AdminToken, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				jsonError(w, "unauthorized", "authorization required", http.StatusUnauthorized)
				return
			}
			provided, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok {
				jsonError(w, "unauthorized", "invalid authorization format", http.StatusUnauthorized)
				return
			}
			if !tok.Equal(provided) {
				ip := r.Header.Get("X-Real-IP")
				if ip == "" {
					ip = r.RemoteAddr
				}
				logger.Warn("admin auth: bad token",
					slog.String("ip", ip), slog.String("path", r.URL.Path))
				jsonError(w, "unauthorized", "invalid admin token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
