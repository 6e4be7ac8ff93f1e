package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/JonMunkholm/fileflow/internal/config"
	"github.com/JonMunkholm/fileflow/internal/core"
)

// APIKeyAuth validates the X-API-Key header against cfg.APIKeys, a list of
// name:key pairs, and records the matching name as the submitter.
// If RequireAPIKey is false, requests without a key pass as anonymous; a
// key that is present must still be valid.
func APIKeyAuth(cfg *config.SecurityConfig) func(http.Handler) http.Handler {
	keys := parseKeys(cfg.APIKeys)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				if !cfg.RequireAPIKey {
					next.ServeHTTP(w, r)
					return
				}
				slog.Warn("auth: missing API key",
					"path", r.URL.Path,
					"method", r.Method,
					"remote_addr", r.RemoteAddr,
				)
				writeAuthError(w, http.StatusUnauthorized, "missing API key", "AUTH_MISSING_KEY")
				return
			}

			name, ok := lookupKey(apiKey, keys)
			if !ok {
				slog.Warn("auth: invalid API key",
					"path", r.URL.Path,
					"method", r.Method,
					"remote_addr", r.RemoteAddr,
				)
				writeAuthError(w, http.StatusForbidden, "invalid API key", "AUTH_INVALID_KEY")
				return
			}

			ctx := core.ContextWithSubmitter(r.Context(), name)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type apiKey struct {
	name string
	key  []byte
}

// parseKeys splits name:key pairs, skipping malformed entries.
func parseKeys(pairs []string) []apiKey {
	keys := make([]apiKey, 0, len(pairs))
	for _, p := range pairs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		name, key, found := strings.Cut(p, ":")
		if !found || key == "" {
			continue
		}
		keys = append(keys, apiKey{name: name, key: []byte(key)})
	}
	return keys
}

// lookupKey compares against every configured key in constant time so the
// response time does not reveal which key (if any) matched.
func lookupKey(candidate string, keys []apiKey) (string, bool) {
	matched := ""
	found := 0
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(candidate), k.key) == 1 {
			matched = k.name
			found = 1
		}
	}
	return matched, found == 1
}

func writeAuthError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `","code":"` + code + `"}`))
}
