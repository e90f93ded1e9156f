package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/puter-bridge/internal/audit"
)

// ExtractAPIKey extracts the local API key a client presented. It checks, in
// order: Authorization: Bearer <key>, x-goog-api-key, X-API-Key, and the
// key / api_key query params (Gemini clients and SSE consumers use those).
func ExtractAPIKey(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		if tok, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	if key := r.Header.Get("x-goog-api-key"); key != "" {
		return key
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	q := r.URL.Query()
	if key := q.Get("key"); key != "" {
		return key
	}
	return q.Get("api_key")
}

// authorize reports whether r carries the configured local token. With no
// token configured every local client is accepted.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	key := ExtractAPIKey(r)
	if key == "" {
		audit.Record(audit.OutcomeDeny, "gateway.auth", r.URL.Path, "missing key")
		return false
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AuthToken)) != 1 {
		audit.Record(audit.OutcomeDeny, "gateway.auth", r.URL.Path, "invalid key")
		return false
	}
	return true
}
