package gateway

import (
	"net/http"
	"strings"
)

var (
	corsMethods = strings.Join([]string{"GET", "POST", "OPTIONS"}, ", ")
	corsHeaders = strings.Join([]string{"Content-Type", "Authorization", "X-API-Key", "x-goog-api-key", "X-Puter-Fallbacks"}, ", ")
)

// NewCORSMiddleware allows browser calls from the listed origins. An empty
// list disables CORS headers entirely, leaving the gateway to local tools.
func NewCORSMiddleware(allowOrigins []string) func(http.Handler) http.Handler {
	if len(allowOrigins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	origins := make(map[string]bool, len(allowOrigins))
	allowAll := false
	for _, o := range allowOrigins {
		if o == "*" {
			allowAll = true
		}
		origins[strings.TrimRight(o, "/")] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowed := origin != "" && (allowAll || origins[origin])
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", corsMethods)
				w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
				w.Header().Set("Access-Control-Expose-Headers", "X-Request-Id, X-Puter-Model, X-Puter-Fallback")
				w.Header().Set("Access-Control-Max-Age", "3600")
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if !allowed {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequestSizeLimitMiddleware limits request body size.
func RequestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 20 * 1024 * 1024 // 20MB default; prompts may carry images
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
