package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/puter-bridge/internal/broker"
	"github.com/basket/puter-bridge/internal/engine"
	"github.com/basket/puter-bridge/internal/shared"
	"github.com/basket/puter-bridge/internal/upstream"
)

// apiError is a broker failure translated to HTTP.
type apiError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter int // seconds; 0 omits the header
}

// classifyError maps broker and upstream errors to a status code. All
// accounts cooling down is a 429 with Retry-After; fallback exhaustion is a
// 429 when the last candidate was throttled and a 502 otherwise.
func classifyError(err error) apiError {
	var (
		allCooling *engine.AllAccountsOnCooldownError
		exhausted  *engine.FallbackExhaustedError
		statusErr  *upstream.StatusError
	)
	switch {
	case errors.As(err, &allCooling):
		return apiError{
			Status:     http.StatusTooManyRequests,
			Code:       "all_accounts_cooling_down",
			Message:    err.Error(),
			RetryAfter: int(math.Ceil(allCooling.NextAvailableIn.Seconds())),
		}
	case errors.As(err, &exhausted):
		if last, ok := exhausted.LastAttempt(); ok && last.ErrorType == engine.ErrorTypeRateLimit {
			return apiError{Status: http.StatusTooManyRequests, Code: "rate_limit_exceeded", Message: shared.Redact(err.Error())}
		}
		return apiError{Status: http.StatusBadGateway, Code: "upstream_exhausted", Message: shared.Redact(err.Error())}
	case errors.Is(err, engine.ErrNoAccounts):
		return apiError{
			Status:  http.StatusServiceUnavailable,
			Code:    "no_accounts",
			Message: "no Puter accounts configured; run `puterbridge accounts add`",
		}
	case errors.Is(err, broker.ErrNoModel):
		return apiError{Status: http.StatusBadRequest, Code: "invalid_request_error", Message: err.Error()}
	case errors.As(err, &statusErr):
		status := statusErr.Status
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		return apiError{Status: status, Code: "upstream_error", Message: shared.Redact(statusErr.Error())}
	case errors.Is(err, context.DeadlineExceeded):
		return apiError{Status: http.StatusGatewayTimeout, Code: "timeout", Message: "upstream call timed out"}
	case errors.Is(err, context.Canceled):
		return apiError{Status: http.StatusGatewayTimeout, Code: "client_disconnected", Message: "client closed connection"}
	}
	return apiError{Status: http.StatusInternalServerError, Code: "internal_error", Message: shared.Redact(err.Error())}
}

// openAIError writes an OpenAI-style error body.
func openAIError(w http.ResponseWriter, status int, code, message string) {
	errType := "server_error"
	switch status {
	case http.StatusBadRequest, http.StatusMethodNotAllowed, http.StatusRequestEntityTooLarge:
		errType = "invalid_request_error"
	case http.StatusUnauthorized:
		errType = "authentication_error"
	case http.StatusForbidden:
		errType = "permission_error"
	case http.StatusNotFound:
		errType = "not_found_error"
	case http.StatusTooManyRequests:
		errType = "rate_limit_error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	errResp := map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"param":   nil,
			"code":    code,
		},
	}
	if err := json.NewEncoder(w).Encode(errResp); err != nil {
		slog.Warn("openai: failed to write error response", "error", err)
	}
}

// googleStatus maps HTTP codes to google.rpc.Code names.
func googleStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "UNIMPLEMENTED"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	case http.StatusGatewayTimeout:
		return "DEADLINE_EXCEEDED"
	}
	return "INTERNAL"
}

// googleError writes a Google API error body.
func googleError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	errResp := map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": message,
			"status":  googleStatus(status),
		},
	}
	if err := json.NewEncoder(w).Encode(errResp); err != nil {
		slog.Warn("gemini: failed to write error response", "error", err)
	}
}

func isGeminiPath(path string) bool {
	return strings.HasPrefix(path, "/v1beta/")
}

// writeProtocolError answers in the error dialect of the route r targets.
func writeProtocolError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	if isGeminiPath(r.URL.Path) {
		googleError(w, status, message)
		return
	}
	openAIError(w, status, code, message)
}

// writeBrokerError maps err and writes it in the route's dialect.
func writeBrokerError(w http.ResponseWriter, r *http.Request, err error) {
	ae := classifyError(err)
	if ae.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ae.RetryAfter))
	}
	writeProtocolError(w, r, ae.Status, ae.Code, ae.Message)
}
