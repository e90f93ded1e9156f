package upstream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// StatusError is a non-success answer from the Puter API. Its message
// always carries the status in parentheses so string-only consumers can
// still classify it.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("Puter API error (%d): %s", e.Status, e.Message)
}

// StatusCode implements engine.StatusCoder.
func (e *StatusError) StatusCode() int { return e.Status }

// Puter error codes that arrive without a useful HTTP status.
var statusForCode = map[string]int{
	"insufficient_funds":  http.StatusTooManyRequests,
	"rate_limit_exceeded": http.StatusTooManyRequests,
	"too_many_requests":   http.StatusTooManyRequests,
	"forbidden":           http.StatusForbidden,
	"permission_denied":   http.StatusForbidden,
	"token_auth_failed":   http.StatusUnauthorized,
	"unauthorized":        http.StatusUnauthorized,
	"entity_not_found":    http.StatusNotFound,
	"model_not_found":     http.StatusNotFound,
}

type errorEnvelope struct {
	Success *bool           `json:"success"`
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
}

type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Status  int    `json:"status"`
}

// parseError builds a StatusError from an HTTP status and response body.
// status may be 200 when Puter reports failure inside a success envelope.
func parseError(status int, body []byte) *StatusError {
	se := &StatusError{Status: status}

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil {
		se.Message = env.Message
		se.Code = env.Code
		if len(env.Error) > 0 {
			var eb errorBody
			if json.Unmarshal(env.Error, &eb) == nil {
				if eb.Message != "" {
					se.Message = eb.Message
				}
				if eb.Code != "" {
					se.Code = eb.Code
				}
				if eb.Status >= 400 && eb.Status <= 599 {
					se.Status = eb.Status
				}
			} else {
				var s string
				if json.Unmarshal(env.Error, &s) == nil && s != "" {
					se.Message = s
				}
			}
		}
	}
	if se.Message == "" {
		se.Message = strings.TrimSpace(string(body))
		if len(se.Message) > 300 {
			se.Message = se.Message[:300]
		}
	}
	if se.Message == "" {
		se.Message = http.StatusText(se.Status)
	}
	if se.Status < 400 {
		if mapped, ok := statusForCode[se.Code]; ok {
			se.Status = mapped
		} else {
			se.Status = http.StatusBadGateway
		}
	}
	return se
}
