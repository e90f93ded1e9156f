package engine

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// ErrorType categorizes upstream failures for retry, fallback and rotation
// decisions. The set is closed; anything unrecognized is ErrorTypeUnknown.
type ErrorType string

const (
	// ErrorTypeRateLimit indicates throttling or quota exhaustion (429).
	ErrorTypeRateLimit ErrorType = "rate-limit"

	// ErrorTypeForbidden indicates the identity may not use the resource (403).
	ErrorTypeForbidden ErrorType = "forbidden"

	// ErrorTypeServer indicates an upstream fault (500, 502, 503, 504).
	ErrorTypeServer ErrorType = "server-error"

	// ErrorTypeTimeout indicates a deadline was exceeded.
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeAuth indicates a missing, expired or invalid credential (401).
	ErrorTypeAuth ErrorType = "auth-error"

	// ErrorTypeNotFound indicates an unknown model or route (404).
	ErrorTypeNotFound ErrorType = "not-found"

	// ErrorTypeContextTooLong indicates the prompt exceeded the model's window.
	ErrorTypeContextTooLong ErrorType = "context-too-long"

	// ErrorTypeUnknown is the default for unrecognized failures.
	ErrorTypeUnknown ErrorType = "unknown"
)

// CooldownWorthy reports whether a failure of this type should take its
// candidate out of rotation for a while.
func (t ErrorType) CooldownWorthy() bool {
	switch t {
	case ErrorTypeRateLimit, ErrorTypeForbidden, ErrorTypeServer:
		return true
	}
	return false
}

// Retryable reports whether a failure of this type is transient enough to
// spend retry budget on.
func (t ErrorType) Retryable() bool {
	switch t {
	case ErrorTypeRateLimit, ErrorTypeServer, ErrorTypeTimeout:
		return true
	}
	return false
}

// Classification is the result of Classify. HTTPStatus is 0 when no status
// code could be determined.
type Classification struct {
	Type       ErrorType `json:"type"`
	HTTPStatus int       `json:"http_status,omitempty"`
}

// StatusCoder is implemented by transport errors that carry an explicit
// HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// statusPatterns are tried in order; the first one yielding a code in
// [100,599] wins.
var statusPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\((\d{3})\)`),
	regexp.MustCompile(`(?i)\bstatus:?\s*(\d{3})\b`),
	regexp.MustCompile(`(?i)\bHTTP:?\s*(\d{3})\b`),
	regexp.MustCompile(`(?i)\bcode:?\s*(\d{3})\b`),
	regexp.MustCompile(`(?i)\b(\d{3})\s+error\b`),
}

var rateLimitKeywords = []string{
	"rate limit",
	"rate_limit",
	"ratelimit",
	"too many requests",
	"quota exceeded",
	"quota_exceeded",
	"credits exhausted",
	"insufficient credits",
	"usage limit",
	"overloaded",
	"try again later",
	"capacity",
}

// Classify maps a failure into the bounded ErrorType taxonomy. A status code
// carried by a StatusCoder in the chain is preferred; otherwise one is
// scraped from the message. When no status maps to a type, message keywords
// decide. Classify is pure: identical input yields identical output.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Type: ErrorTypeUnknown}
	}

	status := 0
	var sc StatusCoder
	if errors.As(err, &sc) {
		if code := sc.StatusCode(); code >= 100 && code <= 599 {
			status = code
		}
	}
	msg := err.Error()
	if status == 0 {
		status = extractStatus(msg)
	}

	if t, ok := typeForStatus(status); ok {
		return Classification{Type: t, HTTPStatus: status}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Type: ErrorTypeTimeout, HTTPStatus: status}
	}
	return Classification{Type: classifyMessage(msg), HTTPStatus: status}
}

func extractStatus(msg string) int {
	for _, pat := range statusPatterns {
		m := pat.FindStringSubmatch(msg)
		if len(m) < 2 {
			continue
		}
		code, err := strconv.Atoi(m[1])
		if err != nil || code < 100 || code > 599 {
			continue
		}
		return code
	}
	return 0
}

func typeForStatus(status int) (ErrorType, bool) {
	switch status {
	case 429:
		return ErrorTypeRateLimit, true
	case 403:
		return ErrorTypeForbidden, true
	case 401:
		return ErrorTypeAuth, true
	case 404:
		return ErrorTypeNotFound, true
	case 500, 502, 503, 504:
		return ErrorTypeServer, true
	}
	return "", false
}

func classifyMessage(msg string) ErrorType {
	lower := strings.ToLower(msg)

	for _, kw := range rateLimitKeywords {
		if strings.Contains(lower, kw) {
			return ErrorTypeRateLimit
		}
	}

	if strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "deadline exceeded") {
		return ErrorTypeTimeout
	}

	if strings.Contains(lower, "context") &&
		(strings.Contains(lower, "length") ||
			strings.Contains(lower, "too long") ||
			strings.Contains(lower, "exceed")) {
		return ErrorTypeContextTooLong
	}

	if strings.Contains(lower, "auth") ||
		strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "invalid key") ||
		strings.Contains(lower, "invalid token") {
		return ErrorTypeAuth
	}

	if strings.Contains(lower, "not found") ||
		strings.Contains(lower, "does not exist") ||
		strings.Contains(lower, "unknown model") {
		return ErrorTypeNotFound
	}

	if strings.Contains(lower, "internal") ||
		strings.Contains(lower, "server error") ||
		strings.Contains(lower, "unavailable") {
		return ErrorTypeServer
	}

	return ErrorTypeUnknown
}
