package bus

import "time"

// Resilience event topics. Subscribers usually filter on a prefix such as
// "cooldown." or "request.".
const (
	TopicAttemptFinished   = "attempt.finished"
	TopicCooldownAdded     = "cooldown.added"
	TopicCooldownCleared   = "cooldown.cleared"
	TopicCooldownSwept     = "cooldown.swept"
	TopicAccountRotated    = "account.rotated"
	TopicAccountsChanged   = "account.changed"
	TopicFallbackExhausted = "request.exhausted"
	TopicRequestCompleted  = "request.completed"
	TopicConfigReloaded    = "config.reloaded"
)

// AttemptEvent is published after every candidate attempt, model or account.
type AttemptEvent struct {
	RequestID  string        `json:"request_id,omitempty"`
	Scope      string        `json:"scope"`
	Candidate  string        `json:"candidate"`
	Success    bool          `json:"success"`
	ErrorType  string        `json:"error_type,omitempty"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// CooldownEvent is published when a model or account enters cooldown, or
// when entries are cleared or swept.
type CooldownEvent struct {
	Scope    string        `json:"scope"`
	ID       string        `json:"id,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Count    int           `json:"count,omitempty"`
}

// RotationEvent is published when the active account changes.
type RotationEvent struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// RequestEvent summarizes a finished gateway request.
type RequestEvent struct {
	RequestID      string        `json:"request_id"`
	Protocol       string        `json:"protocol"`
	RequestedModel string        `json:"requested_model"`
	UsedModel      string        `json:"used_model,omitempty"`
	Account        string        `json:"account,omitempty"`
	WasFallback    bool          `json:"was_fallback"`
	WasRotated     bool          `json:"was_rotated"`
	Status         string        `json:"status"`
	Attempts       int           `json:"attempts"`
	Duration       time.Duration `json:"duration"`
}

// ReloadEvent is published after config.yaml or auth.json is re-read.
type ReloadEvent struct {
	Path    string `json:"path"`
	Applied bool   `json:"applied"`
	Error   string `json:"error,omitempty"`
}
