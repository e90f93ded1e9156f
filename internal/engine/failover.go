package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Attempt records the outcome of trying one candidate.
type Attempt struct {
	ID         string        `json:"id"`
	Success    bool          `json:"success"`
	ErrorType  ErrorType     `json:"error_type,omitempty"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`

	err error
}

// Err returns the underlying error of a failed attempt.
func (a Attempt) Err() error { return a.err }

// FallbackExhaustedError is returned when every candidate in the queue
// failed. It carries the full attempt history.
type FallbackExhaustedError struct {
	Attempts []Attempt
	cause    error
}

func (e *FallbackExhaustedError) Error() string {
	ids := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		ids = append(ids, a.ID)
	}
	msg := fmt.Sprintf("all models failed: tried %s", strings.Join(ids, ", "))
	if len(e.Attempts) > 0 {
		last := e.Attempts[len(e.Attempts)-1]
		msg += fmt.Sprintf(" (last error [%s]: %s)", last.ErrorType, last.Error)
	}
	if e.cause != nil && len(e.Attempts) == 0 {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap returns the last underlying error so callers can inspect it with
// errors.Is and errors.As.
func (e *FallbackExhaustedError) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	if n := len(e.Attempts); n > 0 {
		return e.Attempts[n-1].err
	}
	return nil
}

// LastAttempt returns the final attempt, if any.
func (e *FallbackExhaustedError) LastAttempt() (Attempt, bool) {
	if len(e.Attempts) == 0 {
		return Attempt{}, false
	}
	return e.Attempts[len(e.Attempts)-1], true
}

// FallbackResult is the outcome of a successful ExecuteWithFallback.
type FallbackResult[T any] struct {
	Result      T
	UsedModel   string
	WasFallback bool
	Attempts    []Attempt
}

// FallbackConfig controls the model fallback engine.
type FallbackConfig struct {
	// Enabled turns fallback on. When false the primary is called once and
	// its error is returned unmodified.
	Enabled bool

	// FallbackModels is the ordered default fallback list.
	FallbackModels []string

	// Chains overrides FallbackModels for specific primary models.
	Chains map[string][]string
}

// FallbackEngine tries a primary model and then its fallbacks, skipping
// models in cooldown and putting throttled ones into cooldown.
type FallbackEngine struct {
	cooldowns *CooldownRegistry
	cfg       FallbackConfig
	logger    *slog.Logger
	observer  Observer
}

// FallbackOption configures a FallbackEngine.
type FallbackOption func(*FallbackEngine)

// WithFallbackLogger sets the engine's logger.
func WithFallbackLogger(l *slog.Logger) FallbackOption {
	return func(fe *FallbackEngine) { fe.logger = loggerOrDiscard(l) }
}

// WithFallbackObserver sets the engine's event observer.
func WithFallbackObserver(o Observer) FallbackOption {
	return func(fe *FallbackEngine) { fe.observer = observerOrNop(o) }
}

// NewFallbackEngine creates a FallbackEngine over a shared model registry.
func NewFallbackEngine(cooldowns *CooldownRegistry, cfg FallbackConfig, opts ...FallbackOption) *FallbackEngine {
	if cooldowns == nil {
		cooldowns = NewCooldownRegistry("models", DefaultModelCooldown)
	}
	fe := &FallbackEngine{
		cooldowns: cooldowns,
		cfg:       cfg,
		logger:    discardLogger,
		observer:  nopObserver{},
	}
	for _, opt := range opts {
		opt(fe)
	}
	return fe
}

// Cooldowns returns the engine's model registry.
func (fe *FallbackEngine) Cooldowns() *CooldownRegistry { return fe.cooldowns }

// Enabled reports whether fallback is active.
func (fe *FallbackEngine) Enabled() bool { return fe.cfg.Enabled }

// FallbacksFor returns the configured fallback list for primary.
func (fe *FallbackEngine) FallbacksFor(primary string) []string {
	if chain, ok := fe.cfg.Chains[primary]; ok {
		return chain
	}
	return fe.cfg.FallbackModels
}

// CandidateQueue builds the ordered candidates for one call: primary first,
// then fallbacks, skipping duplicates and anything in cooldown. If every
// candidate is cooling down the primary is returned alone as a last resort.
func (fe *FallbackEngine) CandidateQueue(primary string, fallbacks []string) []string {
	seen := make(map[string]struct{}, len(fallbacks)+1)
	var queue []string
	for _, id := range append([]string{primary}, fallbacks...) {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if fe.cooldowns.IsOnCooldown(id) {
			fe.logger.Debug("fallback: skipping model in cooldown",
				"model", id,
				"remaining", fe.cooldowns.Remaining(id),
			)
			continue
		}
		queue = append(queue, id)
	}
	if len(queue) == 0 && primary != "" {
		fe.logger.Warn("fallback: every candidate cooling down, trying primary anyway", "model", primary)
		queue = []string{primary}
	}
	return queue
}

// CoolDown puts model into cooldown with reason and reports it to the
// observer. It returns the applied duration.
func (fe *FallbackEngine) CoolDown(model, reason string) time.Duration {
	d := fe.cooldowns.Add(model, reason)
	fe.observer.CooldownAdded("model", model, reason, d)
	fe.logger.Info("fallback: model cooling down", "model", model, "duration", d)
	return d
}

// ExecOption adjusts one ExecuteWithFallback call.
type ExecOption func(*execOptions)

type execOptions struct {
	deferCooldowns bool
}

// DeferCooldowns leaves cooldowns for failed candidates to the caller, who
// applies them with CoolDown once it knows whom the failure belongs to.
func DeferCooldowns() ExecOption {
	return func(o *execOptions) { o.deferCooldowns = true }
}

// ExecuteWithFallback runs op against primary and then each fallback until
// one succeeds. Throttled candidates (rate-limit, forbidden, server-error)
// are put into cooldown; other failures fall through without cooldown.
// When every candidate fails a *FallbackExhaustedError is returned.
func ExecuteWithFallback[T any](ctx context.Context, fe *FallbackEngine, primary string, fallbacks []string, op func(ctx context.Context, model string) (T, error), opts ...ExecOption) (*FallbackResult[T], error) {
	var eo execOptions
	for _, opt := range opts {
		opt(&eo)
	}
	if !fe.cfg.Enabled {
		res, err := op(ctx, primary)
		if err != nil {
			return nil, err
		}
		return &FallbackResult[T]{
			Result:    res,
			UsedModel: primary,
			Attempts:  []Attempt{{ID: primary, Success: true}},
		}, nil
	}

	queue := fe.CandidateQueue(primary, fallbacks)
	attempts := make([]Attempt, 0, len(queue))

	for _, model := range queue {
		if err := ctx.Err(); err != nil {
			return nil, &FallbackExhaustedError{Attempts: attempts, cause: err}
		}

		start := time.Now()
		res, err := op(ctx, model)
		elapsed := time.Since(start)

		if err == nil {
			a := Attempt{ID: model, Success: true, Duration: elapsed}
			attempts = append(attempts, a)
			fe.observer.AttemptFinished("model", a)
			if model != primary {
				fe.logger.Info("fallback: served by fallback model",
					"primary", primary,
					"model", model,
					"attempts", len(attempts),
				)
			}
			return &FallbackResult[T]{
				Result:      res,
				UsedModel:   model,
				WasFallback: model != primary,
				Attempts:    attempts,
			}, nil
		}

		c := Classify(err)
		a := Attempt{
			ID:         model,
			ErrorType:  c.Type,
			HTTPStatus: c.HTTPStatus,
			Duration:   elapsed,
			Error:      err.Error(),
			err:        err,
		}
		attempts = append(attempts, a)
		fe.observer.AttemptFinished("model", a)
		fe.logger.Warn("fallback: model failed",
			"model", model,
			"error_type", string(c.Type),
			"http_status", c.HTTPStatus,
			"error", err,
		)

		if c.Type.CooldownWorthy() && !eo.deferCooldowns {
			fe.CoolDown(model, err.Error())
		}
	}

	return nil, &FallbackExhaustedError{Attempts: attempts}
}
