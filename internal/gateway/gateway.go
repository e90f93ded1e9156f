// Package gateway serves the local HTTP surfaces: OpenAI-compatible and
// Gemini-compatible chat endpoints backed by the broker, plus status,
// health and an SSE feed of resilience events.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/puter-bridge/internal/audit"
	"github.com/basket/puter-bridge/internal/broker"
	"github.com/basket/puter-bridge/internal/bus"
	"github.com/basket/puter-bridge/internal/config"
	"github.com/basket/puter-bridge/internal/engine"
	otelPkg "github.com/basket/puter-bridge/internal/otel"
	"github.com/basket/puter-bridge/internal/persistence"
	"github.com/basket/puter-bridge/internal/shared"
	"github.com/basket/puter-bridge/internal/telemetry"
	"github.com/basket/puter-bridge/internal/upstream"
)

const modelCacheTTL = 5 * time.Minute

// ModelLister fetches the Puter model catalogue.
type ModelLister interface {
	Models(ctx context.Context, token string) ([]upstream.ModelInfo, error)
}

type Config struct {
	Broker   *broker.Broker
	Models   ModelLister // may be nil; falls back to the built-in list
	Accounts engine.AccountStore
	Store    *persistence.Store // may be nil
	Bus      *bus.Bus           // may be nil; /api/events is then unavailable
	Tracer   trace.Tracer
	Logger   *slog.Logger

	// AuthToken is the local token clients must present. Empty accepts any
	// local client.
	AuthToken string

	// AllowOrigins lists browser origins allowed to call the gateway.
	AllowOrigins []string

	RateLimit config.RateLimitConfig

	// ConfigFingerprint is exposed in /api/status.
	ConfigFingerprint string

	MaxBodyBytes int64
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter *ClientLimiter
	started time.Time

	modelsMu      sync.Mutex
	modelsCache   []upstream.ModelInfo
	modelsFetched time.Time
}

func New(cfg Config) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
		limiter: NewClientLimiter(cfg.RateLimit),
		started: time.Now(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = telemetry.Component(s.logger, "gateway")
	if s.tracer == nil {
		s.tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	return s
}

// StartBackground runs housekeeping for the rate limiter until ctx is done.
func (s *Server) StartBackground(ctx context.Context) {
	if s.cfg.RateLimit.Enabled {
		s.limiter.RunEviction(ctx, 5*time.Minute, 30*time.Minute)
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/status", s.handleAPIStatus)
	mux.HandleFunc("/api/requests", s.handleAPIRequests)
	mux.HandleFunc("/api/cooldowns", s.handleAPICooldowns)
	mux.HandleFunc("/api/events", s.handleEvents)

	// OpenAI-compatible endpoints
	mux.HandleFunc("/v1/chat/completions", s.handleOpenAIChatCompletion)
	mux.HandleFunc("/v1/models", s.handleOpenAIModels)

	// Gemini-compatible endpoints
	mux.HandleFunc("/v1beta/models", s.handleGeminiModels)
	mux.HandleFunc("/v1beta/models/", s.handleGeminiModel)

	var h http.Handler = mux
	h = s.limiter.Wrap(h)
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	h = s.instrument(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return h
}

// statusRecorder captures the response code for spans and access logs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// instrument assigns request and trace ids, opens the server span and
// writes one access log line per request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" || len(requestID) > 128 {
			requestID = shared.NewTraceID()
		}
		ctx := shared.WithRequestID(r.Context(), requestID)
		ctx = shared.WithTraceID(ctx, requestID)
		ctx, span := otelPkg.StartServerSpan(ctx, s.tracer, r.Method+" "+routeName(r.URL.Path))
		defer span.End()

		w.Header().Set("X-Request-Id", requestID)
		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		span.SetAttributes(otelPkg.AttrHTTPStatus.Int(status))
		if status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		if r.URL.Path == "/healthz" {
			return
		}
		telemetry.FromContext(ctx, s.logger).Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration", time.Since(start),
		)
	})
}

// routeName keeps span names low-cardinality.
func routeName(path string) string {
	if _, method, ok := parseGeminiPath(path); ok {
		if method == "" {
			return "/v1beta/models/{model}"
		}
		return "/v1beta/models/{model}:" + method
	}
	return path
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("gateway: failed to write response", "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		if err := s.cfg.Store.Ping(r.Context()); err != nil {
			dbOK = false
		}
	}
	accounts := 0
	if s.cfg.Accounts != nil {
		accounts = len(s.cfg.Accounts.Accounts())
	}
	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"accounts":       accounts,
		"authenticated":  accounts > 0,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

type CooldownView struct {
	ID                  string `json:"id"`
	RemainingSeconds    int    `json:"remaining_seconds"`
	Reason              string `json:"reason,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

type AccountView struct {
	Username         string `json:"username"`
	Active           bool   `json:"active"`
	OnCooldown       bool   `json:"on_cooldown"`
	RemainingSeconds int    `json:"remaining_seconds,omitempty"`
	Reason           string `json:"reason,omitempty"`
	RateLimitCount   int    `json:"rate_limit_count"`
	LastUsed         string `json:"last_used,omitempty"`
}

type CandidateView struct {
	Scope       string  `json:"scope"`
	Candidate   string  `json:"candidate"`
	Attempts    int     `json:"attempts"`
	SuccessRate float64 `json:"success_rate"`
	RateLimited int     `json:"rate_limited"`
	LastError   string  `json:"last_error,omitempty"`
}

// StatusReport is the /api/status payload.
type StatusReport struct {
	Fingerprint      string          `json:"config_fingerprint,omitempty"`
	DefaultModel     string          `json:"default_model"`
	FallbackEnabled  bool            `json:"fallback_enabled"`
	RotationEnabled  bool            `json:"rotation_enabled"`
	ModelCooldowns   []CooldownView  `json:"model_cooldowns"`
	Accounts         []AccountView   `json:"accounts"`
	Requests         map[string]int  `json:"requests,omitempty"`
	Candidates       []CandidateView `json:"candidates,omitempty"`
	UptimeSeconds    int             `json:"uptime_seconds"`
	EventSubscribers int             `json:"event_subscribers"`
	AuthDenials      int64           `json:"auth_denials"`
}

// Status assembles the current resilience state.
func (s *Server) Status(ctx context.Context) StatusReport {
	b := s.cfg.Broker
	rep := StatusReport{
		Fingerprint:     s.cfg.ConfigFingerprint,
		DefaultModel:    b.DefaultModel(),
		FallbackEnabled: b.Fallback().Enabled(),
		RotationEnabled: b.Rotator().Enabled(),
		ModelCooldowns:  []CooldownView{},
		Accounts:        []AccountView{},
		UptimeSeconds:   int(time.Since(s.started).Seconds()),
		AuthDenials:     audit.DenyCount(),
	}
	for id, st := range b.Fallback().Cooldowns().Snapshot() {
		rep.ModelCooldowns = append(rep.ModelCooldowns, CooldownView{
			ID:                  id,
			RemainingSeconds:    ceilSeconds(st.Remaining),
			Reason:              shared.Redact(st.Reason),
			ConsecutiveFailures: st.ConsecutiveFailures,
		})
	}
	sort.Slice(rep.ModelCooldowns, func(i, j int) bool {
		return rep.ModelCooldowns[i].ID < rep.ModelCooldowns[j].ID
	})

	if s.cfg.Accounts != nil {
		for _, st := range b.Rotator().Statuses(s.cfg.Accounts) {
			av := AccountView{
				Username:       st.Username,
				Active:         st.Active,
				OnCooldown:     st.OnCooldown,
				Reason:         shared.Redact(st.Reason),
				RateLimitCount: st.RateLimitCount,
			}
			if st.OnCooldown {
				av.RemainingSeconds = ceilSeconds(st.Remaining)
			}
			if !st.LastUsed.IsZero() {
				av.LastUsed = st.LastUsed.UTC().Format(time.RFC3339)
			}
			rep.Accounts = append(rep.Accounts, av)
		}
	}

	if s.cfg.Store != nil {
		if counts, err := s.cfg.Store.CountRequests(ctx); err == nil {
			rep.Requests = counts
		}
		if stats, err := s.cfg.Store.CandidateStats(ctx, time.Now().Add(-24*time.Hour)); err == nil {
			for _, st := range stats {
				rep.Candidates = append(rep.Candidates, CandidateView{
					Scope:       st.Scope,
					Candidate:   st.Candidate,
					Attempts:    st.Attempts,
					SuccessRate: st.SuccessRate(),
					RateLimited: st.RateLimited,
					LastError:   st.LastError,
				})
			}
		}
	}
	if s.cfg.Bus != nil {
		rep.EventSubscribers = s.cfg.Bus.SubscriberCount()
	}
	return rep
}

func ceilSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if d%time.Second > 0 {
		secs++
	}
	return secs
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		openAIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}
	if !s.authorize(r) {
		openAIError(w, http.StatusUnauthorized, "invalid_api_key", "Invalid API key")
		return
	}
	writeJSON(w, http.StatusOK, s.Status(r.Context()))
}

// handleAPICooldowns implements DELETE /api/cooldowns[?scope=models|accounts][&id=x].
// Without scope both registries are cleared; with id only that entry is.
func (s *Server) handleAPICooldowns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		openAIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}
	if !s.authorize(r) {
		openAIError(w, http.StatusUnauthorized, "invalid_api_key", "Invalid API key")
		return
	}
	b := s.cfg.Broker
	var regs []*engine.CooldownRegistry
	switch scope := r.URL.Query().Get("scope"); scope {
	case "":
		regs = []*engine.CooldownRegistry{b.Fallback().Cooldowns(), b.Rotator().Cooldowns()}
	case b.Fallback().Cooldowns().Name():
		regs = []*engine.CooldownRegistry{b.Fallback().Cooldowns()}
	case b.Rotator().Cooldowns().Name():
		regs = []*engine.CooldownRegistry{b.Rotator().Cooldowns()}
	default:
		openAIError(w, http.StatusBadRequest, "invalid_request_error", "unknown cooldown scope "+scope)
		return
	}

	id := r.URL.Query().Get("id")
	cleared := map[string]int{}
	for _, reg := range regs {
		n := 0
		if id != "" {
			if _, ok := reg.Status(id); ok {
				n = 1
			}
			reg.Remove(id)
		} else {
			n = len(reg.Snapshot())
			reg.Clear()
		}
		cleared[reg.Name()] = n
		if s.cfg.Bus != nil {
			s.cfg.Bus.Publish(bus.TopicCooldownCleared, bus.CooldownEvent{Scope: reg.Name(), ID: id, Count: n})
		}
	}
	s.logger.Info("cooldowns cleared", "scope", r.URL.Query().Get("scope"), "id", id, "cleared", cleared)
	writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
}

type RequestView struct {
	ID               string `json:"id"`
	Protocol         string `json:"protocol"`
	RequestedModel   string `json:"requested_model"`
	UsedModel        string `json:"used_model,omitempty"`
	Account          string `json:"account,omitempty"`
	WasFallback      bool   `json:"was_fallback"`
	WasRotated       bool   `json:"was_rotated"`
	Stream           bool   `json:"stream"`
	Status           string `json:"status"`
	Error            string `json:"error,omitempty"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	DurationMs       int64  `json:"duration_ms"`
	CreatedAt        string `json:"created_at"`
}

// handleAPIRequests lists recent ledger rows, newest first.
func (s *Server) handleAPIRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		openAIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}
	if !s.authorize(r) {
		openAIError(w, http.StatusUnauthorized, "invalid_api_key", "Invalid API key")
		return
	}
	if s.cfg.Store == nil {
		openAIError(w, http.StatusServiceUnavailable, "ledger_unavailable", "request ledger not configured")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			openAIError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}
	recs, err := s.cfg.Store.ListRequests(r.Context(), limit)
	if err != nil {
		openAIError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	out := make([]RequestView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, RequestView{
			ID:               rec.ID,
			Protocol:         rec.Protocol,
			RequestedModel:   rec.RequestedModel,
			UsedModel:        rec.UsedModel,
			Account:          rec.Account,
			WasFallback:      rec.WasFallback,
			WasRotated:       rec.WasRotated,
			Stream:           rec.Stream,
			Status:           rec.Status,
			Error:            rec.Error,
			PromptTokens:     rec.PromptTokens,
			CompletionTokens: rec.CompletionTokens,
			DurationMs:       rec.Duration.Milliseconds(),
			CreatedAt:        rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": out})
}

// models returns the upstream catalogue, cached for a few minutes. Without
// an account or on upstream failure it serves the built-in list.
func (s *Server) models(ctx context.Context) []upstream.ModelInfo {
	s.modelsMu.Lock()
	defer s.modelsMu.Unlock()
	if s.modelsCache != nil && time.Since(s.modelsFetched) < modelCacheTTL {
		return s.modelsCache
	}

	if s.cfg.Models != nil && s.cfg.Accounts != nil {
		if acc := s.cfg.Accounts.ActiveAccount(); acc != nil {
			list, err := s.cfg.Models.Models(ctx, acc.Credential)
			if err == nil && len(list) > 0 {
				s.modelsCache = list
				s.modelsFetched = time.Now()
				return list
			}
			if err != nil {
				s.logger.Warn("gateway: model catalogue unavailable, using built-in list", "error", err)
			}
		}
	}

	builtin := config.DefaultModels()
	out := make([]upstream.ModelInfo, 0, len(builtin))
	for _, id := range builtin {
		out = append(out, upstream.ModelInfo{ID: id})
	}
	return out
}
