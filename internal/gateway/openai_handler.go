package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/basket/puter-bridge/internal/broker"
	"github.com/basket/puter-bridge/internal/engine"
	"github.com/basket/puter-bridge/internal/telemetry"
	"github.com/basket/puter-bridge/internal/upstream"
)

const protocolOpenAI = "openai"

func (s *Server) handleOpenAIChatCompletion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		openAIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}
	if !s.authorize(r) {
		openAIError(w, http.StatusUnauthorized, "invalid_api_key", "Invalid API key")
		return
	}

	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			openAIError(w, http.StatusRequestEntityTooLarge, "request_too_large", "Request body too large")
			return
		}
		openAIError(w, http.StatusBadRequest, "invalid_request_error", "Invalid JSON")
		return
	}
	if len(req.Messages) == 0 {
		openAIError(w, http.StatusBadRequest, "invalid_request_error", "Messages list is empty")
		return
	}

	breq := broker.Request{
		Protocol:    protocolOpenAI,
		Model:       req.Model,
		Fallbacks:   fallbackHeader(r),
		Messages:    openAIMessages(req.Messages),
		Temperature: req.Temperature,
		Tools:       req.Tools,
	}
	switch {
	case req.MaxCompletionTokens != nil:
		breq.MaxTokens = *req.MaxCompletionTokens
	case req.MaxTokens != nil:
		breq.MaxTokens = *req.MaxTokens
	}

	if req.Stream {
		includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage
		s.handleOpenAIStream(w, r, breq, includeUsage)
		return
	}
	s.handleOpenAINonStream(w, r, breq)
}

// fallbackHeader reads a per-request fallback chain, comma separated.
func fallbackHeader(r *http.Request) []string {
	raw := r.Header.Get("X-Puter-Fallbacks")
	if raw == "" {
		return nil
	}
	var out []string
	for _, m := range strings.Split(raw, ",") {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

func openAIMessages(msgs []ChatCompletionMessage) []upstream.Message {
	out := make([]upstream.Message, 0, len(msgs))
	for _, m := range msgs {
		um := upstream.Message{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		if len(m.ToolCalls) > 0 {
			if raw, err := json.Marshal(m.ToolCalls); err == nil {
				um.ToolCalls = raw
			}
		}
		out = append(out, um)
	}
	return out
}

func setResultHeaders(w http.ResponseWriter, res *broker.Response) {
	w.Header().Set("X-Puter-Model", res.Model)
	if res.WasFallback {
		w.Header().Set("X-Puter-Fallback", "true")
	}
}

func openAIToolCalls(calls []engine.ToolCallDelta, indexed bool, offset int) []ToolCall {
	out := make([]ToolCall, 0, len(calls))
	for i, tc := range calls {
		call := ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: ToolFunction{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		}
		if call.ID == "" {
			call.ID = fmt.Sprintf("call_%d", offset+i)
		}
		if call.Function.Arguments == "" {
			call.Function.Arguments = "{}"
		}
		if indexed {
			idx := offset + i
			call.Index = &idx
		}
		out = append(out, call)
	}
	return out
}

func (s *Server) handleOpenAINonStream(w http.ResponseWriter, r *http.Request, breq broker.Request) {
	res, err := s.cfg.Broker.Complete(r.Context(), breq)
	if err != nil {
		writeBrokerError(w, r, err)
		return
	}

	msg := &ChatCompletionMessage{Role: "assistant", Content: res.Text}
	if len(res.ToolCalls) > 0 {
		msg.ToolCalls = openAIToolCalls(res.ToolCalls, false, 0)
		if res.Text == "" {
			msg.Content = nil
		}
	}
	finish := res.FinishReason
	if finish == "" {
		finish = engine.FinishStop
	}

	setResultHeaders(w, res)
	writeJSON(w, http.StatusOK, ChatCompletionResponse{
		ID:      "chatcmpl-" + res.RequestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   res.Model,
		Choices: []ChatCompletionChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: &finish,
		}},
		Usage: &Usage{
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens:      res.Usage.TotalTokens,
		},
	})
}

// handleOpenAIStream relays a streamed completion as OpenAI SSE chunks.
// Failures before the first chunk are answered as normal JSON errors; later
// ones end the stream with an error event.
func (s *Server) handleOpenAIStream(w http.ResponseWriter, r *http.Request, breq broker.Request, includeUsage bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		openAIError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}
	ctx := r.Context()
	logger := telemetry.FromContext(ctx, s.logger)

	var (
		started bool
		id      string
		model   string
		created = time.Now().Unix()
		toolIdx int
	)
	writeChunk := func(v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	chunk := func(delta *ChatCompletionDelta, finish *string) ChatCompletionResponse {
		return ChatCompletionResponse{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []ChatCompletionChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		}
	}

	res, err := s.cfg.Broker.Stream(ctx, breq, func(res *broker.Response, ev engine.StreamEvent) error {
		if !started {
			started = true
			id = "chatcmpl-" + res.RequestID
			model = res.Model
			setResultHeaders(w, res)
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			if err := writeChunk(chunk(&ChatCompletionDelta{Role: "assistant"}, nil)); err != nil {
				return err
			}
		}
		switch ev.Type {
		case engine.EventTextDelta:
			return writeChunk(chunk(&ChatCompletionDelta{Content: ev.Delta}, nil))
		case engine.EventToolCall:
			if ev.ToolCall == nil {
				return nil
			}
			calls := openAIToolCalls([]engine.ToolCallDelta{*ev.ToolCall}, true, toolIdx)
			toolIdx++
			return writeChunk(chunk(&ChatCompletionDelta{ToolCalls: calls}, nil))
		case engine.EventFinish:
			reason := ev.FinishReason
			if reason == "" {
				reason = engine.FinishStop
			}
			return writeChunk(chunk(&ChatCompletionDelta{}, &reason))
		}
		return nil
	})
	if err != nil {
		if !started {
			writeBrokerError(w, r, err)
			return
		}
		if ctx.Err() != nil {
			logger.Debug("openai: client went away mid-stream", "error", err)
			return
		}
		logger.Error("openai stream error", "error", err)
		ae := classifyError(err)
		_ = writeChunk(map[string]any{"error": map[string]any{
			"message": ae.Message,
			"type":    "server_error",
			"code":    ae.Code,
		}})
		return
	}

	if includeUsage {
		_ = writeChunk(ChatCompletionResponse{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []ChatCompletionChoice{},
			Usage: &Usage{
				PromptTokens:     res.Usage.PromptTokens,
				CompletionTokens: res.Usage.CompletionTokens,
				TotalTokens:      res.Usage.TotalTokens,
			},
		})
	}
	if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err == nil {
		flusher.Flush()
	}
}

func (s *Server) handleOpenAIModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		openAIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}
	if !s.authorize(r) {
		openAIError(w, http.StatusUnauthorized, "invalid_api_key", "Invalid API key")
		return
	}

	list := s.models(r.Context())
	models := make([]Model, 0, len(list))
	for _, m := range list {
		owner := m.Provider
		if owner == "" {
			owner = "puter"
		}
		models = append(models, Model{
			ID:      m.ID,
			Object:  "model",
			Created: s.started.Unix(),
			OwnedBy: owner,
		})
	}
	writeJSON(w, http.StatusOK, ModelListResponse{Object: "list", Data: models})
}
