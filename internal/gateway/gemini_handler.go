package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/basket/puter-bridge/internal/broker"
	"github.com/basket/puter-bridge/internal/engine"
	"github.com/basket/puter-bridge/internal/telemetry"
	"github.com/basket/puter-bridge/internal/tokenutil"
	"github.com/basket/puter-bridge/internal/upstream"
)

const (
	protocolGemini = "gemini"

	methodGenerate       = "generateContent"
	methodStreamGenerate = "streamGenerateContent"
	methodCountTokens    = "countTokens"
)

// geminiRequest is the REST body of generateContent and friends.
type geminiRequest struct {
	Contents          []*genai.Content        `json:"contents"`
	SystemInstruction *genai.Content          `json:"systemInstruction,omitempty"`
	Tools             []*genai.Tool           `json:"tools,omitempty"`
	GenerationConfig  *genai.GenerationConfig `json:"generationConfig,omitempty"`
}

// geminiModel is one entry of the v1beta model list.
type geminiModel struct {
	Name                       string   `json:"name"`
	BaseModelID                string   `json:"baseModelId"`
	DisplayName                string   `json:"displayName"`
	InputTokenLimit            int      `json:"inputTokenLimit"`
	SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
}

// parseGeminiPath splits /v1beta/models/{model}[:method]. Model ids may
// themselves contain colons (provider prefixes), so only a known trailing
// method is split off.
func parseGeminiPath(path string) (model, method string, ok bool) {
	rest, found := strings.CutPrefix(path, "/v1beta/models/")
	if !found || rest == "" {
		return "", "", false
	}
	if i := strings.LastIndex(rest, ":"); i > 0 {
		switch m := rest[i+1:]; m {
		case methodGenerate, methodStreamGenerate, methodCountTokens:
			return rest[:i], m, true
		}
	}
	return rest, "", true
}

func geminiModelView(id string) geminiModel {
	return geminiModel{
		Name:                       "models/" + id,
		BaseModelID:                id,
		DisplayName:                id,
		InputTokenLimit:            tokenutil.ContextLimitForModel(id),
		SupportedGenerationMethods: []string{methodGenerate, methodStreamGenerate, methodCountTokens},
	}
}

func (s *Server) handleGeminiModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		googleError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		googleError(w, http.StatusUnauthorized, "API key not valid. Please pass a valid API key.")
		return
	}
	list := s.models(r.Context())
	out := make([]geminiModel, 0, len(list))
	for _, m := range list {
		out = append(out, geminiModelView(m.ID))
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": out})
}

func (s *Server) handleGeminiModel(w http.ResponseWriter, r *http.Request) {
	model, method, ok := parseGeminiPath(r.URL.Path)
	if !ok {
		googleError(w, http.StatusNotFound, "model not specified")
		return
	}
	if !s.authorize(r) {
		googleError(w, http.StatusUnauthorized, "API key not valid. Please pass a valid API key.")
		return
	}

	if method == "" {
		if r.Method != http.MethodGet {
			googleError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, geminiModelView(model))
		return
	}
	if r.Method != http.MethodPost {
		googleError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req geminiRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			googleError(w, http.StatusRequestEntityTooLarge, "Request payload size exceeds the limit")
			return
		}
		googleError(w, http.StatusBadRequest, "Invalid JSON payload received.")
		return
	}
	if len(req.Contents) == 0 {
		googleError(w, http.StatusBadRequest, "contents is not specified")
		return
	}

	msgs := geminiMessages(req)
	if method == methodCountTokens {
		texts := make([]string, 0, len(msgs))
		for _, m := range msgs {
			texts = append(texts, broker.MessageText(m.Content))
		}
		writeJSON(w, http.StatusOK, &genai.CountTokensResponse{TotalTokens: int32(tokenutil.EstimatePrompt(texts))})
		return
	}

	breq := broker.Request{
		Protocol:  protocolGemini,
		Model:     model,
		Fallbacks: fallbackHeader(r),
		Messages:  msgs,
		Tools:     geminiTools(req.Tools),
	}
	if gc := req.GenerationConfig; gc != nil {
		if gc.Temperature != nil {
			t := float64(*gc.Temperature)
			breq.Temperature = &t
		}
		breq.MaxTokens = int(gc.MaxOutputTokens)
	}

	if method == methodStreamGenerate {
		s.handleGeminiStream(w, r, breq, r.URL.Query().Get("alt") == "sse")
		return
	}

	res, err := s.cfg.Broker.Complete(r.Context(), breq)
	if err != nil {
		writeBrokerError(w, r, err)
		return
	}
	setResultHeaders(w, res)
	writeJSON(w, http.StatusOK, geminiResponse(res.Model, geminiParts(res.Text, res.ToolCalls), res.FinishReason, &res.Usage))
}

// geminiMessages flattens Gemini contents into upstream chat messages.
// Function calls become assistant tool calls and function responses become
// tool messages keyed by call id, or by function name when the id is absent.
func geminiMessages(req geminiRequest) []upstream.Message {
	var out []upstream.Message
	if si := req.SystemInstruction; si != nil {
		var texts []string
		for _, p := range si.Parts {
			if p != nil && p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		if len(texts) > 0 {
			out = append(out, upstream.Message{Role: "system", Content: strings.Join(texts, "\n")})
		}
	}

	for _, c := range req.Contents {
		if c == nil {
			continue
		}
		role := "user"
		if c.Role == "model" {
			role = "assistant"
		}

		var (
			text      []string
			media     []map[string]any
			toolCalls []ToolCall
		)
		for _, p := range c.Parts {
			if p == nil {
				continue
			}
			switch {
			case p.FunctionCall != nil:
				args, _ := json.Marshal(p.FunctionCall.Args)
				id := p.FunctionCall.ID
				if id == "" {
					id = p.FunctionCall.Name
				}
				toolCalls = append(toolCalls, ToolCall{
					ID:       id,
					Type:     "function",
					Function: ToolFunction{Name: p.FunctionCall.Name, Arguments: string(args)},
				})
			case p.FunctionResponse != nil:
				body, _ := json.Marshal(p.FunctionResponse.Response)
				id := p.FunctionResponse.ID
				if id == "" {
					id = p.FunctionResponse.Name
				}
				out = append(out, upstream.Message{
					Role:       "tool",
					Name:       p.FunctionResponse.Name,
					ToolCallID: id,
					Content:    string(body),
				})
			case p.InlineData != nil:
				media = append(media, map[string]any{
					"type": "image_url",
					"image_url": map[string]any{
						"url": fmt.Sprintf("data:%s;base64,%s", p.InlineData.MIMEType, base64.StdEncoding.EncodeToString(p.InlineData.Data)),
					},
				})
			case p.Text != "":
				text = append(text, p.Text)
			}
		}

		if len(text) == 0 && len(media) == 0 && len(toolCalls) == 0 {
			continue
		}
		msg := upstream.Message{Role: role}
		if len(media) > 0 {
			parts := make([]map[string]any, 0, len(text)+len(media))
			for _, t := range text {
				parts = append(parts, map[string]any{"type": "text", "text": t})
			}
			msg.Content = append(parts, media...)
		} else {
			msg.Content = strings.Join(text, "")
		}
		if len(toolCalls) > 0 {
			msg.ToolCalls, _ = json.Marshal(toolCalls)
		}
		out = append(out, msg)
	}
	return out
}

// geminiTools converts function declarations to OpenAI-style tools, the
// shape the Puter driver accepts.
func geminiTools(tools []*genai.Tool) []json.RawMessage {
	var out []json.RawMessage
	for _, t := range tools {
		if t == nil {
			continue
		}
		for _, fd := range t.FunctionDeclarations {
			if fd == nil {
				continue
			}
			fn := map[string]any{"name": fd.Name}
			if fd.Description != "" {
				fn["description"] = fd.Description
			}
			if fd.Parameters != nil {
				fn["parameters"] = fd.Parameters
			}
			raw, err := json.Marshal(map[string]any{"type": "function", "function": fn})
			if err != nil {
				continue
			}
			out = append(out, raw)
		}
	}
	return out
}

func geminiParts(text string, calls []engine.ToolCallDelta) []*genai.Part {
	var parts []*genai.Part
	if text != "" {
		parts = append(parts, &genai.Part{Text: text})
	}
	for _, tc := range calls {
		parts = append(parts, &genai.Part{FunctionCall: geminiFunctionCall(tc)})
	}
	return parts
}

func geminiFunctionCall(tc engine.ToolCallDelta) *genai.FunctionCall {
	args := map[string]any{}
	if tc.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
			args = map[string]any{"raw": tc.Arguments}
		}
	}
	return &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args}
}

func geminiFinishReason(reason string) genai.FinishReason {
	switch reason {
	case engine.FinishLength:
		return genai.FinishReasonMaxTokens
	case engine.FinishContentFilter:
		return genai.FinishReasonSafety
	case engine.FinishError:
		return genai.FinishReasonOther
	}
	return genai.FinishReasonStop
}

// geminiResponse builds one response object. An empty finish reason marks
// an intermediate stream chunk; usage is attached only when non-nil.
func geminiResponse(model string, parts []*genai.Part, finish string, usage *engine.Usage) *genai.GenerateContentResponse {
	cand := &genai.Candidate{
		Content: &genai.Content{Role: "model", Parts: parts},
		Index:   0,
	}
	if finish != "" {
		cand.FinishReason = geminiFinishReason(finish)
	}
	resp := &genai.GenerateContentResponse{
		Candidates:   []*genai.Candidate{cand},
		ModelVersion: model,
	}
	if usage != nil {
		resp.UsageMetadata = &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     int32(usage.PromptTokens),
			CandidatesTokenCount: int32(usage.CompletionTokens),
			TotalTokenCount:      int32(usage.TotalTokens),
		}
	}
	return resp
}

// handleGeminiStream writes streamGenerateContent output. With alt=sse each
// chunk is an SSE data line; otherwise the chunks form one JSON array that is
// flushed element by element.
func (s *Server) handleGeminiStream(w http.ResponseWriter, r *http.Request, breq broker.Request, sse bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		googleError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	ctx := r.Context()
	logger := telemetry.FromContext(ctx, s.logger)

	var (
		started bool
		written int
		model   string
	)
	writeChunk := func(v *genai.GenerateContentResponse) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		switch {
		case sse:
			_, err = fmt.Fprintf(w, "data: %s\n\n", b)
		case written == 0:
			_, err = fmt.Fprintf(w, "[%s", b)
		default:
			_, err = fmt.Fprintf(w, ",\n%s", b)
		}
		if err != nil {
			return err
		}
		written++
		flusher.Flush()
		return nil
	}

	res, err := s.cfg.Broker.Stream(ctx, breq, func(res *broker.Response, ev engine.StreamEvent) error {
		if !started {
			started = true
			model = res.Model
			setResultHeaders(w, res)
			if sse {
				w.Header().Set("Content-Type", "text/event-stream")
				w.Header().Set("Cache-Control", "no-cache")
				w.Header().Set("X-Accel-Buffering", "no")
			} else {
				w.Header().Set("Content-Type", "application/json")
			}
			w.WriteHeader(http.StatusOK)
		}
		switch ev.Type {
		case engine.EventTextDelta:
			return writeChunk(geminiResponse(model, []*genai.Part{{Text: ev.Delta}}, "", nil))
		case engine.EventToolCall:
			if ev.ToolCall == nil {
				return nil
			}
			return writeChunk(geminiResponse(model, []*genai.Part{{FunctionCall: geminiFunctionCall(*ev.ToolCall)}}, "", nil))
		}
		return nil
	})
	if err != nil {
		if !started {
			writeBrokerError(w, r, err)
			return
		}
		if ctx.Err() != nil {
			logger.Debug("gemini: client went away mid-stream", "error", err)
			return
		}
		logger.Error("gemini stream error", "error", err)
		if !sse && written > 0 {
			fmt.Fprint(w, "]")
		}
		return
	}

	// Final chunk carries the finish reason and settled usage.
	_ = writeChunk(geminiResponse(model, []*genai.Part{}, res.FinishReason, &res.Usage))
	if !sse {
		fmt.Fprint(w, "]")
	}
	flusher.Flush()
}
