package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Stream event types emitted by the relay.
const (
	EventTextStart = "text-start"
	EventTextDelta = "text-delta"
	EventToolCall  = "tool-call"
	EventTextEnd   = "text-end"
	EventFinish    = "finish"
)

// Normalized finish reasons.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
	FinishError         = "error"
)

// maxChunkLine bounds a single upstream NDJSON line.
const maxChunkLine = 1 << 20

// Usage is token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UnmarshalJSON accepts both OpenAI-style and Anthropic-style field names,
// since the gateway relays whatever the selected driver reports.
func (u *Usage) UnmarshalJSON(data []byte) error {
	var raw struct {
		PromptTokens     *int `json:"prompt_tokens"`
		CompletionTokens *int `json:"completion_tokens"`
		TotalTokens      *int `json:"total_tokens"`
		InputTokens      *int `json:"input_tokens"`
		OutputTokens     *int `json:"output_tokens"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*u = Usage{}
	switch {
	case raw.PromptTokens != nil:
		u.PromptTokens = *raw.PromptTokens
	case raw.InputTokens != nil:
		u.PromptTokens = *raw.InputTokens
	}
	switch {
	case raw.CompletionTokens != nil:
		u.CompletionTokens = *raw.CompletionTokens
	case raw.OutputTokens != nil:
		u.CompletionTokens = *raw.OutputTokens
	}
	if raw.TotalTokens != nil {
		u.TotalTokens = *raw.TotalTokens
	} else {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return nil
}

// ToolCallDelta is a tool invocation surfaced by the upstream stream.
type ToolCallDelta struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// StreamChunk is one decoded upstream chunk.
type StreamChunk struct {
	Type         string          `json:"type,omitempty"`
	Text         string          `json:"text,omitempty"`
	Done         bool            `json:"done,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
	ToolCalls    []ToolCallDelta `json:"tool_calls,omitempty"`
}

// StreamEvent is a normalized event handed to the gateway writer.
type StreamEvent struct {
	Type         string         `json:"type"`
	Delta        string         `json:"delta,omitempty"`
	ToolCall     *ToolCallDelta `json:"tool_call,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
	Usage        *Usage         `json:"usage,omitempty"`
	Text         string         `json:"text,omitempty"`
}

// RelaySummary is what the relay observed once the stream finished.
type RelaySummary struct {
	Text         string
	FinishReason string
	Usage        *Usage
	Chunks       int
	Skipped      int
}

// EmitFunc receives relay events in order. A non-nil error stops the relay,
// typically because the downstream client went away.
type EmitFunc func(StreamEvent) error

// Relay normalizes upstream chunks into stream events. A Relay is
// single-use and not safe for concurrent use.
type Relay struct {
	emit EmitFunc

	buf       strings.Builder
	segmentOn bool
	sawTool   bool
	usage     *Usage
	reason    string
	finished  bool
	chunks    int
	skipped   int
}

// NewRelay creates a relay writing to emit.
func NewRelay(emit EmitFunc) *Relay {
	return &Relay{emit: emit}
}

// Finished reports whether the finish event has been emitted.
func (r *Relay) Finished() bool { return r.finished }

// Push handles one chunk. It returns done=true once a terminal chunk has
// been processed; later chunks must not be pushed.
func (r *Relay) Push(c StreamChunk) (done bool, err error) {
	if r.finished {
		return true, nil
	}
	r.chunks++

	if c.Usage != nil {
		u := *c.Usage
		r.usage = &u
	}
	if c.FinishReason != "" {
		r.reason = NormalizeFinishReason(c.FinishReason)
	}

	if c.Text != "" {
		if !r.segmentOn {
			r.segmentOn = true
			if err := r.emit(StreamEvent{Type: EventTextStart}); err != nil {
				return false, err
			}
		}
		r.buf.WriteString(c.Text)
		if err := r.emit(StreamEvent{Type: EventTextDelta, Delta: c.Text}); err != nil {
			return false, err
		}
	}

	for i := range c.ToolCalls {
		r.sawTool = true
		tc := c.ToolCalls[i]
		if err := r.emit(StreamEvent{Type: EventToolCall, ToolCall: &tc}); err != nil {
			return false, err
		}
	}

	// finish_reason may be followed by a usage chunk; only done ends it.
	if c.Done || c.Type == "done" {
		return true, r.Finish("")
	}
	return false, nil
}

// Finish closes any open text segment and emits the single finish event.
// reason overrides the observed finish reason when non-empty. Calling
// Finish more than once is a no-op.
func (r *Relay) Finish(reason string) error {
	if r.finished {
		return nil
	}
	r.finished = true

	if r.segmentOn {
		r.segmentOn = false
		if err := r.emit(StreamEvent{Type: EventTextEnd, Text: r.buf.String()}); err != nil {
			return err
		}
	}

	switch {
	case reason != "":
		r.reason = NormalizeFinishReason(reason)
	case r.reason == "" && r.sawTool:
		r.reason = FinishToolCalls
	case r.reason == "":
		r.reason = FinishStop
	}
	return r.emit(StreamEvent{
		Type:         EventFinish,
		FinishReason: r.reason,
		Usage:        r.usage,
		Text:         r.buf.String(),
	})
}

// Summary returns what the relay has seen so far.
func (r *Relay) Summary() RelaySummary {
	return RelaySummary{
		Text:         r.buf.String(),
		FinishReason: r.reason,
		Usage:        r.usage,
		Chunks:       r.chunks,
		Skipped:      r.skipped,
	}
}

// RelayNDJSON reads newline-delimited JSON chunks from src and emits
// normalized events. SSE "data:" prefixes and a "[DONE]" sentinel are
// tolerated. Unparseable lines are skipped. If src ends without a terminal
// chunk the stream is still finalized; a read error finalizes with reason
// "error" and is returned.
func RelayNDJSON(ctx context.Context, src io.Reader, emit EmitFunc) (RelaySummary, error) {
	r := NewRelay(emit)

	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, 64*1024), maxChunkLine)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			_ = r.Finish(FinishError)
			return r.Summary(), err
		}

		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			line = bytes.TrimSpace(rest)
		}
		if bytes.Equal(line, []byte("[DONE]")) {
			err := r.Finish("")
			return r.Summary(), err
		}

		var c StreamChunk
		if err := json.Unmarshal(line, &c); err != nil {
			r.skipped++
			continue
		}
		done, err := r.Push(c)
		if err != nil {
			return r.Summary(), err
		}
		if done {
			return r.Summary(), nil
		}
	}

	if err := sc.Err(); err != nil {
		_ = r.Finish(FinishError)
		return r.Summary(), fmt.Errorf("read upstream stream: %w", err)
	}
	err := r.Finish("")
	return r.Summary(), err
}

// RelayChunks relays an already-decoded chunk sequence. It stops at the
// first terminal chunk and finalizes when the channel closes.
func RelayChunks(ctx context.Context, chunks <-chan StreamChunk, emit EmitFunc) (RelaySummary, error) {
	r := NewRelay(emit)
	for {
		select {
		case <-ctx.Done():
			_ = r.Finish(FinishError)
			return r.Summary(), ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				err := r.Finish("")
				return r.Summary(), err
			}
			done, err := r.Push(c)
			if err != nil {
				return r.Summary(), err
			}
			if done {
				return r.Summary(), nil
			}
		}
	}
}

// NormalizeFinishReason maps provider-specific finish reasons onto the
// OpenAI vocabulary.
func NormalizeFinishReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "", "stop", "end_turn", "stop_sequence", "finish_reason_stop", "complete", "completed":
		return FinishStop
	case "length", "max_tokens", "max_output_tokens", "finish_reason_max_tokens":
		return FinishLength
	case "tool_calls", "tool_use", "function_call":
		return FinishToolCalls
	case "content_filter", "safety", "recitation", "blocklist", "prohibited_content":
		return FinishContentFilter
	case "error":
		return FinishError
	}
	return FinishStop
}
