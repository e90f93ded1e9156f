package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const eventsKeepAlive = 15 * time.Second

// handleEvents implements GET /api/events[?topic=prefix]. It relays bus
// events (attempts, cooldowns, rotations, finished requests, reloads) as
// SSE, one event per message, named after its topic.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "event stream not available: event bus not configured", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	topic := r.URL.Query().Get("topic")
	sub := s.cfg.Bus.Subscribe(topic)
	defer s.cfg.Bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ctx := r.Context()
	keepAlive := time.NewTicker(eventsKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse: client disconnected", "topic", topic, "dropped", sub.Dropped())
			return

		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			data, err := json.Marshal(event.Payload)
			if err != nil {
				s.logger.Error("sse: marshal event", "topic", event.Topic, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Topic, data); err != nil {
				s.logger.Debug("sse: write failed (client disconnected?)", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
