package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stewardhq/steward/runtime/fault"
	"github.com/stewardhq/steward/runtime/obs"
)

// streamHeartbeat is the keep-alive comment interval for idle streams.
const streamHeartbeat = 15 * time.Second

// handleStream serves the live observability stream as server-sent events.
// Each bus event becomes one SSE message whose event name is the event type,
// delivered in push order. The stream ends when the client disconnects or the
// subscriber falls behind the bus and is cut off.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if _, err := s.auth.Authenticate(r); err != nil {
		s.writeError(w, r, fault.Wrap(fault.KindUnauthorized, err))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, fault.New(fault.KindInternal, "streaming unsupported by connection"))
		return
	}

	q := r.URL.Query()
	sub := s.bus.Subscribe(r.Context(), obs.Filter{
		UserID:         q.Get("userId"),
		ConversationID: q.Get("conversationId"),
		AgentSlug:      q.Get("agentSlug"),
		TaskID:         q.Get("taskId"),
	})
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case e, open := <-sub.Events():
			if !open {
				if sub.Dropped() {
					s.logger.Warn(r.Context(), "stream subscriber cut off for falling behind")
					s.metrics.IncCounter("httpapi.stream.cutoffs", 1)
				}
				return
			}
			if err := writeSSE(w, e); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE emits one event in SSE framing: the event name mirrors the event
// type and the data line carries the event as a single JSON document.
func writeSSE(w http.ResponseWriter, e *obs.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.EventType, data)
	return err
}
