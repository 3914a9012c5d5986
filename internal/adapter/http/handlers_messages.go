package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/portdaddy/portdaddy/internal/domain/message"
)

// messageFrame is the wire shape of one message: the stored payload is
// raw JSON and is re-emitted verbatim rather than re-encoded.
type messageFrame struct {
	ID        int64           `json:"id"`
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
	Sender    string          `json:"sender,omitempty"`
	CreatedAt int64           `json:"createdAt"`
}

func toFrame(m message.Message) messageFrame {
	return messageFrame{
		ID:        m.ID,
		Channel:   m.Channel,
		Payload:   json.RawMessage(m.Payload),
		Sender:    m.Sender,
		CreatedAt: m.CreatedAt,
	}
}

type publishRequest struct {
	Payload json.RawMessage `json:"payload"`
	Sender  string          `json:"sender,omitempty"`
	Expires int64           `json:"expires,omitempty"`
}

// Publish handles POST /msg/{channel}.
func (h *Handlers) Publish(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[publishRequest](w, r, int64(h.Cfg.Payload.MaxBytes))
	if !ok {
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload is required", "VALIDATION_ERROR")
		return
	}
	id, err := h.Messaging.Publish(r.Context(), urlParam(r, "channel"), req.Payload, req.Sender, req.Expires)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

// GetMessages handles GET /msg/{channel}.
func (h *Handlers) GetMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.Messaging.Get(r.Context(), urlParam(r, "channel"),
		queryInt64(r, "after", 0), queryInt(r, "limit", 100))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	frames := make([]messageFrame, 0, len(msgs))
	for _, m := range msgs {
		frames = append(frames, toFrame(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(frames), "messages": frames})
}

// PollMessages handles GET /msg/{channel}/poll: long-poll for the first
// message after the given id. A timeout returns an empty object.
func (h *Handlers) PollMessages(w http.ResponseWriter, r *http.Request) {
	timeout := time.Duration(queryInt64(r, "timeout", 30_000)) * time.Millisecond
	msg, err := h.Messaging.Poll(r.Context(), urlParam(r, "channel"),
		queryInt64(r, "after", 0), timeout, clientIP(r))
	if err != nil {
		if r.Context().Err() != nil {
			return // client went away
		}
		writeDomainError(w, err)
		return
	}
	if msg == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": toFrame(*msg)})
}

// sseHeartbeatInterval keeps idle SSE connections from being reaped by
// intermediaries.
const sseHeartbeatInterval = 30 * time.Second

// SubscribeSSE handles GET /msg/{channel}/subscribe: an SSE stream that
// opens with an "event: connected" frame, forwards each published message
// as "data: <json>", heartbeats every 30 s, and is capped at the
// configured absolute connection lifetime.
func (h *Handlers) SubscribeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "INTERNAL")
		return
	}

	sub, err := h.Messaging.Subscribe(urlParam(r, "channel"), clientIP(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()
	lifetime := time.NewTimer(h.Cfg.Messaging.SSETimeout)
	defer lifetime.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done:
			return
		case <-lifetime.C:
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ":heartbeat\n\n")
			flusher.Flush()
		case m := <-sub.C:
			data, err := json.Marshal(toFrame(m))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
