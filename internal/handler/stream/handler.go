// Package stream serves the attach endpoints: Server-Sent Events and
// WebSocket views over a session's checkpointed fragment sequence. Both
// transports replay from any offset and hand over to the live feed, so a
// client that disconnects mid-generation reattaches without losing tokens.
package stream

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	chatservice "github.com/midstream-ai/midstream/internal/service/chat"
	"github.com/midstream-ai/midstream/pkg/utils"
)

// Handler serves SSE and WebSocket attachments.
type Handler struct {
	svc      *chatservice.Service
	retry    time.Duration
	upgrader websocket.Upgrader
}

// New creates a stream handler. retry is the reconnect hint sent to SSE
// clients, so browser EventSource auto-reconnect does not hammer the server.
func New(svc *chatservice.Service, retry time.Duration) *Handler {
	return &Handler{
		svc:   svc,
		retry: retry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes mounts the attach routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chat/{sessionID}/stream", h.handleSSE)
	r.Get("/chat/{sessionID}/ws", h.handleWebSocket)
}

type initPayload struct {
	SessionID string `json:"sessionId"`
	ThreadID  string `json:"threadId,omitempty"`
	From      int    `json:"from"`
}

type terminalPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// initPayload assembles the preamble event. The thread id is best-effort:
// a session that just attached must exist, but a store hiccup only costs
// the client the thread reference, not the stream.
func (h *Handler) initPayload(ctx context.Context, sessionID string, from int) initPayload {
	payload := initPayload{SessionID: sessionID, From: from}
	if sess, err := h.svc.Session(ctx, sessionID); err == nil {
		payload.ThreadID = sess.ThreadID
	}
	return payload
}

// attachOffset resolves where the client wants the stream to start. An
// explicit ?from query wins; otherwise a Last-Event-ID header from an SSE
// auto-reconnect resumes one past the last fragment the client saw.
func attachOffset(r *http.Request) (int, error) {
	if raw := r.URL.Query().Get("from"); raw != "" {
		from, err := strconv.Atoi(raw)
		if err != nil || from < 0 {
			return 0, errors.New("from must be a non-negative integer")
		}
		return from, nil
	}
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		last, err := strconv.Atoi(raw)
		if err != nil || last < 0 {
			return 0, errors.New("Last-Event-ID must be a non-negative integer")
		}
		return last + 1, nil
	}
	return 0, nil
}

// handleSSE attaches the client to a session over Server-Sent Events.
// Fragments carry their sequence number as the SSE event id, so the
// browser's automatic reconnect resumes exactly where it left off.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	from, err := attachOffset(r)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Attach before committing to the SSE content type, so an unknown
	// session still gets a plain 404.
	sub, err := h.svc.Attach(r.Context(), sessionID, from)
	if errors.Is(err, chatservice.ErrSessionNotFound) {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to attach")
		return
	}
	defer sub.Close()

	utils.SetupSSEHeaders(w)
	utils.WriteSSERetry(w, flusher, h.retry)
	utils.WriteSSEEvent(w, flusher, -1, "init", h.initPayload(r.Context(), sessionID, from))

	for {
		ev, err := sub.Next(r.Context())
		if errors.Is(err, chatservice.ErrDetached) {
			log.Printf("[sse] session=%s subscriber superseded", sessionID)
			return
		}
		if err != nil {
			log.Printf("[sse] session=%s client departed: %v", sessionID, err)
			return
		}
		if ev.Terminal() {
			utils.WriteSSEEvent(w, flusher, -1, string(ev.Kind), terminalPayload{
				SessionID: sessionID,
				Reason:    ev.Reason,
			})
			log.Printf("[sse] session=%s stream finished event=%s", sessionID, ev.Kind)
			return
		}
		utils.WriteSSEEvent(w, flusher, ev.Fragment.Seq, "fragment", ev.Fragment)
	}
}
