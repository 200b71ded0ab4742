package stream

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	chatservice "github.com/midstream-ai/midstream/internal/service/chat"
)

const (
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	pingInterval  = 54 * time.Second
)

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// handleWebSocket attaches the client over a WebSocket. The server pushes
// the same init/fragment/terminal sequence as the SSE endpoint; inbound
// frames are drained only to surface pongs and connection loss.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	from, err := attachOffset(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Attach before upgrading so an unknown session is an HTTP 404 rather
	// than a WebSocket close code.
	sub, err := h.svc.Attach(r.Context(), sessionID, from)
	if errors.Is(err, chatservice.ErrSessionNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to attach", http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("[websocket] session=%s attached from=%d", sessionID, from)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	go h.pingLoop(ctx, conn)
	go h.drainReads(cancel, conn)

	if h.send(conn, outgoingMessage{
		Type:      "init",
		SessionID: sessionID,
		Data:      h.initPayload(ctx, sessionID, from),
	}) != nil {
		return
	}

	for {
		ev, err := sub.Next(ctx)
		if errors.Is(err, chatservice.ErrDetached) {
			log.Printf("[websocket] session=%s subscriber superseded", sessionID)
			h.closeConn(conn, websocket.ClosePolicyViolation, "superseded by a newer subscriber")
			return
		}
		if err != nil {
			log.Printf("[websocket] session=%s client departed: %v", sessionID, err)
			return
		}
		if ev.Terminal() {
			h.send(conn, outgoingMessage{
				Type:      string(ev.Kind),
				SessionID: sessionID,
				Data:      terminalPayload{SessionID: sessionID, Reason: ev.Reason},
			})
			h.closeConn(conn, websocket.CloseNormalClosure, string(ev.Kind))
			return
		}
		if h.send(conn, outgoingMessage{
			Type:      "fragment",
			SessionID: sessionID,
			Data:      ev.Fragment,
		}) != nil {
			return
		}
	}
}

// drainReads discards inbound frames. The client is not expected to talk,
// but reading is what delivers pongs and notices the peer going away.
func (h *Handler) drainReads(cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[websocket] read error: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))
	}
}

func (h *Handler) send(conn *websocket.Conn, msg outgoingMessage) error {
	msg.Timestamp = time.Now().Unix()
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteJSON(msg); err != nil {
		log.Printf("[websocket] write failed: %v", err)
		return err
	}
	return nil
}

func (h *Handler) closeConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeDeadline))
}

// pingLoop keeps idle attachments alive. WriteControl is safe to call
// concurrently with the push loop's writes.
func (h *Handler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		}
	}
}
