// Package chat exposes the session lifecycle over HTTP: starting a
// generation, stopping it, and inspecting sessions, threads, and the
// provider table. The streaming attach endpoints live in handler/stream.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/midstream-ai/midstream/internal/checkpoint"
	"github.com/midstream-ai/midstream/internal/model/chat"
	"github.com/midstream-ai/midstream/internal/provider"
	chatservice "github.com/midstream-ai/midstream/internal/service/chat"
	"github.com/midstream-ai/midstream/pkg/utils"
)

// Handler serves the chat control endpoints.
type Handler struct {
	svc      *chatservice.Service
	registry *provider.Registry
}

func New(svc *chatservice.Service, registry *provider.Registry) *Handler {
	return &Handler{svc: svc, registry: registry}
}

// RegisterRoutes mounts the control routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleStart)
	r.Post("/chat/stop", h.handleStop)
	r.Get("/chat/{sessionID}", h.handleSession)
	r.Get("/threads/{threadID}", h.handleThread)
	r.Get("/providers", h.handleProviders)
}

type startPayload struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Prompt   string `json:"prompt"`
	System   string `json:"systemPrompt"`
	ThreadID string `json:"threadId"`
	Stream   *bool  `json:"stream"`
}

type startedResponse struct {
	chat.Session
	StreamURL string `json:"streamUrl"`
}

type syncResponse struct {
	chat.Session
	Text string `json:"text"`
}

// handleStart launches a generation. The default response returns
// immediately with the attach URL; stream=false drains the session inline
// and responds once with the full text.
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var payload startPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := h.svc.Start(r.Context(), chatservice.StartRequest{
		Provider: payload.Provider,
		Model:    payload.Model,
		Prompt:   payload.Prompt,
		System:   payload.System,
		ThreadID: payload.ThreadID,
	})
	switch {
	case err == nil:
	case errors.Is(err, chatservice.ErrPromptRequired),
		errors.Is(err, provider.ErrUnknownProvider):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, checkpoint.ErrThreadNotFound):
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	default:
		utils.RespondError(w, http.StatusInternalServerError, "failed to start generation")
		return
	}

	if payload.Stream != nil && !*payload.Stream {
		h.respondSync(w, r, sess)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, startedResponse{
		Session:   sess,
		StreamURL: fmt.Sprintf("/api/v1/chat/%s/stream", sess.ID),
	})
}

// respondSync drains the freshly started session and answers with the final
// state. The generation itself still checkpoints as usual, so a timed-out
// client can re-fetch the result later.
func (h *Handler) respondSync(w http.ResponseWriter, r *http.Request, sess chat.Session) {
	sub, err := h.svc.Attach(r.Context(), sess.ID, 0)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to follow generation")
		return
	}
	defer sub.Close()

	text, _, err := chatservice.Collect(r.Context(), sub)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "generation did not finish")
		return
	}

	final, err := h.svc.Session(r.Context(), sess.ID)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	utils.RespondJSON(w, http.StatusOK, syncResponse{Session: final, Text: text})
}

type stopPayload struct {
	SessionID string `json:"sessionId"`
}

// handleStop requests a cooperative interrupt. 200 means the prefix is
// durable and the session is marked interrupted; 504 means the request was
// delivered but the producer had not confirmed within the wait bound.
func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	var payload stopPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.SessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	err := h.svc.Interrupt(r.Context(), payload.SessionID)
	switch {
	case err == nil:
		utils.RespondJSON(w, http.StatusOK, map[string]string{
			"sessionId": payload.SessionID,
			"status":    string(chat.StatusInterrupted),
		})
	case errors.Is(err, chatservice.ErrSessionNotFound):
		utils.RespondError(w, http.StatusNotFound, "session not found or already finished")
	case errors.Is(err, chatservice.ErrInterruptTimeout):
		utils.RespondError(w, http.StatusGatewayTimeout, "interrupt not confirmed within the wait bound")
	default:
		utils.RespondError(w, http.StatusInternalServerError, "failed to stop generation")
	}
}

// handleSession reports stored session state plus the committed text.
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := h.svc.Session(r.Context(), sessionID)
	if errors.Is(err, chatservice.ErrSessionNotFound) {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	text, err := h.svc.Text(r.Context(), sessionID)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to load fragments")
		return
	}

	utils.RespondJSON(w, http.StatusOK, syncResponse{Session: sess, Text: text})
}

type threadResponse struct {
	chat.Thread
	Turns []chat.Turn `json:"turns"`
}

// handleThread lists a conversation with its accumulated turns.
func (h *Handler) handleThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	th, err := h.svc.Thread(r.Context(), threadID)
	if errors.Is(err, checkpoint.ErrThreadNotFound) {
		utils.RespondError(w, http.StatusNotFound, "thread not found")
		return
	}
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to load thread")
		return
	}

	turns, err := h.svc.Turns(r.Context(), threadID)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to load turns")
		return
	}
	if turns == nil {
		turns = []chat.Turn{}
	}

	utils.RespondJSON(w, http.StatusOK, threadResponse{Thread: th, Turns: turns})
}

// handleProviders lists the registered token sources.
func (h *Handler) handleProviders(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"providers": h.registry.List(),
		"default":   h.registry.Default(),
	})
}
