package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/midstream-ai/midstream/internal/handler/chat"
	"github.com/midstream-ai/midstream/internal/handler/stream"
	middlewarePkg "github.com/midstream-ai/midstream/internal/middleware"
	"github.com/midstream-ai/midstream/internal/provider"
	chatService "github.com/midstream-ai/midstream/internal/service/chat"
	"github.com/midstream-ai/midstream/pkg/utils"
)

// NewRouter wires HTTP routes to core services. sseRetry is the reconnect
// hint handed to SSE clients.
func NewRouter(chatSvc *chatService.Service, registry *provider.Registry, sseRetry time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	chatHandler := chat.New(chatSvc, registry)
	streamHandler := stream.New(chatSvc, sseRetry)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
			"status":       "ok",
			"liveSessions": chatSvc.LiveSessions(),
		})
	})

	r.Route("/api/v1", func(api chi.Router) {
		chatHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
	})

	return r
}
