package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"difyrelay/internal/handlers"
	"difyrelay/internal/middleware"
	"difyrelay/internal/websocket"
)

// New wires the relay routes. wsHub may be nil when Redis is not configured.
func New(
	relayHandler *handlers.RelayHandler,
	wsHub *websocket.Hub,
	frontendURL string,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(frontendURL))

	// Health check
	r.Get("/health", handlers.Health)

	r.Route("/api", func(r chi.Router) {
		// The relay gates the method itself so the 405 body is the same
		// whether or not it sits behind this router.
		r.Handle("/chat-messages", relayHandler)

		if wsHub != nil {
			r.Get("/sessions/{id}/ws", wsHub.HandleWebSocket)
		}
	})

	return r
}
