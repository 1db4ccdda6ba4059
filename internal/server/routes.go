// Package server wires the HTTP handlers into a chi router.
package server

import "github.com/go-chi/chi/v5"

// NewRouter configures and returns the application router: health check,
// websocket endpoint, room history, and the profile endpoints.
func NewRouter(h *Handlers) chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Health)
	r.Get("/ws", h.WebSocket)
	r.Get("/getMessages/{room}", h.History)
	r.Post("/login", h.Login)
	r.Get("/user/{username}", h.User)
	return r
}
