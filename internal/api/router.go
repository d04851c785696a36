package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/fieldsmith/internal/noteservice"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *noteservice.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Get("/summary", h.Summary)
	r.Get("/task", h.Task)
	r.Get("/task/contract", h.Contract)

	r.Get("/records", h.ListRecords)
	r.Get("/records/{noteID}", h.GetRecord)
	r.Get("/records/{noteID}/prompt", h.PreviewPrompt)

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
