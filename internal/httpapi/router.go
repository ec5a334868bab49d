package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"itinero/internal/realtime"
)

// NewRouter wires the saga API, health check, and the live event stream.
// hub may be nil when the websocket feed is disabled.
func NewRouter(handler *Handler, hub *realtime.Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/sagas", handler.CreateSaga)
	r.Get("/sagas/{id}", handler.GetSaga)
	r.Post("/sagas/{id}/cancel", handler.CancelSaga)
	r.Get("/healthz", handler.Healthz)
	if hub != nil {
		r.Get("/ws", hub.ServeWS)
	}
	return r
}
