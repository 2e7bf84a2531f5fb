package v1

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dhirmadi/mwapserver-sub005/pkg/integration"
)

// HealthRouter sets up the healthcheck route.
func HealthRouter(store integration.Store) http.Handler {
	routes := &healthRoutes{store: store}
	r := chi.NewRouter()
	r.Get("/", routes.getHealthcheck)
	return r
}

type healthRoutes struct {
	store integration.Store
}

//	 getHealthcheck
//		@Summary		Health check
//		@Description	Check if the API and its store are healthy
//		@Tags			system
//		@Success		204	{string}	string	"No Content"
//		@Router			/health [get]
func (h *healthRoutes) getHealthcheck(w http.ResponseWriter, r *http.Request) {
	// Stores backed by a database expose a ping; the in-memory store is
	// always healthy.
	if p, ok := h.store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
