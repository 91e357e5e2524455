package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/giftcode-redeemer/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware операторского API.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.Logger(h.logger))

	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(custommiddleware.GzipMiddleware)
		r.Use(h.authMiddleware.Middleware)

		r.Post("/session", h.CreateSession)

		r.Get("/accounts", h.GetAccounts)
		r.Post("/accounts", h.RegisterAccount)
		r.Delete("/accounts/{fid}", h.DeleteAccount)

		r.Get("/codes", h.GetCodes)
		r.Post("/discovery", h.RunDiscovery)

		r.Post("/redemptions", h.RunRedemption)
		r.Get("/redemptions/{code}", h.GetRedemptions)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
