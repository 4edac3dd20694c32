package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/orderdesk/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса приёма заказов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if h.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		if h.opts.Realtime != nil {
			r.With(h.authMiddleware.Middleware).Method(http.MethodGet, "/ws", h.opts.Realtime)
		}

		r.Group(func(r chi.Router) {
			r.Use(custommiddleware.GzipMiddleware)
			r.Use(custommiddleware.Logger(h.logger))

			r.Post("/web/orders", h.CreateWebOrder)
			r.Post("/terminals/session", h.OpenSession)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware.Middleware)

				r.Route("/orders", func(r chi.Router) {
					r.Post("/", h.CreateOrder)
					r.Get("/", h.ListOrders)
					r.Get("/{id}", h.GetOrder)
					r.Patch("/{id}/accept", h.AcceptOrder)
					r.Patch("/{id}/items", h.UpdateItems)
					r.Post("/{id}/complete", h.CompleteOrder)
					r.Post("/{id}/cancel", h.CancelOrder)
				})

				r.Route("/drafts", func(r chi.Router) {
					r.Post("/", h.CreateDraft)
					r.Get("/", h.ListDrafts)
					r.Get("/{id}", h.ResumeDraft)
					r.Patch("/{id}", h.UpdateDraft)
					r.Delete("/{id}", h.DeleteDraft)
					r.Post("/{id}/finalize", h.FinalizeDraft)
				})

				r.Route("/products", func(r chi.Router) {
					r.Get("/", h.ListProducts)
					r.Get("/{id}/stock", h.ProductStock)
					r.Put("/{id}", h.UpsertProduct)
					r.Post("/{id}/restock", h.RestockProduct)
				})
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
