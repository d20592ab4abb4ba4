package estimates

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/odyssey-recon/internal/platform/httpx"
)

const (
	rateLimit  = 60
	rateWindow = time.Minute
)

// MountRoutes registers the estimate endpoints under the given router.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(rateLimit, rateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "estimate reads are limited per client")
		}),
	)
	r.Route("/estimates", func(r chi.Router) {
		r.Use(limiter)
		r.Get("/items/{itemID}", h.handleItem)
		r.Get("/orders/{company}/{order}", h.handleOrder)
		r.Get("/orders/{company}/{order}/invoices", h.handleOrderInvoices)
	})
}
