package estimates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-recon/internal/platform/httpx"
)

// Views is the contract the HTTP handler serves.
type Views interface {
	BestEstimateForLine(ctx context.Context, purchaseItemID int64) (EstimateView, error)
	EstimatesForOrder(ctx context.Context, orderCode, companyCode string) ([]LineEstimates, error)
	EstimatedInvoiceNumbersForOrder(ctx context.Context, orderCode, companyCode string) ([]InvoiceNumberView, error)
}

// Handler serves the estimate read API.
type Handler struct {
	logger *slog.Logger
	views  Views
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, views Views) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, views: views}
}

type orderEstimatesResponse struct {
	OrderCode   string          `json:"order_code"`
	CompanyCode string          `json:"company_code"`
	Lines       []LineEstimates `json:"lines"`
}

type invoiceNumbersResponse struct {
	OrderCode   string              `json:"order_code"`
	CompanyCode string              `json:"company_code"`
	Invoices    []InvoiceNumberView `json:"invoices"`
}

func (h *Handler) handleItem(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "itemID"), 10, 64)
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: item id must be numeric", ErrInvalidRequest))
		return
	}
	view, err := h.views.BestEstimateForLine(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) handleOrder(w http.ResponseWriter, r *http.Request) {
	company, order := chi.URLParam(r, "company"), chi.URLParam(r, "order")
	lines, err := h.views.EstimatesForOrder(r.Context(), order, company)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, orderEstimatesResponse{OrderCode: order, CompanyCode: company, Lines: lines})
}

func (h *Handler) handleOrderInvoices(w http.ResponseWriter, r *http.Request) {
	company, order := chi.URLParam(r, "company"), chi.URLParam(r, "order")
	invoices, err := h.views.EstimatedInvoiceNumbersForOrder(r.Context(), order, company)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if invoices == nil {
		invoices = []InvoiceNumberView{}
	}
	httpx.JSON(w, http.StatusOK, invoiceNumbersResponse{OrderCode: order, CompanyCode: company, Invoices: invoices})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		err = fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, ErrInvalidRequest):
		err = fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	default:
		h.logger.Error("estimates request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
