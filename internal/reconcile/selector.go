package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-recon/internal/fuzzy"
	"github.com/odyssey-erp/odyssey-recon/internal/nfe"
	"github.com/odyssey-erp/odyssey-recon/internal/procurement"
)

const (
	// WindowDaysBefore tolerates backdated orders and clock skew.
	WindowDaysBefore = 10
	// WindowDaysAfter bounds how late an invoice may follow its order.
	WindowDaysAfter = 120
	// NameFallbackThreshold is the emitter name ratio the fallback must exceed.
	NameFallbackThreshold = 75
	// DefaultCandidateLimit caps each selection strategy.
	DefaultCandidateLimit = 200
)

// SupplierLookup resolves the supplier master row of an order.
type SupplierLookup interface {
	SupplierByID(ctx context.Context, supplierID string) (procurement.Supplier, error)
}

// InvoiceFinder runs the candidate queries. *nfe.Repository implements it.
type InvoiceFinder interface {
	ByEmitterRoot(ctx context.Context, root string, from, to time.Time, limit int) ([]nfe.Invoice, error)
	ReferencingOrder(ctx context.Context, orderCode string, since time.Time, limit int) ([]nfe.Invoice, error)
	InWindow(ctx context.Context, from, to time.Time, limit int) ([]nfe.Invoice, error)
}

// Selection is the candidate population for one order.
type Selection struct {
	// Supplier is nil when the order's supplier row is missing.
	Supplier *procurement.Supplier
	Invoices []nfe.Invoice
}

// Selector narrows the invoice corpus down to plausible candidates.
type Selector struct {
	suppliers SupplierLookup
	invoices  InvoiceFinder
	limit     int
	logger    *slog.Logger
}

// NewSelector constructs a Selector; limit <= 0 uses DefaultCandidateLimit.
func NewSelector(suppliers SupplierLookup, invoices InvoiceFinder, limit int, logger *slog.Logger) *Selector {
	if limit <= 0 {
		limit = DefaultCandidateLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		suppliers: suppliers,
		invoices:  invoices,
		limit:     limit,
		logger:    logger.With(slog.String("component", "reconcile.selector")),
	}
}

// Window returns the inclusive emission window around an order date.
func Window(emission time.Time) (time.Time, time.Time) {
	day := procurement.NoonLocal(emission)
	return day.AddDate(0, 0, -WindowDaysBefore), day.AddDate(0, 0, WindowDaysAfter)
}

// Select unions the CNPJ root, back-reference and name fallback strategies.
// Missing data yields an empty selection, never an error.
func (s *Selector) Select(ctx context.Context, order procurement.PurchaseOrder) (Selection, error) {
	var sel Selection

	supplier, err := s.suppliers.SupplierByID(ctx, order.SupplierID)
	switch {
	case err == nil:
		sel.Supplier = &supplier
	case errors.Is(err, procurement.ErrNotFound):
		s.logger.Debug("supplier not registered", slog.String("order_code", order.OrderCode), slog.String("supplier_id", order.SupplierID))
	default:
		return Selection{}, err
	}

	hasDate := !order.EmissionDate.IsZero()
	from, to := Window(order.EmissionDate)

	var byRoot, byReference []nfe.Invoice
	g, gctx := errgroup.WithContext(ctx)
	if sel.Supplier != nil && hasDate {
		if cnpj := sel.Supplier.CNPJ(); len(cnpj) >= 8 {
			g.Go(func() error {
				found, err := s.invoices.ByEmitterRoot(gctx, cnpj[:8], from, to, s.limit)
				byRoot = found
				return err
			})
		}
	}
	if code := strings.TrimSpace(order.OrderCode); code != "" {
		g.Go(func() error {
			found, err := s.invoices.ReferencingOrder(gctx, code, procurement.NoonLocal(order.EmissionDate), s.limit)
			byReference = found
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Selection{}, err
	}

	seen := newInvoiceSet()
	seen.addAll(byRoot)
	seen.addAll(byReference)

	if seen.empty() && hasDate && strings.TrimSpace(order.SupplierDescription) != "" {
		found, err := s.invoices.InWindow(ctx, from, to, s.limit)
		if err != nil {
			return Selection{}, err
		}
		for _, inv := range found {
			if fuzzy.TokenSortRatio(order.SupplierDescription, inv.Emitter.Name) > NameFallbackThreshold {
				seen.add(inv)
			}
		}
	}

	sel.Invoices = seen.list
	return sel, nil
}

type invoiceSet struct {
	ids  map[int64]struct{}
	keys map[string]struct{}
	list []nfe.Invoice
}

func newInvoiceSet() *invoiceSet {
	return &invoiceSet{ids: map[int64]struct{}{}, keys: map[string]struct{}{}}
}

func (s *invoiceSet) add(inv nfe.Invoice) {
	if inv.ID != 0 {
		if _, ok := s.ids[inv.ID]; ok {
			return
		}
	}
	if inv.AccessKey != "" {
		if _, ok := s.keys[inv.AccessKey]; ok {
			return
		}
	}
	if inv.ID != 0 {
		s.ids[inv.ID] = struct{}{}
	}
	if inv.AccessKey != "" {
		s.keys[inv.AccessKey] = struct{}{}
	}
	s.list = append(s.list, inv)
}

func (s *invoiceSet) addAll(invoices []nfe.Invoice) {
	for _, inv := range invoices {
		s.add(inv)
	}
}

func (s *invoiceSet) empty() bool {
	return len(s.list) == 0
}
