package reconcile

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-recon/internal/nfe"
	"github.com/odyssey-erp/odyssey-recon/internal/procurement"
)

const (
	supplierCNPJ = "11222333000181"
	screwDesc    = "PARAFUSO SEXTAVADO M8 ZINCADO"
	gloveDesc    = "LUVA NITRILICA AZUL TAM G"
	cableDesc    = "CABO FLEXIVEL 2,5MM PRETO"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 12, 0, 0, 0, time.Local)
}

func testSupplier() *procurement.Supplier {
	return &procurement.Supplier{SupplierID: "F1", TaxID: "11.222.333/0001-81", Name: "METALURGICA EXEMPLO LTDA"}
}

func exactOrder() procurement.PurchaseOrder {
	return procurement.PurchaseOrder{
		ID:                   1,
		OrderCode:            "PO-1000",
		CompanyCode:          "001",
		EmissionDate:         day(2024, 3, 1),
		SupplierID:           "F1",
		SupplierDescription:  "METALURGICA EXEMPLO LTDA",
		TotalNetWithTax:      1000,
		TotalWithTaxAdjusted: 1000,
		Items: []procurement.PurchaseItem{
			{ID: 11, PurchaseOrderID: 1, Sequence: 1, ItemCode: "A", Description: "ITEM A", QtyOrdered: procurement.Float(10), UnitPrice: 100},
		},
	}
}

func exactInvoice() nfe.Invoice {
	return nfe.Invoice{
		ID:           101,
		AccessKey:    "key-101",
		Number:       "101",
		EmissionDate: day(2024, 3, 3),
		Total:        1000,
		Emitter:      nfe.Emitter{CNPJ: supplierCNPJ, Name: "METALURGICA EXEMPLO LTDA"},
		Items:        []nfe.Item{{ID: 1001, InvoiceID: 101, Sequence: 1, Description: "ITEM A", Quantity: 10, UnitValue: 100}},
	}
}

// splitOrder has two lines worth 1000 each.
func splitOrder() procurement.PurchaseOrder {
	return procurement.PurchaseOrder{
		ID:                   2,
		OrderCode:            "PO-2000",
		CompanyCode:          "001",
		EmissionDate:         day(2024, 3, 1),
		SupplierID:           "F1",
		TotalNetWithTax:      2000,
		TotalWithTaxAdjusted: 2000,
		Items: []procurement.PurchaseItem{
			{ID: 21, PurchaseOrderID: 2, Sequence: 1, ItemCode: "A", Description: screwDesc, QtyOrdered: procurement.Float(10), UnitPrice: 100},
			{ID: 22, PurchaseOrderID: 2, Sequence: 2, ItemCode: "B", Description: gloveDesc, QtyOrdered: procurement.Float(5), UnitPrice: 200},
		},
	}
}

func splitInvoices() (nfe.Invoice, nfe.Invoice) {
	x := nfe.Invoice{
		ID:           201,
		AccessKey:    "key-201",
		Number:       "201",
		EmissionDate: day(2024, 3, 5),
		Total:        1200,
		Emitter:      nfe.Emitter{CNPJ: supplierCNPJ, Name: "METALURGICA EXEMPLO LTDA"},
		Items:        []nfe.Item{{ID: 2011, InvoiceID: 201, Sequence: 1, Description: screwDesc, Quantity: 6, UnitValue: 100}},
	}
	y := nfe.Invoice{
		ID:           202,
		AccessKey:    "key-202",
		Number:       "202",
		EmissionDate: day(2024, 3, 10),
		Total:        800,
		Emitter:      nfe.Emitter{CNPJ: supplierCNPJ, Name: "METALURGICA EXEMPLO LTDA"},
		Items: []nfe.Item{
			{ID: 2021, InvoiceID: 202, Sequence: 1, Description: screwDesc, Quantity: 4, UnitValue: 100},
			{ID: 2022, InvoiceID: 202, Sequence: 2, Description: gloveDesc, Quantity: 5, UnitValue: 200},
		},
	}
	return x, y
}

type memorySuppliers map[string]procurement.Supplier

func (m memorySuppliers) SupplierByID(_ context.Context, id string) (procurement.Supplier, error) {
	s, ok := m[id]
	if !ok {
		return procurement.Supplier{}, procurement.ErrNotFound
	}
	return s, nil
}

type memoryInvoices struct {
	mu    sync.Mutex
	all   []nfe.Invoice
	calls []string
}

func (m *memoryInvoices) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func within(t, from, to time.Time) bool {
	return procurement.DaysBetween(from, t) >= 0 && procurement.DaysBetween(t, to) >= 0
}

func limited(in []nfe.Invoice, limit int) []nfe.Invoice {
	if len(in) > limit {
		return in[:limit]
	}
	return in
}

func (m *memoryInvoices) ByEmitterRoot(_ context.Context, root string, from, to time.Time, limit int) ([]nfe.Invoice, error) {
	m.record("root")
	var out []nfe.Invoice
	for _, inv := range m.all {
		if strings.HasPrefix(inv.Emitter.CNPJ, root) && within(inv.EmissionDate, from, to) {
			out = append(out, inv)
		}
	}
	return limited(out, limit), nil
}

func (m *memoryInvoices) ReferencingOrder(_ context.Context, code string, since time.Time, limit int) ([]nfe.Invoice, error) {
	m.record("reference")
	var out []nfe.Invoice
	for _, inv := range m.all {
		if strings.Contains(inv.Observation, code) && procurement.DaysBetween(since, inv.EmissionDate) >= 0 {
			out = append(out, inv)
		}
	}
	return limited(out, limit), nil
}

func (m *memoryInvoices) InWindow(_ context.Context, from, to time.Time, limit int) ([]nfe.Invoice, error) {
	m.record("window")
	var out []nfe.Invoice
	for _, inv := range m.all {
		if within(inv.EmissionDate, from, to) {
			out = append(out, inv)
		}
	}
	return limited(out, limit), nil
}
