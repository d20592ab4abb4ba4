package reconcile

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-recon/internal/nfe"
	"github.com/odyssey-erp/odyssey-recon/internal/procurement"
)

func TestScoreExactMatch(t *testing.T) {
	res := Score(exactOrder(), testSupplier(), exactInvoice())
	require.InDelta(t, 90, res.Score, 1)
	require.Equal(t, Components{Supplier: 20, Reference: 0, Items: 40, Value: 20, Date: 10}, res.Components)
	require.Equal(t, EvidenceCNPJExact, res.Evidence)
	require.Len(t, res.LineMatches, 1)
	lm := res.LineMatches[0]
	require.Equal(t, int64(11), lm.PurchaseItemID)
	require.Equal(t, int64(1001), lm.InvoiceItemID)
	require.Equal(t, 10.0, lm.QtyMatched)
	require.True(t, lm.Strong)
}

func TestScoreBackReferenceBonus(t *testing.T) {
	inv := exactInvoice()
	inv.Observation = "PEDIDO: PO-1000"
	res := Score(exactOrder(), testSupplier(), inv)
	require.Equal(t, 100.0, res.Score)
	require.Equal(t, 10.0, res.Components.Reference)
}

func TestScoreSplitShipmentLandsInPartialBand(t *testing.T) {
	order := splitOrder()
	x, y := splitInvoices()

	rx := Score(order, testSupplier(), x)
	require.Equal(t, Components{Supplier: 20, Items: 20, Value: 9, Date: 10}, rx.Components)
	require.Equal(t, 59.0, rx.Score)
	require.True(t, InPartialBand(rx.Score))

	ry := Score(order, testSupplier(), y)
	require.Equal(t, Components{Supplier: 20, Items: 40, Value: 6, Date: 10}, ry.Components)
	require.Equal(t, 76.0, ry.Score)
	require.True(t, InPartialBand(ry.Score))
}

func TestScoreConsolidatedInvoice(t *testing.T) {
	po3000 := splitOrder()
	po3000.OrderCode = "PO-3000"
	po3001 := procurement.PurchaseOrder{
		ID:              3,
		OrderCode:       "PO-3001",
		CompanyCode:     "001",
		EmissionDate:    day(2024, 3, 2),
		SupplierID:      "F1",
		TotalNetWithTax: 350,
		Items: []procurement.PurchaseItem{
			{ID: 31, PurchaseOrderID: 3, Sequence: 1, Description: cableDesc, QtyOrdered: procurement.Float(100), UnitPrice: 3.5},
		},
	}
	z := nfe.Invoice{
		ID:           301,
		AccessKey:    "key-301",
		EmissionDate: day(2024, 3, 6),
		Total:        po3000.AdjustedTotal() + po3001.AdjustedTotal(),
		Emitter:      nfe.Emitter{CNPJ: supplierCNPJ},
		Items: []nfe.Item{
			{ID: 3011, Sequence: 1, Description: screwDesc, Quantity: 10, UnitValue: 100},
			{ID: 3012, Sequence: 2, Description: gloveDesc, Quantity: 5, UnitValue: 200},
			{ID: 3013, Sequence: 3, Description: cableDesc, Quantity: 100, UnitValue: 3.5},
		},
	}

	res := Score(po3000, testSupplier(), z)
	require.GreaterOrEqual(t, res.Components.Items, 35.0)
	require.Equal(t, 20.0, res.Components.Value)

	other := Score(po3001, testSupplier(), z)
	require.Equal(t, 40.0, other.Components.Items)
	require.Equal(t, 20.0, other.Components.Value)
}

func TestScoreConsolidatedWithoutItemsGetsFive(t *testing.T) {
	order := exactOrder()
	inv := exactInvoice()
	inv.Total = 5000
	inv.Items = nil
	res := Score(order, testSupplier(), inv)
	require.Equal(t, 0.0, res.Components.Items)
	require.Equal(t, 5.0, res.Components.Value)
}

func TestSupplierCascade(t *testing.T) {
	order := exactOrder()
	cases := []struct {
		name     string
		supplier *procurement.Supplier
		emitter  nfe.Emitter
		points   float64
		evidence SupplierEvidence
	}{
		{"exact", testSupplier(), nfe.Emitter{CNPJ: supplierCNPJ}, 20, EvidenceCNPJExact},
		{"check digits", testSupplier(), nfe.Emitter{CNPJ: "11222333000199"}, 19, EvidenceCNPJCheckDigits},
		{"branch", testSupplier(), nfe.Emitter{CNPJ: "11222333000262"}, 18, EvidenceCNPJBranch},
		{"name from description", nil, nfe.Emitter{CNPJ: "99888777000166", Name: "Metalúrgica Exemplo Ltda."}, 15, EvidenceNameFuzzy},
		{"unrelated", testSupplier(), nfe.Emitter{CNPJ: "99888777000166", Name: "DISTRIBUIDORA BOA VISTA"}, 0, EvidenceNone},
		{"no emitter", nil, nfe.Emitter{}, 0, EvidenceNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			points, evidence := SupplierScore(order, tc.supplier, tc.emitter)
			require.Equal(t, tc.points, points)
			require.Equal(t, tc.evidence, evidence)
		})
	}
}

func TestDifferentBranchKeepsOtherComponents(t *testing.T) {
	inv := exactInvoice()
	inv.Emitter.CNPJ = "11222333000262"
	res := Score(exactOrder(), testSupplier(), inv)
	require.Equal(t, 18.0, res.Components.Supplier)
	require.Equal(t, EvidenceCNPJBranch, res.Evidence)
	require.Equal(t, 40.0, res.Components.Items)
	require.Equal(t, 88.0, res.Score)
}

func TestReferencesOrder(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"PEDIDO: PO-1000", true},
		{"Ref. ped 1000 entrega parcial", true},
		{"ORDEM nº 0001000", true},
		{"pedido PO-1000.", true},
		{"PEDIDO: PO-1001", false},
		{"EXPO 1000", false},
		{"PO-1000 sem tag", true},
		{"", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ReferencesOrder(tc.text, "PO-1000"), tc.text)
	}
	require.False(t, ReferencesOrder("PEDIDO 1000", ""))
}

func TestReferencesOrderListsAndFillers(t *testing.T) {
	cases := []struct {
		text string
		code string
		want bool
	}{
		{"PEDIDO: 1000/1001", "1000", true},
		{"PEDIDO: 1000/1001", "1001", true},
		{"PEDIDOS 1000, 1001", "1001", true},
		{"PEDIDO 1000, 1001", "1001", true},
		{"PEDIDO 1000; 1001 e 1002", "1002", true},
		{"PEDIDO DE COMPRA 1000", "1000", true},
		{"PED. COMPRA Nº 1000", "1000", true},
		{"Pedido de compra nº1000", "1000", true},
		{"REF PEDIDO 1000 E PEDIDO 1001", "1001", true},
		{"PEDIDO 1000 ENTREGA 1001", "1001", false},
		{"PEDIDO DE COMPRA DO DIA 1000", "1000", false},
		{"NOTA 1000/1001", "1001", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ReferencesOrder(tc.text, tc.code), "%s / %s", tc.text, tc.code)
	}
}

func TestMatchLinesPoolIsShared(t *testing.T) {
	items := []procurement.PurchaseItem{
		{ID: 1, Sequence: 1, Description: screwDesc, QtyOrdered: procurement.Float(4), UnitPrice: 100},
		{ID: 2, Sequence: 2, Description: screwDesc, QtyOrdered: procurement.Float(6), UnitPrice: 100},
		{ID: 3, Sequence: 3, Description: "TINTA ACRILICA BRANCA 18L", QtyOrdered: procurement.Float(1), UnitPrice: 300},
	}
	pool := []nfe.Item{
		{ID: 10, Sequence: 1, Description: screwDesc, Quantity: 10, UnitValue: 100},
		{ID: 11, Sequence: 2, Description: screwDesc, Quantity: 10, UnitValue: 100},
	}
	matches, strong := MatchLines(items, pool)
	require.Equal(t, 2, strong)
	require.Len(t, matches, 2)
	// Equal scores keep the first candidate.
	require.Equal(t, int64(10), matches[0].InvoiceItemID)
	require.Equal(t, int64(10), matches[1].InvoiceItemID)
	require.Equal(t, 4.0, matches[0].QtyMatched)
	require.Equal(t, 6.0, matches[1].QtyMatched)
}

func TestPriceAndDateScores(t *testing.T) {
	require.Equal(t, 100.0, priceScore(100, 100.04))
	require.InDelta(t, 90.0, priceScore(100, 101), 1e-9)
	require.Equal(t, 0.0, priceScore(100, 120))

	order := exactOrder()
	for offset, want := range map[int]float64{0: 10, -5: 10, 10: 10, 11: 8, 30: 8, 31: 5, 90: 5, 91: 0} {
		inv := exactInvoice()
		inv.EmissionDate = order.EmissionDate.AddDate(0, 0, offset)
		require.Equal(t, want, dateScore(order, inv), "offset %d", offset)
	}
	inv := exactInvoice()
	inv.EmissionDate = inv.EmissionDate.AddDate(-1, 0, 0)
	order.EmissionDate = order.EmissionDate.AddDate(-1, 0, 0)
	require.Equal(t, 10.0, dateScore(order, inv))
}

func TestScoreToleratesDataHoles(t *testing.T) {
	order := procurement.PurchaseOrder{OrderCode: "PO-9"}
	res := Score(order, nil, nfe.Invoice{})
	require.Equal(t, 0.0, res.Score)
	require.Empty(t, res.LineMatches)
	require.Equal(t, EvidenceNone, res.Evidence)

	order = exactOrder()
	order.Items = nil
	res = Score(order, testSupplier(), exactInvoice())
	require.Equal(t, 0.0, res.Components.Items)
	require.Empty(t, res.LineMatches)
	require.Equal(t, 50.0, res.Score)
}

func TestScoreBoundsAndComponentSum(t *testing.T) {
	orders := []procurement.PurchaseOrder{exactOrder(), splitOrder(), {OrderCode: "EMPTY"}}
	x, y := splitInvoices()
	invoices := []nfe.Invoice{exactInvoice(), x, y, {}}
	for _, total := range []float64{0, 1, 999.5, 1000, 2500, 1e6} {
		for _, offset := range []int{-30, 0, 45, 200} {
			inv := exactInvoice()
			inv.Total = total
			inv.EmissionDate = inv.EmissionDate.AddDate(0, 0, offset)
			inv.Observation = "PEDIDO PO-2000"
			invoices = append(invoices, inv)
		}
	}
	for _, order := range orders {
		for _, supplier := range []*procurement.Supplier{nil, testSupplier()} {
			for _, inv := range invoices {
				res := Score(order, supplier, inv)
				require.GreaterOrEqual(t, res.Score, 0.0)
				require.LessOrEqual(t, res.Score, 100.0)
				require.LessOrEqual(t, math.Abs(res.Components.Sum()-res.Score), 1.0)
			}
		}
	}
}
