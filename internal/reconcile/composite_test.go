package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-recon/internal/nfe"
	"github.com/odyssey-erp/odyssey-recon/internal/procurement"
)

func TestCompositeSplitShipment(t *testing.T) {
	order := splitOrder()
	x, y := splitInvoices()
	// Feed them out of date order; the matcher sorts by emission date.
	partial := PartialBand([]Result{Score(order, testSupplier(), y), Score(order, testSupplier(), x)})
	require.Len(t, partial, 2)

	composites := Composites(order, partial, MaxCompositeSize)
	require.Len(t, composites, 1)
	c := composites[0]
	require.Equal(t, float64(CompositeScore), c.Score)
	require.Equal(t, 1.0, c.Coverage)
	require.Equal(t, 2000.0, c.ComboTotal)
	require.Equal(t, []int64{201, 202}, []int64{c.Invoices()[0].ID, c.Invoices()[1].ID})
	require.Contains(t, c.Reason, "2/2 lines")
}

func TestCompositeNeedsTwoPartials(t *testing.T) {
	order := splitOrder()
	x, _ := splitInvoices()
	require.Empty(t, Composites(order, []Result{Score(order, testSupplier(), x)}, MaxCompositeSize))
	require.Empty(t, Composites(order, nil, MaxCompositeSize))
}

func TestCompositeRequiresSameSupplier(t *testing.T) {
	order := splitOrder()
	x, y := splitInvoices()
	y.Emitter.CNPJ = "11222333000262"
	partial := []Result{Score(order, testSupplier(), x), Score(order, testSupplier(), y)}
	require.Empty(t, Composites(order, partial, MaxCompositeSize))
}

func TestCompositeNearMissIsDropped(t *testing.T) {
	order := splitOrder()
	x, y := splitInvoices()
	// Without the glove line only half of the order is covered even though
	// the combined total equals the order total.
	y.Items = y.Items[:1]
	partial := []Result{Score(order, testSupplier(), x), Score(order, testSupplier(), y)}
	require.Empty(t, Composites(order, partial, MaxCompositeSize))
}

func TestCompositeValueWithPartialCoverage(t *testing.T) {
	order := splitOrder()
	order.Items = append(order.Items,
		procurement.PurchaseItem{ID: 23, Sequence: 3, Description: "TINTA ACRILICA BRANCA 18L", QtyOrdered: procurement.Float(1), UnitPrice: 0},
		procurement.PurchaseItem{ID: 24, Sequence: 4, Description: cableDesc, QtyOrdered: procurement.Float(10), UnitPrice: 0},
	)
	x, y := splitInvoices()
	z := nfe.Invoice{
		ID:           203,
		EmissionDate: day(2024, 3, 12),
		Emitter:      nfe.Emitter{CNPJ: supplierCNPJ},
		Items:        []nfe.Item{{ID: 2031, Description: cableDesc, Quantity: 10}},
	}
	results := []Result{Score(order, testSupplier(), x), Score(order, testSupplier(), y), Score(order, testSupplier(), z)}

	// x+y covers 2 of 4 lines; x+y+z covers 3 of 4 with the exact total.
	composites := Composites(order, results, MaxCompositeSize)
	require.Len(t, composites, 1)
	require.Len(t, composites[0].Parts, 3)
	require.Equal(t, 0.75, composites[0].Coverage)

	require.Empty(t, Composites(order, results, 2))
}

func TestCompositeSizeIsCapped(t *testing.T) {
	var visited [][]int
	combinations(4, 2, func(idx []int) { visited = append(visited, idx) })
	require.Equal(t, [][]int{{0, 1}, {0, 2}, {0, 3}, {1, 2}, {1, 3}, {2, 3}}, visited)

	order := splitOrder()
	x, y := splitInvoices()
	partial := []Result{Score(order, testSupplier(), x), Score(order, testSupplier(), y)}
	require.Len(t, Composites(order, partial, 10), 1)
	require.Empty(t, Composites(order, partial, 1))
}

func TestPartialBandIsOpen(t *testing.T) {
	require.False(t, InPartialBand(30))
	require.True(t, InPartialBand(30.01))
	require.True(t, InPartialBand(94.99))
	require.False(t, InPartialBand(95))
}

type staticCandidates struct {
	sel Selection
}

func (s staticCandidates) Select(context.Context, procurement.PurchaseOrder) (Selection, error) {
	return s.sel, nil
}

func TestMatcherRanksCompositeFirst(t *testing.T) {
	order := splitOrder()
	x, y := splitInvoices()
	m := NewMatcher(staticCandidates{sel: Selection{Supplier: testSupplier(), Invoices: []nfe.Invoice{x, y}}}, nil)

	out, err := m.Match(context.Background(), order)
	require.NoError(t, err)
	require.Len(t, out.Matches, 3)
	require.Equal(t, KindComposite, out.Matches[0].Kind)
	require.Equal(t, []float64{98, 76, 59}, []float64{out.Matches[0].Score, out.Matches[1].Score, out.Matches[2].Score})
	require.Equal(t, int64(201), out.Matches[0].Carrier().Invoice.ID)

	best, ok := out.Best(80)
	require.True(t, ok)
	require.Equal(t, KindComposite, best.Kind)
	_, ok = out.Best(99)
	require.False(t, ok)
}

func TestMatcherEmptyPool(t *testing.T) {
	m := NewMatcher(staticCandidates{}, nil)
	out, err := m.Match(context.Background(), exactOrder())
	require.NoError(t, err)
	require.Empty(t, out.Matches)
	_, ok := out.Best(0)
	require.False(t, ok)
}

func TestRankKeepsFirstOnTies(t *testing.T) {
	a := exactInvoice()
	b := exactInvoice()
	b.ID = 102
	b.AccessKey = "key-102"
	matches := Rank(exactOrder(), testSupplier(), []nfe.Invoice{a, b})
	require.Len(t, matches, 2)
	require.Equal(t, int64(101), matches[0].Carrier().Invoice.ID)
}
