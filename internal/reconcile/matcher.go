package reconcile

import (
	"context"
	"log/slog"
	"sort"

	"github.com/odyssey-erp/odyssey-recon/internal/nfe"
	"github.com/odyssey-erp/odyssey-recon/internal/procurement"
)

// MatchKind distinguishes single invoice matches from composites.
type MatchKind string

const (
	KindSingle    MatchKind = "single"
	KindComposite MatchKind = "composite"
)

// Match is one ranked answer for an order.
type Match struct {
	Kind  MatchKind `json:"kind"`
	Score float64   `json:"score"`
	// Results holds one entry for a single match and the constituents of a
	// composite. Results[0] is the carrier.
	Results   []Result   `json:"results"`
	Composite *Composite `json:"composite,omitempty"`
}

// Carrier is the invoice estimates are attributed to.
func (m Match) Carrier() Result {
	return m.Results[0]
}

// Outcome is everything the matcher learned about one order.
type Outcome struct {
	Selection Selection
	Matches   []Match
}

// Best returns the top match when it reaches minScore.
func (o Outcome) Best(minScore float64) (Match, bool) {
	if len(o.Matches) == 0 || o.Matches[0].Score < minScore {
		return Match{}, false
	}
	return o.Matches[0], true
}

// Candidates selects the invoice population for an order.
type Candidates interface {
	Select(ctx context.Context, order procurement.PurchaseOrder) (Selection, error)
}

// Matcher scores an order against its candidates and searches composites.
type Matcher struct {
	candidates Candidates
	logger     *slog.Logger
}

// NewMatcher wires a Matcher.
func NewMatcher(candidates Candidates, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{candidates: candidates, logger: logger.With(slog.String("component", "reconcile.matcher"))}
}

// Match runs selection, scoring and the composite search for one order.
func (m *Matcher) Match(ctx context.Context, order procurement.PurchaseOrder) (Outcome, error) {
	sel, err := m.candidates.Select(ctx, order)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Selection: sel, Matches: Rank(order, sel.Supplier, sel.Invoices)}
	m.logger.Debug("order matched",
		slog.String("order_code", order.OrderCode),
		slog.String("company_code", order.CompanyCode),
		slog.Int("candidates", len(sel.Invoices)),
		slog.Int("matches", len(out.Matches)),
	)
	return out, nil
}

// Rank scores every invoice, appends composites and sorts by score
// descending; ties keep their first-seen position.
func Rank(order procurement.PurchaseOrder, supplier *procurement.Supplier, invoices []nfe.Invoice) []Match {
	if len(invoices) == 0 {
		return nil
	}
	results := make([]Result, 0, len(invoices))
	matches := make([]Match, 0, len(invoices))
	for _, inv := range invoices {
		r := Score(order, supplier, inv)
		results = append(results, r)
		matches = append(matches, Match{Kind: KindSingle, Score: r.Score, Results: []Result{r}})
	}
	for _, c := range Composites(order, PartialBand(results), MaxCompositeSize) {
		c := c
		matches = append(matches, Match{Kind: KindComposite, Score: c.Score, Results: c.Parts, Composite: &c})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	return matches
}
