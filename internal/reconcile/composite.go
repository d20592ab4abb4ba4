package reconcile

import (
	"fmt"
	"math"
	"sort"

	"github.com/odyssey-erp/odyssey-recon/internal/nfe"
	"github.com/odyssey-erp/odyssey-recon/internal/procurement"
)

const (
	// MinCompositeSize is the smallest invoice combination searched.
	MinCompositeSize = 2
	// MaxCompositeSize caps the combination size.
	MaxCompositeSize = 3
	// CompositeScore is the fixed confidence of an accepted composite.
	CompositeScore = 98

	partialBandLow  = 30
	partialBandHigh = 95

	qtyTolerance         = 0.1
	fullCoverage         = 0.9
	partialCoverage      = 0.7
	compositeValueMargin = 0.05
)

// Composite is a set of invoices from one supplier that jointly cover an order.
type Composite struct {
	// Parts are the per-invoice results, ordered by invoice emission date.
	Parts      []Result `json:"parts"`
	Score      float64  `json:"score"`
	Coverage   float64  `json:"coverage"`
	ComboTotal float64  `json:"combo_total"`
	Reason     string   `json:"reason"`
}

// Invoices lists the constituent invoices.
func (c Composite) Invoices() []nfe.Invoice {
	out := make([]nfe.Invoice, len(c.Parts))
	for i, p := range c.Parts {
		out[i] = p.Invoice
	}
	return out
}

// InPartialBand reports whether a single score can take part in a composite.
func InPartialBand(score float64) bool {
	return score > partialBandLow && score < partialBandHigh
}

// PartialBand filters results down to the composite-eligible ones.
func PartialBand(results []Result) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		if InPartialBand(r.Score) {
			out = append(out, r)
		}
	}
	return out
}

// Composites searches combinations of MinCompositeSize to maxSize partial
// results. maxSize is clamped to MaxCompositeSize.
func Composites(order procurement.PurchaseOrder, partial []Result, maxSize int) []Composite {
	if maxSize > MaxCompositeSize {
		maxSize = MaxCompositeSize
	}
	if maxSize < MinCompositeSize || len(partial) < MinCompositeSize {
		return nil
	}

	sorted := append([]Result(nil), partial...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Invoice.EmissionDate.Before(sorted[j].Invoice.EmissionDate)
	})

	poTotal := order.AdjustedTotal()
	var out []Composite
	for size := MinCompositeSize; size <= maxSize && size <= len(sorted); size++ {
		combinations(len(sorted), size, func(idx []int) {
			parts := make([]Result, len(idx))
			for i, k := range idx {
				parts[i] = sorted[k]
			}
			if c, ok := evaluate(order, poTotal, parts); ok {
				out = append(out, c)
			}
		})
	}
	return out
}

func evaluate(order procurement.PurchaseOrder, poTotal float64, parts []Result) (Composite, bool) {
	cnpj := procurement.Digits(parts[0].Invoice.Emitter.CNPJ)
	if cnpj == "" {
		return Composite{}, false
	}
	for _, p := range parts[1:] {
		if procurement.Digits(p.Invoice.Emitter.CNPJ) != cnpj {
			return Composite{}, false
		}
	}

	aggregated := make(map[int64]float64, len(order.Items))
	comboTotal := 0.0
	for _, p := range parts {
		comboTotal += p.Invoice.Total
		for _, lm := range p.LineMatches {
			aggregated[lm.PurchaseItemID] += lm.QtyMatched
		}
	}

	covered := 0
	for _, item := range order.Items {
		if math.Abs(item.Ordered()-aggregated[item.ID]) < qtyTolerance {
			covered++
		}
	}
	coverage := 0.0
	if len(order.Items) > 0 {
		coverage = float64(covered) / float64(len(order.Items))
	}

	valueClose := poTotal > 0 && math.Abs(comboTotal-poTotal) <= compositeValueMargin*poTotal
	if !(coverage > fullCoverage || (valueClose && coverage > partialCoverage)) {
		return Composite{}, false
	}
	return Composite{
		Parts:      parts,
		Score:      CompositeScore,
		Coverage:   round2(coverage),
		ComboTotal: round2(comboTotal),
		Reason: fmt.Sprintf("%d invoices cover %d/%d lines (%.0f%%), combined total %.2f of %.2f",
			len(parts), covered, len(order.Items), coverage*100, comboTotal, poTotal),
	}, true
}

// combinations calls fn with every k-subset of [0,n) in lexicographic order.
func combinations(n, k int, fn func([]int)) {
	idx := make([]int, k)
	for i := range idx {
		idx[i] = i
	}
	for {
		fn(append([]int(nil), idx...))
		i := k - 1
		for i >= 0 && idx[i] == n-k+i {
			i--
		}
		if i < 0 {
			return
		}
		idx[i]++
		for j := i + 1; j < k; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
}
