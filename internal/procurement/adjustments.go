package procurement

import (
	"sort"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ApplyAdjustments replays adjustments over base in OrderIndex order.
//
// Order scoped adjustments apply as a percentage of the running value or as a
// flat amount. Item scoped adjustments only apply as amounts; item level
// percentages are already reflected in the unit prices.
func ApplyAdjustments(base float64, adjustments []Adjustment) float64 {
	ordered := append([]Adjustment(nil), adjustments...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].OrderIndex < ordered[j].OrderIndex
	})

	total := decimal.NewFromFloat(base)
	for _, adj := range ordered {
		value := decimal.NewFromFloat(adj.Value)
		var delta decimal.Decimal
		switch {
		case adj.Kind == KindPercent && adj.Scope == ScopeOrder:
			delta = total.Mul(value).Div(hundred)
		case adj.Kind == KindAmount && (adj.Scope == ScopeOrder || adj.Scope == ScopeItems):
			delta = value
		default:
			continue
		}
		switch adj.Direction {
		case DirectionDiscount:
			total = total.Sub(delta)
		case DirectionSurcharge:
			total = total.Add(delta)
		}
	}
	out, _ := total.Round(2).Float64()
	return out
}
