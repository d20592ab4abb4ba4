package reconcile

import (
	"math"
	"slices"
	"strings"
	"unicode"

	"github.com/odyssey-erp/odyssey-recon/internal/fuzzy"
	"github.com/odyssey-erp/odyssey-recon/internal/nfe"
	"github.com/odyssey-erp/odyssey-recon/internal/procurement"
)

// Component ceilings. They add up to 100.
const (
	MaxSupplierPoints  = 20
	MaxReferencePoints = 10
	MaxItemsPoints     = 40
	MaxValuePoints     = 20
	MaxDatePoints      = 10
)

const (
	minTextScore        = 60
	strongLineScore     = 80
	nameMatchThreshold  = 80
	jaccardMinTokenLen  = 3
	priceTolerance      = 0.05
	valueTolerance      = 1.0
	consolidatedItemsAt = 35
)

// SupplierEvidence tags which rung of the supplier cascade fired.
type SupplierEvidence string

const (
	EvidenceCNPJExact       SupplierEvidence = "cnpj_exact"
	EvidenceCNPJCheckDigits SupplierEvidence = "cnpj_check_digits"
	EvidenceCNPJBranch      SupplierEvidence = "cnpj_branch"
	EvidenceNameFuzzy       SupplierEvidence = "name_fuzzy"
	EvidenceNone            SupplierEvidence = "none"
)

// Components is the per-component breakdown of a score.
type Components struct {
	Supplier  float64 `json:"supplier"`
	Reference float64 `json:"reference"`
	Items     float64 `json:"items"`
	Value     float64 `json:"value"`
	Date      float64 `json:"date"`
}

// Sum adds the components.
func (c Components) Sum() float64 {
	return c.Supplier + c.Reference + c.Items + c.Value + c.Date
}

// LineMatch pairs one order line with its best invoice line.
type LineMatch struct {
	PurchaseItemID     int64   `json:"purchase_item_id"`
	Sequence           int     `json:"sequence"`
	InvoiceItemID      int64   `json:"invoice_item_id"`
	InvoiceSequence    int     `json:"invoice_sequence"`
	PODescription      string  `json:"po_description"`
	InvoiceDescription string  `json:"invoice_description"`
	POQty              float64 `json:"po_qty"`
	InvoiceQty         float64 `json:"invoice_qty"`
	QtyMatched         float64 `json:"qty_matched"`
	POUnitPrice        float64 `json:"po_unit_price"`
	InvoiceUnitPrice   float64 `json:"invoice_unit_price"`
	TextScore          float64 `json:"text_score"`
	PriceScore         float64 `json:"price_score"`
	LineScore          float64 `json:"line_score"`
	Strong             bool    `json:"strong"`
}

// Result is the score of one (order, invoice) pair.
type Result struct {
	Invoice     nfe.Invoice      `json:"-"`
	Score       float64          `json:"score"`
	Components  Components       `json:"components"`
	Evidence    SupplierEvidence `json:"supplier_evidence"`
	LineMatches []LineMatch      `json:"line_matches"`
}

// LineMatchFor returns the pairing recorded for an order line, if any.
func (r Result) LineMatchFor(purchaseItemID int64) (LineMatch, bool) {
	for _, lm := range r.LineMatches {
		if lm.PurchaseItemID == purchaseItemID {
			return lm, true
		}
	}
	return LineMatch{}, false
}

// Score rates how well inv fulfills order. supplier may be nil. Data holes
// score zero on the affected component.
func Score(order procurement.PurchaseOrder, supplier *procurement.Supplier, inv nfe.Invoice) Result {
	res := Result{Invoice: inv}

	res.Components.Supplier, res.Evidence = SupplierScore(order, supplier, inv.Emitter)
	if ReferencesOrder(inv.Observation, order.OrderCode) {
		res.Components.Reference = MaxReferencePoints
	}

	strong := 0
	res.LineMatches, strong = MatchLines(order.Items, inv.Items)
	if len(order.Items) > 0 {
		res.Components.Items = round2(MaxItemsPoints * float64(strong) / float64(len(order.Items)))
	}
	res.Components.Value = round2(valueScore(order.AdjustedTotal(), inv.Total, res.Components.Items))
	res.Components.Date = dateScore(order, inv)

	res.Score = round2(clamp(res.Components.Sum(), 0, 100))
	return res
}

// SupplierScore runs the CNPJ cascade, falling back to emitter name similarity.
func SupplierScore(order procurement.PurchaseOrder, supplier *procurement.Supplier, emitter nfe.Emitter) (float64, SupplierEvidence) {
	emitterCNPJ := procurement.Digits(emitter.CNPJ)
	if supplier != nil {
		cnpj := supplier.CNPJ()
		switch {
		case cnpj != "" && cnpj == emitterCNPJ:
			return 20, EvidenceCNPJExact
		case len(cnpj) == 14 && len(emitterCNPJ) == 14 && cnpj[:12] == emitterCNPJ[:12]:
			return 19, EvidenceCNPJCheckDigits
		case len(cnpj) == 14 && len(emitterCNPJ) == 14 && cnpj[:8] == emitterCNPJ[:8]:
			return 18, EvidenceCNPJBranch
		}
	}
	if strings.TrimSpace(emitter.Name) == "" {
		return 0, EvidenceNone
	}
	names := []string{order.SupplierDescription}
	if supplier != nil {
		names = append(names, supplier.Name)
	}
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		if fuzzy.TokenSortRatio(name, emitter.Name) > nameMatchThreshold {
			return 15, EvidenceNameFuzzy
		}
	}
	return 0, EvidenceNone
}

var (
	referenceTags    = []string{"PEDIDOS", "PEDIDO", "PEDS", "PED", "PO", "ORDEM"}
	referenceFillers = map[string]bool{
		"DE": true, "DA": true, "DO": true, "COMPRA": true, "COMPRAS": true,
		"N": true, "NO": true, "NR": true, "NRO": true, "NUM": true, "NUMERO": true, "NÚMERO": true,
	}
	referenceJoiners = map[string]bool{"E": true, "&": true}
)

const maxReferenceFillers = 3

// ReferencesOrder reports whether text quotes orderCode behind one of the
// PEDIDO, PED, PO or ORDEM tags. A tag may be followed by a few filler words
// (DE COMPRA, Nº) and by a list of codes joined with "/", ",", ";" or E.
func ReferencesOrder(text, orderCode string) bool {
	code := normalizeCode(orderCode)
	if code == "" || strings.TrimSpace(text) == "" {
		return false
	}
	codeDigits := strings.TrimLeft(procurement.Digits(code), "0")
	for _, c := range referencedCodes(text) {
		candidate := normalizeCode(c)
		if candidate == code {
			return true
		}
		if codeDigits != "" && strings.TrimLeft(procurement.Digits(candidate), "0") == codeDigits {
			return true
		}
	}
	return false
}

// referencedCodes lists every code quoted behind a reference tag.
func referencedCodes(text string) []string {
	tokens := referenceTokens(text)
	var codes []string
	for i := 0; i < len(tokens); i++ {
		if !slices.Contains(referenceTags, tokens[i]) {
			if rest, ok := splitFusedTag(tokens[i]); ok {
				codes = append(codes, tokens[i], rest)
			}
			continue
		}
		j := i + 1
		for fillers := 0; j < len(tokens) && fillers < maxReferenceFillers && referenceFillers[tokens[j]]; fillers++ {
			j++
		}
	scan:
		for ; j < len(tokens); j++ {
			switch tok := tokens[j]; {
			case strings.ContainsAny(tok, "0123456789"):
				codes = append(codes, tok)
				if rest, ok := splitFusedTag(tok); ok {
					codes = append(codes, rest)
				}
			case referenceJoiners[tok]:
			default:
				break scan
			}
		}
		i = j - 1
	}
	return codes
}

func referenceTokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToUpper(text), func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(",;/:#()", r)
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		for _, prefix := range []string{"Nº", "N°"} {
			if rest, ok := strings.CutPrefix(f, prefix); ok && rest != "" {
				f = rest
			}
		}
		if f = strings.Trim(f, ".-º°ª"); f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// splitFusedTag recognises codes written as PO-1000 or PED.1000.
func splitFusedTag(tok string) (string, bool) {
	for _, tag := range referenceTags {
		if len(tok) > len(tag)+1 && strings.HasPrefix(tok, tag) && (tok[len(tag)] == '-' || tok[len(tag)] == '.') {
			return tok[len(tag)+1:], true
		}
	}
	return "", false
}

func normalizeCode(s string) string {
	return strings.Trim(strings.ToUpper(strings.TrimSpace(s)), "./-")
}

// MatchLines pairs each order line with its best scoring invoice line. The
// pool is not consumed, so one invoice line may serve several order lines.
func MatchLines(orderItems []procurement.PurchaseItem, invoiceItems []nfe.Item) ([]LineMatch, int) {
	var (
		matches []LineMatch
		strong  int
	)
	for _, item := range orderItems {
		best, ok := bestLine(item, invoiceItems)
		if !ok {
			continue
		}
		if best.Strong {
			strong++
		}
		matches = append(matches, best)
	}
	return matches, strong
}

func bestLine(item procurement.PurchaseItem, pool []nfe.Item) (LineMatch, bool) {
	var (
		best  LineMatch
		found bool
	)
	for _, cand := range pool {
		text := textScore(item.Description, cand.Description)
		if text < minTextScore {
			continue
		}
		price := priceScore(item.UnitPrice, cand.UnitValue)
		line := 0.7*text + 0.3*price
		if found && line <= best.LineScore {
			continue
		}
		found = true
		best = LineMatch{
			PurchaseItemID:     item.ID,
			Sequence:           item.Sequence,
			InvoiceItemID:      cand.ID,
			InvoiceSequence:    cand.Sequence,
			PODescription:      item.Description,
			InvoiceDescription: cand.Description,
			POQty:              item.Ordered(),
			InvoiceQty:         cand.Quantity,
			QtyMatched:         math.Min(item.Ordered(), cand.Quantity),
			POUnitPrice:        item.UnitPrice,
			InvoiceUnitPrice:   cand.UnitValue,
			TextScore:          text,
			PriceScore:         price,
			LineScore:          round2(line),
			Strong:             line > strongLineScore,
		}
	}
	return best, found
}

func textScore(a, b string) float64 {
	set := float64(fuzzy.TokenSetRatio(a, b))
	jac := 100 * fuzzy.Jaccard(a, b, jaccardMinTokenLen)
	return round2(math.Max(set, jac))
}

func priceScore(po, inv float64) float64 {
	diff := math.Abs(po - inv)
	if diff < priceTolerance {
		return 100
	}
	return math.Max(0, 100-10*diff)
}

func valueScore(poTotal, nfeTotal, items float64) float64 {
	if poTotal <= 0 {
		return 0
	}
	switch {
	case math.Abs(poTotal-nfeTotal) < valueTolerance:
		return MaxValuePoints
	case nfeTotal < poTotal:
		return 15 * math.Max(0, nfeTotal) / poTotal
	case items >= consolidatedItemsAt:
		return MaxValuePoints
	default:
		return 5
	}
}

func dateScore(order procurement.PurchaseOrder, inv nfe.Invoice) float64 {
	if order.EmissionDate.IsZero() || inv.EmissionDate.IsZero() {
		return 0
	}
	days := procurement.DaysBetween(order.EmissionDate, inv.EmissionDate)
	if days < 0 {
		days = -days
	}
	switch {
	case days <= 10:
		return 10
	case days <= 30:
		return 8
	case days <= 90:
		return 5
	default:
		return 0
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
