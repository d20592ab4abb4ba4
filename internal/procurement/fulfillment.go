package procurement

// LineRecord is the minimal view of an order line the fulfillment rule needs.
// Ingest builds these before the rows are flushed.
type LineRecord struct {
	Ordered           *float64
	Attended          float64
	Canceled          float64
	CanceledTolerance float64
}

// Record projects a persisted line onto a LineRecord.
func (i PurchaseItem) Record() LineRecord {
	return LineRecord{
		Ordered:           i.QtyOrdered,
		Attended:          i.QtyAttended,
		Canceled:          i.QtyCanceled,
		CanceledTolerance: i.QtyCanceledTolerance,
	}
}

// LineFulfilled reports whether a single line needs nothing more from the
// supplier. A blank ordered quantity is never fulfilled.
func LineFulfilled(line LineRecord) bool {
	if line.Ordered == nil {
		return false
	}
	ordered := *line.Ordered
	if ordered == 0 {
		return true
	}
	canceled := line.Canceled + line.CanceledTolerance
	return line.Attended >= ordered ||
		canceled >= ordered ||
		line.Attended+canceled >= ordered
}

// LinesFulfilled is true when every in-memory line is fulfilled.
func LinesFulfilled(lines []LineRecord) bool {
	for _, line := range lines {
		if !LineFulfilled(line) {
			return false
		}
	}
	return true
}

// ItemsFulfilled is true when every persisted line is fulfilled.
func ItemsFulfilled(items []PurchaseItem) bool {
	for _, item := range items {
		if !LineFulfilled(item.Record()) {
			return false
		}
	}
	return true
}

// UnfulfilledItems returns the lines with a positive outstanding quantity.
func UnfulfilledItems(items []PurchaseItem) []PurchaseItem {
	out := make([]PurchaseItem, 0, len(items))
	for _, item := range items {
		if item.Outstanding() > 0 {
			out = append(out, item)
		}
	}
	return out
}
