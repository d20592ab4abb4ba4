package estimates

import (
	"errors"
	"time"
)

// Estimate is a persisted (order line, invoice) association produced by the
// matcher. Business keys survive the deletion of the order line.
type Estimate struct {
	ID                    int64
	OrderCode             string
	CompanyCode           string
	ItemSequence          int
	PurchaseItemID        *int64
	InvoiceID             int64
	InvoiceItemID         *int64
	PODescription         string
	POQty                 float64
	POUnitPrice           float64
	InvoiceDescription    string
	InvoiceQty            float64
	InvoiceUnitPrice      float64
	MatchScore            float64
	DescriptionSimilarity float64
	QuantityMatch         bool
	PriceDiffPct          float64
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// UpsertOutcome reports what an upsert did.
type UpsertOutcome int

const (
	OutcomeUnchanged UpsertOutcome = iota
	OutcomeInserted
	OutcomeUpdated
)

func (o UpsertOutcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

// EstimateView is the consumer facing row of an estimate.
type EstimateView struct {
	PurchaseItemID        int64     `json:"purchase_item_id"`
	ItemSequence          int       `json:"item_sequence"`
	InvoiceID             int64     `json:"invoice_id"`
	InvoiceNumber         string    `json:"invoice_number"`
	AccessKey             string    `json:"access_key"`
	SupplierName          string    `json:"supplier_name"`
	EmissionDate          time.Time `json:"emission_date"`
	MatchScore            float64   `json:"match_score"`
	DescriptionSimilarity float64   `json:"description_similarity"`
	QuantityMatch         bool      `json:"quantity_match"`
	PriceDiffPct          float64   `json:"price_diff_pct"`
	IsEstimated           bool      `json:"is_estimated"`
}

// LineEstimates groups the estimates of one order line, best first.
type LineEstimates struct {
	ItemSequence int            `json:"item_sequence"`
	Estimates    []EstimateView `json:"estimates"`
}

// InvoiceNumberView is one distinct estimated invoice number of an order.
type InvoiceNumberView struct {
	InvoiceNumber string    `json:"invoice_number"`
	AccessKey     string    `json:"access_key"`
	SupplierName  string    `json:"supplier_name"`
	EmissionDate  time.Time `json:"emission_date"`
	MatchScore    float64   `json:"match_score"`
	IsEstimated   bool      `json:"is_estimated"`
}

// RunSummary counts what one persistor run did.
type RunSummary struct {
	RunID         string `json:"run_id"`
	Relinked      int64  `json:"relinked"`
	Cleaned       int64  `json:"cleaned"`
	OrdersScanned int    `json:"orders_scanned"`
	OrdersSkipped int    `json:"orders_skipped"`
	OrdersMatched int    `json:"orders_matched"`
	OrdersFailed  int    `json:"orders_failed"`
	Inserted      int    `json:"inserted"`
	Updated       int    `json:"updated"`
	Unchanged     int    `json:"unchanged"`
	Interrupted   bool   `json:"interrupted"`
	Locked        bool   `json:"locked"`
}

func (s *RunSummary) count(o UpsertOutcome) {
	switch o {
	case OutcomeInserted:
		s.Inserted++
	case OutcomeUpdated:
		s.Updated++
	default:
		s.Unchanged++
	}
}

var (
	// ErrNotFound indicates no estimate exists for the request.
	ErrNotFound = errors.New("estimates: not found")
	// ErrInvalidRequest indicates invalid read parameters.
	ErrInvalidRequest = errors.New("estimates: invalid request")
	// ErrBatchBroken means the enclosing transaction can no longer be used.
	ErrBatchBroken = errors.New("estimates: batch transaction broken")
)
