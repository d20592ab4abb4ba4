package procurement

import (
	"errors"
	"strings"
	"time"
	"unicode"
)

// AdjustmentScope tells whether an adjustment targets the order header or its items.
type AdjustmentScope string

const (
	ScopeOrder AdjustmentScope = "ORDER"
	ScopeItems AdjustmentScope = "ITEMS"
)

// AdjustmentDirection distinguishes discounts from surcharges.
type AdjustmentDirection string

const (
	DirectionDiscount  AdjustmentDirection = "DISCOUNT"
	DirectionSurcharge AdjustmentDirection = "SURCHARGE"
)

// AdjustmentKind tells how Value is interpreted.
type AdjustmentKind string

const (
	KindPercent AdjustmentKind = "PERCENT"
	KindAmount  AdjustmentKind = "AMOUNT"
)

// Adjustment is a discount or surcharge replayed over the order total in
// OrderIndex order.
type Adjustment struct {
	ID         int64
	Scope      AdjustmentScope
	Direction  AdjustmentDirection
	Kind       AdjustmentKind
	Value      float64
	OrderIndex int
}

// PurchaseOrder mirrors an ERP purchase order header. The business key is
// (OrderCode, CompanyCode).
type PurchaseOrder struct {
	ID                  int64
	OrderCode           string
	CompanyCode         string
	EmissionDate        time.Time
	SupplierID          string
	SupplierDescription string
	TotalGross          float64
	TotalNet            float64
	TotalNetWithTax     float64
	// TotalWithTaxAdjusted is the ERP's own post-adjustment figure.
	TotalWithTaxAdjusted float64
	Observation          string
	Fulfilled            bool
	Adjustments          []Adjustment
	Items                []PurchaseItem
}

// AdjustedTotal replays the order adjustments over the net-with-tax total.
// When the ERP did not send that total the stored adjusted figure is used as is.
func (o PurchaseOrder) AdjustedTotal() float64 {
	if o.TotalNetWithTax <= 0 {
		return o.TotalWithTaxAdjusted
	}
	return ApplyAdjustments(o.TotalNetWithTax, o.Adjustments)
}

// PurchaseItem is one order line.
type PurchaseItem struct {
	ID              int64
	PurchaseOrderID int64
	Sequence        int
	ItemCode        string
	Description     string
	// QtyOrdered is nil when the ERP left the ordered quantity blank.
	QtyOrdered           *float64
	UnitPrice            float64
	LineTotal            float64
	QtyAttended          float64
	QtyCanceled          float64
	QtyCanceledTolerance float64
	TolerancePct         float64
	EmissionDate         time.Time
}

// Ordered returns the ordered quantity, zero when unknown.
func (i PurchaseItem) Ordered() float64 {
	if i.QtyOrdered == nil {
		return 0
	}
	return *i.QtyOrdered
}

// CanceledTotal sums plain and under-tolerance cancellations.
func (i PurchaseItem) CanceledTotal() float64 {
	return i.QtyCanceled + i.QtyCanceledTolerance
}

// Outstanding is the quantity still expected from the supplier.
func (i PurchaseItem) Outstanding() float64 {
	return i.Ordered() - i.CanceledTotal() - i.QtyAttended
}

// Supplier is the master data row referenced by PurchaseOrder.SupplierID.
type Supplier struct {
	SupplierID string
	TaxID      string
	Name       string
	Address    string
}

// CNPJ returns the digits of the tax identifier.
func (s Supplier) CNPJ() string {
	return Digits(s.TaxID)
}

// Digits strips every non digit rune from s.
func Digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Float returns a pointer to v, handy for nullable quantities.
func Float(v float64) *float64 {
	return &v
}

var (
	// ErrNotFound indicates record missing.
	ErrNotFound = errors.New("procurement: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("procurement: invalid input")
)
