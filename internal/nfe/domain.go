package nfe

import (
	"errors"
	"fmt"
	"time"
)

// Invoice is a received electronic tax invoice. Rows are written once by the
// synchronizer and never mutated.
type Invoice struct {
	ID           int64
	AccessKey    string
	Number       string
	EmissionDate time.Time
	Total        float64
	Observation  string
	Emitter      Emitter
	Items        []Item
}

// Emitter identifies the issuing supplier.
type Emitter struct {
	CNPJ string
	Name string
}

// Item is one invoice line.
type Item struct {
	ID          int64
	InvoiceID   int64
	Sequence    int
	Description string
	Quantity    float64
	UnitValue   float64
}

// AccessKeyLength is the fixed size of an NFe access key.
const AccessKeyLength = 44

var (
	// ErrMalformedInvoice marks XML payloads that cannot be turned into an Invoice.
	ErrMalformedInvoice = errors.New("nfe: malformed invoice")
	// ErrDuplicate indicates the access key is already stored.
	ErrDuplicate = errors.New("nfe: duplicate invoice")
	// ErrProviderStatus is matched by every *StatusError.
	ErrProviderStatus = errors.New("nfe: provider status")
)

// StatusError carries a non-200 answer from the fiscal API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("nfe: provider returned %d", e.Code)
}

// Is lets errors.Is match ErrProviderStatus.
func (e *StatusError) Is(target error) bool {
	return target == ErrProviderStatus
}
