package estimates

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/singleflight"
)

// Reader is the read side of the estimate store.
type Reader interface {
	BestForItem(ctx context.Context, purchaseItemID int64) (EstimateView, error)
	ForOrder(ctx context.Context, orderCode, companyCode string) ([]EstimateView, error)
	InvoiceNumbersForOrder(ctx context.Context, orderCode, companyCode string) ([]InvoiceNumberView, error)
}

// Service exposes the three estimate views consumed by the UI. Identical
// concurrent requests share one database round trip, which runs detached from
// the cancellation of the request that started it.
type Service struct {
	reader Reader
	group  singleflight.Group
}

// NewService constructs a Service.
func NewService(reader Reader) *Service {
	return &Service{reader: reader}
}

// BestEstimateForLine returns the highest scoring estimate of a purchase line.
func (s *Service) BestEstimateForLine(ctx context.Context, purchaseItemID int64) (EstimateView, error) {
	if purchaseItemID <= 0 {
		return EstimateView{}, fmt.Errorf("%w: purchase item id", ErrInvalidRequest)
	}
	shared := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do(fmt.Sprintf("item:%d", purchaseItemID), func() (any, error) {
		return s.reader.BestForItem(shared, purchaseItemID)
	})
	if err != nil {
		return EstimateView{}, err
	}
	view := v.(EstimateView)
	view.IsEstimated = true
	return view, nil
}

// EstimatesForOrder returns the estimates of an order grouped by line sequence.
func (s *Service) EstimatesForOrder(ctx context.Context, orderCode, companyCode string) ([]LineEstimates, error) {
	orderCode, companyCode, err := orderKey(orderCode, companyCode)
	if err != nil {
		return nil, err
	}
	shared := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do(flightKey("order", companyCode, orderCode), func() (any, error) {
		return s.reader.ForOrder(shared, orderCode, companyCode)
	})
	if err != nil {
		return nil, err
	}
	rows := v.([]EstimateView)

	grouped := make([]LineEstimates, 0)
	index := make(map[int]int)
	for _, row := range rows {
		row.IsEstimated = true
		i, ok := index[row.ItemSequence]
		if !ok {
			i = len(grouped)
			index[row.ItemSequence] = i
			grouped = append(grouped, LineEstimates{ItemSequence: row.ItemSequence})
		}
		grouped[i].Estimates = append(grouped[i].Estimates, row)
	}
	return grouped, nil
}

// EstimatedInvoiceNumbersForOrder returns each estimated invoice number of an
// order once, with its best score.
func (s *Service) EstimatedInvoiceNumbersForOrder(ctx context.Context, orderCode, companyCode string) ([]InvoiceNumberView, error) {
	orderCode, companyCode, err := orderKey(orderCode, companyCode)
	if err != nil {
		return nil, err
	}
	shared := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do(flightKey("invoices", companyCode, orderCode), func() (any, error) {
		return s.reader.InvoiceNumbersForOrder(shared, orderCode, companyCode)
	})
	if err != nil {
		return nil, err
	}
	rows := v.([]InvoiceNumberView)
	out := make([]InvoiceNumberView, len(rows))
	for i, row := range rows {
		row.IsEstimated = true
		out[i] = row
	}
	return out, nil
}

func orderKey(orderCode, companyCode string) (string, string, error) {
	orderCode = strings.TrimSpace(orderCode)
	companyCode = strings.TrimSpace(companyCode)
	if orderCode == "" || companyCode == "" {
		return "", "", fmt.Errorf("%w: order and company codes are required", ErrInvalidRequest)
	}
	return orderCode, companyCode, nil
}

func flightKey(view, companyCode, orderCode string) string {
	return fmt.Sprintf("%s:%q:%q", view, companyCode, orderCode)
}
