package erp

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-recon/internal/estimates"
	"github.com/odyssey-erp/odyssey-recon/internal/platform/db"
	"github.com/odyssey-erp/odyssey-recon/internal/procurement"
)

// Orders is the write side of the procurement tables.
type Orders interface {
	DeleteOrder(ctx context.Context, orderCode, companyCode string) (int64, error)
	InsertOrder(ctx context.Context, order procurement.PurchaseOrder) (int64, error)
}

// Relinker reattaches estimates to freshly created order lines.
type Relinker interface {
	Relink(ctx context.Context, orderCode, companyCode string) (int64, error)
}

// Stores are the repositories bound to one transaction.
type Stores struct {
	Orders    Orders
	Estimates Relinker
}

// UnitOfWork runs fn in a transaction.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(Stores) error) error
}

// PgUnitOfWork binds the repositories to a pgx transaction.
type PgUnitOfWork struct {
	pool db.TxStarter
}

// NewPgUnitOfWork constructs a PgUnitOfWork.
func NewPgUnitOfWork(pool db.TxStarter) *PgUnitOfWork {
	return &PgUnitOfWork{pool: pool}
}

// Do implements UnitOfWork.
func (u *PgUnitOfWork) Do(ctx context.Context, fn func(Stores) error) error {
	return db.WithTx(ctx, u.pool, func(tx pgx.Tx) error {
		return fn(Stores{
			Orders:    procurement.NewRepository(tx),
			Estimates: estimates.NewRepository(tx),
		})
	})
}

// Summary counts what one ingest did.
type Summary struct {
	Decoded   int   `json:"decoded"`
	Ingested  int   `json:"ingested"`
	Replaced  int   `json:"replaced"`
	Fulfilled int   `json:"fulfilled"`
	Malformed int   `json:"malformed"`
	Failed    int   `json:"failed"`
	Relinked  int64 `json:"relinked"`
}

// Service loads ERP exports.
type Service struct {
	uow    UnitOfWork
	logger *slog.Logger
}

// NewService constructs a Service.
func NewService(uow UnitOfWork, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{uow: uow, logger: logger.With(slog.String("component", "erp.ingest"))}
}

// Ingest decodes r and replaces every well formed order it carries. Each
// order is written in its own transaction; a failing order does not stop the
// others.
func (s *Service) Ingest(ctx context.Context, r io.Reader) (Summary, error) {
	docs, err := Decode(r)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{Decoded: len(docs)}
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if doc.Err != nil {
			summary.Malformed++
			s.logger.Warn("skipping malformed order",
				slog.String("order_code", doc.Order.OrderCode),
				slog.String("company_code", doc.Order.CompanyCode),
				slog.Any("error", doc.Err),
			)
			continue
		}
		order := doc.Order
		order.Fulfilled = procurement.LinesFulfilled(Records(order))
		replaced, relinked, err := s.ingestOrder(ctx, order)
		if err != nil {
			summary.Failed++
			s.logger.Error("ingest order failed",
				slog.String("order_code", doc.Order.OrderCode),
				slog.String("company_code", doc.Order.CompanyCode),
				slog.Any("error", err),
			)
			continue
		}
		summary.Ingested++
		summary.Relinked += relinked
		if replaced {
			summary.Replaced++
		}
		if order.Fulfilled {
			summary.Fulfilled++
		}
	}
	s.logger.Info("erp ingest finished",
		slog.Int("decoded", summary.Decoded),
		slog.Int("ingested", summary.Ingested),
		slog.Int("replaced", summary.Replaced),
		slog.Int("malformed", summary.Malformed),
		slog.Int("failed", summary.Failed),
		slog.Int64("relinked", summary.Relinked),
	)
	return summary, nil
}

func (s *Service) ingestOrder(ctx context.Context, order procurement.PurchaseOrder) (bool, int64, error) {
	var (
		replaced bool
		relinked int64
	)
	err := s.uow.Do(ctx, func(st Stores) error {
		deleted, err := st.Orders.DeleteOrder(ctx, order.OrderCode, order.CompanyCode)
		if err != nil {
			return err
		}
		replaced = deleted > 0
		if _, err := st.Orders.InsertOrder(ctx, order); err != nil {
			return err
		}
		relinked, err = st.Estimates.Relink(ctx, order.OrderCode, order.CompanyCode)
		if err != nil {
			return fmt.Errorf("erp: relink %s/%s: %w", order.CompanyCode, order.OrderCode, err)
		}
		return nil
	})
	return replaced, relinked, err
}
