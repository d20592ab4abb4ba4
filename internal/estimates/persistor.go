package estimates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-recon/internal/procurement"
	"github.com/odyssey-erp/odyssey-recon/internal/reconcile"
	"github.com/odyssey-erp/odyssey-recon/internal/shared"
)

const (
	// DefaultDays is the default lookback window.
	DefaultDays = 60
	// DefaultMinScore is the default minimum match score persisted.
	DefaultMinScore = 80
	// DefaultFlushEvery is the number of orders per batch transaction.
	DefaultFlushEvery = 50
	// DefaultLockTTL bounds how long a crashed run can block the next one.
	DefaultLockTTL = 2 * time.Hour

	// trustedOrderScore lets unpaired lines inherit an order level match.
	trustedOrderScore = 90
	inheritedFactor   = 0.8
	qtyMatchTolerance = 0.01
)

// Orders reads purchase orders.
type Orders interface {
	ListOpenOrders(ctx context.Context, since time.Time) ([]procurement.PurchaseOrder, error)
	ItemsByID(ctx context.Context, ids []int64) (map[int64]procurement.PurchaseItem, error)
}

// Store is the estimate persistence port.
type Store interface {
	Relink(ctx context.Context, orderCode, companyCode string) (int64, error)
	DeleteOrphans(ctx context.Context) (int64, error)
	EstimatedItemIDs(ctx context.Context) ([]int64, error)
	DeleteForItems(ctx context.Context, itemIDs []int64) (int64, error)
	EstimatedLines(ctx context.Context, itemIDs []int64) (map[int64]bool, error)
	Begin(ctx context.Context) (Batch, error)
}

// Batch groups several orders in one transaction. Each Unit is rolled back
// on its own when fn fails.
type Batch interface {
	Unit(ctx context.Context, fn func(Writer) error) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Writer mutates state inside a Unit.
type Writer interface {
	Upsert(ctx context.Context, e Estimate) (UpsertOutcome, error)
	SetFulfilled(ctx context.Context, orderID int64, fulfilled bool) error
}

// Matcher ranks invoices for one order.
type Matcher interface {
	Match(ctx context.Context, order procurement.PurchaseOrder) (reconcile.Outcome, error)
}

// Locker grants the single-writer lock.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (*shared.Lock, bool, error)
}

// Options are the per-run knobs.
type Options struct {
	Days      int     `json:"days" validate:"gte=1,lte=3650"`
	MinScore  float64 `json:"min_score" validate:"gte=0,lte=100"`
	CleanOnly bool    `json:"clean_only"`
}

// DefaultOptions returns the scheduled run configuration.
func DefaultOptions() Options {
	return Options{Days: DefaultDays, MinScore: DefaultMinScore}
}

// Config tunes the persistor.
type Config struct {
	FlushEvery int
	LockTTL    time.Duration
	Now        func() time.Time
}

// Persistor writes per-line estimates for unfulfilled orders and evicts stale ones.
type Persistor struct {
	orders     Orders
	store      Store
	matcher    Matcher
	locker     Locker
	logger     *slog.Logger
	validate   *validator.Validate
	flushEvery int
	lockTTL    time.Duration
	now        func() time.Time
}

// NewPersistor wires a Persistor. locker may be nil.
func NewPersistor(orders Orders, store Store, matcher Matcher, locker Locker, logger *slog.Logger, cfg Config) *Persistor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = DefaultFlushEvery
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Persistor{
		orders:     orders,
		store:      store,
		matcher:    matcher,
		locker:     locker,
		logger:     logger.With(slog.String("component", "estimates.persistor")),
		validate:   validator.New(),
		flushEvery: cfg.FlushEvery,
		lockTTL:    cfg.LockTTL,
		now:        cfg.Now,
	}
}

// Run executes garbage collection and, unless CleanOnly is set, the matching
// pass. Per-order failures are logged and counted; the returned error is
// reserved for failures that stop the run.
func (p *Persistor) Run(ctx context.Context, opts Options) (RunSummary, error) {
	summary := RunSummary{RunID: uuid.NewString()}
	if err := p.validate.Struct(opts); err != nil {
		return summary, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	logger := p.logger.With(slog.String("run_id", summary.RunID))

	if p.locker != nil {
		lock, ok, err := p.locker.TryAcquire(ctx, shared.EstimatesLockKey, p.lockTTL)
		if err != nil {
			return summary, err
		}
		if !ok {
			summary.Locked = true
			logger.Warn("another estimates run holds the lock; skipping")
			return summary, nil
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("release estimates lock", slog.Any("error", err))
			}
		}()
	}

	logger.Info("estimates run started",
		slog.Int("days", opts.Days),
		slog.Float64("min_score", opts.MinScore),
		slog.Bool("clean_only", opts.CleanOnly),
	)

	if err := p.collect(ctx, &summary); err != nil {
		return summary, err
	}
	if !opts.CleanOnly {
		if err := p.match(ctx, opts, &summary, logger); err != nil {
			return summary, err
		}
	}

	logger.Info("estimates run finished",
		slog.Int64("relinked", summary.Relinked),
		slog.Int64("cleaned", summary.Cleaned),
		slog.Int("orders_scanned", summary.OrdersScanned),
		slog.Int("orders_skipped", summary.OrdersSkipped),
		slog.Int("orders_matched", summary.OrdersMatched),
		slog.Int("orders_failed", summary.OrdersFailed),
		slog.Int("inserted", summary.Inserted),
		slog.Int("updated", summary.Updated),
		slog.Int("unchanged", summary.Unchanged),
		slog.Bool("interrupted", summary.Interrupted),
	)
	return summary, nil
}

// collect relinks orphans, then deletes what is orphaned, gone or fulfilled.
func (p *Persistor) collect(ctx context.Context, summary *RunSummary) error {
	relinked, err := p.store.Relink(ctx, "", "")
	if err != nil {
		return err
	}
	summary.Relinked = relinked

	orphans, err := p.store.DeleteOrphans(ctx)
	if err != nil {
		return err
	}

	ids, err := p.store.EstimatedItemIDs(ctx)
	if err != nil {
		return err
	}
	items, err := p.orders.ItemsByID(ctx, ids)
	if err != nil {
		return err
	}
	var stale []int64
	for _, id := range ids {
		item, ok := items[id]
		if !ok || procurement.LineFulfilled(item.Record()) {
			stale = append(stale, id)
		}
	}
	deleted, err := p.store.DeleteForItems(ctx, stale)
	if err != nil {
		return err
	}
	summary.Cleaned = orphans + deleted
	return nil
}

func (p *Persistor) match(ctx context.Context, opts Options, summary *RunSummary, logger *slog.Logger) error {
	since := procurement.NoonLocal(p.now()).AddDate(0, 0, -opts.Days)
	orders, err := p.orders.ListOpenOrders(ctx, since)
	if err != nil {
		return err
	}

	// Units are not interruptible; cancellation is honoured between orders.
	unitCtx := context.WithoutCancel(ctx)
	var (
		batch   Batch
		pending int
	)
	flush := func() error {
		if batch == nil {
			return nil
		}
		err := batch.Commit(unitCtx)
		batch, pending = nil, 0
		return err
	}

	for _, order := range orders {
		if ctx.Err() != nil {
			summary.Interrupted = true
			break
		}
		if batch == nil {
			if batch, err = p.store.Begin(unitCtx); err != nil {
				return err
			}
		}
		summary.OrdersScanned++
		res, err := p.processOrder(unitCtx, batch, order, opts)
		switch {
		case errors.Is(err, ErrBatchBroken):
			_ = batch.Rollback(unitCtx)
			return err
		case err != nil:
			summary.OrdersFailed++
			logger.Error("order failed",
				slog.String("order_code", order.OrderCode),
				slog.String("company_code", order.CompanyCode),
				slog.Any("error", err),
			)
		default:
			res.apply(summary)
		}
		pending++
		if pending >= p.flushEvery {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	if summary.Interrupted {
		logger.Warn("estimates run interrupted", slog.Int("orders_scanned", summary.OrdersScanned), slog.Int("orders_total", len(orders)))
	}
	return nil
}

type orderResult struct {
	skipped  bool
	matched  bool
	outcomes []UpsertOutcome
}

func (r orderResult) apply(summary *RunSummary) {
	if r.skipped {
		summary.OrdersSkipped++
		return
	}
	if r.matched {
		summary.OrdersMatched++
	}
	for _, o := range r.outcomes {
		summary.count(o)
	}
}

func (p *Persistor) processOrder(ctx context.Context, batch Batch, order procurement.PurchaseOrder, opts Options) (orderResult, error) {
	if procurement.ItemsFulfilled(order.Items) {
		err := batch.Unit(ctx, func(w Writer) error {
			return w.SetFulfilled(ctx, order.ID, true)
		})
		return orderResult{skipped: true}, err
	}

	open := procurement.UnfulfilledItems(order.Items)
	if len(open) == 0 {
		return orderResult{skipped: true}, nil
	}
	ids := make([]int64, len(open))
	for i, item := range open {
		ids[i] = item.ID
	}
	estimated, err := p.store.EstimatedLines(ctx, ids)
	if err != nil {
		return orderResult{}, err
	}
	if allEstimated(ids, estimated) {
		return orderResult{skipped: true}, nil
	}

	outcome, err := p.matcher.Match(ctx, order)
	if err != nil {
		return orderResult{}, err
	}
	best, ok := outcome.Best(opts.MinScore)
	if !ok {
		return orderResult{}, nil
	}
	rows := BuildEstimates(order, open, best)
	if len(rows) == 0 {
		return orderResult{}, nil
	}

	var outcomes []UpsertOutcome
	err = batch.Unit(ctx, func(w Writer) error {
		outcomes = outcomes[:0]
		for _, row := range rows {
			o, err := w.Upsert(ctx, row)
			if err != nil {
				return err
			}
			outcomes = append(outcomes, o)
		}
		return nil
	})
	if err != nil {
		return orderResult{}, err
	}
	return orderResult{matched: true, outcomes: outcomes}, nil
}

func allEstimated(ids []int64, estimated map[int64]bool) bool {
	for _, id := range ids {
		if !estimated[id] {
			return false
		}
	}
	return true
}

// BuildEstimates turns the best match of an order into per-line rows for the
// open lines. Paired lines keep their line score; unpaired lines inherit a
// discounted order score only when the order level match is trusted.
func BuildEstimates(order procurement.PurchaseOrder, open []procurement.PurchaseItem, m reconcile.Match) []Estimate {
	if len(m.Results) == 0 {
		return nil
	}
	carrier := m.Carrier()
	var out []Estimate
	for _, item := range open {
		itemID := item.ID
		e := Estimate{
			OrderCode:      order.OrderCode,
			CompanyCode:    order.CompanyCode,
			ItemSequence:   item.Sequence,
			PurchaseItemID: &itemID,
			InvoiceID:      carrier.Invoice.ID,
			PODescription:  item.Description,
			POQty:          item.Ordered(),
			POUnitPrice:    item.UnitPrice,
		}
		if lm, ok := carrier.LineMatchFor(item.ID); ok {
			invoiceItemID := lm.InvoiceItemID
			e.InvoiceItemID = &invoiceItemID
			e.InvoiceDescription = lm.InvoiceDescription
			e.InvoiceQty = lm.InvoiceQty
			e.InvoiceUnitPrice = lm.InvoiceUnitPrice
			e.MatchScore = lm.LineScore
			e.DescriptionSimilarity = lm.TextScore
			e.QuantityMatch = math.Abs(lm.POQty-lm.InvoiceQty) < qtyMatchTolerance
			e.PriceDiffPct = priceDiffPct(lm.POUnitPrice, lm.InvoiceUnitPrice)
		} else if m.Score >= trustedOrderScore {
			e.MatchScore = math.Round(m.Score*inheritedFactor*100) / 100
		} else {
			continue
		}
		out = append(out, e)
	}
	return out
}

func priceDiffPct(po, inv float64) float64 {
	if po <= 0 {
		return 0
	}
	return math.Round(math.Abs(po-inv)/po*100*100) / 100
}
