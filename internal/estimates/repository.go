package estimates

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-recon/internal/platform/db"
	"github.com/odyssey-erp/odyssey-recon/internal/procurement"
)

// Conn is satisfied by *pgxpool.Pool and pgx.Tx.
type Conn interface {
	db.Querier
	db.TxBeginner
}

// Repository is the PostgreSQL backed estimate store.
type Repository struct {
	conn Conn
}

// NewRepository constructs a Repository.
func NewRepository(conn Conn) *Repository {
	return &Repository{conn: conn}
}

// Relink attaches orphaned estimates to the freshly ingested line carrying the
// same (order_code, company_code, item_sequence). Empty codes relink everything.
func (r *Repository) Relink(ctx context.Context, orderCode, companyCode string) (int64, error) {
	const query = `
WITH candidates AS (
    SELECT DISTINCT ON (m.order_code, m.company_code, m.item_sequence, m.nfe_id)
        m.id, pi.id AS item_id
    FROM purchase_item_nfe_matches m
    JOIN purchase_orders po ON po.order_code = m.order_code AND po.company_code = m.company_code
    JOIN purchase_items pi ON pi.purchase_order_id = po.id AND pi.line_seq = m.item_sequence
    WHERE m.purchase_item_id IS NULL
      AND ($1 = '' OR m.order_code = $1)
      AND ($2 = '' OR m.company_code = $2)
      AND NOT EXISTS (
          SELECT 1 FROM purchase_item_nfe_matches x
          WHERE x.purchase_item_id = pi.id AND x.nfe_id = m.nfe_id
      )
    ORDER BY m.order_code, m.company_code, m.item_sequence, m.nfe_id, m.match_score DESC, m.id
)
UPDATE purchase_item_nfe_matches m
SET purchase_item_id = c.item_id, updated_at = NOW()
FROM candidates c
WHERE m.id = c.id`
	tag, err := r.conn.Exec(ctx, query, orderCode, companyCode)
	if err != nil {
		return 0, fmt.Errorf("estimates: relink: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteOrphans removes estimates whose line could not be relinked.
func (r *Repository) DeleteOrphans(ctx context.Context) (int64, error) {
	tag, err := r.conn.Exec(ctx, `DELETE FROM purchase_item_nfe_matches WHERE purchase_item_id IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("estimates: delete orphans: %w", err)
	}
	return tag.RowsAffected(), nil
}

// EstimatedItemIDs lists the distinct lines that carry estimates.
func (r *Repository) EstimatedItemIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.conn.Query(ctx, `
SELECT DISTINCT purchase_item_id
FROM purchase_item_nfe_matches
WHERE purchase_item_id IS NOT NULL
ORDER BY purchase_item_id`)
	if err != nil {
		return nil, fmt.Errorf("estimates: estimated items: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("estimates: estimated items: %w", err)
	}
	return ids, nil
}

// DeleteForItems drops every estimate of the given lines.
func (r *Repository) DeleteForItems(ctx context.Context, itemIDs []int64) (int64, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	tag, err := r.conn.Exec(ctx, `DELETE FROM purchase_item_nfe_matches WHERE purchase_item_id = ANY($1)`, itemIDs)
	if err != nil {
		return 0, fmt.Errorf("estimates: delete for items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// EstimatedLines reports which of itemIDs already have at least one estimate.
func (r *Repository) EstimatedLines(ctx context.Context, itemIDs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(itemIDs))
	if len(itemIDs) == 0 {
		return out, nil
	}
	rows, err := r.conn.Query(ctx, `
SELECT DISTINCT purchase_item_id
FROM purchase_item_nfe_matches
WHERE purchase_item_id = ANY($1)`, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("estimates: estimated lines: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("estimates: estimated lines: %w", err)
	}
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// Begin opens a batch transaction.
func (r *Repository) Begin(ctx context.Context) (Batch, error) {
	tx, err := r.conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("estimates: begin batch: %w", err)
	}
	return &pgBatch{tx: tx}, nil
}

const viewSelect = `
SELECT
    COALESCE(m.purchase_item_id, 0),
    m.item_sequence,
    m.nfe_id,
    COALESCE(n.number, ''),
    n.access_key,
    COALESCE(e.name, ''),
    n.emission_date,
    m.match_score::double precision,
    COALESCE(m.description_similarity, 0)::double precision,
    COALESCE(m.quantity_match, FALSE),
    COALESCE(m.price_diff_pct, 0)::double precision
FROM purchase_item_nfe_matches m
JOIN nfes n ON n.id = m.nfe_id
LEFT JOIN nfe_emitters e ON e.nfe_id = n.id`

// BestForItem returns the highest scoring estimate of a line.
func (r *Repository) BestForItem(ctx context.Context, purchaseItemID int64) (EstimateView, error) {
	rows, err := r.conn.Query(ctx, viewSelect+`
WHERE m.purchase_item_id = $1
ORDER BY m.match_score DESC, m.updated_at DESC, m.id
LIMIT 1`, purchaseItemID)
	if err != nil {
		return EstimateView{}, fmt.Errorf("estimates: best for item: %w", err)
	}
	views, err := scanViews(rows)
	if err != nil {
		return EstimateView{}, err
	}
	if len(views) == 0 {
		return EstimateView{}, ErrNotFound
	}
	return views[0], nil
}

// ForOrder lists the estimates of an order by line sequence, best first.
func (r *Repository) ForOrder(ctx context.Context, orderCode, companyCode string) ([]EstimateView, error) {
	rows, err := r.conn.Query(ctx, viewSelect+`
WHERE m.order_code = $1 AND m.company_code = $2
ORDER BY m.item_sequence, m.match_score DESC, m.id`, orderCode, companyCode)
	if err != nil {
		return nil, fmt.Errorf("estimates: for order: %w", err)
	}
	return scanViews(rows)
}

// InvoiceNumbersForOrder lists each estimated invoice number once with its
// best score.
func (r *Repository) InvoiceNumbersForOrder(ctx context.Context, orderCode, companyCode string) ([]InvoiceNumberView, error) {
	const query = `
SELECT number, access_key, supplier_name, emission_date, match_score
FROM (
    SELECT DISTINCT ON (COALESCE(n.number, n.access_key))
        COALESCE(n.number, '') AS number,
        n.access_key,
        COALESCE(e.name, '') AS supplier_name,
        n.emission_date,
        m.match_score::double precision AS match_score
    FROM purchase_item_nfe_matches m
    JOIN nfes n ON n.id = m.nfe_id
    LEFT JOIN nfe_emitters e ON e.nfe_id = n.id
    WHERE m.order_code = $1 AND m.company_code = $2
    ORDER BY COALESCE(n.number, n.access_key), m.match_score DESC
) best
ORDER BY match_score DESC, number`
	rows, err := r.conn.Query(ctx, query, orderCode, companyCode)
	if err != nil {
		return nil, fmt.Errorf("estimates: invoice numbers: %w", err)
	}
	defer rows.Close()
	var out []InvoiceNumberView
	for rows.Next() {
		var v InvoiceNumberView
		if err := rows.Scan(&v.InvoiceNumber, &v.AccessKey, &v.SupplierName, &v.EmissionDate, &v.MatchScore); err != nil {
			return nil, fmt.Errorf("estimates: scan invoice number: %w", err)
		}
		v.EmissionDate = procurement.NoonLocal(v.EmissionDate)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("estimates: invoice numbers: %w", err)
	}
	return out, nil
}

func scanViews(rows pgx.Rows) ([]EstimateView, error) {
	defer rows.Close()
	var out []EstimateView
	for rows.Next() {
		var v EstimateView
		if err := rows.Scan(
			&v.PurchaseItemID,
			&v.ItemSequence,
			&v.InvoiceID,
			&v.InvoiceNumber,
			&v.AccessKey,
			&v.SupplierName,
			&v.EmissionDate,
			&v.MatchScore,
			&v.DescriptionSimilarity,
			&v.QuantityMatch,
			&v.PriceDiffPct,
		); err != nil {
			return nil, fmt.Errorf("estimates: scan view: %w", err)
		}
		v.EmissionDate = procurement.NoonLocal(v.EmissionDate)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("estimates: iterate views: %w", err)
	}
	return out, nil
}

type pgBatch struct {
	tx pgx.Tx
}

// Unit runs fn inside a savepoint. Only failures of the savepoint machinery
// itself are reported as ErrBatchBroken.
func (b *pgBatch) Unit(ctx context.Context, fn func(Writer) error) error {
	sp, err := b.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: savepoint: %v", ErrBatchBroken, err)
	}
	if err := fn(&pgWriter{conn: sp}); err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w: rollback savepoint: %v (cause: %v)", ErrBatchBroken, rbErr, err)
		}
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("%w: release savepoint: %v", ErrBatchBroken, err)
	}
	return nil
}

func (b *pgBatch) Commit(ctx context.Context) error {
	if err := b.tx.Commit(ctx); err != nil {
		return fmt.Errorf("estimates: commit batch: %w", err)
	}
	return nil
}

func (b *pgBatch) Rollback(ctx context.Context) error {
	err := b.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("estimates: rollback batch: %w", err)
	}
	return nil
}

type pgWriter struct {
	conn Conn
}

func (w *pgWriter) SetFulfilled(ctx context.Context, orderID int64, fulfilled bool) error {
	return procurement.NewRepository(w.conn).SetFulfilled(ctx, orderID, fulfilled)
}

// Upsert inserts e or raises the stored score of the same (line, invoice)
// pair; a lower or equal score leaves the row untouched.
func (w *pgWriter) Upsert(ctx context.Context, e Estimate) (UpsertOutcome, error) {
	return upsert(ctx, w.conn, e)
}

func upsert(ctx context.Context, conn Conn, e Estimate) (UpsertOutcome, error) {
	if e.PurchaseItemID == nil {
		return OutcomeUnchanged, fmt.Errorf("estimates: upsert without purchase item")
	}
	var existing float64
	err := conn.QueryRow(ctx, `
SELECT match_score::double precision
FROM purchase_item_nfe_matches
WHERE purchase_item_id = $1 AND nfe_id = $2`, *e.PurchaseItemID, e.InvoiceID).Scan(&existing)
	switch {
	case err == nil:
		if e.MatchScore <= existing {
			return OutcomeUnchanged, nil
		}
		return updateIfGreater(ctx, conn, e)
	case !errors.Is(err, pgx.ErrNoRows):
		return OutcomeUnchanged, fmt.Errorf("estimates: lookup: %w", err)
	}

	const insert = `
INSERT INTO purchase_item_nfe_matches (
    order_code, company_code, item_sequence, purchase_item_id, nfe_id, nfe_item_id,
    po_description, po_qty, po_unit_price, nfe_description, nfe_qty, nfe_unit_price,
    match_score, description_similarity, quantity_match, price_diff_pct)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	err = db.WithSavepoint(ctx, conn, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, insert,
			e.OrderCode,
			e.CompanyCode,
			e.ItemSequence,
			e.PurchaseItemID,
			e.InvoiceID,
			e.InvoiceItemID,
			e.PODescription,
			e.POQty,
			e.POUnitPrice,
			e.InvoiceDescription,
			e.InvoiceQty,
			e.InvoiceUnitPrice,
			e.MatchScore,
			e.DescriptionSimilarity,
			e.QuantityMatch,
			e.PriceDiffPct,
		)
		return err
	})
	if err == nil {
		return OutcomeInserted, nil
	}
	if db.IsUniqueViolation(err) {
		return updateIfGreater(ctx, conn, e)
	}
	return OutcomeUnchanged, fmt.Errorf("estimates: insert: %w", err)
}

func updateIfGreater(ctx context.Context, conn Conn, e Estimate) (UpsertOutcome, error) {
	const update = `
UPDATE purchase_item_nfe_matches
SET nfe_item_id = $3,
    po_description = $4,
    po_qty = $5,
    po_unit_price = $6,
    nfe_description = $7,
    nfe_qty = $8,
    nfe_unit_price = $9,
    match_score = $10,
    description_similarity = $11,
    quantity_match = $12,
    price_diff_pct = $13,
    updated_at = NOW()
WHERE purchase_item_id = $1 AND nfe_id = $2 AND match_score < $10`
	tag, err := conn.Exec(ctx, update,
		e.PurchaseItemID,
		e.InvoiceID,
		e.InvoiceItemID,
		e.PODescription,
		e.POQty,
		e.POUnitPrice,
		e.InvoiceDescription,
		e.InvoiceQty,
		e.InvoiceUnitPrice,
		e.MatchScore,
		e.DescriptionSimilarity,
		e.QuantityMatch,
		e.PriceDiffPct,
	)
	if err != nil {
		return OutcomeUnchanged, fmt.Errorf("estimates: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return OutcomeUnchanged, nil
	}
	return OutcomeUpdated, nil
}
