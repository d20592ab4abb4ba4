package procurement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-recon/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for ERP purchase orders.
type Repository struct {
	db db.Querier
}

// NewRepository constructs a repository over a pool or a transaction.
func NewRepository(q db.Querier) *Repository {
	return &Repository{db: q}
}

const orderColumns = `
    po.id,
    po.order_code,
    po.company_code,
    po.emission_date,
    COALESCE(po.supplier_id, ''),
    COALESCE(po.supplier_description, ''),
    COALESCE(po.total_gross, 0)::double precision,
    COALESCE(po.total_net, 0)::double precision,
    COALESCE(po.total_net_with_tax, 0)::double precision,
    COALESCE(po.total_with_tax_adjusted, 0)::double precision,
    COALESCE(po.observation, ''),
    po.fulfilled`

// SupplierByID fetches the supplier master row.
func (r *Repository) SupplierByID(ctx context.Context, supplierID string) (Supplier, error) {
	if supplierID == "" {
		return Supplier{}, ErrNotFound
	}
	const query = `
SELECT supplier_id, COALESCE(tax_id, ''), COALESCE(name, ''), COALESCE(address, '')
FROM suppliers
WHERE supplier_id = $1`
	var s Supplier
	if err := r.db.QueryRow(ctx, query, supplierID).Scan(&s.SupplierID, &s.TaxID, &s.Name, &s.Address); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Supplier{}, ErrNotFound
		}
		return Supplier{}, fmt.Errorf("procurement: supplier %s: %w", supplierID, err)
	}
	return s, nil
}

// ListOpenOrders returns orders emitted on or after since whose fulfilled flag
// is false, with items and adjustments loaded.
func (r *Repository) ListOpenOrders(ctx context.Context, since time.Time) ([]PurchaseOrder, error) {
	query := `SELECT` + orderColumns + `
FROM purchase_orders po
WHERE po.emission_date >= $1
  AND po.fulfilled = FALSE
ORDER BY po.emission_date, po.id`
	rows, err := r.db.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("procurement: list open orders: %w", err)
	}
	orders, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}
	if err := r.loadChildren(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// GetOrder loads one order by business key.
func (r *Repository) GetOrder(ctx context.Context, orderCode, companyCode string) (PurchaseOrder, error) {
	query := `SELECT` + orderColumns + `
FROM purchase_orders po
WHERE po.order_code = $1 AND po.company_code = $2`
	rows, err := r.db.Query(ctx, query, orderCode, companyCode)
	if err != nil {
		return PurchaseOrder{}, fmt.Errorf("procurement: get order: %w", err)
	}
	orders, err := scanOrders(rows)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if len(orders) == 0 {
		return PurchaseOrder{}, ErrNotFound
	}
	if err := r.loadChildren(ctx, orders); err != nil {
		return PurchaseOrder{}, err
	}
	return orders[0], nil
}

// ItemsByID returns the lines that still exist among ids.
func (r *Repository) ItemsByID(ctx context.Context, ids []int64) (map[int64]PurchaseItem, error) {
	out := make(map[int64]PurchaseItem, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.db.Query(ctx, itemSelect+` WHERE pi.id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("procurement: items by id: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		out[item.ID] = item
	}
	return out, nil
}

// SetFulfilled updates the derived fulfilled flag.
func (r *Repository) SetFulfilled(ctx context.Context, orderID int64, fulfilled bool) error {
	_, err := r.db.Exec(ctx, `UPDATE purchase_orders SET fulfilled = $2, updated_at = NOW() WHERE id = $1`, orderID, fulfilled)
	if err != nil {
		return fmt.Errorf("procurement: set fulfilled %d: %w", orderID, err)
	}
	return nil
}

// DeleteOrder purges an order; items and adjustments cascade and estimate
// rows lose their line link but keep their business keys.
func (r *Repository) DeleteOrder(ctx context.Context, orderCode, companyCode string) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM purchase_orders WHERE order_code = $1 AND company_code = $2`, orderCode, companyCode)
	if err != nil {
		return 0, fmt.Errorf("procurement: delete order %s/%s: %w", companyCode, orderCode, err)
	}
	return tag.RowsAffected(), nil
}

// InsertOrder writes the header, adjustments and lines of order.
func (r *Repository) InsertOrder(ctx context.Context, order PurchaseOrder) (int64, error) {
	const insertHeader = `
INSERT INTO purchase_orders (
    order_code, company_code, emission_date, supplier_id, supplier_description,
    total_gross, total_net, total_net_with_tax, total_with_tax_adjusted,
    observation, fulfilled)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING id`
	var id int64
	if err := r.db.QueryRow(ctx, insertHeader,
		order.OrderCode,
		order.CompanyCode,
		order.EmissionDate,
		order.SupplierID,
		order.SupplierDescription,
		order.TotalGross,
		order.TotalNet,
		order.TotalNetWithTax,
		order.TotalWithTaxAdjusted,
		order.Observation,
		order.Fulfilled,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("procurement: insert order %s/%s: %w", order.CompanyCode, order.OrderCode, err)
	}

	const insertAdjustment = `
INSERT INTO purchase_order_adjustments (purchase_order_id, scope, direction, kind, value, order_index)
VALUES ($1, $2, $3, $4, $5, $6)`
	for _, adj := range order.Adjustments {
		if _, err := r.db.Exec(ctx, insertAdjustment, id, string(adj.Scope), string(adj.Direction), string(adj.Kind), adj.Value, adj.OrderIndex); err != nil {
			return 0, fmt.Errorf("procurement: insert adjustment: %w", err)
		}
	}

	const insertItem = `
INSERT INTO purchase_items (
    purchase_order_id, line_seq, item_code, description, qty_ordered, unit_price, line_total,
    qty_attended, qty_canceled, qty_canceled_tolerance, tolerance_pct, emission_date)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	for _, item := range order.Items {
		if _, err := r.db.Exec(ctx, insertItem,
			id,
			item.Sequence,
			item.ItemCode,
			item.Description,
			item.QtyOrdered,
			item.UnitPrice,
			item.LineTotal,
			item.QtyAttended,
			item.QtyCanceled,
			item.QtyCanceledTolerance,
			item.TolerancePct,
			order.EmissionDate,
		); err != nil {
			return 0, fmt.Errorf("procurement: insert item %d: %w", item.Sequence, err)
		}
	}
	return id, nil
}

const itemSelect = `
SELECT
    pi.id,
    pi.purchase_order_id,
    pi.line_seq,
    COALESCE(pi.item_code, ''),
    COALESCE(pi.description, ''),
    pi.qty_ordered::double precision,
    COALESCE(pi.unit_price, 0)::double precision,
    COALESCE(pi.line_total, 0)::double precision,
    COALESCE(pi.qty_attended, 0)::double precision,
    COALESCE(pi.qty_canceled, 0)::double precision,
    COALESCE(pi.qty_canceled_tolerance, 0)::double precision,
    COALESCE(pi.tolerance_pct, 0)::double precision,
    pi.emission_date
FROM purchase_items pi`

func (r *Repository) loadChildren(ctx context.Context, orders []PurchaseOrder) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]int64, len(orders))
	index := make(map[int64]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		index[o.ID] = i
	}

	rows, err := r.db.Query(ctx, itemSelect+` WHERE pi.purchase_order_id = ANY($1) ORDER BY pi.purchase_order_id, pi.line_seq`, ids)
	if err != nil {
		return fmt.Errorf("procurement: load items: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return err
	}
	for _, item := range items {
		i := index[item.PurchaseOrderID]
		orders[i].Items = append(orders[i].Items, item)
	}

	const adjQuery = `
SELECT id, purchase_order_id, scope, direction, kind, value::double precision, order_index
FROM purchase_order_adjustments
WHERE purchase_order_id = ANY($1)
ORDER BY purchase_order_id, order_index`
	adjRows, err := r.db.Query(ctx, adjQuery, ids)
	if err != nil {
		return fmt.Errorf("procurement: load adjustments: %w", err)
	}
	defer adjRows.Close()
	for adjRows.Next() {
		var (
			adj     Adjustment
			orderID int64
			scope   string
			dir     string
			kind    string
		)
		if err := adjRows.Scan(&adj.ID, &orderID, &scope, &dir, &kind, &adj.Value, &adj.OrderIndex); err != nil {
			return fmt.Errorf("procurement: scan adjustment: %w", err)
		}
		adj.Scope = AdjustmentScope(scope)
		adj.Direction = AdjustmentDirection(dir)
		adj.Kind = AdjustmentKind(kind)
		i := index[orderID]
		orders[i].Adjustments = append(orders[i].Adjustments, adj)
	}
	return adjRows.Err()
}

func scanOrders(rows pgx.Rows) ([]PurchaseOrder, error) {
	defer rows.Close()
	var orders []PurchaseOrder
	for rows.Next() {
		var o PurchaseOrder
		if err := rows.Scan(
			&o.ID,
			&o.OrderCode,
			&o.CompanyCode,
			&o.EmissionDate,
			&o.SupplierID,
			&o.SupplierDescription,
			&o.TotalGross,
			&o.TotalNet,
			&o.TotalNetWithTax,
			&o.TotalWithTaxAdjusted,
			&o.Observation,
			&o.Fulfilled,
		); err != nil {
			return nil, fmt.Errorf("procurement: scan order: %w", err)
		}
		o.EmissionDate = NoonLocal(o.EmissionDate)
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("procurement: iterate orders: %w", err)
	}
	return orders, nil
}

func scanItems(rows pgx.Rows) ([]PurchaseItem, error) {
	defer rows.Close()
	var items []PurchaseItem
	for rows.Next() {
		var (
			item     PurchaseItem
			emission *time.Time
		)
		if err := rows.Scan(
			&item.ID,
			&item.PurchaseOrderID,
			&item.Sequence,
			&item.ItemCode,
			&item.Description,
			&item.QtyOrdered,
			&item.UnitPrice,
			&item.LineTotal,
			&item.QtyAttended,
			&item.QtyCanceled,
			&item.QtyCanceledTolerance,
			&item.TolerancePct,
			&emission,
		); err != nil {
			return nil, fmt.Errorf("procurement: scan item: %w", err)
		}
		if emission != nil {
			item.EmissionDate = NoonLocal(*emission)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("procurement: iterate items: %w", err)
	}
	return items, nil
}
