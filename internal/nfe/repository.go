package nfe

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-recon/internal/platform/db"
	"github.com/odyssey-erp/odyssey-recon/internal/procurement"
)

// Pool is the subset of *pgxpool.Pool the repository needs.
type Pool interface {
	db.Querier
	db.TxStarter
}

// Repository persists invoices and answers candidate queries.
type Repository struct {
	pool Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool Pool) *Repository {
	return &Repository{pool: pool}
}

// Exists reports whether accessKey is already stored.
func (r *Repository) Exists(ctx context.Context, accessKey string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM nfes WHERE access_key = $1)`, accessKey).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("nfe: exists %s: %w", accessKey, err)
	}
	return exists, nil
}

// Save writes the invoice, its emitter and its items in one transaction.
func (r *Repository) Save(ctx context.Context, inv Invoice) (int64, error) {
	var id int64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		const insertInvoice = `
INSERT INTO nfes (access_key, number, emission_date, total, observation)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`
		if err := tx.QueryRow(ctx, insertInvoice,
			inv.AccessKey,
			inv.Number,
			inv.EmissionDate,
			inv.Total,
			inv.Observation,
		).Scan(&id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO nfe_emitters (nfe_id, cnpj, name) VALUES ($1, $2, $3)`,
			id, inv.Emitter.CNPJ, inv.Emitter.Name); err != nil {
			return err
		}
		const insertItem = `
INSERT INTO nfe_items (nfe_id, line_seq, description, quantity, unit_value)
VALUES ($1, $2, $3, $4, $5)`
		for _, item := range inv.Items {
			if _, err := tx.Exec(ctx, insertItem, id, item.Sequence, item.Description, item.Quantity, item.UnitValue); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if db.IsUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", ErrDuplicate, inv.AccessKey)
		}
		return 0, fmt.Errorf("nfe: save %s: %w", inv.AccessKey, err)
	}
	return id, nil
}

const invoiceSelect = `
SELECT
    n.id,
    n.access_key,
    COALESCE(n.number, ''),
    n.emission_date,
    COALESCE(n.total, 0)::double precision,
    COALESCE(n.observation, ''),
    COALESCE(e.cnpj, ''),
    COALESCE(e.name, '')
FROM nfes n
LEFT JOIN nfe_emitters e ON e.nfe_id = n.id`

// ByEmitterRoot lists invoices whose emitter CNPJ starts with root and whose
// emission date lies within [from, to].
func (r *Repository) ByEmitterRoot(ctx context.Context, root string, from, to time.Time, limit int) ([]Invoice, error) {
	query := invoiceSelect + `
WHERE e.cnpj LIKE $1 || '%'
  AND n.emission_date BETWEEN $2 AND $3
ORDER BY n.emission_date, n.id
LIMIT $4`
	return r.list(ctx, "by emitter root", query, root, dateOnly(from), dateOnly(to), limit)
}

// ReferencingOrder lists invoices whose observation quotes orderCode and that
// were emitted on or after since.
func (r *Repository) ReferencingOrder(ctx context.Context, orderCode string, since time.Time, limit int) ([]Invoice, error) {
	query := invoiceSelect + `
WHERE strpos(COALESCE(n.observation, ''), $1) > 0
  AND n.emission_date >= $2
ORDER BY n.emission_date, n.id
LIMIT $3`
	return r.list(ctx, "referencing order", query, orderCode, dateOnly(since), limit)
}

// InWindow lists invoices emitted within [from, to].
func (r *Repository) InWindow(ctx context.Context, from, to time.Time, limit int) ([]Invoice, error) {
	query := invoiceSelect + `
WHERE n.emission_date BETWEEN $1 AND $2
ORDER BY n.emission_date, n.id
LIMIT $3`
	return r.list(ctx, "in window", query, dateOnly(from), dateOnly(to), limit)
}

func (r *Repository) list(ctx context.Context, label, query string, args ...any) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("nfe: %s: %w", label, err)
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		var inv Invoice
		if err := rows.Scan(
			&inv.ID,
			&inv.AccessKey,
			&inv.Number,
			&inv.EmissionDate,
			&inv.Total,
			&inv.Observation,
			&inv.Emitter.CNPJ,
			&inv.Emitter.Name,
		); err != nil {
			return nil, fmt.Errorf("nfe: scan invoice: %w", err)
		}
		inv.EmissionDate = procurement.NoonLocal(inv.EmissionDate)
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("nfe: %s: %w", label, err)
	}
	if err := r.loadItems(ctx, invoices); err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *Repository) loadItems(ctx context.Context, invoices []Invoice) error {
	if len(invoices) == 0 {
		return nil
	}
	ids := make([]int64, len(invoices))
	index := make(map[int64]int, len(invoices))
	for i, inv := range invoices {
		ids[i] = inv.ID
		index[inv.ID] = i
	}
	const query = `
SELECT id, nfe_id, line_seq, COALESCE(description, ''),
       COALESCE(quantity, 0)::double precision, COALESCE(unit_value, 0)::double precision
FROM nfe_items
WHERE nfe_id = ANY($1)
ORDER BY nfe_id, line_seq`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return fmt.Errorf("nfe: load items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.InvoiceID, &item.Sequence, &item.Description, &item.Quantity, &item.UnitValue); err != nil {
			return fmt.Errorf("nfe: scan item: %w", err)
		}
		i := index[item.InvoiceID]
		invoices[i].Items = append(invoices[i].Items, item)
	}
	return rows.Err()
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
