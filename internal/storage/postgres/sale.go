package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/gadget-pos/internal/domain/dashboard"
	"github.com/xenking/gadget-pos/internal/domain/sale"
)

const (
	appendSaleSQL = `INSERT INTO sales (id, customer_id, cashier_id, status, payment_method,
			subtotal, tax, discount, total, payload, created_at, completed_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`

	getSaleSQL = `SELECT payload FROM sales WHERE id = $1`

	salesTotalsSQL = `SELECT COUNT(*), COALESCE(SUM(total), 0)
		FROM sales
		WHERE status = 'completed' AND completed_at >= $1 AND completed_at < $2`

	recentSalesSQL = `SELECT payload FROM sales ORDER BY completed_at DESC, id DESC LIMIT $1`

	topProductsSQL = `SELECT item->>'product_id',
			MAX(item->'product'->>'name'),
			SUM((item->>'quantity')::int),
			SUM((item->>'total_price')::numeric)
		FROM sales, jsonb_array_elements(payload->'items') AS item
		WHERE status = 'completed' AND completed_at >= $1 AND completed_at < $2
		GROUP BY 1
		ORDER BY 3 DESC, 1
		LIMIT $3`
)

var (
	_ sale.Log              = (*SaleLog)(nil)
	_ dashboard.SalesReader = (*SaleLog)(nil)
)

// SaleLog is the append-only record of completed sales. The full sale is
// kept as a JSONB document next to the columns used for reporting.
type SaleLog struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewSaleLog returns a SaleLog that uses the given pool.
func NewSaleLog(pool *pgxpool.Pool) *SaleLog {
	return &SaleLog{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Append stores a completed sale and its stock outbox entry in one
// transaction. If the ID is already recorded the stored document is compared
// with s: an identical sale is reported as AlreadyAppended, a different one
// fails with sale.ErrSaleConflict.
func (l *SaleLog) Append(ctx context.Context, s *sale.Sale) (sale.AppendResult, error) {
	if s.CompletedAt == nil {
		return 0, errors.Errorf("sale %s has no completion time", s.ID)
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return 0, errors.Wrap(err, "marshal sale")
	}
	var decrements []byte
	if len(s.PendingStock) > 0 {
		if decrements, err = json.Marshal(s.PendingStock); err != nil {
			return 0, errors.Wrap(err, "marshal decrements")
		}
	}

	var result sale.AppendResult
	err = pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, appendSaleSQL,
			s.ID, s.CustomerID, s.CashierID, string(s.Status), string(s.PaymentMethod),
			s.Subtotal, s.Tax, s.Discount, s.Total, payload, s.CreatedAt, *s.CompletedAt,
		)
		if err != nil {
			return errors.Wrap(err, "insert sale")
		}
		if tag.RowsAffected() == 0 {
			stored, err := getSale(ctx, tx, s.ID)
			if err != nil {
				return err
			}
			if !stored.SameRecord(s) {
				return errors.Wrap(sale.ErrSaleConflict, "compare stored sale")
			}
			result = sale.AlreadyAppended
			return nil
		}

		if decrements != nil {
			if _, err := tx.Exec(ctx, insertOutboxSQL, s.ID, decrements, l.now()); err != nil {
				return errors.Wrap(err, "queue stock")
			}
		}
		result = sale.Appended
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "append sale %q", s.ID)
	}
	return result, nil
}

// Get returns a previously appended sale, or sale.ErrNotFound.
func (l *SaleLog) Get(ctx context.Context, id string) (*sale.Sale, error) {
	s, err := getSale(ctx, l.pool, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get sale %q", id)
	}
	return s, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getSale(ctx context.Context, q querier, id string) (*sale.Sale, error) {
	var payload []byte
	if err := q.QueryRow(ctx, getSaleSQL, id).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sale.ErrNotFound
		}
		return nil, err
	}

	var s sale.Sale
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, errors.Wrap(err, "unmarshal sale")
	}
	return &s, nil
}

// Totals counts completed sales and their revenue in [from, to).
func (l *SaleLog) Totals(ctx context.Context, from, to time.Time) (dashboard.SalesTotals, error) {
	var t dashboard.SalesTotals
	if err := l.pool.QueryRow(ctx, salesTotalsSQL, from, to).Scan(&t.Count, &t.Revenue); err != nil {
		return t, errors.Wrap(err, "sales totals")
	}
	return t, nil
}

// Recent returns the last limit completed sales, newest first.
func (l *SaleLog) Recent(ctx context.Context, limit int) ([]*sale.Sale, error) {
	rows, err := l.pool.Query(ctx, recentSalesSQL, limit)
	if err != nil {
		return nil, errors.Wrap(err, "recent sales")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*sale.Sale, error) {
		var payload []byte
		if err := row.Scan(&payload); err != nil {
			return nil, err
		}
		var s sale.Sale
		if err := json.Unmarshal(payload, &s); err != nil {
			return nil, errors.Wrap(err, "unmarshal sale")
		}
		return &s, nil
	})
}

// TopProducts ranks products by units sold in [from, to).
func (l *SaleLog) TopProducts(ctx context.Context, from, to time.Time, limit int) ([]dashboard.ProductSales, error) {
	rows, err := l.pool.Query(ctx, topProductsSQL, from, to, limit)
	if err != nil {
		return nil, errors.Wrap(err, "top products")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (dashboard.ProductSales, error) {
		var p dashboard.ProductSales
		err := row.Scan(&p.ProductID, &p.Name, &p.Quantity, &p.Revenue)
		return p, err
	})
}
