package postgres

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/gadget-pos/internal/domain/product"
	"github.com/xenking/gadget-pos/internal/domain/sale"
)

const (
	outboxStatusPending = "pending"
	outboxStatusSynced  = "synced"
	outboxStatusFailed  = "failed"
)

const (
	insertOutboxSQL = `INSERT INTO stock_outbox (sale_id, decrements, status, attempts, created_at, updated_at)
		VALUES ($1, $2, 'pending', 0, $3, $3)`

	lockOutboxSQL = `SELECT decrements FROM stock_outbox WHERE sale_id = $1 FOR UPDATE`

	applyOutboxSQL = `UPDATE stock_outbox
		SET decrements = $2, status = $3, updated_at = $4
		WHERE sale_id = $1`

	decrementStockSQL = `UPDATE products
		SET stock_quantity = stock_quantity - $2, updated_at = now()
		WHERE id = $1 AND stock_quantity >= $2`

	productExistsSQL = `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`

	pendingOutboxSQL = `SELECT sale_id, decrements, attempts, last_error, created_at, updated_at
		FROM stock_outbox
		WHERE status = 'pending'
		ORDER BY created_at, sale_id
		LIMIT $1`

	retryOutboxSQL = `UPDATE stock_outbox
		SET attempts = attempts + 1, last_error = $2, updated_at = $3
		WHERE sale_id = $1`

	markOutboxSQL = `UPDATE stock_outbox
		SET status = $2, attempts = attempts + 1, last_error = $3, updated_at = $4
		WHERE sale_id = $1`

	countPendingOutboxSQL = `SELECT COUNT(*) FROM stock_outbox WHERE status = 'pending'`
)

// ErrOutboxEntryNotFound is returned when updating an unknown outbox entry.
var ErrOutboxEntryNotFound = errors.New("outbox entry not found")

var _ sale.Outbox = (*StockOutbox)(nil)

// StockOutbox stores stock decrements that still have to be applied. Entries
// are written by SaleLog.Append in the transaction that records the sale.
type StockOutbox struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStockOutbox returns a StockOutbox that uses the given pool.
func NewStockOutbox(pool *pgxpool.Pool) *StockOutbox {
	return &StockOutbox{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Apply lowers stock for d and drops d from the sale's entry in one
// transaction. The entry row is locked first, so a concurrent Apply of the
// same decrement finds it gone and does nothing.
func (o *StockOutbox) Apply(ctx context.Context, saleID string, d sale.StockDecrement) error {
	err := pgx.BeginFunc(ctx, o.pool, func(tx pgx.Tx) error {
		var raw []byte
		if err := tx.QueryRow(ctx, lockOutboxSQL, saleID).Scan(&raw); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return errors.Wrap(err, "lock entry")
		}
		var queued []sale.StockDecrement
		if err := json.Unmarshal(raw, &queued); err != nil {
			return errors.Wrap(err, "unmarshal decrements")
		}
		i := slices.Index(queued, d)
		if i < 0 {
			return nil
		}

		if err := decrementStock(ctx, tx, d); err != nil {
			return err
		}

		remaining := slices.Delete(queued, i, i+1)
		status := outboxStatusPending
		if len(remaining) == 0 {
			status = outboxStatusSynced
		}
		decrements, err := json.Marshal(remaining)
		if err != nil {
			return errors.Wrap(err, "marshal decrements")
		}
		if _, err := tx.Exec(ctx, applyOutboxSQL, saleID, decrements, status, o.now()); err != nil {
			return errors.Wrap(err, "update entry")
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "apply stock of %q for sale %q", d.ProductID, saleID)
	}
	return nil
}

// decrementStock lowers stock in a single conditional update so concurrent
// tills can never take it below zero.
func decrementStock(ctx context.Context, tx pgx.Tx, d sale.StockDecrement) error {
	tag, err := tx.Exec(ctx, decrementStockSQL, d.ProductID, d.Quantity)
	if err != nil {
		return errors.Wrap(err, "decrement stock")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := tx.QueryRow(ctx, productExistsSQL, d.ProductID).Scan(&exists); err != nil {
		return errors.Wrap(err, "check product")
	}
	if !exists {
		return product.ErrNotFound
	}
	return product.ErrStockExhausted
}

func (o *StockOutbox) Pending(ctx context.Context, limit int) ([]sale.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := o.pool.Query(ctx, pendingOutboxSQL, limit)
	if err != nil {
		return nil, errors.Wrap(err, "pending stock outbox")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (sale.OutboxEntry, error) {
		var (
			e          sale.OutboxEntry
			decrements []byte
		)
		if err := row.Scan(&e.SaleID, &decrements, &e.Attempts, &e.LastError, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return e, err
		}
		if err := json.Unmarshal(decrements, &e.Decrements); err != nil {
			return e, errors.Wrapf(err, "unmarshal decrements of %q", e.SaleID)
		}
		return e, nil
	})
}

func (o *StockOutbox) MarkFailed(ctx context.Context, saleID, lastErr string) error {
	tag, err := o.pool.Exec(ctx, markOutboxSQL, saleID, outboxStatusFailed, lastErr, o.now())
	if err != nil {
		return errors.Wrapf(err, "mark stock for sale %q as failed", saleID)
	}
	if tag.RowsAffected() == 0 {
		return ErrOutboxEntryNotFound
	}
	return nil
}

func (o *StockOutbox) MarkRetry(ctx context.Context, saleID, lastErr string) error {
	tag, err := o.pool.Exec(ctx, retryOutboxSQL, saleID, lastErr, o.now())
	if err != nil {
		return errors.Wrapf(err, "retry stock for sale %q", saleID)
	}
	if tag.RowsAffected() == 0 {
		return ErrOutboxEntryNotFound
	}
	return nil
}

func (o *StockOutbox) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := o.pool.QueryRow(ctx, countPendingOutboxSQL).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count pending stock outbox")
	}
	return n, nil
}
