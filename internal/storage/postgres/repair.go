package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/gadget-pos/internal/domain/repair"
)

const (
	insertRepairSQL = `INSERT INTO repairs (id, customer_id, customer_name, brand, model, issue,
			status, priority, estimated_hours, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	getRepairSQL = `SELECT payload FROM repairs WHERE id = $1`

	lockRepairSQL = `SELECT payload FROM repairs WHERE id = $1 FOR UPDATE`

	updateRepairSQL = `UPDATE repairs
		SET status = $2, payload = $3, updated_at = $4
		WHERE id = $1`

	listRepairsSQL = `SELECT payload FROM repairs
		WHERE ($1::text[] IS NULL OR status = ANY($1))
			AND ($2 = '' OR strpos(lower(customer_name || ' ' || brand || ' ' || model || ' ' || issue), lower($2)) > 0)
		ORDER BY created_at DESC, id DESC
		LIMIT $3`

	countRepairsSQL = `SELECT status, COUNT(*) FROM repairs GROUP BY status`

	overdueRepairsSQL = `SELECT COUNT(*) FROM repairs
		WHERE status = ANY($1) AND created_at + estimated_hours * interval '1 hour' < $2`
)

var _ repair.Repository = (*RepairRepository)(nil)

// RepairRepository stores repair tickets as JSONB documents next to the
// columns used for filtering.
type RepairRepository struct {
	pool *pgxpool.Pool
}

// NewRepairRepository returns a RepairRepository that uses the given pool.
func NewRepairRepository(pool *pgxpool.Pool) *RepairRepository {
	return &RepairRepository{pool: pool}
}

func (r *RepairRepository) Create(ctx context.Context, t *repair.Ticket) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return errors.Wrap(err, "marshal repair")
	}
	var customerName string
	if t.Customer != nil {
		customerName = t.Customer.Name
	}
	if _, err := r.pool.Exec(ctx, insertRepairSQL,
		t.ID, t.CustomerID, customerName, t.Brand, t.Model, t.Issue,
		string(t.Status), string(t.Priority), t.EstimatedHours, payload, t.CreatedAt, t.UpdatedAt,
	); err != nil {
		return errors.Wrapf(err, "insert repair %q", t.ID)
	}
	return nil
}

func (r *RepairRepository) Get(ctx context.Context, id string) (*repair.Ticket, error) {
	t, err := scanTicket(r.pool.QueryRow(ctx, getRepairSQL, id))
	if err != nil {
		return nil, errors.Wrapf(err, "get repair %q", id)
	}
	return t, nil
}

func (r *RepairRepository) List(ctx context.Context, f repair.Filter) ([]repair.Ticket, error) {
	var statuses []string
	for _, s := range f.Statuses {
		statuses = append(statuses, string(s))
	}
	var limit *int
	if f.Limit > 0 {
		limit = &f.Limit
	}

	rows, err := r.pool.Query(ctx, listRepairsSQL, statuses, f.Search, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list repairs")
	}
	tickets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (repair.Ticket, error) {
		t, err := scanTicket(row)
		if err != nil {
			return repair.Ticket{}, err
		}
		return *t, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan repairs")
	}
	return tickets, nil
}

// Update locks the row for the duration of fn.
func (r *RepairRepository) Update(ctx context.Context, id string, fn func(*repair.Ticket) error) (*repair.Ticket, error) {
	var updated *repair.Ticket
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		t, err := scanTicket(tx.QueryRow(ctx, lockRepairSQL, id))
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
		payload, err := json.Marshal(t)
		if err != nil {
			return errors.Wrap(err, "marshal repair")
		}
		if _, err := tx.Exec(ctx, updateRepairSQL, id, string(t.Status), payload, t.UpdatedAt); err != nil {
			return errors.Wrap(err, "update repair")
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "update repair %q", id)
	}
	return updated, nil
}

func (r *RepairRepository) Counts(ctx context.Context, now time.Time) (repair.Counts, error) {
	c := repair.Counts{ByStatus: map[repair.Status]int{}}
	rows, err := r.pool.Query(ctx, countRepairsSQL)
	if err != nil {
		return c, errors.Wrap(err, "count repairs")
	}
	type statusCount struct {
		Status string
		Count  int
	}
	counts, err := pgx.CollectRows(rows, pgx.RowToStructByPos[statusCount])
	if err != nil {
		return c, errors.Wrap(err, "scan repair counts")
	}
	for _, sc := range counts {
		c.ByStatus[repair.Status(sc.Status)] = sc.Count
	}

	var open []string
	for _, s := range repair.OpenStatuses() {
		open = append(open, string(s))
	}
	if err := r.pool.QueryRow(ctx, overdueRepairsSQL, open, now).Scan(&c.Overdue); err != nil {
		return c, errors.Wrap(err, "count overdue repairs")
	}
	return c, nil
}

func scanTicket(row pgx.Row) (*repair.Ticket, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repair.ErrNotFound
		}
		return nil, err
	}
	var t repair.Ticket
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, errors.Wrap(err, "unmarshal repair")
	}
	return &t, nil
}
