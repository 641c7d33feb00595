package sale

import (
	"context"
	"time"
)

// SessionStore keeps the current session of each till. Load returns an
// empty Session for unknown IDs.
type SessionStore interface {
	Load(ctx context.Context, sessionID string) (Session, error)
	Save(ctx context.Context, sessionID string, s Session) error
}

// Locker serializes commands for one session. The returned unlock must be
// called exactly once.
type Locker interface {
	Lock(ctx context.Context, sessionID string) (unlock func(), err error)
}

// AppendResult tells whether Log.Append recorded the sale or found it
// already recorded.
type AppendResult int

const (
	// Appended means this call recorded the sale.
	Appended AppendResult = iota + 1
	// AlreadyAppended means an identical record with the same ID exists.
	AlreadyAppended
)

func (r AppendResult) String() string {
	switch r {
	case Appended:
		return "appended"
	case AlreadyAppended:
		return "already_appended"
	default:
		return "unknown"
	}
}

// Log is the append-only record of completed sales.
type Log interface {
	// Append records a completed sale and queues its stock decrements in
	// the stock outbox in one transaction. Appending an identical sale again
	// returns AlreadyAppended and queues nothing; a different sale under a
	// recorded ID fails with ErrSaleConflict.
	Append(ctx context.Context, s *Sale) (AppendResult, error)
}

// OutboxEntry holds the stock decrements of a committed sale that have not
// been applied to the catalog yet.
type OutboxEntry struct {
	SaleID     string
	Decrements []StockDecrement
	Attempts   int
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Outbox holds the queued stock decrements of committed sales.
type Outbox interface {
	// Apply lowers catalog stock for one queued decrement and removes it
	// from the sale's entry in the same transaction. A decrement that is no
	// longer queued is skipped, so Apply may be repeated safely. An entry
	// with nothing left is marked synced.
	Apply(ctx context.Context, saleID string, d StockDecrement) error
	// Pending returns up to limit entries that still need to be applied,
	// oldest first.
	Pending(ctx context.Context, limit int) ([]OutboxEntry, error)
	// MarkRetry records a failed attempt on an entry.
	MarkRetry(ctx context.Context, saleID string, lastErr string) error
	MarkFailed(ctx context.Context, saleID string, lastErr string) error
	CountPending(ctx context.Context) (int, error)
}
