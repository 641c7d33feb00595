package sale

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Sentinel errors for sale commands. Typed errors below match them via Is.
var (
	ErrProductUnavailable   = errors.New("product unavailable")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrNoActiveSale         = errors.New("no active sale")
	ErrEmptySale            = errors.New("cannot complete sale with no items")
	ErrCompletionFailed     = errors.New("sale completion failed")
	ErrInvalidQuantity      = errors.New("quantity must be greater than 0")
	ErrInvalidPaymentMethod = errors.New("invalid payment method")
	// ErrNotFound is returned when the sales log has no sale with the ID.
	ErrNotFound = errors.New("sale not found")
	// ErrCompletionPending is returned for commands on a sale whose
	// completion was attempted but not confirmed. Only Complete may run.
	ErrCompletionPending = errors.New("sale completion pending")
	// ErrSaleConflict means the sales log already holds a different sale
	// under the same ID.
	ErrSaleConflict = errors.New("sale already recorded with different contents")
	// ErrSessionBusy means another command held the session lock for too long.
	ErrSessionBusy = errors.New("session busy")
)

// UnavailableError indicates a product marked unavailable was added.
type UnavailableError struct {
	ProductID string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("product %s is not available", e.ProductID)
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrProductUnavailable
}

// InsufficientStockError indicates the requested quantity exceeds stock.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// CompletionError reports which completion stage failed.
//
// In StagePersist the sales log write failed or timed out, so the outcome
// is unknown: the session keeps the sale frozen until Complete is retried.
// In StageSession the sale is committed (Sale is set) but the till session
// could not be updated; retrying Complete confirms it without side effects.
type CompletionError struct {
	SaleID string
	Stage  string
	Err    error
	// Sale is the committed sale in StageSession.
	Sale *Sale
}

// Completion stages.
const (
	StageFreeze  = "freeze"
	StagePersist = "persist"
	StageSession = "session"
)

func (e *CompletionError) Error() string {
	return fmt.Sprintf("complete sale %s: %s: %v", e.SaleID, e.Stage, e.Err)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}

func (e *CompletionError) Is(target error) bool {
	return target == ErrCompletionFailed
}

// Reason returns a stable machine-readable name for a sale error, or
// "internal" for errors outside the taxonomy.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrProductUnavailable):
		return "product_unavailable"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrNoActiveSale):
		return "no_active_sale"
	case errors.Is(err, ErrEmptySale):
		return "empty_sale"
	case errors.Is(err, ErrNotFound):
		return "sale_not_found"
	case errors.Is(err, ErrCompletionPending):
		return "completion_pending"
	case errors.Is(err, ErrSaleConflict):
		return "sale_conflict"
	case errors.Is(err, ErrSessionBusy):
		return "session_busy"
	case errors.Is(err, ErrCompletionFailed):
		return "completion_failed"
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ErrInvalidPaymentMethod):
		return "invalid_payment_method"
	default:
		return "internal"
	}
}
