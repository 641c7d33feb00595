package sale

import (
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/gadget-pos/internal/domain/product"
)

// StockCheck selects which quantity the add-item stock precondition uses.
type StockCheck string

const (
	// StockCheckPerCall compares only the quantity being added against
	// stock. Repeated single-unit adds are never blocked by earlier adds.
	StockCheckPerCall StockCheck = "per_call"
	// StockCheckCumulative compares the merged line quantity against stock.
	StockCheckCumulative StockCheck = "cumulative"
)

// ParseStockCheck validates a configured stock check mode. An empty string
// selects StockCheckPerCall.
func ParseStockCheck(s string) (StockCheck, error) {
	switch StockCheck(s) {
	case "", StockCheckPerCall:
		return StockCheckPerCall, nil
	case StockCheckCumulative:
		return StockCheckCumulative, nil
	default:
		return "", errors.Errorf("unknown stock check mode %q", s)
	}
}

// Session is the explicit state of one till: at most one current sale.
// Engine methods take a Session and return the next one; the input is never
// modified, so callers can keep or discard either value.
type Session struct {
	Current *Sale `json:"current,omitempty"`
	// Pending is the completed record of Current while its sales log write
	// is unconfirmed. Current is frozen until Complete resolves it.
	Pending *Sale `json:"pending,omitempty"`
}

// Draft returns the current sale if it is still editable.
func (s Session) Draft() (*Sale, bool) {
	if s.Pending != nil || !s.Current.IsDraft() {
		return nil, false
	}
	return s.Current, true
}

// editable returns the current draft or the reason it cannot be edited.
func (s Session) editable() (*Sale, error) {
	if s.Pending != nil {
		return nil, ErrCompletionPending
	}
	if !s.Current.IsDraft() {
		return nil, ErrNoActiveSale
	}
	return s.Current, nil
}

// SnapshotTotal returns the current sale's total, or zero without a sale.
func (s Session) SnapshotTotal() decimal.Decimal {
	if s.Current == nil {
		return decimal.Zero
	}
	return s.Current.Total
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	TaxRate    decimal.Decimal
	StockCheck StockCheck
	// Now and NewID are replaceable for deterministic tests.
	Now   func() time.Time
	NewID func() string
}

// Engine applies sale commands to a Session. It performs no I/O.
type Engine struct {
	taxRate    decimal.Decimal
	stockCheck StockCheck
	now        func() time.Time
	newID      func() string
}

// NewEngine creates an Engine, filling unset hooks with wall-clock time and
// random UUIDs.
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		taxRate:    cfg.TaxRate,
		stockCheck: cfg.StockCheck,
		now:        cfg.Now,
		newID:      cfg.NewID,
	}
	if e.stockCheck == "" {
		e.stockCheck = StockCheckPerCall
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.newID == nil {
		e.newID = func() string { return uuid.New().String() }
	}
	return e
}

// TaxRate returns the configured tax rate.
func (e *Engine) TaxRate() decimal.Decimal {
	return e.taxRate
}

// Create starts a new empty draft sale. Any previous current sale,
// including an unfinished draft, is dropped from the session.
func (e *Engine) Create(_ Session, customerID string, customer *CustomerSnapshot) Session {
	now := e.now()
	s := &Sale{
		ID:         e.newID(),
		CustomerID: customerID,
		Items:      []LineItem{},
		Status:     StatusDraft,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if customer != nil {
		c := *customer
		s.Customer = &c
	}
	e.recompute(s)
	return Session{Current: s}
}

// AddItem adds qty units of p. A product already on the sale is merged into
// its existing line, keeping that line's unit price and discount; discount
// is only used for a new line and is clamped to [0, price].
//
// The availability and stock preconditions are checked before anything
// changes; on failure the returned session equals the input.
func (e *Engine) AddItem(s Session, p product.Product, qty int, discount decimal.Decimal) (Session, error) {
	cur, err := s.editable()
	if err != nil {
		return s, err
	}
	if qty <= 0 {
		return s, ErrInvalidQuantity
	}
	if !p.IsAvailable {
		return s, &UnavailableError{ProductID: p.ID}
	}

	requested := qty
	existing, merged := cur.ItemForProduct(p.ID)
	if merged && e.stockCheck == StockCheckCumulative {
		requested += existing.Quantity
	}
	if p.StockQuantity < requested {
		return s, &InsufficientStockError{
			ProductID: p.ID,
			Requested: requested,
			Available: p.StockQuantity,
		}
	}

	next := cur.clone()
	if merged {
		i := next.indexOf(existing.ID)
		it := &next.Items[i]
		it.Quantity += qty
		it.TotalPrice = LineTotal(it.UnitPrice, it.Discount, it.Quantity)
	} else {
		discount = ClampDiscount(discount, p.Price)
		next.Items = append(next.Items, LineItem{
			ID:        e.newID(),
			ProductID: p.ID,
			Product: ProductSnapshot{
				ID:             p.ID,
				Name:           p.Name,
				SKU:            p.SKU,
				Barcode:        p.Barcode,
				Price:          p.Price,
				WarrantyMonths: p.WarrantyMonths,
			},
			Quantity:   qty,
			UnitPrice:  p.Price,
			Discount:   discount,
			TotalPrice: LineTotal(p.Price, discount, qty),
		})
	}
	e.touch(next)
	return Session{Current: next}, nil
}

// RemoveItem drops the line item with itemID. Unknown IDs are a no-op.
func (e *Engine) RemoveItem(s Session, itemID string) (Session, error) {
	cur, err := s.editable()
	if err != nil {
		return s, err
	}
	i := cur.indexOf(itemID)
	if i < 0 {
		return s, nil
	}

	next := cur.clone()
	next.Items = slices.Delete(next.Items, i, i+1)
	e.touch(next)
	return Session{Current: next}, nil
}

// UpdateQuantity sets the quantity of a line item. A quantity of zero or
// less removes the item.
func (e *Engine) UpdateQuantity(s Session, itemID string, qty int) (Session, error) {
	if qty <= 0 {
		return e.RemoveItem(s, itemID)
	}
	cur, err := s.editable()
	if err != nil {
		return s, err
	}
	i := cur.indexOf(itemID)
	if i < 0 {
		return s, nil
	}

	next := cur.clone()
	it := &next.Items[i]
	it.Quantity = qty
	it.TotalPrice = LineTotal(it.UnitPrice, it.Discount, qty)
	e.touch(next)
	return Session{Current: next}, nil
}

// UpdateDiscount sets the absolute per-unit discount of a line item,
// clamped to [0, unit price].
func (e *Engine) UpdateDiscount(s Session, itemID string, discount decimal.Decimal) (Session, error) {
	cur, err := s.editable()
	if err != nil {
		return s, err
	}
	i := cur.indexOf(itemID)
	if i < 0 {
		return s, nil
	}

	next := cur.clone()
	it := &next.Items[i]
	it.Discount = ClampDiscount(discount, it.UnitPrice)
	it.TotalPrice = LineTotal(it.UnitPrice, it.Discount, it.Quantity)
	e.touch(next)
	return Session{Current: next}, nil
}

// ItemUpdate changes one line item. Nil fields are left alone. A percentage
// discount is converted against the line's unit price and wins over an
// absolute one.
type ItemUpdate struct {
	Quantity        *int
	Discount        *decimal.Decimal
	DiscountPercent *decimal.Decimal
}

// UpdateItem applies the quantity and discount of u as one command.
func (e *Engine) UpdateItem(s Session, itemID string, u ItemUpdate) (Session, error) {
	if _, err := s.editable(); err != nil {
		return s, err
	}
	next := s
	if u.Quantity != nil {
		var err error
		if next, err = e.UpdateQuantity(next, itemID, *u.Quantity); err != nil {
			return s, err
		}
	}
	if u.Discount == nil && u.DiscountPercent == nil {
		return next, nil
	}
	it, ok := next.Current.Item(itemID)
	if !ok {
		return next, nil
	}
	discount := decimal.Zero
	switch {
	case u.DiscountPercent != nil:
		discount = DiscountFromPercent(it.UnitPrice, *u.DiscountPercent)
	case u.Discount != nil:
		discount = *u.Discount
	}
	return e.UpdateDiscount(next, itemID, discount)
}

// Complete moves the draft to completed: it stamps the cashier, payment
// method and completion time, and records every line as a pending stock
// decrement. Persisting the result is the caller's job.
func (e *Engine) Complete(s Session, cashier Cashier, method PaymentMethod) (Session, error) {
	cur, err := s.editable()
	if err != nil {
		return s, err
	}
	if cashier.ID == "" {
		return s, errors.Wrap(ErrNoActiveSale, "no authenticated cashier")
	}
	if len(cur.Items) == 0 {
		return s, ErrEmptySale
	}
	if !method.Valid() {
		return s, errors.Wrapf(ErrInvalidPaymentMethod, "%q", method)
	}

	next := cur.clone()
	now := e.now()
	c := cashier
	next.CashierID = cashier.ID
	next.Cashier = &c
	next.Status = StatusCompleted
	next.PaymentMethod = method
	next.CompletedAt = &now
	next.UpdatedAt = now
	next.StockSync = StockSyncPending
	next.PendingStock = make([]StockDecrement, 0, len(next.Items))
	for _, it := range next.Items {
		next.PendingStock = append(next.PendingStock, StockDecrement{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
		})
	}
	e.recompute(next)
	return Session{Current: next}, nil
}

// Freeze marks the completed record of the current draft as pending. The
// draft can no longer be edited or cancelled until Resolve or a retried
// Complete clears it.
func (e *Engine) Freeze(s Session, completed *Sale) Session {
	return Session{Current: s.Current, Pending: completed}
}

// Resolve replaces a frozen draft with its committed record.
func (e *Engine) Resolve(_ Session, committed *Sale) Session {
	return Session{Current: committed}
}

// SettleStock records the outcome of the post-commit stock decrement on a
// completed sale. Decrements listed in failed stay pending.
func (e *Engine) SettleStock(s Session, failed []StockDecrement) Session {
	if s.Current == nil || s.Current.Status != StatusCompleted {
		return s
	}
	next := s.Current.clone()
	if len(failed) == 0 {
		next.StockSync = StockSyncDone
		next.PendingStock = nil
	} else {
		next.StockSync = StockSyncPending
		next.PendingStock = slices.Clone(failed)
	}
	return Session{Current: next}
}

// Cancel discards the current draft. Without a draft it is a no-op, and a
// draft frozen by a pending completion is kept.
func (e *Engine) Cancel(s Session) Session {
	if _, ok := s.Draft(); !ok {
		return s
	}
	return Session{}
}

// Recompute returns s with totals re-derived from its items.
func (e *Engine) Recompute(s *Sale) *Sale {
	next := s.clone()
	e.recompute(next)
	return next
}

func (e *Engine) touch(s *Sale) {
	s.UpdatedAt = e.now()
	e.recompute(s)
}

func (e *Engine) recompute(s *Sale) {
	t := ComputeTotals(s.Items, e.taxRate)
	s.Subtotal = t.Subtotal
	s.Tax = t.Tax
	s.Discount = t.Discount
	s.Total = t.Total
}
