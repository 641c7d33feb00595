package sale

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a sale. Transitions only move forward:
// draft -> completed or draft -> cancelled.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusCompleted Status = "completed"
	StatusRefunded  Status = "refunded"
	StatusCancelled Status = "cancelled"
)

// PaymentMethod is how a completed sale was paid.
type PaymentMethod string

const (
	PaymentCash         PaymentMethod = "cash"
	PaymentCard         PaymentMethod = "card"
	PaymentUPI          PaymentMethod = "upi"
	PaymentBankTransfer PaymentMethod = "bank_transfer"
)

// Valid reports whether m is one of the supported payment methods.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentUPI, PaymentBankTransfer:
		return true
	default:
		return false
	}
}

// StockSync tracks the best-effort stock decrement that follows a committed
// completion.
type StockSync string

const (
	// StockSyncPending means the sale is committed but some decrements
	// have not been applied to the catalog yet.
	StockSyncPending StockSync = "pending"
	// StockSyncDone means every decrement was applied.
	StockSyncDone StockSync = "synced"
)

// ProductSnapshot is the copy of a product taken when it was added to the
// sale. Later catalog edits do not change it.
type ProductSnapshot struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	SKU            string          `json:"sku,omitempty"`
	Barcode        string          `json:"barcode,omitempty"`
	Price          decimal.Decimal `json:"price"`
	WarrantyMonths int             `json:"warranty_months,omitempty"`
}

// CustomerSnapshot is the copy of the customer taken when the sale was created.
type CustomerSnapshot struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// Cashier is the acting identity stamped at completion.
type Cashier struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// LineItem is one product/quantity/discount entry of a sale.
type LineItem struct {
	ID        string          `json:"id"`
	ProductID string          `json:"product_id"`
	Product   ProductSnapshot `json:"product"`
	Quantity  int             `json:"quantity"`
	// UnitPrice is captured from the product at add time.
	UnitPrice decimal.Decimal `json:"unit_price"`
	// Discount is an absolute amount taken off every unit.
	Discount decimal.Decimal `json:"discount"`
	// TotalPrice is (UnitPrice - Discount) * Quantity.
	TotalPrice decimal.Decimal `json:"total_price"`
}

// StockDecrement is one pending catalog stock change.
type StockDecrement struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Sale is one transaction: an ordered list of line items and the totals
// derived from them.
type Sale struct {
	ID            string            `json:"id"`
	CustomerID    string            `json:"customer_id,omitempty"`
	Customer      *CustomerSnapshot `json:"customer,omitempty"`
	CashierID     string            `json:"cashier_id,omitempty"`
	Cashier       *Cashier          `json:"cashier,omitempty"`
	Items         []LineItem        `json:"items"`
	Status        Status            `json:"status"`
	Subtotal      decimal.Decimal   `json:"subtotal"`
	Tax           decimal.Decimal   `json:"tax"`
	Discount      decimal.Decimal   `json:"discount"`
	Total         decimal.Decimal   `json:"total"`
	PaymentMethod PaymentMethod     `json:"payment_method,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`

	StockSync    StockSync        `json:"stock_sync,omitempty"`
	PendingStock []StockDecrement `json:"pending_stock,omitempty"`
}

// IsDraft reports whether the sale is still editable.
func (s *Sale) IsDraft() bool {
	return s != nil && s.Status == StatusDraft
}

// Item returns the line item with the given ID.
func (s *Sale) Item(id string) (LineItem, bool) {
	i := s.indexOf(id)
	if i < 0 {
		return LineItem{}, false
	}
	return s.Items[i], true
}

// ItemForProduct returns the line item holding productID.
func (s *Sale) ItemForProduct(productID string) (LineItem, bool) {
	i := slices.IndexFunc(s.Items, func(it LineItem) bool { return it.ProductID == productID })
	if i < 0 {
		return LineItem{}, false
	}
	return s.Items[i], true
}

// Units returns the total number of units across all line items.
func (s *Sale) Units() int {
	var n int
	for _, it := range s.Items {
		n += it.Quantity
	}
	return n
}

// SameRecord reports whether o records the same completed sale as s: same
// ID, cashier, payment method, lines and total. Timestamps and stock sync
// state are ignored.
func (s *Sale) SameRecord(o *Sale) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.ID != o.ID || s.Status != o.Status || s.CashierID != o.CashierID ||
		s.PaymentMethod != o.PaymentMethod || !s.Total.Equal(o.Total) ||
		len(s.Items) != len(o.Items) {
		return false
	}
	for i, it := range s.Items {
		ot := o.Items[i]
		if it.ProductID != ot.ProductID || it.Quantity != ot.Quantity ||
			!it.UnitPrice.Equal(ot.UnitPrice) || !it.Discount.Equal(ot.Discount) {
			return false
		}
	}
	return true
}

func (s *Sale) indexOf(itemID string) int {
	return slices.IndexFunc(s.Items, func(it LineItem) bool { return it.ID == itemID })
}

// clone returns a copy that shares nothing mutable with s.
func (s *Sale) clone() *Sale {
	c := *s
	c.Items = slices.Clone(s.Items)
	c.PendingStock = slices.Clone(s.PendingStock)
	if s.Customer != nil {
		cust := *s.Customer
		c.Customer = &cust
	}
	if s.Cashier != nil {
		cashier := *s.Cashier
		c.Cashier = &cashier
	}
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}
