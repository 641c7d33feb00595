package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a requested product does not exist.
	ErrNotFound = errors.New("product not found")
	// ErrStockExhausted is returned when a stock decrement would take the
	// stock quantity below zero.
	ErrStockExhausted = errors.New("stock exhausted")
)

// Product represents a catalog item that can be rung up at the till.
type Product struct {
	ID             string
	Name           string
	Description    string
	Category       string
	Brand          string
	Model          string
	Barcode        string
	SKU            string
	Price          decimal.Decimal
	IsAvailable    bool
	StockQuantity  int
	MinStockLevel  int
	WarrantyMonths int
}

// IsLowStock reports whether the stock is at or below the minimum level.
func (p Product) IsLowStock() bool {
	return p.StockQuantity <= p.MinStockLevel
}

// Repository defines catalog reads. Stock is lowered only through the
// stock outbox of completed sales.
type Repository interface {
	List(ctx context.Context) ([]Product, error)
	GetByID(ctx context.Context, id string) (*Product, error)
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
	GetByBarcode(ctx context.Context, barcode string) (*Product, error)
}

// LowStock filters products whose stock is at or below their minimum level.
func LowStock(products []Product) []Product {
	var out []Product
	for _, p := range products {
		if p.IsLowStock() {
			out = append(out, p)
		}
	}
	return out
}
