// Package catalog reads product catalog files used to seed and refresh the
// products table.
package catalog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/gadget-pos/internal/domain/customer"
	"github.com/xenking/gadget-pos/internal/domain/product"
)

const maxLineSize = 1 << 20

// Record is one product as it appears in catalog files.
type Record struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Category       string          `json:"category"`
	Brand          string          `json:"brand"`
	Model          string          `json:"model"`
	Barcode        string          `json:"barcode"`
	SKU            string          `json:"sku"`
	Price          decimal.Decimal `json:"price"`
	IsAvailable    *bool           `json:"is_available"`
	StockQuantity  int             `json:"stock_quantity"`
	MinStockLevel  int             `json:"min_stock_level"`
	WarrantyMonths int             `json:"warranty_months"`
}

// Product validates r and converts it. Products are available unless the
// record says otherwise.
func (r Record) Product() (product.Product, error) {
	switch {
	case strings.TrimSpace(r.ID) == "":
		return product.Product{}, errors.New("missing id")
	case strings.TrimSpace(r.Name) == "":
		return product.Product{}, errors.Errorf("product %s: missing name", r.ID)
	case r.Price.IsNegative():
		return product.Product{}, errors.Errorf("product %s: negative price", r.ID)
	case r.StockQuantity < 0 || r.MinStockLevel < 0:
		return product.Product{}, errors.Errorf("product %s: negative stock", r.ID)
	}

	available := true
	if r.IsAvailable != nil {
		available = *r.IsAvailable
	}
	return product.Product{
		ID:             strings.TrimSpace(r.ID),
		Name:           r.Name,
		Description:    r.Description,
		Category:       r.Category,
		Brand:          r.Brand,
		Model:          r.Model,
		Barcode:        strings.TrimSpace(r.Barcode),
		SKU:            r.SKU,
		Price:          r.Price,
		IsAvailable:    available,
		StockQuantity:  r.StockQuantity,
		MinStockLevel:  r.MinStockLevel,
		WarrantyMonths: r.WarrantyMonths,
	}, nil
}

// CustomerRecord is one customer as it appears in seed files.
type CustomerRecord struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Email   string `json:"email"`
	Address string `json:"address"`
}

// Customer converts r.
func (r CustomerRecord) Customer() (customer.Customer, error) {
	if strings.TrimSpace(r.ID) == "" || strings.TrimSpace(r.Name) == "" {
		return customer.Customer{}, errors.Errorf("customer %q: id and name are required", r.ID)
	}
	return customer.Customer(r), nil
}

// ReadProducts decodes a JSON array of product records.
func ReadProducts(r io.Reader) ([]product.Product, error) {
	var records []Record
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, errors.Wrap(err, "decode products")
	}
	out := make([]product.Product, 0, len(records))
	for _, rec := range records {
		p, err := rec.Product()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ReadCustomers decodes a JSON array of customer records.
func ReadCustomers(r io.Reader) ([]customer.Customer, error) {
	var records []CustomerRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, errors.Wrap(err, "decode customers")
	}
	out := make([]customer.Customer, 0, len(records))
	for _, rec := range records {
		c, err := rec.Customer()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// LineError reports an NDJSON line that could not be used.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// StreamNDJSON decodes one product record per line and calls fn for each
// valid product. Blank lines are skipped. Invalid lines go to bad, which
// may stop the stream by returning an error.
func StreamNDJSON(ctx context.Context, r io.Reader, fn func(product.Product) error, bad func(*LineError) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var line int
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++
		raw := scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}

		var rec Record
		err := json.Unmarshal(raw, &rec)
		var p product.Product
		if err == nil {
			p, err = rec.Product()
		}
		if err != nil {
			if berr := bad(&LineError{Line: line, Err: err}); berr != nil {
				return berr
			}
			continue
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "scan")
	}
	return nil
}
