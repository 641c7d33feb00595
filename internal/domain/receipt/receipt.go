// Package receipt builds the printable slip handed to the customer after a
// sale is completed.
package receipt

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/gadget-pos/internal/domain/sale"
)

// ErrNotCompleted is returned for sales that have not been completed yet.
var ErrNotCompleted = errors.New("sale is not completed")

const defaultFooter = "Thank you for shopping with us!"

// Shop identifies the store printed in the receipt header.
type Shop struct {
	Name    string
	Address string
	Phone   string
	Email   string
	GSTIN   string
	Footer  string
}

// Line is one printed line item.
type Line struct {
	Name           string
	Quantity       int
	UnitPrice      decimal.Decimal
	Discount       decimal.Decimal
	Total          decimal.Decimal
	WarrantyMonths int
}

// Receipt is the printable view of a completed sale. Amounts are copied
// from the sale as committed and never recomputed here.
type Receipt struct {
	Shop          Shop
	Number        string
	SaleID        string
	Date          time.Time
	Cashier       string
	Customer      string
	Lines         []Line
	Subtotal      decimal.Decimal
	Discount      decimal.Decimal
	TaxPercent    decimal.Decimal
	Tax           decimal.Decimal
	Total         decimal.Decimal
	PaymentMethod sale.PaymentMethod
}

// FromSale builds a Receipt from a completed sale.
func FromSale(s *sale.Sale, shop Shop) (*Receipt, error) {
	if s == nil || s.Status != sale.StatusCompleted {
		return nil, ErrNotCompleted
	}

	r := &Receipt{
		Shop:          shop,
		Number:        Number(s.ID),
		SaleID:        s.ID,
		Date:          s.CreatedAt,
		Subtotal:      s.Subtotal,
		Discount:      s.Discount,
		Tax:           s.Tax,
		Total:         s.Total,
		PaymentMethod: s.PaymentMethod,
		Lines:         make([]Line, 0, len(s.Items)),
	}
	if s.CompletedAt != nil {
		r.Date = *s.CompletedAt
	}
	if s.Cashier != nil {
		r.Cashier = s.Cashier.Name
	}
	if s.Customer != nil {
		r.Customer = s.Customer.Name
	}
	if !s.Subtotal.IsZero() {
		r.TaxPercent = s.Tax.Div(s.Subtotal).Mul(decimal.NewFromInt(100)).Round(2)
	}
	for _, it := range s.Items {
		r.Lines = append(r.Lines, Line{
			Name:           it.Product.Name,
			Quantity:       it.Quantity,
			UnitPrice:      it.UnitPrice,
			Discount:       it.Discount,
			Total:          it.TotalPrice,
			WarrantyMonths: it.Product.WarrantyMonths,
		})
	}
	return r, nil
}

// Number is the short receipt number printed for a sale id: the last eight
// characters, upper-cased, with dashes removed.
func Number(saleID string) string {
	id := strings.ToUpper(strings.ReplaceAll(saleID, "-", ""))
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return id
}

// Render writes the receipt as a plain-text slip. Amounts are rounded to
// two decimals for display only.
func (r *Receipt) Render(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	p := func(format string, args ...any) {
		_, _ = fmt.Fprintf(tw, format, args...)
	}

	if r.Shop.Name != "" {
		p("%s\t\n", r.Shop.Name)
	}
	for _, l := range []string{r.Shop.Address, r.Shop.Phone, r.Shop.Email} {
		if l != "" {
			p("%s\t\n", l)
		}
	}
	if r.Shop.GSTIN != "" {
		p("GSTIN: %s\t\n", r.Shop.GSTIN)
	}
	p("\t\n")
	p("Receipt #\t%s\t\n", r.Number)
	p("Date\t%s\t\n", r.Date.Format("2006-01-02 15:04"))
	if r.Cashier != "" {
		p("Cashier\t%s\t\n", r.Cashier)
	}
	if r.Customer != "" {
		p("Customer\t%s\t\n", r.Customer)
	}
	p("\t\n")

	for _, l := range r.Lines {
		p("%s\t\t\n", l.Name)
		p("  %d x %s\t%s\t\n", l.Quantity, money(l.UnitPrice), money(l.Total))
		if l.Discount.IsPositive() {
			p("  discount %s each\t\t\n", money(l.Discount))
		}
		if l.WarrantyMonths > 0 {
			p("  warranty %d months\t\t\n", l.WarrantyMonths)
		}
	}
	p("\t\n")

	p("Subtotal\t%s\t\n", money(r.Subtotal))
	if r.Discount.IsPositive() {
		p("Discount\t-%s\t\n", money(r.Discount))
	}
	p("Tax (%s%%)\t%s\t\n", r.TaxPercent.String(), money(r.Tax))
	p("TOTAL\t%s\t\n", money(r.Total))
	p("Paid by\t%s\t\n", r.PaymentMethod)
	p("\t\n")

	footer := r.Shop.Footer
	if footer == "" {
		footer = defaultFooter
	}
	p("%s\t\n", footer)

	if err := tw.Flush(); err != nil {
		return errors.Wrap(err, "flush receipt")
	}
	return nil
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}
