// Package dashboard aggregates the shop overview: today's sales, stock
// alerts and the repair queue.
package dashboard

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/gadget-pos/internal/domain/product"
	"github.com/xenking/gadget-pos/internal/domain/repair"
	"github.com/xenking/gadget-pos/internal/domain/sale"
)

const (
	defaultRecentSales = 5
	defaultTopProducts = 5
)

// SalesTotals counts completed sales in a period.
type SalesTotals struct {
	Count   int
	Revenue decimal.Decimal
}

// ProductSales is the sales volume of one product in a period.
type ProductSales struct {
	ProductID string
	Name      string
	Quantity  int
	Revenue   decimal.Decimal
}

// SalesReader reads the sales log.
type SalesReader interface {
	Totals(ctx context.Context, from, to time.Time) (SalesTotals, error)
	Recent(ctx context.Context, limit int) ([]*sale.Sale, error)
	TopProducts(ctx context.Context, from, to time.Time, limit int) ([]ProductSales, error)
}

// Catalog lists products.
type Catalog interface {
	List(ctx context.Context) ([]product.Product, error)
}

// RepairCounter counts repair tickets.
type RepairCounter interface {
	Counts(ctx context.Context) (repair.Counts, error)
}

// Stats is the dashboard overview.
type Stats struct {
	Date             time.Time
	TodaySales       int
	TodayRevenue     decimal.Decimal
	LowStock         []product.Product
	PendingRepairs   int
	CompletedRepairs int
	OverdueRepairs   int
	RecentSales      []*sale.Sale
	PopularProducts  []ProductSales
}

// Option configures a Service.
type Option func(*Service)

// WithLocation sets the time zone that decides where "today" starts.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service builds dashboard stats.
type Service struct {
	sales   SalesReader
	catalog Catalog
	repairs RepairCounter
	loc     *time.Location
	now     func() time.Time
}

// NewService creates a dashboard Service.
func NewService(sales SalesReader, catalog Catalog, repairs RepairCounter, opts ...Option) *Service {
	s := &Service{
		sales:   sales,
		catalog: catalog,
		repairs: repairs,
		loc:     time.UTC,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Today returns the bounds of the current day in the shop's time zone.
func (s *Service) Today() (from, to time.Time) {
	now := s.now().In(s.loc)
	from = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	return from, from.AddDate(0, 0, 1)
}

// Stats gathers the overview. The sources are read concurrently and the
// first error wins.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	from, to := s.Today()
	st := &Stats{Date: from}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t, err := s.sales.Totals(ctx, from, to)
		if err != nil {
			return errors.Wrap(err, "sales totals")
		}
		st.TodaySales, st.TodayRevenue = t.Count, t.Revenue
		return nil
	})
	g.Go(func() error {
		recent, err := s.sales.Recent(ctx, defaultRecentSales)
		if err != nil {
			return errors.Wrap(err, "recent sales")
		}
		st.RecentSales = recent
		return nil
	})
	g.Go(func() error {
		top, err := s.sales.TopProducts(ctx, from, to, defaultTopProducts)
		if err != nil {
			return errors.Wrap(err, "top products")
		}
		st.PopularProducts = top
		return nil
	})
	g.Go(func() error {
		products, err := s.catalog.List(ctx)
		if err != nil {
			return errors.Wrap(err, "list products")
		}
		st.LowStock = product.LowStock(products)
		return nil
	})
	g.Go(func() error {
		c, err := s.repairs.Counts(ctx)
		if err != nil {
			return errors.Wrap(err, "repair counts")
		}
		st.PendingRepairs = c.Pending()
		st.CompletedRepairs = c.ByStatus[repair.StatusCompleted]
		st.OverdueRepairs = c.Overdue
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return st, nil
}
