package sale

import (
	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/xenking/gadget-pos/internal/domain/sale"

type serviceMetrics struct {
	itemsAdded         metric.Int64Counter
	completed          metric.Int64Counter
	completionFailures metric.Int64Counter
	stockSyncFailures  metric.Int64Counter
	revenue            metric.Float64Counter
}

func newServiceMetrics(mp metric.MeterProvider) (*serviceMetrics, error) {
	meter := mp.Meter(instrumentationName)

	var (
		m   serviceMetrics
		err error
	)
	if m.itemsAdded, err = meter.Int64Counter("pos.sale.items_added",
		metric.WithDescription("Units added to draft sales"),
		metric.WithUnit("{unit}"),
	); err != nil {
		return nil, errors.Wrap(err, "items_added")
	}
	if m.completed, err = meter.Int64Counter("pos.sale.completed",
		metric.WithDescription("Sales committed to the sales log"),
	); err != nil {
		return nil, errors.Wrap(err, "completed")
	}
	if m.completionFailures, err = meter.Int64Counter("pos.sale.completion_failures",
		metric.WithDescription("Completion attempts that did not commit"),
	); err != nil {
		return nil, errors.Wrap(err, "completion_failures")
	}
	if m.stockSyncFailures, err = meter.Int64Counter("pos.sale.stock_sync_failures",
		metric.WithDescription("Stock decrements deferred to the outbox"),
	); err != nil {
		return nil, errors.Wrap(err, "stock_sync_failures")
	}
	if m.revenue, err = meter.Float64Counter("pos.sale.revenue",
		metric.WithDescription("Total of committed sales including tax"),
	); err != nil {
		return nil, errors.Wrap(err, "revenue")
	}
	return &m, nil
}
