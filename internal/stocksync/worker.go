// Package stocksync applies stock decrements that could not be written when
// their sale was completed. Each decrement is applied through the outbox,
// which lowers stock and drops the decrement in one transaction, so a poll
// that fails halfway never applies a decrement twice.
package stocksync

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/gadget-pos/internal/domain/sale"
	"github.com/xenking/gadget-pos/internal/notify"
)

const (
	defaultInterval    = 30 * time.Second
	defaultBatchSize   = 50
	defaultMaxAttempts = 10
)

// Worker polls the stock outbox and retries pending decrements. An entry
// that keeps failing is marked failed after MaxAttempts polls and left for
// manual reconciliation.
type Worker struct {
	outbox   sale.Outbox
	notifier notify.Sink

	interval    time.Duration
	batchSize   int
	maxAttempts int

	applied metric.Int64Counter
	backlog metric.Int64Gauge
}

// Option configures a Worker.
type Option func(*Worker)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) { w.interval = d }
}

// WithBatchSize sets how many outbox entries are read per poll.
func WithBatchSize(n int) Option {
	return func(w *Worker) { w.batchSize = n }
}

// WithMaxAttempts sets how many polls an entry gets before it is failed.
func WithMaxAttempts(n int) Option {
	return func(w *Worker) { w.maxAttempts = n }
}

// WithNotifier sets the sink for entries that are given up on.
func WithNotifier(n notify.Sink) Option {
	return func(w *Worker) { w.notifier = n }
}

// NewWorker creates a Worker. Metrics are registered on mp, or on the
// global meter provider when mp is nil.
func NewWorker(outbox sale.Outbox, mp metric.MeterProvider, opts ...Option) (*Worker, error) {
	w := &Worker{
		outbox:      outbox,
		notifier:    notify.Nop{},
		interval:    defaultInterval,
		batchSize:   defaultBatchSize,
		maxAttempts: defaultMaxAttempts,
	}
	for _, o := range opts {
		o(w)
	}
	if w.interval <= 0 {
		w.interval = defaultInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = defaultMaxAttempts
	}

	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter("github.com/xenking/gadget-pos/internal/stocksync")

	var err error
	if w.applied, err = meter.Int64Counter("pos.stocksync.entries",
		metric.WithDescription("Outbox entries processed, by result"),
	); err != nil {
		return nil, errors.Wrap(err, "entries counter")
	}
	if w.backlog, err = meter.Int64Gauge("pos.stocksync.backlog",
		metric.WithDescription("Outbox entries waiting for a stock update"),
	); err != nil {
		return nil, errors.Wrap(err, "backlog gauge")
	}
	return w, nil
}

// Run polls until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	lg := zctx.From(ctx).Named("stocksync")
	lg.Info("Starting stock sync worker",
		zap.Duration("interval", w.interval),
		zap.Int("batch_size", w.batchSize),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.ProcessOnce(ctx); err != nil {
			lg.Warn("Stock sync poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			lg.Info("Stopping stock sync worker")
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessOnce runs one poll over the pending outbox entries.
func (w *Worker) ProcessOnce(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := w.outbox.Pending(ctx, w.batchSize)
	if err != nil {
		return errors.Wrap(err, "pending entries")
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		w.process(ctx, e)
	}

	if n, err := w.outbox.CountPending(ctx); err == nil {
		w.backlog.Record(ctx, int64(n))
	}
	return nil
}

func (w *Worker) process(ctx context.Context, e sale.OutboxEntry) {
	lg := zctx.From(ctx).With(zap.String("sale_id", e.SaleID))

	var (
		remaining int
		lastErr   error
	)
	for _, d := range e.Decrements {
		if err := w.outbox.Apply(ctx, e.SaleID, d); err != nil {
			lastErr = errors.Wrapf(err, "decrement %s by %d", d.ProductID, d.Quantity)
			remaining++
		}
	}

	switch {
	case remaining == 0:
		// Apply marks the entry synced with its last decrement.
		w.record(ctx, "synced")
		lg.Info("Pending stock applied", zap.Int("decrements", len(e.Decrements)))

	case e.Attempts+1 >= w.maxAttempts:
		if err := w.outbox.MarkFailed(ctx, e.SaleID, lastErr.Error()); err != nil {
			lg.Error("Mark outbox entry failed", zap.Error(err))
			return
		}
		w.record(ctx, "failed")
		lg.Error("Giving up on pending stock",
			zap.Int("attempts", e.Attempts+1),
			zap.Error(lastErr),
		)
		w.notifier.Notify(ctx, notify.Event{
			Level:   notify.LevelError,
			Title:   "Stock update failed",
			Message: "Sale " + e.SaleID + " needs a manual stock correction",
			At:      time.Now().UTC(),
		})

	default:
		if err := w.outbox.MarkRetry(ctx, e.SaleID, lastErr.Error()); err != nil {
			lg.Error("Mark outbox entry for retry", zap.Error(err))
			return
		}
		w.record(ctx, "retry")
		lg.Warn("Pending stock still outstanding",
			zap.Int("attempts", e.Attempts+1),
			zap.Int("remaining", remaining),
			zap.Error(lastErr),
		)
	}
}

func (w *Worker) record(ctx context.Context, result string) {
	w.applied.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
