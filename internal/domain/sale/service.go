package sale

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/gadget-pos/internal/domain/auth"
	"github.com/xenking/gadget-pos/internal/domain/customer"
	"github.com/xenking/gadget-pos/internal/domain/product"
	"github.com/xenking/gadget-pos/internal/notify"
)

const (
	defaultCompletionTimeout = 10 * time.Second

	sessionSaveAttempts = 3
	sessionSaveBackoff  = 50 * time.Millisecond
)

// Resolver maps a scanned or typed code to a product.
type Resolver interface {
	Resolve(ctx context.Context, code string) (*product.Product, error)
}

// AddItemRequest holds the input for adding a product to the current sale.
type AddItemRequest struct {
	ProductID string
	Quantity  int
	// Discount is an absolute per-unit amount.
	Discount decimal.Decimal
}

// Service sequences sale commands for each till: it loads the session,
// applies the engine command, stores the result and reports what happened
// to the notification sink. Commands for one session run one at a time in
// the order they arrive.
type Service struct {
	engine    *Engine
	products  product.Repository
	resolver  Resolver
	customers customer.Repository
	sessions  SessionStore
	log       Log
	outbox    Outbox

	notifier          notify.Sink
	completionTimeout time.Duration
	meterProvider     metric.MeterProvider
	tracer            trace.Tracer
	metrics           *serviceMetrics
	now               func() time.Time

	locker Locker
}

// ServiceOption configures optional Service collaborators.
type ServiceOption func(*Service)

// WithNotifier sets the sink for command notifications.
func WithNotifier(n notify.Sink) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

// WithCompletionTimeout bounds the sales-log write during completion.
func WithCompletionTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.completionTimeout = d
		}
	}
}

// WithLocker replaces the in-process session lock, e.g. with one shared by
// several API instances.
func WithLocker(l Locker) ServiceOption {
	return func(s *Service) { s.locker = l }
}

// WithMeterProvider sets the meter provider for sale metrics.
func WithMeterProvider(mp metric.MeterProvider) ServiceOption {
	return func(s *Service) { s.meterProvider = mp }
}

// WithTracerProvider sets the tracer provider for completion spans.
func WithTracerProvider(tp trace.TracerProvider) ServiceOption {
	return func(s *Service) { s.tracer = tp.Tracer(instrumentationName) }
}

// NewService creates a sale Service with the required collaborators.
func NewService(
	engine *Engine,
	products product.Repository,
	resolver Resolver,
	customers customer.Repository,
	sessions SessionStore,
	log Log,
	outbox Outbox,
	opts ...ServiceOption,
) (*Service, error) {
	s := &Service{
		engine:            engine,
		products:          products,
		resolver:          resolver,
		customers:         customers,
		sessions:          sessions,
		log:               log,
		outbox:            outbox,
		notifier:          notify.Nop{},
		completionTimeout: defaultCompletionTimeout,
		meterProvider:     otel.GetMeterProvider(),
		tracer:            otel.GetTracerProvider().Tracer(instrumentationName),
		now:               func() time.Time { return time.Now().UTC() },
		locker:            newKeyedMutex(),
	}
	for _, o := range opts {
		o(s)
	}

	m, err := newServiceMetrics(s.meterProvider)
	if err != nil {
		return nil, errors.Wrap(err, "create metrics")
	}
	s.metrics = m
	return s, nil
}

// Current returns the session of a till.
func (s *Service) Current(ctx context.Context, sessionID string) (Session, error) {
	sess, err := s.sessions.Load(ctx, sessionID)
	if err != nil {
		return Session{}, errors.Wrap(err, "load session")
	}
	return sess, nil
}

// Total returns the current sale total of a till, zero without a sale.
func (s *Service) Total(ctx context.Context, sessionID string) (decimal.Decimal, error) {
	sess, err := s.Current(ctx, sessionID)
	if err != nil {
		return decimal.Zero, err
	}
	return sess.SnapshotTotal(), nil
}

// Create starts a new draft sale, replacing whatever the till had open.
// An unknown customer ID is kept on the sale without a snapshot.
func (s *Service) Create(ctx context.Context, sessionID, customerID string) (Session, error) {
	var snapshot *CustomerSnapshot
	if customerID != "" {
		c, err := s.customers.GetByID(ctx, customerID)
		switch {
		case err == nil:
			snapshot = &CustomerSnapshot{ID: c.ID, Name: c.Name, Phone: c.Phone, Email: c.Email}
		case errors.Is(err, customer.ErrNotFound):
			zctx.From(ctx).Warn("Customer not found, creating sale without snapshot",
				zap.String("customer_id", customerID),
			)
		default:
			return Session{}, errors.Wrapf(err, "get customer %s", customerID)
		}
	}

	next, err := s.apply(ctx, sessionID, func(cur Session) (Session, error) {
		if cur.Pending != nil {
			return cur, ErrCompletionPending
		}
		if d, ok := cur.Draft(); ok && len(d.Items) > 0 {
			zctx.From(ctx).Info("Discarding unfinished draft",
				zap.String("sale_id", d.ID),
				zap.Int("items", len(d.Items)),
			)
		}
		return s.engine.Create(cur, customerID, snapshot), nil
	})
	if err != nil {
		s.notifyErr(ctx, sessionID, "Could not start sale", err)
		return next, err
	}
	s.notify(ctx, sessionID, notify.LevelInfo, "New sale", fmt.Sprintf("Sale %s started", next.Current.ID))
	return next, nil
}

// AddItem looks up a product by ID and adds it to the current sale.
func (s *Service) AddItem(ctx context.Context, sessionID string, req AddItemRequest) (Session, error) {
	p, err := s.products.GetByID(ctx, req.ProductID)
	if err != nil {
		s.notifyErr(ctx, sessionID, "Product not found", err)
		return Session{}, errors.Wrapf(err, "get product %s", req.ProductID)
	}
	return s.addProduct(ctx, sessionID, *p, req.Quantity, req.Discount)
}

// Scan resolves a barcode (or typed product ID) and adds the product.
func (s *Service) Scan(ctx context.Context, sessionID, code string, qty int) (Session, error) {
	p, err := s.resolver.Resolve(ctx, code)
	if err != nil {
		s.notifyErr(ctx, sessionID, "Product not found", err)
		return Session{}, errors.Wrapf(err, "resolve %q", code)
	}
	return s.addProduct(ctx, sessionID, *p, qty, decimal.Zero)
}

func (s *Service) addProduct(ctx context.Context, sessionID string, p product.Product, qty int, discount decimal.Decimal) (Session, error) {
	next, err := s.apply(ctx, sessionID, func(cur Session) (Session, error) {
		return s.engine.AddItem(cur, p, qty, discount)
	})
	if err != nil {
		s.notifyErr(ctx, sessionID, "Could not add item", err)
		return next, err
	}
	s.metrics.itemsAdded.Add(ctx, int64(qty))
	s.notify(ctx, sessionID, notify.LevelSuccess, "Item added", fmt.Sprintf("%d x %s", qty, p.Name))
	return next, nil
}

// RemoveItem drops a line item from the current sale.
func (s *Service) RemoveItem(ctx context.Context, sessionID, itemID string) (Session, error) {
	next, err := s.apply(ctx, sessionID, func(cur Session) (Session, error) {
		return s.engine.RemoveItem(cur, itemID)
	})
	if err != nil {
		s.notifyErr(ctx, sessionID, "Could not remove item", err)
		return next, err
	}
	s.notify(ctx, sessionID, notify.LevelInfo, "Item removed", itemID)
	return next, nil
}

// UpdateQuantity changes a line item quantity; zero or less removes it.
func (s *Service) UpdateQuantity(ctx context.Context, sessionID, itemID string, qty int) (Session, error) {
	next, err := s.apply(ctx, sessionID, func(cur Session) (Session, error) {
		return s.engine.UpdateQuantity(cur, itemID, qty)
	})
	if err != nil {
		s.notifyErr(ctx, sessionID, "Could not update quantity", err)
		return next, err
	}
	s.notify(ctx, sessionID, notify.LevelInfo, "Quantity updated", fmt.Sprintf("%s -> %d", itemID, qty))
	return next, nil
}

// UpdateDiscount changes the absolute per-unit discount of a line item.
func (s *Service) UpdateDiscount(ctx context.Context, sessionID, itemID string, discount decimal.Decimal) (Session, error) {
	next, err := s.apply(ctx, sessionID, func(cur Session) (Session, error) {
		return s.engine.UpdateDiscount(cur, itemID, discount)
	})
	if err != nil {
		s.notifyErr(ctx, sessionID, "Could not update discount", err)
		return next, err
	}
	s.notify(ctx, sessionID, notify.LevelInfo, "Discount updated", fmt.Sprintf("%s -> %s", itemID, discount))
	return next, nil
}

// UpdateItem changes the quantity and discount of a line item in one
// command, so the edit is stored whole or not at all.
func (s *Service) UpdateItem(ctx context.Context, sessionID, itemID string, u ItemUpdate) (Session, error) {
	next, err := s.apply(ctx, sessionID, func(cur Session) (Session, error) {
		return s.engine.UpdateItem(cur, itemID, u)
	})
	if err != nil {
		s.notifyErr(ctx, sessionID, "Could not update item", err)
		return next, err
	}
	msg := itemID
	if it, ok := next.Current.Item(itemID); ok {
		msg = fmt.Sprintf("%s: %d x %s, discount %s", it.Product.Name, it.Quantity,
			it.UnitPrice.StringFixed(2), it.Discount.StringFixed(2))
	} else if u.Quantity != nil {
		msg = itemID + " removed"
	}
	s.notify(ctx, sessionID, notify.LevelInfo, "Item updated", msg)
	return next, nil
}

// Cancel discards the current draft without persisting anything. A draft
// frozen by a pending completion cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, sessionID string) (Session, error) {
	var cancelled string
	next, err := s.apply(ctx, sessionID, func(cur Session) (Session, error) {
		if cur.Pending != nil {
			return cur, ErrCompletionPending
		}
		if d, ok := cur.Draft(); ok {
			cancelled = d.ID
		}
		return s.engine.Cancel(cur), nil
	})
	if err != nil {
		s.notifyErr(ctx, sessionID, "Could not cancel sale", err)
		return next, err
	}
	if cancelled != "" {
		s.notify(ctx, sessionID, notify.LevelInfo, "Sale cancelled", cancelled)
	}
	return next, nil
}

// Complete finalizes the current draft. The steps run in order:
//
//  1. stamp the cashier from the acting user and mark the sale completed;
//  2. freeze the draft in the session next to its completed record;
//  3. append the record to the sales log, which also queues its stock
//     decrements (bounded by the completion timeout);
//  4. apply the queued decrements, best effort;
//  5. store the completed sale as the session's current sale.
//
// If step 3 fails the outcome is unknown and a *CompletionError is returned.
// The frozen draft then accepts no command but Complete, which retries the
// identical record; the log reports a retry of a committed sale as
// AlreadyAppended and decrements that were applied before are skipped.
// Decrements that fail in step 4 stay queued for the stock sync worker. If
// step 5 fails the sale is committed: the *CompletionError carries it, the
// session stays frozen and a repeated Complete stores it.
func (s *Service) Complete(ctx context.Context, sessionID string, method PaymentMethod) (_ *Sale, rerr error) {
	ctx, span := s.tracer.Start(ctx, "sale.Complete",
		trace.WithAttributes(
			attribute.String("pos.session", sessionID),
			attribute.String("pos.payment_method", string(method)),
		),
	)
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
			s.metrics.completionFailures.Add(ctx, 1,
				metric.WithAttributes(attribute.String("reason", Reason(rerr))),
			)
			s.notifyErr(ctx, sessionID, "Sale not completed", rerr)
		}
		span.End()
	}()

	unlock, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "load session")
	}

	completed := cur.Pending
	if completed != nil {
		if method != "" && method != completed.PaymentMethod {
			return nil, errors.Wrapf(ErrCompletionPending,
				"sale %s is being completed with payment method %s", completed.ID, completed.PaymentMethod)
		}
		zctx.From(ctx).Info("Retrying pending completion", zap.String("sale_id", completed.ID))
	} else {
		var cashier Cashier
		if u, ok := auth.UserFromContext(ctx); ok {
			cashier = Cashier{ID: u.ID, Name: u.Name, Role: string(u.Role)}
		}
		done, err := s.engine.Complete(cur, cashier, method)
		if err != nil {
			return nil, err
		}
		completed = done.Current
		if err := s.sessions.Save(ctx, sessionID, s.engine.Freeze(cur, completed)); err != nil {
			return nil, &CompletionError{SaleID: completed.ID, Stage: StageFreeze, Err: err}
		}
	}
	span.SetAttributes(attribute.String("pos.sale_id", completed.ID))
	lg := zctx.From(ctx).With(zap.String("sale_id", completed.ID))

	persistCtx, cancel := context.WithTimeout(ctx, s.completionTimeout)
	result, err := s.log.Append(persistCtx, completed)
	cancel()
	if err != nil {
		return nil, &CompletionError{SaleID: completed.ID, Stage: StagePersist, Err: err}
	}
	if result == AlreadyAppended {
		lg.Info("Sale already recorded, confirming completion")
	}

	// Committed. Stock problems below never undo the sale.
	failed := s.applyStock(ctx, completed)
	done := s.engine.SettleStock(s.engine.Resolve(cur, completed), failed)
	if err := s.saveCommitted(ctx, sessionID, done); err != nil {
		lg.Error("Save completed session", zap.Error(err))
		return nil, &CompletionError{SaleID: completed.ID, Stage: StageSession, Err: err, Sale: done.Current}
	}

	total := done.Current.Total
	method = done.Current.PaymentMethod
	if result == Appended {
		s.metrics.completed.Add(ctx, 1,
			metric.WithAttributes(attribute.String("payment_method", string(method))),
		)
		s.metrics.revenue.Add(ctx, total.InexactFloat64())
	}
	lg.Info("Sale completed",
		zap.Stringer("total", total),
		zap.String("payment_method", string(method)),
		zap.String("stock_sync", string(done.Current.StockSync)),
		zap.Stringer("log", result),
	)

	s.notify(ctx, sessionID, notify.LevelSuccess, "Sale completed",
		fmt.Sprintf("Sale %s paid by %s: %s", completed.ID, method, total.StringFixed(2)))
	if len(failed) > 0 {
		s.notify(ctx, sessionID, notify.LevelWarning, "Stock update pending",
			fmt.Sprintf("%d product(s) will be updated later", len(failed)))
	}
	return done.Current, nil
}

func (s *Service) applyStock(ctx context.Context, completed *Sale) []StockDecrement {
	var failed []StockDecrement
	for _, d := range completed.PendingStock {
		if err := s.outbox.Apply(ctx, completed.ID, d); err != nil {
			zctx.From(ctx).Warn("Stock decrement failed",
				zap.String("sale_id", completed.ID),
				zap.String("product_id", d.ProductID),
				zap.Int("quantity", d.Quantity),
				zap.Error(err),
			)
			s.metrics.stockSyncFailures.Add(ctx, 1)
			failed = append(failed, d)
		}
	}
	return failed
}

// saveCommitted stores the session of a committed sale, retrying briefly:
// until it succeeds the till still holds the frozen draft.
func (s *Service) saveCommitted(ctx context.Context, sessionID string, done Session) error {
	for attempt := 1; ; attempt++ {
		err := s.sessions.Save(ctx, sessionID, done)
		if err == nil || attempt == sessionSaveAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * sessionSaveBackoff):
		}
	}
}

// apply runs cmd against the stored session under the session lock and
// stores the result. On error the stored session is left untouched and the
// loaded one is returned.
func (s *Service) apply(ctx context.Context, sessionID string, cmd func(Session) (Session, error)) (Session, error) {
	unlock, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	defer unlock()

	cur, err := s.sessions.Load(ctx, sessionID)
	if err != nil {
		return Session{}, errors.Wrap(err, "load session")
	}

	next, err := cmd(cur)
	if err != nil {
		return cur, err
	}

	if err := s.sessions.Save(ctx, sessionID, next); err != nil {
		return cur, errors.Wrap(err, "save session")
	}
	return next, nil
}

func (s *Service) notify(ctx context.Context, sessionID string, level notify.Level, title, msg string) {
	s.notifier.Notify(ctx, notify.Event{
		Level:     level,
		Title:     title,
		Message:   msg,
		SessionID: sessionID,
		At:        s.now(),
	})
}

func (s *Service) notifyErr(ctx context.Context, sessionID, title string, err error) {
	s.notify(ctx, sessionID, notify.LevelError, title, err.Error())
}

// keyedMutex serializes work per key inside one process. Entries are
// dropped once nobody holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				k.release(key, l)
			})
		}, nil
	case <-ctx.Done():
		k.release(key, l)
		return nil, errors.Wrapf(ErrSessionBusy, "session %s: %v", key, ctx.Err())
	}
}

func (k *keyedMutex) release(key string, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
