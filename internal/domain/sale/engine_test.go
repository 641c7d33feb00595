package sale

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/gadget-pos/internal/domain/product"
)

var testNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestEngine(check StockCheck) *Engine {
	var n atomic.Int64
	return NewEngine(EngineConfig{
		TaxRate:    DefaultTaxRate,
		StockCheck: check,
		Now:        func() time.Time { return testNow },
		NewID: func() string {
			return fmt.Sprintf("id-%d", n.Add(1))
		},
	})
}

func newTestProduct(id string, price string, stock int) product.Product {
	return product.Product{
		ID:            id,
		Name:          "Product " + id,
		Price:         decimal.RequireFromString(price),
		IsAvailable:   true,
		StockQuantity: stock,
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func TestEngine_Walkthrough(t *testing.T) {
	e := newTestEngine(StockCheckPerCall)
	p1 := newTestProduct("P1", "100", 5)

	s := e.Create(Session{}, "", nil)
	require.True(t, s.Current.IsDraft())
	assert.Empty(t, s.Current.Items)

	// Two units at full price.
	s, err := e.AddItem(s, p1, 2, decimal.Zero)
	require.NoError(t, err)
	require.Len(t, s.Current.Items, 1)
	assertDecimal(t, "200", s.Current.Items[0].TotalPrice)
	assertDecimal(t, "200", s.Current.Subtotal)
	assertDecimal(t, "36", s.Current.Tax)
	assertDecimal(t, "236", s.Current.Total)

	// Same product merges into the existing line.
	s, err = e.AddItem(s, p1, 1, decimal.Zero)
	require.NoError(t, err)
	require.Len(t, s.Current.Items, 1)
	item := s.Current.Items[0]
	assert.Equal(t, 3, item.Quantity)
	assertDecimal(t, "300", item.TotalPrice)
	assertDecimal(t, "354", s.Current.Total)

	s, err = e.UpdateDiscount(s, item.ID, dec("10"))
	require.NoError(t, err)
	assertDecimal(t, "270", s.Current.Items[0].TotalPrice)
	assertDecimal(t, "318.6", s.Current.Total)
	assertDecimal(t, "30", s.Current.Discount)

	s, err = e.UpdateQuantity(s, item.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, s.Current.Items)
	assertDecimal(t, "0", s.Current.Subtotal)
	assertDecimal(t, "0", s.Current.Total)
}

func TestEngine_AddUnavailable(t *testing.T) {
	e := newTestEngine(StockCheckPerCall)
	p2 := newTestProduct("P2", "50", 10)
	p2.IsAvailable = false

	s := e.Create(Session{}, "", nil)
	next, err := e.AddItem(s, p2, 1, decimal.Zero)

	var ue *UnavailableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "P2", ue.ProductID)
	assert.ErrorIs(t, err, ErrProductUnavailable)
	assert.Same(t, s.Current, next.Current)
	assert.Empty(t, next.Current.Items)
}

func TestEngine_CompleteSale(t *testing.T) {
	e := newTestEngine(StockCheckPerCall)
	p3 := newTestProduct("P3", "20", 1)

	s := e.Create(Session{}, "", nil)
	s, err := e.AddItem(s, p3, 1, decimal.Zero)
	require.NoError(t, err)

	done, err := e.Complete(s, Cashier{ID: "u1", Name: "Asha"}, PaymentCash)
	require.NoError(t, err)

	got := done.Current
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, PaymentCash, got.PaymentMethod)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, testNow, *got.CompletedAt)
	assert.Equal(t, "u1", got.CashierID)
	assert.Equal(t, StockSyncPending, got.StockSync)
	assert.Equal(t, []StockDecrement{{ProductID: "P3", Quantity: 1}}, got.PendingStock)
	assertDecimal(t, "23.6", got.Total)

	// The input session is still the draft.
	assert.True(t, s.Current.IsDraft())
}

func TestEngine_CompleteGating(t *testing.T) {
	e := newTestEngine(StockCheckPerCall)
	cashier := Cashier{ID: "u1"}
	p := newTestProduct("P1", "10", 5)

	withItem := func() Session {
		s, err := e.AddItem(e.Create(Session{}, "", nil), p, 1, decimal.Zero)
		require.NoError(t, err)
		return s
	}

	tests := []struct {
		name    string
		session Session
		cashier Cashier
		method  PaymentMethod
		wantErr error
	}{
		{
			name:    "no sale",
			session: Session{},
			cashier: cashier,
			method:  PaymentCash,
			wantErr: ErrNoActiveSale,
		},
		{
			name:    "empty sale",
			session: e.Create(Session{}, "", nil),
			cashier: cashier,
			method:  PaymentCash,
			wantErr: ErrEmptySale,
		},
		{
			name:    "no cashier",
			session: withItem(),
			method:  PaymentCard,
			wantErr: ErrNoActiveSale,
		},
		{
			name:    "bad payment method",
			session: withItem(),
			cashier: cashier,
			method:  "cheque",
			wantErr: ErrInvalidPaymentMethod,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := e.Complete(tt.session, tt.cashier, tt.method)
			require.ErrorIs(t, err, tt.wantErr)
			if tt.session.Current != nil {
				assert.Equal(t, StatusDraft, next.Current.Status)
			}
		})
	}
}

func TestEngine_CompletedSaleIsReadOnly(t *testing.T) {
	e := newTestEngine(StockCheckPerCall)
	p := newTestProduct("P1", "10", 5)

	s, err := e.AddItem(e.Create(Session{}, "", nil), p, 1, decimal.Zero)
	require.NoError(t, err)
	done, err := e.Complete(s, Cashier{ID: "u1"}, PaymentUPI)
	require.NoError(t, err)

	_, err = e.AddItem(done, p, 1, decimal.Zero)
	assert.ErrorIs(t, err, ErrNoActiveSale)
	_, err = e.RemoveItem(done, done.Current.Items[0].ID)
	assert.ErrorIs(t, err, ErrNoActiveSale)
	_, err = e.Complete(done, Cashier{ID: "u1"}, PaymentUPI)
	assert.ErrorIs(t, err, ErrNoActiveSale)

	// Cancel leaves a completed sale in place.
	assert.Same(t, done.Current, e.Cancel(done).Current)
}

func TestEngine_MergeKeepsFirstPriceAndDiscount(t *testing.T) {
	e := newTestEngine(StockCheckPerCall)
	p := newTestProduct("P1", "100", 10)

	s, err := e.AddItem(e.Create(Session{}, "", nil), p, 2, dec("5"))
	require.NoError(t, err)

	p.Price = dec("120")
	s, err = e.AddItem(s, p, 3, dec("50"))
	require.NoError(t, err)

	require.Len(t, s.Current.Items, 1)
	it := s.Current.Items[0]
	assert.Equal(t, 5, it.Quantity)
	assertDecimal(t, "100", it.UnitPrice)
	assertDecimal(t, "5", it.Discount)
	assertDecimal(t, "475", it.TotalPrice)
}

func TestEngine_StockCheck(t *testing.T) {
	p := newTestProduct("P1", "10", 3)

	tests := []struct {
		name    string
		check   StockCheck
		wantErr bool
	}{
		{name: "per call allows repeated adds", check: StockCheckPerCall},
		{name: "cumulative blocks merged overflow", check: StockCheckCumulative, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(tt.check)
			s, err := e.AddItem(e.Create(Session{}, "", nil), p, 2, decimal.Zero)
			require.NoError(t, err)

			next, err := e.AddItem(s, p, 2, decimal.Zero)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, 4, next.Current.Items[0].Quantity)
				return
			}
			var se *InsufficientStockError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, 4, se.Requested)
			assert.Equal(t, 3, se.Available)
			assert.Equal(t, 2, next.Current.Items[0].Quantity)
		})
	}
}

func TestEngine_AddItemPreconditions(t *testing.T) {
	e := newTestEngine(StockCheckPerCall)
	p := newTestProduct("P1", "10", 2)
	s := e.Create(Session{}, "", nil)

	_, err := e.AddItem(Session{}, p, 1, decimal.Zero)
	assert.ErrorIs(t, err, ErrNoActiveSale)

	for _, qty := range []int{0, -1} {
		_, err = e.AddItem(s, p, qty, decimal.Zero)
		assert.ErrorIs(t, err, ErrInvalidQuantity)
	}

	_, err = e.AddItem(s, p, 3, decimal.Zero)
	assert.ErrorIs(t, err, ErrInsufficientStock)
}

func TestEngine_DiscountClamped(t *testing.T) {
	e := newTestEngine(StockCheckPerCall)
	p := newTestProduct("P1", "40", 5)

	s, err := e.AddItem(e.Create(Session{}, "", nil), p, 1, dec("55"))
	require.NoError(t, err)
	id := s.Current.Items[0].ID
	assertDecimal(t, "40", s.Current.Items[0].Discount)
	assertDecimal(t, "0", s.Current.Items[0].TotalPrice)

	s, err = e.UpdateDiscount(s, id, dec("-3"))
	require.NoError(t, err)
	assertDecimal(t, "0", s.Current.Items[0].Discount)
	assertDecimal(t, "40", s.Current.Items[0].TotalPrice)
}

func TestEngine_UnknownItemIsNoop(t *testing.T) {
	e := newTestEngine(StockCheckPerCall)
	s, err := e.AddItem(e.Create(Session{}, "", nil), newTestProduct("P1", "10", 5), 1, decimal.Zero)
	require.NoError(t, err)

	for name, fn := range map[string]func() (Session, error){
		"remove":   func() (Session, error) { return e.RemoveItem(s, "missing") },
		"quantity": func() (Session, error) { return e.UpdateQuantity(s, "missing", 4) },
		"discount": func() (Session, error) { return e.UpdateDiscount(s, "missing", dec("1")) },
	} {
		t.Run(name, func(t *testing.T) {
			next, err := fn()
			require.NoError(t, err)
			assert.Same(t, s.Current, next.Current)
		})
	}
}

func TestEngine_CommandsDoNotMutateInput(t *testing.T) {
	e := newTestEngine(StockCheckPerCall)
	s, err := e.AddItem(e.Create(Session{}, "", nil), newTestProduct("P1", "10", 5), 2, decimal.Zero)
	require.NoError(t, err)
	id := s.Current.Items[0].ID

	_, err = e.UpdateQuantity(s, id, 4)
	require.NoError(t, err)
	_, err = e.UpdateDiscount(s, id, dec("2"))
	require.NoError(t, err)
	_, err = e.RemoveItem(s, id)
	require.NoError(t, err)

	require.Len(t, s.Current.Items, 1)
	assert.Equal(t, 2, s.Current.Items[0].Quantity)
	assertDecimal(t, "0", s.Current.Items[0].Discount)
	assertDecimal(t, "23.6", s.Current.Total)
}

func TestEngine_CreateReplacesDraft(t *testing.T) {
	e := newTestEngine(StockCheckPerCall)
	s, err := e.AddItem(e.Create(Session{}, "", nil), newTestProduct("P1", "10", 5), 1, decimal.Zero)
	require.NoError(t, err)

	cust := &CustomerSnapshot{ID: "c1", Name: "Ravi"}
	next := e.Create(s, "c1", cust)
	assert.NotEqual(t, s.Current.ID, next.Current.ID)
	assert.Empty(t, next.Current.Items)
	assert.Equal(t, "c1", next.Current.CustomerID)
	require.NotNil(t, next.Current.Customer)
	assert.NotSame(t, cust, next.Current.Customer)
	assert.Equal(t, "Ravi", next.Current.Customer.Name)
}

func TestEngine_Cancel(t *testing.T) {
	e := newTestEngine(StockCheckPerCall)
	s := e.Create(Session{}, "", nil)

	assert.Nil(t, e.Cancel(s).Current)
	assert.Nil(t, e.Cancel(Session{}).Current)
}

func TestEngine_FrozenDraft(t *testing.T) {
	e := newTestEngine(StockCheckPerCall)
	p1 := newTestProduct("P1", "10", 5)
	s := e.Create(Session{}, "", nil)
	s, err := e.AddItem(s, p1, 1, decimal.Zero)
	require.NoError(t, err)
	itemID := s.Current.Items[0].ID

	done, err := e.Complete(s, Cashier{ID: "u1"}, PaymentCash)
	require.NoError(t, err)
	frozen := e.Freeze(s, done.Current)
	assert.Same(t, s.Current, frozen.Current)
	_, ok := frozen.Draft()
	assert.False(t, ok)

	qty := 2
	for name, cmd := range map[string]func() (Session, error){
		"AddItem":        func() (Session, error) { return e.AddItem(frozen, p1, 1, decimal.Zero) },
		"RemoveItem":     func() (Session, error) { return e.RemoveItem(frozen, itemID) },
		"UpdateQuantity": func() (Session, error) { return e.UpdateQuantity(frozen, itemID, 3) },
		"UpdateDiscount": func() (Session, error) { return e.UpdateDiscount(frozen, itemID, dec("1")) },
		"UpdateItem":     func() (Session, error) { return e.UpdateItem(frozen, itemID, ItemUpdate{Quantity: &qty}) },
		"Complete":       func() (Session, error) { return e.Complete(frozen, Cashier{ID: "u1"}, PaymentCard) },
	} {
		t.Run(name, func(t *testing.T) {
			got, err := cmd()
			require.ErrorIs(t, err, ErrCompletionPending)
			assert.Equal(t, frozen, got)
		})
	}

	assert.Equal(t, frozen, e.Cancel(frozen))

	resolved := e.Resolve(frozen, done.Current)
	assert.Nil(t, resolved.Pending)
	assert.Same(t, done.Current, resolved.Current)
}

func TestEngine_UpdateItem(t *testing.T) {
	e := newTestEngine(StockCheckPerCall)
	s := e.Create(Session{}, "", nil)
	s, err := e.AddItem(s, newTestProduct("P1", "200", 10), 1, decimal.Zero)
	require.NoError(t, err)
	id := s.Current.Items[0].ID

	intp := func(v int) *int { return &v }
	decp := func(v string) *decimal.Decimal { d := dec(v); return &d }

	tests := []struct {
		name         string
		update       ItemUpdate
		wantQty      int
		wantDiscount string
		wantItems    int
	}{
		{name: "QuantityOnly", update: ItemUpdate{Quantity: intp(3)}, wantQty: 3, wantDiscount: "0", wantItems: 1},
		{name: "DiscountOnly", update: ItemUpdate{Discount: decp("15")}, wantQty: 1, wantDiscount: "15", wantItems: 1},
		{name: "Both", update: ItemUpdate{Quantity: intp(2), Discount: decp("20")}, wantQty: 2, wantDiscount: "20", wantItems: 1},
		{name: "PercentWins", update: ItemUpdate{Discount: decp("5"), DiscountPercent: decp("10")}, wantQty: 1, wantDiscount: "20", wantItems: 1},
		{name: "ZeroRemoves", update: ItemUpdate{Quantity: intp(0), Discount: decp("5")}, wantItems: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.UpdateItem(s, id, tt.update)
			require.NoError(t, err)
			require.Len(t, got.Current.Items, tt.wantItems)
			if tt.wantItems == 0 {
				return
			}
			it := got.Current.Items[0]
			assert.Equal(t, tt.wantQty, it.Quantity)
			assertDecimal(t, tt.wantDiscount, it.Discount)
		})
	}

	// The input session is never touched.
	assert.Equal(t, 1, s.Current.Items[0].Quantity)
	assertDecimal(t, "0", s.Current.Items[0].Discount)
}

func TestEngine_SettleStock(t *testing.T) {
	e := newTestEngine(StockCheckPerCall)
	s := e.Create(Session{}, "", nil)
	s, err := e.AddItem(s, newTestProduct("P1", "10", 5), 1, decimal.Zero)
	require.NoError(t, err)
	s, err = e.AddItem(s, newTestProduct("P2", "20", 5), 2, decimal.Zero)
	require.NoError(t, err)
	done, err := e.Complete(s, Cashier{ID: "u1"}, PaymentCard)
	require.NoError(t, err)

	synced := e.SettleStock(done, nil)
	assert.Equal(t, StockSyncDone, synced.Current.StockSync)
	assert.Empty(t, synced.Current.PendingStock)

	failed := []StockDecrement{{ProductID: "P2", Quantity: 2}}
	partial := e.SettleStock(done, failed)
	assert.Equal(t, StockSyncPending, partial.Current.StockSync)
	assert.Equal(t, failed, partial.Current.PendingStock)

	// Drafts are left alone.
	assert.Same(t, s.Current, e.SettleStock(s, nil).Current)
}

func TestParseStockCheck(t *testing.T) {
	tests := []struct {
		in      string
		want    StockCheck
		wantErr bool
	}{
		{in: "", want: StockCheckPerCall},
		{in: "per_call", want: StockCheckPerCall},
		{in: "cumulative", want: StockCheckCumulative},
		{in: "strict", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStockCheck(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: &UnavailableError{ProductID: "P1"}, want: "product_unavailable"},
		{err: &InsufficientStockError{ProductID: "P1"}, want: "insufficient_stock"},
		{err: ErrNoActiveSale, want: "no_active_sale"},
		{err: ErrEmptySale, want: "empty_sale"},
		{err: &CompletionError{SaleID: "s1", Stage: StagePersist, Err: assert.AnError}, want: "completion_failed"},
		{err: ErrCompletionPending, want: "completion_pending"},
		{err: &CompletionError{SaleID: "s1", Stage: StagePersist, Err: ErrSaleConflict}, want: "sale_conflict"},
		{err: ErrSessionBusy, want: "session_busy"},
		{err: ErrInvalidQuantity, want: "invalid_quantity"},
		{err: ErrInvalidPaymentMethod, want: "invalid_payment_method"},
		{err: assert.AnError, want: "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Reason(tt.err))
		})
	}
}
