package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/gadget-pos/internal/domain/auth"
	"github.com/xenking/gadget-pos/internal/domain/customer"
	"github.com/xenking/gadget-pos/internal/domain/dashboard"
	"github.com/xenking/gadget-pos/internal/domain/product"
	"github.com/xenking/gadget-pos/internal/domain/receipt"
	"github.com/xenking/gadget-pos/internal/domain/repair"
	"github.com/xenking/gadget-pos/internal/domain/sale"
	"github.com/xenking/gadget-pos/internal/notify"
	"github.com/xenking/gadget-pos/internal/storage/memory"
)

// --- Mock implementations ---

type mockProductRepo struct {
	mu       sync.Mutex
	products []product.Product
	listErr  error
}

func (m *mockProductRepo) List(context.Context) ([]product.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]product.Product(nil), m.products...), m.listErr
}

func (m *mockProductRepo) find(match func(product.Product) bool) (*product.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.products {
		if match(p) {
			return &p, nil
		}
	}
	return nil, product.ErrNotFound
}

func (m *mockProductRepo) GetByID(_ context.Context, id string) (*product.Product, error) {
	return m.find(func(p product.Product) bool { return p.ID == id })
}

func (m *mockProductRepo) GetByBarcode(_ context.Context, code string) (*product.Product, error) {
	return m.find(func(p product.Product) bool { return p.Barcode != "" && p.Barcode == code })
}

func (m *mockProductRepo) GetByIDs(context.Context, []string) ([]product.Product, error) {
	return nil, nil
}

func (m *mockProductRepo) decrement(id string, qty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.products {
		if m.products[i].ID == id {
			if m.products[i].StockQuantity < qty {
				return product.ErrStockExhausted
			}
			m.products[i].StockQuantity -= qty
			return nil
		}
	}
	return product.ErrNotFound
}

type mockCustomerRepo struct{}

func (mockCustomerRepo) GetByID(_ context.Context, id string) (*customer.Customer, error) {
	if id == "C1" {
		return &customer.Customer{ID: "C1", Name: "Ravi Kumar", Phone: "+91 98450 00000"}, nil
	}
	return nil, customer.ErrNotFound
}

type mockUserRepo struct {
	users map[string]*auth.User
}

func (m *mockUserRepo) FindByKeyHash(_ context.Context, hash string) (*auth.User, error) {
	u, ok := m.users[hash]
	if !ok {
		return nil, auth.ErrUnauthorized
	}
	return u, nil
}

type mockLog struct {
	mu     sync.Mutex
	sales  []*sale.Sale
	outbox *mockOutbox
	err    error
}

func (m *mockLog) Append(_ context.Context, s *sale.Sale) (sale.AppendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	for _, rec := range m.sales {
		if rec.ID == s.ID {
			if !rec.SameRecord(s) {
				return 0, sale.ErrSaleConflict
			}
			return sale.AlreadyAppended, nil
		}
	}
	rec := *s
	m.sales = append(m.sales, &rec)
	m.outbox.enqueue(s.ID, s.PendingStock)
	return sale.Appended, nil
}

func (m *mockLog) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *mockLog) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sales)
}

func (m *mockLog) Get(_ context.Context, id string) (*sale.Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.sales {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, sale.ErrNotFound
}

func (m *mockLog) Totals(context.Context, time.Time, time.Time) (dashboard.SalesTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := dashboard.SalesTotals{Revenue: decimal.Zero}
	for _, rec := range m.sales {
		t.Count++
		t.Revenue = t.Revenue.Add(rec.Total)
	}
	return t, nil
}

func (m *mockLog) Recent(_ context.Context, limit int) ([]*sale.Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Clone(m.sales)
	slices.Reverse(out)
	return out[:min(limit, len(out))], nil
}

func (m *mockLog) TopProducts(context.Context, time.Time, time.Time, int) ([]dashboard.ProductSales, error) {
	return nil, nil
}

type mockOutbox struct {
	mu       sync.Mutex
	products *mockProductRepo
	entries  map[string][]sale.StockDecrement
}

func (m *mockOutbox) enqueue(saleID string, ds []sale.StockDecrement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(ds) > 0 {
		m.entries[saleID] = slices.Clone(ds)
	}
}

func (m *mockOutbox) Apply(_ context.Context, saleID string, d sale.StockDecrement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	queued := m.entries[saleID]
	i := slices.Index(queued, d)
	if i < 0 {
		return nil
	}
	if err := m.products.decrement(d.ProductID, d.Quantity); err != nil {
		return err
	}
	if queued = slices.Delete(queued, i, i+1); len(queued) == 0 {
		delete(m.entries, saleID)
	} else {
		m.entries[saleID] = queued
	}
	return nil
}

func (m *mockOutbox) Pending(context.Context, int) ([]sale.OutboxEntry, error) {
	return nil, nil
}
func (m *mockOutbox) MarkRetry(context.Context, string, string) error  { return nil }
func (m *mockOutbox) MarkFailed(context.Context, string, string) error { return nil }
func (m *mockOutbox) CountPending(context.Context) (int, error)        { return 0, nil }

type mockRepairRepo struct {
	mu      sync.Mutex
	tickets map[string]repair.Ticket
}

func (m *mockRepairRepo) Create(_ context.Context, t *repair.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickets[t.ID] = *t
	return nil
}

func (m *mockRepairRepo) Get(_ context.Context, id string) (*repair.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil, repair.ErrNotFound
	}
	return &t, nil
}

func (m *mockRepairRepo) List(_ context.Context, f repair.Filter) ([]repair.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repair.Ticket
	for _, t := range m.tickets {
		if len(f.Statuses) == 0 || slices.Contains(f.Statuses, t.Status) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockRepairRepo) Update(_ context.Context, id string, fn func(*repair.Ticket) error) (*repair.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil, repair.ErrNotFound
	}
	if err := fn(&t); err != nil {
		return nil, err
	}
	m.tickets[id] = t
	return &t, nil
}

func (m *mockRepairRepo) Counts(_ context.Context, now time.Time) (repair.Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := repair.Counts{ByStatus: map[repair.Status]int{}}
	for _, t := range m.tickets {
		c.ByStatus[t.Status]++
		if t.IsOverdue(now) {
			c.Overdue++
		}
	}
	return c, nil
}

// --- Helpers ---

const (
	testKey    = "till-key-1"
	testPepper = "pepper"
)

// flakySessions fails the given number of saves of a confirmed completion.
type flakySessions struct {
	*memory.SessionStore
	mu    sync.Mutex
	fails int
}

func (f *flakySessions) Save(ctx context.Context, id string, sess sale.Session) error {
	f.mu.Lock()
	fail := f.fails > 0 && sess.Pending == nil && sess.Current != nil && sess.Current.Status == sale.StatusCompleted
	if fail {
		f.fails--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("session store unavailable")
	}
	return f.SessionStore.Save(ctx, id, sess)
}

func (f *flakySessions) failNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails = n
}

type testServer struct {
	srv      *httptest.Server
	products *mockProductRepo
	log      *mockLog
	sessions *flakySessions
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	products := &mockProductRepo{products: []product.Product{
		{
			ID: "P1", Name: "USB-C Charger", Category: "accessories", Barcode: "8901234567890",
			Price: decimal.NewFromInt(100), IsAvailable: true, StockQuantity: 5, MinStockLevel: 2,
		},
		{
			ID: "P2", Name: "Screen Guard", Category: "accessories", Barcode: "8901234567891",
			Price: decimal.NewFromInt(50), IsAvailable: true, StockQuantity: 1, MinStockLevel: 2,
		},
		{
			ID: "P3", Name: "Old Phone", Category: "phones",
			Price: decimal.NewFromInt(900), IsAvailable: false, StockQuantity: 3,
		},
	}}
	resolver := product.NewResolver(products)
	require.NoError(t, resolver.Refresh(context.Background()))

	users := &mockUserRepo{users: map[string]*auth.User{}}
	hash := auth.HashKey([]byte(testPepper), testKey)
	users.users[hash] = &auth.User{ID: "u1", Name: "Asha", Role: auth.RoleCashier, KeyHash: hash}

	sessions := &flakySessions{SessionStore: memory.NewSessionStore()}
	log := &mockLog{outbox: &mockOutbox{products: products, entries: map[string][]sale.StockDecrement{}}}
	feed := notify.NewFeed(16)
	svc, err := sale.NewService(
		sale.NewEngine(sale.EngineConfig{TaxRate: sale.DefaultTaxRate}),
		products,
		resolver,
		mockCustomerRepo{},
		sessions,
		log,
		log.outbox,
		sale.WithNotifier(feed),
		sale.WithCompletionTimeout(time.Second),
	)
	require.NoError(t, err)

	var seq int
	repairs := repair.NewService(&mockRepairRepo{tickets: map[string]repair.Ticket{}}, mockCustomerRepo{},
		repair.WithNotifier(feed),
		repair.WithClock(time.Now, func() string {
			seq++
			return fmt.Sprintf("R%d", seq)
		}),
	)
	dash := dashboard.NewService(log, products, repairs)

	h := New(Config{Shop: receipt.Shop{Name: "Gadget Hub", Address: "MG Road, Bengaluru"}},
		products, resolver, svc, log, repairs, dash, feed, auth.NewAuthenticator(users, []byte(testPepper)))

	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, products: products, log: log, sessions: sessions}
}

type response struct {
	status int
	body   string
}

func (ts *testServer) do(t *testing.T, method, path, body string) response {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("api_key", testKey)
	req.Header.Set(TillHeader, "till-1")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return response{status: resp.StatusCode, body: string(data)}
}

func decodeObject(t *testing.T, body string) map[string]any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var out map[string]any
	require.NoError(t, dec.Decode(&out), body)
	return out
}

func saleField(t *testing.T, body string) map[string]any {
	t.Helper()
	s, ok := decodeObject(t, body)["sale"].(map[string]any)
	require.True(t, ok, body)
	return s
}

func assertMoney(t *testing.T, want string, got any) {
	t.Helper()
	n, ok := got.(json.Number)
	require.True(t, ok, "expected number, got %T", got)
	assert.True(t, decimal.RequireFromString(want).Equal(decimal.RequireFromString(n.String())),
		"want %s, got %s", want, n)
}

// --- Tests ---

func TestHandler_Unauthorized(t *testing.T) {
	ts := newTestServer(t)

	for _, key := range []string{"", "wrong"} {
		req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/sale", nil)
		require.NoError(t, err)
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		resp, err := ts.srv.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "key %q", key)
	}
}

func TestHandler_SaleFlow(t *testing.T) {
	ts := newTestServer(t)

	res := ts.do(t, http.MethodGet, "/api/sale", "")
	require.Equal(t, http.StatusOK, res.status)
	assert.Nil(t, decodeObject(t, res.body)["sale"])

	res = ts.do(t, http.MethodPost, "/api/sale", `{"customerId":"C1"}`)
	require.Equal(t, http.StatusCreated, res.status, res.body)
	s := saleField(t, res.body)
	assert.Equal(t, "draft", s["status"])
	assert.Equal(t, "C1", s["customerId"])

	res = ts.do(t, http.MethodPost, "/api/sale/items", `{"productId":"P1","quantity":2,"discountPercent":10}`)
	require.Equal(t, http.StatusOK, res.status, res.body)
	s = saleField(t, res.body)
	items := s["items"].([]any)
	require.Len(t, items, 1)
	line := items[0].(map[string]any)
	assertMoney(t, "10", line["discount"])
	assertMoney(t, "180", line["totalPrice"])
	assertMoney(t, "212.4", s["total"])

	res = ts.do(t, http.MethodPost, "/api/sale/items", `{"code":"8901234567891"}`)
	require.Equal(t, http.StatusOK, res.status, res.body)
	s = saleField(t, res.body)
	require.Len(t, s["items"].([]any), 2)
	assertMoney(t, "230", s["subtotal"])
	assertMoney(t, "41.4", s["tax"])
	assertMoney(t, "271.4", s["total"])

	itemID := line["id"].(string)
	res = ts.do(t, http.MethodPatch, "/api/sale/items/"+itemID, `{"quantity":3,"discount":"0"}`)
	require.Equal(t, http.StatusOK, res.status, res.body)
	s = saleField(t, res.body)
	assertMoney(t, "350", s["subtotal"])

	res = ts.do(t, http.MethodGet, "/api/sale/receipt", "")
	assert.Equal(t, http.StatusConflict, res.status)

	res = ts.do(t, http.MethodPost, "/api/sale/complete", `{"paymentMethod":"upi"}`)
	require.Equal(t, http.StatusOK, res.status, res.body)
	s = saleField(t, res.body)
	assert.Equal(t, "completed", s["status"])
	assert.Equal(t, "upi", s["paymentMethod"])
	assert.Equal(t, "synced", s["stockSync"])
	assert.Equal(t, "Asha", s["cashier"].(map[string]any)["name"])
	require.Equal(t, 1, ts.log.count())

	p1, err := ts.products.GetByID(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, 2, p1.StockQuantity)

	res = ts.do(t, http.MethodGet, "/api/sale/receipt", "")
	require.Equal(t, http.StatusOK, res.status, res.body)
	assert.Contains(t, res.body, "Gadget Hub")
	assert.Contains(t, res.body, "USB-C Charger")
	assert.Contains(t, res.body, "413.00")

	res = ts.do(t, http.MethodGet, "/api/notifications?limit=1", "")
	require.Equal(t, http.StatusOK, res.status)
	assert.Contains(t, res.body, "Sale completed")
}

func TestHandler_Errors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		setup  bool
		method string
		path   string
		body   string
		status int
		reason string
	}{
		{
			name:   "add without sale",
			method: http.MethodPost, path: "/api/sale/items", body: `{"productId":"P1"}`,
			status: http.StatusConflict, reason: "no_active_sale",
		},
		{
			name:  "complete empty sale",
			setup: true, method: http.MethodPost, path: "/api/sale/complete", body: `{"paymentMethod":"cash"}`,
			status: http.StatusUnprocessableEntity, reason: "empty_sale",
		},
		{
			name:  "unknown product",
			setup: true, method: http.MethodPost, path: "/api/sale/items", body: `{"productId":"nope"}`,
			status: http.StatusNotFound, reason: "product_not_found",
		},
		{
			name:  "unavailable product",
			setup: true, method: http.MethodPost, path: "/api/sale/items", body: `{"productId":"P3"}`,
			status: http.StatusUnprocessableEntity, reason: "product_unavailable",
		},
		{
			name:  "insufficient stock",
			setup: true, method: http.MethodPost, path: "/api/sale/items", body: `{"productId":"P2","quantity":2}`,
			status: http.StatusUnprocessableEntity, reason: "insufficient_stock",
		},
		{
			name:  "zero quantity",
			setup: true, method: http.MethodPost, path: "/api/sale/items", body: `{"productId":"P1","quantity":0}`,
			status: http.StatusBadRequest, reason: "invalid_quantity",
		},
		{
			name:  "malformed body",
			setup: true, method: http.MethodPost, path: "/api/sale/items", body: `{"productId":`,
			status: http.StatusBadRequest, reason: "invalid_request",
		},
		{
			name:  "bad limit",
			method: http.MethodGet, path: "/api/notifications?limit=x",
			status: http.StatusBadRequest, reason: "invalid_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts.do(t, http.MethodDelete, "/api/sale", "")
			if tt.setup {
				require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/sale", "").status)
			}
			res := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, res.status, res.body)
			assert.Equal(t, tt.reason, decodeObject(t, res.body)["reason"])
		})
	}
}

func TestHandler_CompletionFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.log.setErr(errors.New("connection refused"))

	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/sale", "").status)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/sale/items", `{"productId":"P1"}`).status)

	res := ts.do(t, http.MethodPost, "/api/sale/complete", `{"paymentMethod":"card"}`)
	assert.Equal(t, http.StatusServiceUnavailable, res.status)
	assert.Equal(t, "completion_failed", decodeObject(t, res.body)["reason"])

	// The draft stays frozen until the completion is confirmed.
	res = ts.do(t, http.MethodGet, "/api/sale", "")
	body := decodeObject(t, res.body)
	assert.Equal(t, "draft", body["sale"].(map[string]any)["status"])
	assert.Equal(t, true, body["completionPending"])

	for _, tt := range []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{name: "add item", method: http.MethodPost, path: "/api/sale/items", body: `{"productId":"P1"}`},
		{name: "cancel", method: http.MethodDelete, path: "/api/sale"},
		{name: "new sale", method: http.MethodPost, path: "/api/sale"},
		{name: "other payment method", method: http.MethodPost, path: "/api/sale/complete", body: `{"paymentMethod":"cash"}`},
	} {
		t.Run(tt.name, func(t *testing.T) {
			res := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusConflict, res.status, res.body)
			assert.Equal(t, "completion_pending", decodeObject(t, res.body)["reason"])
		})
	}

	ts.log.setErr(nil)
	res = ts.do(t, http.MethodPost, "/api/sale/complete", `{"paymentMethod":"card"}`)
	require.Equal(t, http.StatusOK, res.status, res.body)
	assert.Equal(t, "completed", saleField(t, res.body)["status"])
	assert.Equal(t, 1, ts.log.count())

	p1, err := ts.products.GetByID(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, 4, p1.StockQuantity)
}

func TestHandler_CompletionSessionSaveFailure(t *testing.T) {
	ts := newTestServer(t)

	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/sale", "").status)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/sale/items", `{"productId":"P1","quantity":3}`).status)

	ts.sessions.failNext(10)
	res := ts.do(t, http.MethodPost, "/api/sale/complete", `{"paymentMethod":"cash"}`)
	require.Equal(t, http.StatusServiceUnavailable, res.status, res.body)
	body := decodeObject(t, res.body)
	assert.Equal(t, "completion_failed", body["reason"])
	committed, ok := body["sale"].(map[string]any)
	require.True(t, ok, res.body)
	assert.Equal(t, "completed", committed["status"])

	p1, err := ts.products.GetByID(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, 2, p1.StockQuantity)

	ts.sessions.failNext(0)
	res = ts.do(t, http.MethodPost, "/api/sale/complete", `{"paymentMethod":"cash"}`)
	require.Equal(t, http.StatusOK, res.status, res.body)
	assert.Equal(t, committed["id"], saleField(t, res.body)["id"])
	assert.Equal(t, 1, ts.log.count())

	p1, err = ts.products.GetByID(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, 2, p1.StockQuantity, "stock must be lowered once")
}

func TestHandler_UpdateItemIsOneCommand(t *testing.T) {
	ts := newTestServer(t)

	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/sale", "").status)
	res := ts.do(t, http.MethodPost, "/api/sale/items", `{"productId":"P1"}`)
	require.Equal(t, http.StatusOK, res.status, res.body)
	itemID := saleField(t, res.body)["items"].([]any)[0].(map[string]any)["id"].(string)

	res = ts.do(t, http.MethodPatch, "/api/sale/items/"+itemID, `{"quantity":2,"discountPercent":50}`)
	require.Equal(t, http.StatusOK, res.status, res.body)
	line := saleField(t, res.body)["items"].([]any)[0].(map[string]any)
	assert.Equal(t, json.Number("2"), line["quantity"])
	assertMoney(t, "50", line["discount"])
	assertMoney(t, "100", line["totalPrice"])

	res = ts.do(t, http.MethodGet, "/api/notifications", "")
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, 1, strings.Count(res.body, "Item updated"), res.body)
	assert.NotContains(t, res.body, "Quantity updated")
	assert.NotContains(t, res.body, "Discount updated")

	res = ts.do(t, http.MethodPatch, "/api/sale/items/"+itemID, `{}`)
	assert.Equal(t, http.StatusBadRequest, res.status, res.body)
}

func TestHandler_SaleHistory(t *testing.T) {
	ts := newTestServer(t)

	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/sale", "").status)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/sale/items", `{"productId":"P1"}`).status)
	res := ts.do(t, http.MethodPost, "/api/sale/complete", `{"paymentMethod":"cash"}`)
	require.Equal(t, http.StatusOK, res.status, res.body)
	id := saleField(t, res.body)["id"].(string)

	// A new draft replaces the till's last sale; the log still has it.
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/sale", "").status)

	res = ts.do(t, http.MethodGet, "/api/sales/"+id, "")
	require.Equal(t, http.StatusOK, res.status, res.body)
	assert.Equal(t, id, saleField(t, res.body)["id"])

	res = ts.do(t, http.MethodGet, "/api/sales/"+id+"/receipt", "")
	require.Equal(t, http.StatusOK, res.status, res.body)
	assert.Contains(t, res.body, "USB-C Charger")

	res = ts.do(t, http.MethodGet, "/api/sales/missing", "")
	assert.Equal(t, http.StatusNotFound, res.status)
	assert.Equal(t, "sale_not_found", decodeObject(t, res.body)["reason"])
}

func TestHandler_Repairs(t *testing.T) {
	ts := newTestServer(t)

	res := ts.do(t, http.MethodPost, "/api/repairs", `{
		"customerId": "C1",
		"deviceType": "mobile",
		"brand": "Samsung",
		"model": "Galaxy S21",
		"issue": "Cracked screen",
		"estimatedCost": "4500",
		"parts": [{"name": "Display", "quantity": 1, "cost": 3800}]
	}`)
	require.Equal(t, http.StatusCreated, res.status, res.body)
	created := decodeObject(t, res.body)
	id := created["id"].(string)
	assert.Equal(t, "received", created["status"])
	assert.Equal(t, "normal", created["priority"])
	assert.Equal(t, json.Number("24"), created["estimatedTime"])
	assertMoney(t, "3800", created["partsCost"])
	assert.Equal(t, "Ravi Kumar", created["customer"].(map[string]any)["name"])

	res = ts.do(t, http.MethodGet, "/api/repairs/"+id, "")
	require.Equal(t, http.StatusOK, res.status, res.body)

	res = ts.do(t, http.MethodPatch, "/api/repairs/"+id+"/status", `{"status":"in_progress","diagnosis":"Panel damaged"}`)
	require.Equal(t, http.StatusOK, res.status, res.body)
	updated := decodeObject(t, res.body)
	assert.Equal(t, "in_progress", updated["status"])
	assert.Equal(t, "Panel damaged", updated["diagnosis"])

	res = ts.do(t, http.MethodGet, "/api/repairs?status=in_progress,received", "")
	require.Equal(t, http.StatusOK, res.status, res.body)
	var list []map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.body), &list))
	assert.Len(t, list, 1)

	res = ts.do(t, http.MethodGet, "/api/notifications", "")
	assert.Contains(t, res.body, "Samsung Galaxy S21 marked as in progress")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		reason string
	}{
		{
			name:   "invalid transition",
			method: http.MethodPatch, path: "/api/repairs/" + id + "/status", body: `{"status":"delivered"}`,
			status: http.StatusConflict, reason: "invalid_transition",
		},
		{
			name:   "missing status",
			method: http.MethodPatch, path: "/api/repairs/" + id + "/status", body: `{}`,
			status: http.StatusBadRequest, reason: "invalid_request",
		},
		{
			name:   "unknown ticket",
			method: http.MethodGet, path: "/api/repairs/nope",
			status: http.StatusNotFound, reason: "repair_not_found",
		},
		{
			name:   "unknown customer",
			method: http.MethodPost, path: "/api/repairs",
			body:   `{"customerId":"C9","deviceType":"mobile","brand":"Apple","issue":"Battery"}`,
			status: http.StatusBadRequest, reason: "invalid_repair",
		},
		{
			name:   "unknown device type",
			method: http.MethodPost, path: "/api/repairs",
			body:   `{"customerId":"C1","deviceType":"toaster","brand":"Apple","issue":"Battery"}`,
			status: http.StatusBadRequest, reason: "invalid_repair",
		},
		{
			name:   "unknown status filter",
			method: http.MethodGet, path: "/api/repairs?status=lost",
			status: http.StatusBadRequest, reason: "invalid_repair",
		},
		{
			name:   "bad limit",
			method: http.MethodGet, path: "/api/repairs?limit=0",
			status: http.StatusBadRequest, reason: "invalid_request",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, res.status, res.body)
			assert.Equal(t, tt.reason, decodeObject(t, res.body)["reason"])
		})
	}
}

func TestHandler_Dashboard(t *testing.T) {
	ts := newTestServer(t)

	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/sale", "").status)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/sale/items", `{"productId":"P1","quantity":4}`).status)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/sale/complete", `{"paymentMethod":"upi"}`).status)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/repairs",
		`{"customerId":"C1","deviceType":"laptop","brand":"Dell","issue":"No power"}`).status)

	res := ts.do(t, http.MethodGet, "/api/dashboard", "")
	require.Equal(t, http.StatusOK, res.status, res.body)
	st := decodeObject(t, res.body)
	assert.Equal(t, json.Number("1"), st["todaySales"])
	assertMoney(t, "472", st["todayRevenue"])
	// P1 drops to 1 with a minimum of 2; P2 already sits below its minimum.
	assert.Equal(t, json.Number("2"), st["lowStockCount"])
	assert.Equal(t, json.Number("1"), st["pendingRepairs"])
	assert.Equal(t, json.Number("0"), st["overdueRepairs"])
	assert.Len(t, st["recentSales"].([]any), 1)
}

func TestHandler_Products(t *testing.T) {
	ts := newTestServer(t)

	res := ts.do(t, http.MethodGet, "/api/products", "")
	require.Equal(t, http.StatusOK, res.status)
	var all []map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.body), &all))
	assert.Len(t, all, 3)

	res = ts.do(t, http.MethodGet, "/api/products/low-stock", "")
	require.Equal(t, http.StatusOK, res.status)
	var low []map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.body), &low))
	require.Len(t, low, 1)
	assert.Equal(t, "P2", low[0]["id"])

	res = ts.do(t, http.MethodGet, "/api/products/scan/8901234567890", "")
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, "P1", decodeObject(t, res.body)["id"])

	res = ts.do(t, http.MethodGet, "/api/products/scan/unknown", "")
	assert.Equal(t, http.StatusNotFound, res.status)
}

func TestRateLimitKey(t *testing.T) {
	a := httptest.NewRequest(http.MethodGet, "/api/sale", nil)
	a.Header.Set("api_key", testKey)
	b := httptest.NewRequest(http.MethodGet, "/api/sale", nil)
	b.Header.Set("Authorization", "Bearer "+testKey)

	assert.Equal(t, RateLimitKey(a), RateLimitKey(b))
	assert.True(t, strings.HasPrefix(RateLimitKey(a), "key:"))
	assert.NotContains(t, RateLimitKey(a), testKey)

	anon := httptest.NewRequest(http.MethodGet, "/api/sale", nil)
	anon.RemoteAddr = "192.0.2.10:4000"
	assert.Equal(t, "ip:192.0.2.10", RateLimitKey(anon))
}
