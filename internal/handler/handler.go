// Package handler exposes the till API over HTTP.
package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"slices"
	"strings"

	"github.com/xenking/gadget-pos/internal/domain/auth"
	"github.com/xenking/gadget-pos/internal/domain/dashboard"
	"github.com/xenking/gadget-pos/internal/domain/product"
	"github.com/xenking/gadget-pos/internal/domain/receipt"
	"github.com/xenking/gadget-pos/internal/domain/repair"
	"github.com/xenking/gadget-pos/internal/domain/sale"
	"github.com/xenking/gadget-pos/internal/notify"
	"github.com/xenking/gadget-pos/pkg/httpmiddleware"
)

// TillHeader selects the till session a request works on. Without it the
// acting user's ID is used, giving every user one till.
const TillHeader = "X-Till-ID"

// SaleService is the sale orchestration used by the handler.
type SaleService interface {
	Current(ctx context.Context, sessionID string) (sale.Session, error)
	Create(ctx context.Context, sessionID, customerID string) (sale.Session, error)
	AddItem(ctx context.Context, sessionID string, req sale.AddItemRequest) (sale.Session, error)
	Scan(ctx context.Context, sessionID, code string, qty int) (sale.Session, error)
	RemoveItem(ctx context.Context, sessionID, itemID string) (sale.Session, error)
	UpdateItem(ctx context.Context, sessionID, itemID string, u sale.ItemUpdate) (sale.Session, error)
	Cancel(ctx context.Context, sessionID string) (sale.Session, error)
	Complete(ctx context.Context, sessionID string, method sale.PaymentMethod) (*sale.Sale, error)
}

// SaleHistory reads completed sales from the sales log.
type SaleHistory interface {
	Get(ctx context.Context, id string) (*sale.Sale, error)
}

// RepairService runs the repair ticket workflow.
type RepairService interface {
	Create(ctx context.Context, req repair.CreateRequest) (*repair.Ticket, error)
	Get(ctx context.Context, id string) (*repair.Ticket, error)
	List(ctx context.Context, f repair.Filter) ([]repair.Ticket, error)
	UpdateStatus(ctx context.Context, id string, u repair.StatusUpdate) (*repair.Ticket, error)
}

// DashboardService builds the shop overview.
type DashboardService interface {
	Stats(ctx context.Context) (*dashboard.Stats, error)
}

// Authenticator resolves an API key to the acting user.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*auth.User, error)
}

// Config holds non-dependency configuration for the Handler.
type Config struct {
	Shop receipt.Shop
}

// Handler serves the /api routes.
type Handler struct {
	products  product.Repository
	resolver  sale.Resolver
	sales     SaleService
	history   SaleHistory
	repairs   RepairService
	dashboard DashboardService
	feed      *notify.Feed
	auth      Authenticator
	shop      receipt.Shop
}

// New constructs a Handler with the required domain dependencies.
func New(
	cfg Config,
	products product.Repository,
	resolver sale.Resolver,
	sales SaleService,
	history SaleHistory,
	repairs RepairService,
	dash DashboardService,
	feed *notify.Feed,
	authenticator Authenticator,
) *Handler {
	return &Handler{
		products:  products,
		resolver:  resolver,
		sales:     sales,
		history:   history,
		repairs:   repairs,
		dashboard: dash,
		feed:      feed,
		auth:      authenticator,
		shop:      cfg.Shop,
	}
}

// Routes returns a mux serving only the API routes.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

// Register mounts the API routes on mux. Every route requires an API key;
// mws run before authentication.
func (h *Handler) Register(mux *http.ServeMux, mws ...httpmiddleware.Middleware) {
	mws = append(slices.Clone(mws), h.authenticate)
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, httpmiddleware.Wrap(fn, mws...))
	}

	handle("GET /api/products", h.listProducts)
	handle("GET /api/products/low-stock", h.lowStock)
	handle("GET /api/products/scan/{code}", h.scanProduct)

	handle("GET /api/sale", h.currentSale)
	handle("POST /api/sale", h.createSale)
	handle("DELETE /api/sale", h.cancelSale)
	handle("POST /api/sale/items", h.addItem)
	handle("PATCH /api/sale/items/{id}", h.updateItem)
	handle("DELETE /api/sale/items/{id}", h.removeItem)
	handle("POST /api/sale/complete", h.completeSale)
	handle("GET /api/sale/receipt", h.saleReceipt)
	handle("GET /api/sales/{id}", h.getSale)
	handle("GET /api/sales/{id}/receipt", h.getSaleReceipt)

	handle("GET /api/repairs", h.listRepairs)
	handle("POST /api/repairs", h.createRepair)
	handle("GET /api/repairs/{id}", h.getRepair)
	handle("PATCH /api/repairs/{id}/status", h.updateRepairStatus)

	handle("GET /api/dashboard", h.dashboardStats)

	handle("GET /api/notifications", h.notifications)
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := h.auth.Authenticate(r.Context(), apiKey(r))
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), u)))
	})
}

func apiKey(r *http.Request) string {
	if v := r.Header.Get("api_key"); v != "" {
		return v
	}
	if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// RateLimitKey identifies the caller by a digest of its API key, or by
// client IP for unauthenticated requests.
func RateLimitKey(r *http.Request) string {
	if k := apiKey(r); k != "" {
		sum := sha256.Sum256([]byte(k))
		return "key:" + hex.EncodeToString(sum[:8])
	}
	return "ip:" + httpmiddleware.ClientIP(r)
}

func sessionID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(TillHeader)); id != "" {
		return id
	}
	if u, ok := auth.UserFromContext(r.Context()); ok {
		return u.ID
	}
	return ""
}
