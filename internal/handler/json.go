package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/gadget-pos/internal/domain/dashboard"
	"github.com/xenking/gadget-pos/internal/domain/product"
	"github.com/xenking/gadget-pos/internal/domain/repair"
	"github.com/xenking/gadget-pos/internal/domain/sale"
	"github.com/xenking/gadget-pos/internal/notify"
)

const maxBodySize = 1 << 16

// errBadRequest marks request bodies that could not be decoded.
var errBadRequest = errors.New("invalid request body")

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

// decodeBody reads a JSON object, calling field for each key.
func decodeBody(r *http.Request, field func(d *jx.Decoder, key string) error) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return errors.Wrap(errBadRequest, err.Error())
	}
	if len(body) == 0 {
		return nil
	}
	if err := jx.DecodeBytes(body).Obj(field); err != nil {
		return errors.Wrap(errBadRequest, err.Error())
	}
	return nil
}

// decodeDecimal accepts a JSON number or a numeric string.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(string(n))
	default:
		return decimal.Zero, errors.New("expected number")
	}
}

func encodeMoney(e *jx.Encoder, name string, d decimal.Decimal) {
	e.FieldStart(name)
	e.Num(jx.Num(d.String()))
}

func encodeTime(e *jx.Encoder, name string, t time.Time) {
	e.FieldStart(name)
	e.Str(t.UTC().Format(time.RFC3339))
}

func encodeProduct(e *jx.Encoder, p product.Product) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(p.ID)
	e.FieldStart("name")
	e.Str(p.Name)
	if p.Description != "" {
		e.FieldStart("description")
		e.Str(p.Description)
	}
	e.FieldStart("category")
	e.Str(p.Category)
	if p.Brand != "" {
		e.FieldStart("brand")
		e.Str(p.Brand)
	}
	if p.Model != "" {
		e.FieldStart("model")
		e.Str(p.Model)
	}
	if p.Barcode != "" {
		e.FieldStart("barcode")
		e.Str(p.Barcode)
	}
	if p.SKU != "" {
		e.FieldStart("sku")
		e.Str(p.SKU)
	}
	encodeMoney(e, "price", p.Price)
	e.FieldStart("isAvailable")
	e.Bool(p.IsAvailable)
	e.FieldStart("stockQuantity")
	e.Int(p.StockQuantity)
	e.FieldStart("minStockLevel")
	e.Int(p.MinStockLevel)
	e.FieldStart("lowStock")
	e.Bool(p.IsLowStock())
	if p.WarrantyMonths > 0 {
		e.FieldStart("warrantyMonths")
		e.Int(p.WarrantyMonths)
	}
	e.ObjEnd()
}

func encodeProducts(e *jx.Encoder, products []product.Product) {
	e.ArrStart()
	for _, p := range products {
		encodeProduct(e, p)
	}
	e.ArrEnd()
}

func encodeSale(e *jx.Encoder, s *sale.Sale) {
	if s == nil {
		e.Null()
		return
	}
	e.ObjStart()
	e.FieldStart("id")
	e.Str(s.ID)
	e.FieldStart("status")
	e.Str(string(s.Status))
	if s.CustomerID != "" {
		e.FieldStart("customerId")
		e.Str(s.CustomerID)
	}
	if c := s.Customer; c != nil {
		e.FieldStart("customer")
		e.ObjStart()
		e.FieldStart("id")
		e.Str(c.ID)
		e.FieldStart("name")
		e.Str(c.Name)
		if c.Phone != "" {
			e.FieldStart("phone")
			e.Str(c.Phone)
		}
		e.ObjEnd()
	}
	if c := s.Cashier; c != nil {
		e.FieldStart("cashier")
		e.ObjStart()
		e.FieldStart("id")
		e.Str(c.ID)
		e.FieldStart("name")
		e.Str(c.Name)
		e.FieldStart("role")
		e.Str(c.Role)
		e.ObjEnd()
	}

	e.FieldStart("items")
	e.ArrStart()
	for _, it := range s.Items {
		e.ObjStart()
		e.FieldStart("id")
		e.Str(it.ID)
		e.FieldStart("productId")
		e.Str(it.ProductID)
		e.FieldStart("name")
		e.Str(it.Product.Name)
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		encodeMoney(e, "unitPrice", it.UnitPrice)
		encodeMoney(e, "discount", it.Discount)
		encodeMoney(e, "totalPrice", it.TotalPrice)
		e.ObjEnd()
	}
	e.ArrEnd()

	encodeMoney(e, "subtotal", s.Subtotal)
	encodeMoney(e, "tax", s.Tax)
	encodeMoney(e, "discount", s.Discount)
	encodeMoney(e, "total", s.Total)
	if s.PaymentMethod != "" {
		e.FieldStart("paymentMethod")
		e.Str(string(s.PaymentMethod))
	}
	encodeTime(e, "createdAt", s.CreatedAt)
	encodeTime(e, "updatedAt", s.UpdatedAt)
	if s.CompletedAt != nil {
		encodeTime(e, "completedAt", *s.CompletedAt)
	}
	if s.StockSync != "" {
		e.FieldStart("stockSync")
		e.Str(string(s.StockSync))
	}
	if len(s.PendingStock) > 0 {
		e.FieldStart("pendingStock")
		e.ArrStart()
		for _, d := range s.PendingStock {
			e.ObjStart()
			e.FieldStart("productId")
			e.Str(d.ProductID)
			e.FieldStart("quantity")
			e.Int(d.Quantity)
			e.ObjEnd()
		}
		e.ArrEnd()
	}
	e.ObjEnd()
}

func encodeSession(e *jx.Encoder, s sale.Session) {
	e.ObjStart()
	e.FieldStart("sale")
	encodeSale(e, s.Current)
	if s.Pending != nil {
		e.FieldStart("completionPending")
		e.Bool(true)
	}
	e.ObjEnd()
}

func encodeEvents(e *jx.Encoder, events []notify.Event) {
	e.ArrStart()
	for _, ev := range events {
		e.ObjStart()
		e.FieldStart("level")
		e.Str(string(ev.Level))
		e.FieldStart("title")
		e.Str(ev.Title)
		if ev.Message != "" {
			e.FieldStart("message")
			e.Str(ev.Message)
		}
		encodeTime(e, "at", ev.At)
		e.ObjEnd()
	}
	e.ArrEnd()
}

func encodeTicket(e *jx.Encoder, t *repair.Ticket) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(t.ID)
	e.FieldStart("customerId")
	e.Str(t.CustomerID)
	if c := t.Customer; c != nil {
		e.FieldStart("customer")
		e.ObjStart()
		e.FieldStart("id")
		e.Str(c.ID)
		e.FieldStart("name")
		e.Str(c.Name)
		if c.Phone != "" {
			e.FieldStart("phone")
			e.Str(c.Phone)
		}
		if c.Email != "" {
			e.FieldStart("email")
			e.Str(c.Email)
		}
		e.ObjEnd()
	}
	if t.TechnicianID != "" {
		e.FieldStart("technicianId")
		e.Str(t.TechnicianID)
	}
	e.FieldStart("deviceType")
	e.Str(string(t.DeviceType))
	e.FieldStart("brand")
	e.Str(t.Brand)
	e.FieldStart("model")
	e.Str(t.Model)
	if t.IMEI != "" {
		e.FieldStart("imei")
		e.Str(t.IMEI)
	}
	if t.SerialNumber != "" {
		e.FieldStart("serialNumber")
		e.Str(t.SerialNumber)
	}
	e.FieldStart("issue")
	e.Str(t.Issue)
	if t.Diagnosis != "" {
		e.FieldStart("diagnosis")
		e.Str(t.Diagnosis)
	}
	encodeMoney(e, "estimatedCost", t.EstimatedCost)
	if t.ActualCost != nil {
		encodeMoney(e, "actualCost", *t.ActualCost)
	}
	e.FieldStart("estimatedTime")
	e.Int(t.EstimatedHours)
	e.FieldStart("priority")
	e.Str(string(t.Priority))
	e.FieldStart("status")
	e.Str(string(t.Status))
	e.FieldStart("parts")
	e.ArrStart()
	for _, p := range t.Parts {
		e.ObjStart()
		if p.ProductID != "" {
			e.FieldStart("productId")
			e.Str(p.ProductID)
		}
		e.FieldStart("name")
		e.Str(p.Name)
		e.FieldStart("quantity")
		e.Int(p.Quantity)
		encodeMoney(e, "cost", p.Cost)
		if p.WarrantyVoid {
			e.FieldStart("warrantyVoid")
			e.Bool(true)
		}
		e.ObjEnd()
	}
	e.ArrEnd()
	encodeMoney(e, "partsCost", t.PartsCost())
	if t.Notes != "" {
		e.FieldStart("notes")
		e.Str(t.Notes)
	}
	if t.CustomerNotes != "" {
		e.FieldStart("customerNotes")
		e.Str(t.CustomerNotes)
	}
	encodeTime(e, "createdAt", t.CreatedAt)
	encodeTime(e, "updatedAt", t.UpdatedAt)
	encodeTime(e, "dueAt", t.DueAt())
	if t.CompletedAt != nil {
		encodeTime(e, "completedAt", *t.CompletedAt)
	}
	if t.DeliveredAt != nil {
		encodeTime(e, "deliveredAt", *t.DeliveredAt)
	}
	e.ObjEnd()
}

func encodeStats(e *jx.Encoder, st *dashboard.Stats) {
	e.ObjStart()
	e.FieldStart("date")
	e.Str(st.Date.Format(time.DateOnly))
	e.FieldStart("todaySales")
	e.Int(st.TodaySales)
	encodeMoney(e, "todayRevenue", st.TodayRevenue)
	e.FieldStart("lowStockCount")
	e.Int(len(st.LowStock))
	e.FieldStart("lowStock")
	encodeProducts(e, st.LowStock)
	e.FieldStart("pendingRepairs")
	e.Int(st.PendingRepairs)
	e.FieldStart("completedRepairs")
	e.Int(st.CompletedRepairs)
	e.FieldStart("overdueRepairs")
	e.Int(st.OverdueRepairs)
	e.FieldStart("recentSales")
	e.ArrStart()
	for _, s := range st.RecentSales {
		encodeSale(e, s)
	}
	e.ArrEnd()
	e.FieldStart("popularProducts")
	e.ArrStart()
	for _, p := range st.PopularProducts {
		e.ObjStart()
		e.FieldStart("productId")
		e.Str(p.ProductID)
		e.FieldStart("name")
		e.Str(p.Name)
		e.FieldStart("quantity")
		e.Int(p.Quantity)
		encodeMoney(e, "revenue", p.Revenue)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
}
