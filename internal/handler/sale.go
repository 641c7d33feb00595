package handler

import (
	"bytes"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/gadget-pos/internal/domain/receipt"
	"github.com/xenking/gadget-pos/internal/domain/sale"
)

// discountInput is either an absolute per-unit amount or a percentage of
// the unit price. Percentages are converted before reaching the service.
type discountInput struct {
	amount  *decimal.Decimal
	percent *decimal.Decimal
}

func (d discountInput) set() bool {
	return d.amount != nil || d.percent != nil
}

func (d discountInput) resolve(unitPrice decimal.Decimal) decimal.Decimal {
	if d.percent != nil {
		return sale.DiscountFromPercent(unitPrice, *d.percent)
	}
	if d.amount != nil {
		return *d.amount
	}
	return decimal.Zero
}

func (d *discountInput) decode(dec *jx.Decoder, key string) (bool, error) {
	switch key {
	case "discount":
		v, err := decodeDecimal(dec)
		if err != nil {
			return true, err
		}
		d.amount = &v
		return true, nil
	case "discountPercent":
		v, err := decodeDecimal(dec)
		if err != nil {
			return true, err
		}
		d.percent = &v
		return true, nil
	default:
		return false, nil
	}
}

func (h *Handler) till(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := sessionID(r)
	if id == "" {
		writeError(r.Context(), w, errMissingTill)
		return "", false
	}
	return id, true
}

func writeSession(w http.ResponseWriter, sess sale.Session) {
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeSession(e, sess)
	})
}

func (h *Handler) currentSale(w http.ResponseWriter, r *http.Request) {
	id, ok := h.till(w, r)
	if !ok {
		return
	}
	sess, err := h.sales.Current(r.Context(), id)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeSession(w, sess)
}

func (h *Handler) createSale(w http.ResponseWriter, r *http.Request) {
	id, ok := h.till(w, r)
	if !ok {
		return
	}
	var customerID string
	if err := decodeBody(r, func(d *jx.Decoder, key string) error {
		switch key {
		case "customerId":
			if d.Next() == jx.Null {
				return d.Null()
			}
			v, err := d.Str()
			customerID = v
			return err
		default:
			return d.Skip()
		}
	}); err != nil {
		writeError(r.Context(), w, err)
		return
	}

	sess, err := h.sales.Create(r.Context(), id, customerID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		encodeSession(e, sess)
	})
}

func (h *Handler) cancelSale(w http.ResponseWriter, r *http.Request) {
	id, ok := h.till(w, r)
	if !ok {
		return
	}
	sess, err := h.sales.Cancel(r.Context(), id)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeSession(w, sess)
}

// addItem adds a product by ID, or by a scanned code when "code" is given.
func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.till(w, r)
	if !ok {
		return
	}
	var (
		productID string
		code      string
		quantity  = 1
		discount  discountInput
	)
	if err := decodeBody(r, func(d *jx.Decoder, key string) error {
		if handled, err := discount.decode(d, key); handled {
			return err
		}
		var err error
		switch key {
		case "productId":
			productID, err = d.Str()
		case "code":
			code, err = d.Str()
		case "quantity":
			quantity, err = d.Int()
		default:
			err = d.Skip()
		}
		return err
	}); err != nil {
		writeError(r.Context(), w, err)
		return
	}

	ctx := r.Context()
	var (
		sess sale.Session
		err  error
	)
	switch {
	case code != "" && !discount.set():
		sess, err = h.sales.Scan(ctx, id, code, quantity)
	default:
		if productID == "" && code != "" {
			p, rerr := h.resolver.Resolve(ctx, code)
			if rerr != nil {
				writeError(ctx, w, rerr)
				return
			}
			productID = p.ID
		}
		if productID == "" {
			writeError(ctx, w, errors.Wrap(errBadRequest, "productId or code required"))
			return
		}
		amount := decimal.Zero
		if discount.set() {
			p, perr := h.products.GetByID(ctx, productID)
			if perr != nil {
				writeError(ctx, w, perr)
				return
			}
			amount = discount.resolve(p.Price)
		}
		sess, err = h.sales.AddItem(ctx, id, sale.AddItemRequest{
			ProductID: productID,
			Quantity:  quantity,
			Discount:  amount,
		})
	}
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeSession(w, sess)
}

// updateItem changes the quantity and/or discount of one line.
func (h *Handler) updateItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.till(w, r)
	if !ok {
		return
	}
	itemID := r.PathValue("id")

	var (
		quantity *int
		discount discountInput
	)
	if err := decodeBody(r, func(d *jx.Decoder, key string) error {
		if handled, err := discount.decode(d, key); handled {
			return err
		}
		if key != "quantity" {
			return d.Skip()
		}
		v, err := d.Int()
		quantity = &v
		return err
	}); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if quantity == nil && !discount.set() {
		writeError(r.Context(), w, errors.Wrap(errBadRequest, "quantity or discount required"))
		return
	}

	sess, err := h.sales.UpdateItem(r.Context(), id, itemID, sale.ItemUpdate{
		Quantity:        quantity,
		Discount:        discount.amount,
		DiscountPercent: discount.percent,
	})
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeSession(w, sess)
}

func (h *Handler) removeItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.till(w, r)
	if !ok {
		return
	}
	sess, err := h.sales.RemoveItem(r.Context(), id, r.PathValue("id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeSession(w, sess)
}

func (h *Handler) completeSale(w http.ResponseWriter, r *http.Request) {
	id, ok := h.till(w, r)
	if !ok {
		return
	}
	var method sale.PaymentMethod
	if err := decodeBody(r, func(d *jx.Decoder, key string) error {
		if key != "paymentMethod" {
			return d.Skip()
		}
		v, err := d.Str()
		method = sale.PaymentMethod(v)
		return err
	}); err != nil {
		writeError(r.Context(), w, err)
		return
	}

	completed, err := h.sales.Complete(r.Context(), id, method)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("sale")
		encodeSale(e, completed)
		e.ObjEnd()
	})
}

// saleReceipt prints the receipt of the till's last completed sale.
func (h *Handler) saleReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := h.till(w, r)
	if !ok {
		return
	}
	sess, err := h.sales.Current(r.Context(), id)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	h.writeReceipt(w, r, sess.Current)
}

func (h *Handler) writeReceipt(w http.ResponseWriter, r *http.Request, s *sale.Sale) {
	rc, err := receipt.FromSale(s, h.shop)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	var buf bytes.Buffer
	if err := rc.Render(&buf); err != nil {
		writeError(r.Context(), w, errors.Wrap(err, "render receipt"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// getSale reads a completed sale from the sales log.
func (h *Handler) getSale(w http.ResponseWriter, r *http.Request) {
	s, err := h.history.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("sale")
		encodeSale(e, s)
		e.ObjEnd()
	})
}

// getSaleReceipt reprints the receipt of any recorded sale.
func (h *Handler) getSaleReceipt(w http.ResponseWriter, r *http.Request) {
	s, err := h.history.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	h.writeReceipt(w, r, s)
}
