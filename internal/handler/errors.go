package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/gadget-pos/internal/domain/auth"
	"github.com/xenking/gadget-pos/internal/domain/customer"
	"github.com/xenking/gadget-pos/internal/domain/product"
	"github.com/xenking/gadget-pos/internal/domain/receipt"
	"github.com/xenking/gadget-pos/internal/domain/repair"
	"github.com/xenking/gadget-pos/internal/domain/sale"
)

// errMissingTill is returned when a request names no till and carries no user.
var errMissingTill = errors.New("till id required")

// classify maps an error to an HTTP status and a stable reason code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, errMissingTill):
		return http.StatusBadRequest, "missing_till"
	case errors.Is(err, product.ErrNotFound):
		return http.StatusNotFound, "product_not_found"
	case errors.Is(err, customer.ErrNotFound):
		return http.StatusNotFound, "customer_not_found"
	case errors.Is(err, receipt.ErrNotCompleted):
		return http.StatusConflict, "sale_not_completed"
	case errors.Is(err, sale.ErrNotFound):
		return http.StatusNotFound, sale.Reason(err)
	case errors.Is(err, repair.ErrNotFound):
		return http.StatusNotFound, "repair_not_found"
	case errors.Is(err, repair.ErrInvalidTicket):
		return http.StatusBadRequest, "invalid_repair"
	case errors.Is(err, repair.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, sale.ErrNoActiveSale),
		errors.Is(err, sale.ErrCompletionPending),
		errors.Is(err, sale.ErrSaleConflict),
		errors.Is(err, sale.ErrSessionBusy):
		return http.StatusConflict, sale.Reason(err)
	case errors.Is(err, sale.ErrInvalidQuantity),
		errors.Is(err, sale.ErrInvalidPaymentMethod):
		return http.StatusBadRequest, sale.Reason(err)
	case errors.Is(err, sale.ErrProductUnavailable),
		errors.Is(err, sale.ErrInsufficientStock),
		errors.Is(err, sale.ErrEmptySale):
		return http.StatusUnprocessableEntity, sale.Reason(err)
	case errors.Is(err, sale.ErrCompletionFailed):
		return http.StatusServiceUnavailable, sale.Reason(err)
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status, reason := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		zctx.From(ctx).Error("Request failed", zap.Error(err))
		msg = "internal error"
	}

	// A committed sale whose session could not be stored is still returned,
	// so the till can print it.
	var committed *sale.Sale
	if ce := (*sale.CompletionError)(nil); errors.As(err, &ce) {
		committed = ce.Sale
	}

	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Int(status)
		e.FieldStart("reason")
		e.Str(reason)
		e.FieldStart("message")
		e.Str(msg)
		if committed != nil {
			e.FieldStart("sale")
			encodeSale(e, committed)
		}
		e.ObjEnd()
	})
}
