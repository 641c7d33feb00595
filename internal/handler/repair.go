package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/gadget-pos/internal/domain/repair"
)

const maxRepairList = 200

// listRepairs accepts ?status=a,b&search=text&limit=n.
func (h *Handler) listRepairs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := repair.Filter{Search: q.Get("search")}
	if raw := q.Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			f.Statuses = append(f.Statuses, repair.Status(strings.TrimSpace(st)))
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(r.Context(), w, errors.Wrap(errBadRequest, "limit must be a positive integer"))
			return
		}
		f.Limit = min(n, maxRepairList)
	}

	tickets, err := h.repairs.List(r.Context(), f)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for i := range tickets {
			encodeTicket(e, &tickets[i])
		}
		e.ArrEnd()
	})
}

func (h *Handler) createRepair(w http.ResponseWriter, r *http.Request) {
	var req repair.CreateRequest
	if err := decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "customerId":
			req.CustomerID, err = d.Str()
		case "technicianId":
			req.TechnicianID, err = d.Str()
		case "deviceType":
			var v string
			v, err = d.Str()
			req.DeviceType = repair.DeviceType(v)
		case "brand":
			req.Brand, err = d.Str()
		case "model":
			req.Model, err = d.Str()
		case "imei":
			req.IMEI, err = d.Str()
		case "serialNumber":
			req.SerialNumber, err = d.Str()
		case "issue":
			req.Issue, err = d.Str()
		case "estimatedCost":
			req.EstimatedCost, err = decodeDecimal(d)
		case "estimatedTime":
			req.EstimatedHours, err = d.Int()
		case "priority":
			var v string
			v, err = d.Str()
			req.Priority = repair.Priority(v)
		case "parts":
			req.Parts, err = decodeParts(d)
		case "notes":
			req.Notes, err = d.Str()
		case "customerNotes":
			req.CustomerNotes, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	}); err != nil {
		writeError(r.Context(), w, err)
		return
	}

	t, err := h.repairs.Create(r.Context(), req)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		encodeTicket(e, t)
	})
}

func (h *Handler) getRepair(w http.ResponseWriter, r *http.Request) {
	t, err := h.repairs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeTicket(e, t)
	})
}

func (h *Handler) updateRepairStatus(w http.ResponseWriter, r *http.Request) {
	var u repair.StatusUpdate
	if err := decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "status":
			var v string
			v, err = d.Str()
			u.Status = repair.Status(v)
		case "diagnosis":
			u.Diagnosis, err = d.Str()
		case "actualCost":
			var v decimal.Decimal
			v, err = decodeDecimal(d)
			u.ActualCost = &v
		case "notes":
			u.Notes, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	}); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if u.Status == "" {
		writeError(r.Context(), w, errors.Wrap(errBadRequest, "status required"))
		return
	}

	t, err := h.repairs.UpdateStatus(r.Context(), r.PathValue("id"), u)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeTicket(e, t)
	})
}

func decodeParts(d *jx.Decoder) ([]repair.Part, error) {
	var parts []repair.Part
	err := d.Arr(func(d *jx.Decoder) error {
		var p repair.Part
		if err := d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "productId":
				p.ProductID, err = d.Str()
			case "name":
				p.Name, err = d.Str()
			case "quantity":
				p.Quantity, err = d.Int()
			case "cost":
				p.Cost, err = decodeDecimal(d)
			case "warrantyVoid":
				p.WarrantyVoid, err = d.Bool()
			default:
				err = d.Skip()
			}
			return err
		}); err != nil {
			return err
		}
		parts = append(parts, p)
		return nil
	})
	return parts, err
}
