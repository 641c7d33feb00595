package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

func (h *Handler) dashboardStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.dashboard.Stats(r.Context())
	if err != nil {
		writeError(r.Context(), w, errors.Wrap(err, "dashboard stats"))
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeStats(e, st)
	})
}
