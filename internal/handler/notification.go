package handler

import (
	"net/http"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

const defaultNotificationLimit = 20

// notifications returns the most recent events of the caller's till.
func (h *Handler) notifications(w http.ResponseWriter, r *http.Request) {
	id, ok := h.till(w, r)
	if !ok {
		return
	}
	limit := defaultNotificationLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(r.Context(), w, errors.Wrapf(errBadRequest, "limit %q", v))
			return
		}
		limit = n
	}

	events := h.feed.Recent(id, limit)
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeEvents(e, events)
	})
}
