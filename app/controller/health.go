package controller

import (
	"net/http"
)

// HandleHealth reports whether the ledger store (and history when
// configured) is reachable.
func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	checks := map[string]string{"store": "ok"}
	status := http.StatusOK

	if err := c.App.Store.Health(ctx); err != nil {
		checks["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if c.App.History != nil {
		checks["history"] = "ok"
		if err := c.App.History.Health(ctx); err != nil {
			checks["history"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, checks)
}
