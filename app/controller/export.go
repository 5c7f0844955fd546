package controller

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"go.uber.org/zap"
)

// HandleReferrerEarnings returns one referrer's aggregated earnings.
func (c *Controller) HandleReferrerEarnings(w http.ResponseWriter, r *http.Request) {
	referrer := mux.Vars(r)["referrer"]
	row, err := c.App.Ledger.Referrer(r.Context(), referrer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// HandleExportReferrers returns the full payout batch as JSON.
func (c *Controller) HandleExportReferrers(w http.ResponseWriter, r *http.Request) {
	batch, err := c.App.Ledger.Referrers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// HandleExportReferrersCSV streams the payout batch as CSV.
func (c *Controller) HandleExportReferrersCSV(w http.ResponseWriter, r *http.Request) {
	batch, err := c.App.Ledger.Referrers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	filename := "referrer-earnings-" + time.Now().UTC().Format("2006-01-02") + ".csv"
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	if err := c.App.Ledger.WriteCSV(w, batch); err != nil {
		// Headers already went out, nothing to do but log.
		c.App.Logger.Error("csv export failed mid-stream", zap.Error(err))
	}
}

// HandleExportBatch returns the merged referrer plus rebate export, tagged
// per row. The format query parameter selects csv or json (default json).
func (c *Controller) HandleExportBatch(w http.ResponseWriter, r *http.Request) {
	rows, err := c.App.Ledger.Combined(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "csv" {
		filename := "earnings-batch-" + time.Now().UTC().Format("2006-01-02") + ".csv"
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
		if err := c.App.Ledger.WriteCombinedCSV(w, rows); err != nil {
			c.App.Logger.Error("csv export failed mid-stream", zap.Error(err))
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rows": rows})
}

// HandleExportRebates returns the rebate side of the ledger.
func (c *Controller) HandleExportRebates(w http.ResponseWriter, r *http.Request) {
	rebates, err := c.App.Ledger.Rebates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rebates": rebates})
}
