package controller

import (
	"net/http"

	"github.com/fx-markets/refyield/pkg/syncer"
)

// HandleSyncRun triggers one sync pass over all streams and reports the
// per-stream outcome. The scheduler keeps running independently.
func (c *Controller) HandleSyncRun(w http.ResponseWriter, r *http.Request) {
	results := c.App.Syncer.RunAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{"streams": results})
}

// HandleSyncCursors returns every stream's stored cursor.
func (c *Controller) HandleSyncCursors(w http.ResponseWriter, r *http.Request) {
	streams := []string{syncer.StreamDeposits, syncer.StreamWithdrawals, syncer.StreamMarks}
	cursors := make(map[string]string, len(streams))
	for _, stream := range streams {
		cursor, err := c.App.Store.GetCursor(r.Context(), stream)
		if err != nil {
			writeError(w, err)
			return
		}
		cursors[stream] = cursor
	}
	writeJSON(w, http.StatusOK, cursors)
}
