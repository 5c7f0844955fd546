package controller

import (
	"fmt"
	"net/http"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"

	"github.com/fx-markets/refyield/pkg/types"
	"github.com/fx-markets/refyield/pkg/votes"
)

// HandleSubmitVote stores a signed ballot, replacing the voter's previous
// one in full.
func (c *Controller) HandleSubmitVote(w http.ResponseWriter, r *http.Request) {
	var in votes.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, fmt.Errorf("%w: bad json", types.ErrInvalidInput))
		return
	}
	ballot, err := c.App.Votes.Submit(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ballot)
}

// HandleGetBallot returns a voter's current ballot, null when absent.
func (c *Controller) HandleGetBallot(w http.ResponseWriter, r *http.Request) {
	voter := mux.Vars(r)["voter"]
	ballot, err := c.App.Votes.Ballot(r.Context(), voter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ballot": ballot})
}

// HandleVoteTally returns per-feed aggregate standings.
func (c *Controller) HandleVoteTally(w http.ResponseWriter, r *http.Request) {
	tally, err := c.App.Votes.Tally(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tally": tally})
}
