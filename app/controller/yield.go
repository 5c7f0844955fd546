package controller

import (
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"

	"github.com/fx-markets/refyield/pkg/types"
	"github.com/fx-markets/refyield/pkg/yield"
)

// HandleGetPosition returns a user's tracked position for one token.
func (c *Controller) HandleGetPosition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	pos, err := c.App.Store.GetPosition(r.Context(), vars["user"], vars["token"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// HandleUpdatePosition applies a manual balance observation. Normally the
// syncer feeds the engine; this endpoint exists for backfill and repair.
func (c *Controller) HandleUpdatePosition(w http.ResponseWriter, r *http.Request) {
	var in struct {
		User        string `json:"user"`
		Token       string `json:"token"`
		Delta       string `json:"delta"`
		Direction   string `json:"direction"`
		BlockNumber uint64 `json:"blockNumber,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, fmt.Errorf("%w: bad json", types.ErrInvalidInput))
		return
	}

	delta := uint256.NewInt(0)
	if in.Delta != "" {
		var err error
		delta, err = uint256.FromDecimal(in.Delta)
		if err != nil {
			writeError(w, fmt.Errorf("%w: bad delta %q", types.ErrInvalidInput, in.Delta))
			return
		}
	}
	var dir yield.Direction
	switch in.Direction {
	case "deposit", "":
		dir = yield.Deposit
	case "withdrawal":
		dir = yield.Withdrawal
	default:
		writeError(w, fmt.Errorf("%w: bad direction %q", types.ErrInvalidInput, in.Direction))
		return
	}
	var block *big.Int
	if in.BlockNumber > 0 {
		block = new(big.Int).SetUint64(in.BlockNumber)
	}

	result, err := c.App.Yield.UpdatePosition(r.Context(), in.User, in.Token, delta, dir, block)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleGetAccruals returns a user's stored accrual history.
func (c *Controller) HandleGetAccruals(w http.ResponseWriter, r *http.Request) {
	if c.App.History == nil {
		writeError(w, fmt.Errorf("%w: accrual history not configured", types.ErrUpstreamUnavailable))
		return
	}
	user := mux.Vars(r)["user"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	rows, err := c.App.History.AccrualsFor(r.Context(), user, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accruals": rows})
}
