package controller

import (
	"fmt"
	"math/big"
	"net/http"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"

	"github.com/fx-markets/refyield/pkg/fees"
	"github.com/fx-markets/refyield/pkg/types"
)

type feeQuoteRequest struct {
	Minter      string `json:"minter"`
	Operation   string `json:"operation"`
	AmountIn    string `json:"amountIn"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
}

func (in *feeQuoteRequest) parse() (fees.Operation, *uint256.Int, *big.Int, error) {
	op, err := fees.ParseOperation(in.Operation)
	if err != nil {
		return "", nil, nil, err
	}
	amount, err := uint256.FromDecimal(in.AmountIn)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: bad amountIn %q", types.ErrInvalidInput, in.AmountIn)
	}
	var block *big.Int
	if in.BlockNumber > 0 {
		block = new(big.Int).SetUint64(in.BlockNumber)
	}
	return op, amount, block, nil
}

// HandleFeeQuote runs the read-only fee simulation.
func (c *Controller) HandleFeeQuote(w http.ResponseWriter, r *http.Request) {
	var in feeQuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, fmt.Errorf("%w: bad json", types.ErrInvalidInput))
		return
	}
	op, amount, block, err := in.parse()
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := c.App.Fees.CalculateFeeFromDryRun(r.Context(), in.Minter, op, amount, block)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleRecordFee records a confirmed transaction's fee and credits the
// user's referrer and rebate totals.
func (c *Controller) HandleRecordFee(w http.ResponseWriter, r *http.Request) {
	var in struct {
		feeQuoteRequest
		User   string `json:"user"`
		TxHash string `json:"txHash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, fmt.Errorf("%w: bad json", types.ErrInvalidInput))
		return
	}
	op, amount, block, err := in.parse()
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := c.App.Fees.RecordReferralFee(r.Context(), fees.RecordFeeRequest{
		User:        in.User,
		TxHash:      in.TxHash,
		Minter:      in.Minter,
		Operation:   op,
		AmountIn:    amount,
		BlockNumber: block,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleGetRebate returns the referred user's rebate standing.
func (c *Controller) HandleGetRebate(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	rebate, err := c.App.Store.GetRebate(r.Context(), user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rebate)
}
