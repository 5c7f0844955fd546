package controller

import (
	"fmt"
	"net/http"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"

	"github.com/fx-markets/refyield/pkg/referral"
	"github.com/fx-markets/refyield/pkg/types"
)

// HandleCreateCode mints a referral code from a signed request.
func (c *Controller) HandleCreateCode(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Referrer  string `json:"referrer"`
		Nonce     string `json:"nonce"`
		Label     string `json:"label"`
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, fmt.Errorf("%w: bad json", types.ErrInvalidInput))
		return
	}
	code, err := c.App.Registry.CreateCode(r.Context(), referral.CreateCodeRequest{
		Referrer:  in.Referrer,
		Nonce:     in.Nonce,
		Label:     in.Label,
		Signature: in.Signature,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, code)
}

// HandleListCodes lists a referrer's codes.
func (c *Controller) HandleListCodes(w http.ResponseWriter, r *http.Request) {
	referrer := mux.Vars(r)["referrer"]
	codes, err := c.App.Registry.ListCodes(r.Context(), referrer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"codes": codes})
}

// HandleGetNonce returns the next expected nonce for an address.
func (c *Controller) HandleGetNonce(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]
	nonce, err := c.App.Registry.GetNonce(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"nonce": nonce})
}

// HandleBind binds a referred address to a code from a signed request.
func (c *Controller) HandleBind(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Referred      string `json:"referred"`
		Code          string `json:"code"`
		Nonce         string `json:"nonce"`
		Signature     string `json:"signature"`
		DepositTxHash string `json:"depositTxHash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, fmt.Errorf("%w: bad json", types.ErrInvalidInput))
		return
	}
	binding, err := c.App.Registry.Bind(r.Context(), referral.BindRequest{
		Referred:      in.Referred,
		Code:          in.Code,
		Nonce:         in.Nonce,
		Signature:     in.Signature,
		DepositTxHash: in.DepositTxHash,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, binding)
}

// HandleGetBinding returns an address's binding; unbound is an explicit
// null, not a 404, so clients need no special-casing.
func (c *Controller) HandleGetBinding(w http.ResponseWriter, r *http.Request) {
	referred := mux.Vars(r)["referred"]
	binding, err := c.App.Registry.GetBinding(r.Context(), referred)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"binding": binding})
}

// HandleConfirmBinding confirms a pending binding against a deposit tx.
func (c *Controller) HandleConfirmBinding(w http.ResponseWriter, r *http.Request) {
	referred := mux.Vars(r)["referred"]
	var in struct {
		DepositTxHash string `json:"depositTxHash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, fmt.Errorf("%w: bad json", types.ErrInvalidInput))
		return
	}
	binding, err := c.App.Registry.ConfirmBinding(r.Context(), referred, in.DepositTxHash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, binding)
}

// HandleAccountSummary returns everything the referral UI shows for one
// address in a single round trip: owned codes, own binding, rebate
// standing, referrer totals, and the live settings.
func (c *Controller) HandleAccountSummary(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]
	ctx := r.Context()

	codes, err := c.App.Registry.ListCodes(ctx, addr)
	if err != nil {
		writeError(w, err)
		return
	}
	binding, err := c.App.Registry.GetBinding(ctx, addr)
	if err != nil {
		writeError(w, err)
		return
	}
	rebate, err := c.App.Store.GetRebate(ctx, addr)
	if err != nil {
		writeError(w, err)
		return
	}
	totals, err := c.App.Store.GetReferrerTotals(ctx, addr)
	if err != nil {
		writeError(w, err)
		return
	}
	settings, err := c.App.Registry.GetSettings(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"codes":          codes,
		"binding":        binding,
		"rebate":         rebate,
		"referrerTotals": totals,
		"settings":       settings,
	})
}

// HandleGetSettings returns the current referral settings.
func (c *Controller) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := c.App.Registry.GetSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// HandlePatchSettings merges a settings patch.
func (c *Controller) HandlePatchSettings(w http.ResponseWriter, r *http.Request) {
	var patch referral.SettingsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, fmt.Errorf("%w: bad json", types.ErrInvalidInput))
		return
	}
	settings, err := c.App.Registry.UpdateSettings(r.Context(), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}
