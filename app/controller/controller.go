package controller

import (
	"net/http"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"

	"github.com/fx-markets/refyield/app/types"
	"github.com/fx-markets/refyield/pkg/utils"
)

type Controller struct {
	App        *types.App
	AdminToken string
	AuthUser   string
	Users      map[string]types.User
	AuthHash   []byte
	JWTSecret  []byte
}

// NewController returns a new controller. Every admin credential fails
// closed when unconfigured: an empty ADMIN_TOKEN disables bearer auth, and
// an empty ADMIN_USER, ADMIN_PASSWORD, or SESSION_SECRET disables the
// session login path. There are no default credentials.
func NewController(app *types.App) *Controller {
	adminToken := utils.Env("ADMIN_TOKEN", "")
	adminUser := utils.Env("ADMIN_USER", "")
	adminUsersJSON := utils.Env("ADMIN_USERS", "")
	adminPass := utils.Env("ADMIN_PASSWORD", "")
	jwtSecret := []byte(utils.Env("SESSION_SECRET", ""))

	users := map[string]types.User{}
	var phash []byte
	if adminUser != "" && adminPass != "" {
		phash, _ = utils.HashOrRead(adminPass)
		users[adminUser] = types.User{Username: adminUser, Hash: phash, Role: "admin"}
	}
	if adminUsersJSON != "" {
		_ = json.Unmarshal([]byte(adminUsersJSON), &users)
	}

	return &Controller{
		App:        app,
		AdminToken: adminToken,
		AuthUser:   adminUser,
		Users:      users,
		AuthHash:   phash,
		JWTSecret:  jwtSecret,
	}
}

// WithCORS is a middleware that adds CORS headers to the response.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		// Development: Echo back the origin to allow credentials with any origin
		// TODO: Restrict this in production to specific domains
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", http.MethodGet+", "+http.MethodPost+", "+http.MethodPut+", "+http.MethodPatch+", "+http.MethodDelete+", "+http.MethodOptions)

		// Fast-path the preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter returns a new router with all the routes defined in this file.
// Signature-authenticated endpoints (code creation, binding, voting) are
// open: the EIP-712 signature is the credential. Operational endpoints
// require admin auth.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()

	r.Handle("/api/health", http.HandlerFunc(c.HandleHealth)).Methods(http.MethodGet)

	// Admin API - Login/Logout
	r.HandleFunc("/api/auth/login", c.HandleAdminLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/logout", c.HandleAdminLogout).Methods(http.MethodPost)

	// Referral codes and bindings
	r.HandleFunc("/api/referrals/codes", c.HandleCreateCode).Methods(http.MethodPost)
	r.HandleFunc("/api/referrals/codes/{referrer}", c.HandleListCodes).Methods(http.MethodGet)
	r.HandleFunc("/api/referrals/nonce/{address}", c.HandleGetNonce).Methods(http.MethodGet)
	r.HandleFunc("/api/referrals/bind", c.HandleBind).Methods(http.MethodPost)
	r.HandleFunc("/api/referrals/bindings/{referred}", c.HandleGetBinding).Methods(http.MethodGet)
	r.Handle("/api/referrals/bindings/{referred}/confirm", c.RequireAuth(http.HandlerFunc(c.HandleConfirmBinding))).Methods(http.MethodPost)
	r.HandleFunc("/api/referrals/summary/{address}", c.HandleAccountSummary).Methods(http.MethodGet)

	// Settings
	r.Handle("/api/referrals/settings", c.RequireAuth(http.HandlerFunc(c.HandleGetSettings))).Methods(http.MethodGet)
	r.Handle("/api/referrals/settings", c.RequireAuth(http.HandlerFunc(c.HandlePatchSettings))).Methods(http.MethodPatch)

	// Fees
	r.HandleFunc("/api/fees/quote", c.HandleFeeQuote).Methods(http.MethodPost)
	r.Handle("/api/fees/record", c.RequireAuth(http.HandlerFunc(c.HandleRecordFee))).Methods(http.MethodPost)
	r.HandleFunc("/api/rebates/{user}", c.HandleGetRebate).Methods(http.MethodGet)

	// Yield positions and accrual history
	r.HandleFunc("/api/yield/positions/{user}/{token}", c.HandleGetPosition).Methods(http.MethodGet)
	r.Handle("/api/yield/update", c.RequireAuth(http.HandlerFunc(c.HandleUpdatePosition))).Methods(http.MethodPost)
	r.HandleFunc("/api/yield/accruals/{user}", c.HandleGetAccruals).Methods(http.MethodGet)

	// Sync
	r.Handle("/api/sync/run", c.RequireAuth(http.HandlerFunc(c.HandleSyncRun))).Methods(http.MethodPost)
	r.Handle("/api/sync/cursors", c.RequireAuth(http.HandlerFunc(c.HandleSyncCursors))).Methods(http.MethodGet)

	// Earnings export
	r.HandleFunc("/api/referrers/{referrer}/earnings", c.HandleReferrerEarnings).Methods(http.MethodGet)
	r.Handle("/api/export/referrers", c.RequireAuth(http.HandlerFunc(c.HandleExportReferrers))).Methods(http.MethodGet)
	r.Handle("/api/export/referrers.csv", c.RequireAuth(http.HandlerFunc(c.HandleExportReferrersCSV))).Methods(http.MethodGet)
	r.Handle("/api/export/rebates", c.RequireAuth(http.HandlerFunc(c.HandleExportRebates))).Methods(http.MethodGet)
	r.Handle("/api/export/batch", c.RequireAuth(http.HandlerFunc(c.HandleExportBatch))).Methods(http.MethodGet)

	// Votes
	r.HandleFunc("/api/votes", c.HandleSubmitVote).Methods(http.MethodPost)
	r.HandleFunc("/api/votes/tally", c.HandleVoteTally).Methods(http.MethodGet)
	r.HandleFunc("/api/votes/{voter}", c.HandleGetBallot).Methods(http.MethodGet)

	// WebSocket endpoint for real-time accrual events
	r.HandleFunc("/api/ws", c.HandleWebSocket).Methods(http.MethodGet)

	return r, nil
}
