package types

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fx-markets/refyield/pkg/fees"
	"github.com/fx-markets/refyield/pkg/history"
	"github.com/fx-markets/refyield/pkg/ledger"
	"github.com/fx-markets/refyield/pkg/markets"
	"github.com/fx-markets/refyield/pkg/oracle"
	"github.com/fx-markets/refyield/pkg/referral"
	"github.com/fx-markets/refyield/pkg/store"
	"github.com/fx-markets/refyield/pkg/subgraph"
	"github.com/fx-markets/refyield/pkg/syncer"
	"github.com/fx-markets/refyield/pkg/votes"
	"github.com/fx-markets/refyield/pkg/yield"
)

// User is an admin UI account.
type User struct {
	Username string `json:"username"`
	Hash     []byte `json:"hash"`
	Role     string `json:"role"`
}

type App struct {
	// Ledger of record
	Store *store.Store

	// Accrual history sink, nil when ClickHouse is not configured
	History *history.Client

	// On-chain reads
	Oracle *oracle.Client

	// Event log reads
	Graph *subgraph.Client

	// Market registry
	Markets *markets.Config

	// Domain services
	Registry *referral.Registry
	Fees     *fees.Engine
	Yield    *yield.Engine
	Ledger   *ledger.Ledger
	Votes    *votes.Service

	// Incremental sync
	Syncer    *syncer.Syncer
	Scheduler *syncer.Scheduler

	// Zap Logger
	Logger *zap.Logger

	// HTTP Server
	Server *http.Server
}

// Start runs the scheduler and HTTP server until the context is cancelled,
// then shuts everything down in reverse order.
func (a *App) Start(ctx context.Context) {
	if a.Scheduler != nil {
		a.Scheduler.Start()
	}

	go func() { _ = a.Server.ListenAndServe() }()
	<-ctx.Done()

	if a.Scheduler != nil {
		a.Logger.Info("stopping sync scheduler")
		a.Scheduler.Stop()
	}

	a.Logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)

	if a.History != nil {
		if err := a.History.Close(); err != nil {
			a.Logger.Error("failed to close history connection", zap.Error(err))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Error("failed to close store connection", zap.Error(err))
		}
	}

	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}
