package app

import (
	"context"

	"go.uber.org/zap"

	"github.com/fx-markets/refyield/app/types"
	"github.com/fx-markets/refyield/pkg/fees"
	"github.com/fx-markets/refyield/pkg/history"
	"github.com/fx-markets/refyield/pkg/ledger"
	"github.com/fx-markets/refyield/pkg/logging"
	"github.com/fx-markets/refyield/pkg/markets"
	"github.com/fx-markets/refyield/pkg/oracle"
	"github.com/fx-markets/refyield/pkg/referral"
	"github.com/fx-markets/refyield/pkg/signing"
	"github.com/fx-markets/refyield/pkg/store"
	"github.com/fx-markets/refyield/pkg/subgraph"
	"github.com/fx-markets/refyield/pkg/syncer"
	"github.com/fx-markets/refyield/pkg/utils"
	"github.com/fx-markets/refyield/pkg/votes"
	"github.com/fx-markets/refyield/pkg/yield"
)

func Initialize(ctx context.Context) *types.App {
	logger, err := logging.New("refyield")
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	marketCfg, err := markets.Load()
	if err != nil {
		logger.Fatal("Unable to load market configuration", zap.Error(err))
	}

	st, err := store.New(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to initialize redis store", zap.Error(err))
	}

	hist, err := history.New(ctx, logger)
	if err != nil {
		// History is an optional sink; a misconfigured ClickHouse should
		// not keep the ledger from serving.
		logger.Warn("Unable to initialize accrual history, continuing without it", zap.Error(err))
		hist = nil
	}

	ethUsdAggregator := utils.Env("ETH_USD_AGGREGATOR", "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419")
	orc, err := oracle.Dial(ctx, marketCfg, ethUsdAggregator, logger)
	if err != nil {
		logger.Fatal("Unable to establish eth rpc connection", zap.Error(err))
	}

	graph := subgraph.New(logger)
	verifier := signing.NewVerifier(utils.EnvInt64("CHAIN_ID", 1))

	registry := referral.NewRegistry(st, graph, verifier, logger)
	feeEngine, err := fees.NewEngine(orc.Caller(), orc, marketCfg, st, logger)
	if err != nil {
		logger.Fatal("Unable to initialize fee engine", zap.Error(err))
	}
	yieldEngine := yield.NewEngine(orc, st, hist, logger)

	sync := syncer.New(graph, st, yieldEngine, marketCfg, hist, logger)
	scheduler, err := syncer.NewScheduler(ctx, sync, logger)
	if err != nil {
		logger.Fatal("Unable to initialize sync scheduler", zap.Error(err))
	}

	return &types.App{
		Store:     st,
		History:   hist,
		Oracle:    orc,
		Graph:     graph,
		Markets:   marketCfg,
		Registry:  registry,
		Fees:      feeEngine,
		Yield:     yieldEngine,
		Ledger:    ledger.New(st, logger),
		Votes:     votes.New(st, verifier, logger),
		Syncer:    sync,
		Scheduler: scheduler,
		Logger:    logger,
	}
}
