package syncer

import (
	"context"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fx-markets/refyield/pkg/utils"
)

// Scheduler runs the syncer on a cron cadence. Runs are serialized by the
// cron chain so a slow upstream never stacks overlapping syncs.
type Scheduler struct {
	syncer *Syncer
	cron   *cron.Cron
	logger *zap.Logger
}

// NewScheduler wires the syncer onto SYNC_CRON (seconds field, default
// every 30 seconds). Setting SYNC_CRON to the empty string disables the
// scheduler and returns nil. Each run is bounded by SYNC_RUN_TIMEOUT.
func NewScheduler(ctx context.Context, s *Syncer, logger *zap.Logger) (*Scheduler, error) {
	cronSpec := "*/30 * * * * *"
	if v, ok := os.LookupEnv("SYNC_CRON"); ok {
		cronSpec = v
	}
	if cronSpec == "" {
		logger.Info("sync scheduler disabled, SYNC_CRON is empty")
		return nil, nil
	}
	runTimeout := utils.EnvDuration("SYNC_RUN_TIMEOUT", 25*time.Second)

	cronLogger := cron.VerbosePrintfLogger(zap.NewStdLog(logger.Named("cron")))
	c := cron.New(cron.WithSeconds(), cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))

	_, err := c.AddFunc(cronSpec, func() {
		rctx, cancel := context.WithTimeout(ctx, runTimeout)
		defer cancel()

		results := s.RunAll(rctx)
		for _, r := range results {
			if r.Error != "" {
				logger.Warn("stream sync run failed",
					zap.String("stream", r.Stream),
					zap.String("error", r.Error))
				continue
			}
			if r.Processed > 0 {
				logger.Info("stream sync run complete",
					zap.String("stream", r.Stream),
					zap.Int("processed", r.Processed),
					zap.String("cursor", r.Cursor))
			}
		}
	})
	if err != nil {
		return nil, err
	}

	return &Scheduler{syncer: s, cron: c, logger: logger}, nil
}

// Start begins scheduling. Non-blocking.
func (sc *Scheduler) Start() {
	sc.logger.Info("sync scheduler started")
	sc.cron.Start()
}

// Stop halts scheduling and waits for an in-flight run to finish.
func (sc *Scheduler) Stop() {
	ctx := sc.cron.Stop()
	<-ctx.Done()
	sc.logger.Info("sync scheduler stopped")
}
