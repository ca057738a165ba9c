// Package scheduler drives the periodic settle-and-reopen cycle.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/fairdraw/pkg/draw"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Settler is the slice of the draw service the scheduler drives.
type Settler interface {
	SettleOpenPeriod(ctx context.Context, trigger draw.Trigger, idempotencyKeyPrefix string) (draw.SettlementResult, error)
	OpenPeriod(ctx context.Context, periodDate string) (draw.Period, error)
}

// Config controls the settlement cadence.
type Config struct {
	// Schedule is a cron expression; the default settles daily at midnight UTC.
	Schedule string
	// JobTimeout bounds one settle-and-reopen run.
	JobTimeout time.Duration
}

func (config *Config) applyDefaults() {
	if config.Schedule == "" {
		config.Schedule = "0 0 * * *"
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = time.Minute
	}
}

// Scheduler runs settlements on a cron cadence and opens the next period.
type Scheduler struct {
	settler Settler
	logger  *zap.Logger
	config  Config
	cron    *cron.Cron
	nowFn   func() time.Time
}

// New builds a scheduler. The cron runner evaluates schedules in UTC so that
// period dates line up with the settlement boundary.
func New(settler Settler, logger *zap.Logger, config Config) *Scheduler {
	config.applyDefaults()
	return &Scheduler{
		settler: settler,
		logger:  logger,
		config:  config,
		cron:    cron.New(cron.WithLocation(time.UTC)),
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

// Start registers the settlement job and begins the cron loop.
func (scheduler *Scheduler) Start() error {
	_, err := scheduler.cron.AddFunc(scheduler.config.Schedule, scheduler.runCycle)
	if err != nil {
		return err
	}
	scheduler.cron.Start()
	scheduler.logger.Info("scheduler started", zap.String("schedule", scheduler.config.Schedule))
	return nil
}

// Stop halts the cron loop and waits for a running job to finish.
func (scheduler *Scheduler) Stop() {
	stopCtx := scheduler.cron.Stop()
	<-stopCtx.Done()
	scheduler.logger.Info("scheduler stopped")
}

func (scheduler *Scheduler) runCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), scheduler.config.JobTimeout)
	defer cancel()
	scheduler.RunCycle(ctx)
}

// RunCycle settles the currently open period and opens the next one. A period
// with no entries is left open so it can roll into the next cycle: settling it
// would have no winner, and opening a second period would break the invariant
// that at most one period accepts entries.
func (scheduler *Scheduler) RunCycle(ctx context.Context) {
	result, err := scheduler.settler.SettleOpenPeriod(ctx, draw.TriggerScheduled, "settle")
	switch {
	case err == nil:
		scheduler.logger.Info("period settled",
			zap.String("period_id", result.PeriodID),
			zap.Int64("pool_cents", result.PoolCents),
			zap.Int64("payout_cents", result.PayoutCents),
			zap.Int64("winning_index", result.WinningIndex),
		)
	case errors.Is(err, draw.ErrNoEntries):
		scheduler.logger.Info("open period has no entries, carrying it forward")
		return
	case errors.Is(err, draw.ErrNoOpenPeriod):
		scheduler.logger.Warn("no open period at settlement time")
	case draw.IsTerminalSettlementError(err):
		scheduler.logger.Error("settlement halted, leaving period locked", zap.Error(err))
		return
	default:
		scheduler.logger.Error("scheduled settlement failed", zap.Error(err))
		return
	}

	periodDate := scheduler.nowFn().Format("2006-01-02")
	period, err := scheduler.settler.OpenPeriod(ctx, periodDate)
	if err != nil {
		scheduler.logger.Error("failed to open next period", zap.String("period_date", periodDate), zap.Error(err))
		return
	}
	scheduler.logger.Info("period opened",
		zap.String("period_id", period.PeriodID),
		zap.String("period_date", period.PeriodDate),
	)
}
