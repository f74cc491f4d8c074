package calendar

import (
	"context"
	"errors"
	"time"

	"github.com/fieldquote/bookd/backend/internal/alerting"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const scheduledJobTimeout = 2 * time.Minute

// SchedulerConfig configures the periodic sync jobs.
type SchedulerConfig struct {
	Engine        *Engine
	Logger        *zap.Logger
	Notifier      alerting.Notifier
	SyncSchedule  string
	RenewSchedule string
}

// Scheduler drives the engine on cron schedules: incremental sync every few
// minutes and push-channel renewal daily, ahead of the provider's channel
// expiration. Failures alert ops and wait for the next tick; the persisted
// cursor makes the retry natural.
type Scheduler struct {
	cron     *cron.Cron
	engine   *Engine
	logger   *zap.Logger
	notifier alerting.Notifier
}

// NewScheduler validates the configuration, registers the jobs, and
// returns a Scheduler ready to Start.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("calendar: sync engine dependency required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	scheduler := &Scheduler{
		cron:     cron.New(),
		engine:   cfg.Engine,
		logger:   logger,
		notifier: cfg.Notifier,
	}

	if cfg.SyncSchedule != "" {
		if _, err := scheduler.cron.AddFunc(cfg.SyncSchedule, scheduler.runSync); err != nil {
			return nil, err
		}
	}
	if cfg.RenewSchedule != "" {
		if _, err := scheduler.cron.AddFunc(cfg.RenewSchedule, scheduler.runRenew); err != nil {
			return nil, err
		}
	}

	return scheduler, nil
}

// Start begins the cron loop.
func (s *Scheduler) Start() {
	s.logger.Info("calendar scheduler starting")
	s.cron.Start()
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) runSync() {
	ctx, cancel := context.WithTimeout(context.Background(), scheduledJobTimeout)
	defer cancel()

	if _, err := s.engine.Sync(ctx, false); err != nil {
		s.logger.Warn("scheduled calendar sync failed", zap.Error(err))
		if s.notifier != nil {
			s.notifier.NotifyOpsAlert(ctx, "calendar.scheduler.sync", "scheduled sync failed", err, nil)
		}
	}
}

func (s *Scheduler) runRenew() {
	ctx, cancel := context.WithTimeout(context.Background(), scheduledJobTimeout)
	defer cancel()

	channel, err := s.engine.RegisterWatch(ctx)
	if err != nil {
		s.logger.Warn("scheduled channel renewal failed", zap.Error(err))
		if s.notifier != nil {
			s.notifier.NotifyOpsAlert(ctx, "calendar.scheduler.renew", "channel renewal failed", err, nil)
		}
		return
	}
	s.logger.Info("push channel renewed",
		zap.String("channel_id", channel.ID),
		zap.Time("expiration", channel.Expiration))
}
