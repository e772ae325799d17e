// Package scheduler runs the recurring reminder loop. The loop wakes on
// a fixed interval and defers per-recipient eligibility to the
// dispatcher, so each alert's own reminder interval is honored no
// matter how the wake cadence is tuned.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/signalwatch/herald/internal/db"
	"github.com/signalwatch/herald/internal/dispatch"
	"github.com/signalwatch/herald/internal/metrics"
)

type Repository interface {
	MarkExpiredAlerts(ctx context.Context, now time.Time) (int64, error)
	ListActiveAlerts(ctx context.Context, now time.Time) ([]*db.Alert, error)
}

type Dispatcher interface {
	DispatchReminder(ctx context.Context, alert *db.Alert) (*dispatch.Result, error)
}

// CycleLease serializes wake cycles across replicas. The lease expires
// on its own, so a crashed holder never wedges the loop.
type CycleLease interface {
	TryAcquire(ctx context.Context, ttl time.Duration) (bool, error)
}

type Scheduler struct {
	repo       Repository
	dispatcher Dispatcher
	lease      CycleLease
	config     Config
	logger     *zap.Logger
	nowFn      func() time.Time
}

type Config struct {
	WakeInterval time.Duration
}

// New creates a scheduler. A nil lease means single-replica operation
// and every wake runs a cycle.
func New(repo Repository, dispatcher Dispatcher, lease CycleLease, cfg Config, logger *zap.Logger) *Scheduler {

	if cfg.WakeInterval == 0 {
		cfg.WakeInterval = 5 * time.Minute
	}

	return &Scheduler{
		repo:       repo,
		dispatcher: dispatcher,
		lease:      lease,
		config:     cfg,
		logger:     logger,
		nowFn:      time.Now,
	}
}

// Start blocks until ctx is cancelled. Cancellation stops new cycles
// and is observed between alerts inside a running cycle.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.WakeInterval)
	defer ticker.Stop()

	s.logger.Info("reminder scheduler started",
		zap.Duration("wake_interval", s.config.WakeInterval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reminder scheduler stopping")
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	start := time.Now()
	now := s.nowFn().UTC()

	if s.lease != nil {
		ok, err := s.lease.TryAcquire(ctx, s.config.WakeInterval)
		if err != nil {
			// A broken lease store must not stop reminders. Worst case
			// another replica also runs and a recipient sees a repeat.
			s.logger.Error("acquire cycle lease", zap.Error(err))
		} else if !ok {
			s.logger.Debug("cycle lease held elsewhere, skipping cycle")
			return
		}
	}

	expired, err := s.repo.MarkExpiredAlerts(ctx, now)
	if err != nil {
		s.logger.Error("mark expired alerts", zap.Error(err))
	} else if expired > 0 {
		s.logger.Info("alerts expired", zap.Int64("count", expired))
	}

	alerts, err := s.repo.ListActiveAlerts(ctx, now)
	if err != nil {
		s.logger.Error("list active alerts", zap.Error(err))
		return
	}
	metrics.SetActiveAlerts(len(alerts))

	var dispatched, sent int
	for _, alert := range alerts {
		if ctx.Err() != nil {
			s.logger.Info("cycle interrupted by shutdown",
				zap.Int("alerts_remaining", len(alerts)-dispatched))
			return
		}
		if !alert.RemindersEnabled {
			continue
		}

		res, err := s.dispatcher.DispatchReminder(ctx, alert)
		if err != nil {
			// One alert's failure never stops the rest of the cycle.
			s.logger.Error("dispatch reminder",
				zap.String("alert_id", alert.ID.String()),
				zap.Error(err))
			continue
		}
		dispatched++
		sent += res.Sent
	}

	metrics.RecordSchedulerCycle(time.Since(start))
	s.logger.Info("reminder cycle complete",
		zap.Int("active_alerts", len(alerts)),
		zap.Int("alerts_dispatched", dispatched),
		zap.Int("reminders_sent", sent),
		zap.Duration("took", time.Since(start)))
}
