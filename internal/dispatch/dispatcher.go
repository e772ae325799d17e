// Package dispatch fans alert deliveries out to the resolved audience
// and records the outcome of every attempt. Membership is re-resolved
// on every call, never cached, so audience changes between dispatches
// are always picked up.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/signalwatch/herald/internal/channel"
	"github.com/signalwatch/herald/internal/db"
	"github.com/signalwatch/herald/internal/metrics"
	"github.com/signalwatch/herald/internal/preference"
	"github.com/signalwatch/herald/internal/targeting"
)

// Resolver computes the recipient set for an alert.
type Resolver interface {
	Resolve(ctx context.Context, alert *db.Alert) (*targeting.Result, error)
}

// Store is the persistence surface the dispatcher writes through.
type Store interface {
	GetUsersByIDs(ctx context.Context, ids []uuid.UUID) ([]*db.User, error)
	EnsurePreference(ctx context.Context, alertID, userID uuid.UUID) (*db.UserAlertPreference, error)
	ListPreferencesForAlert(ctx context.Context, alertID uuid.UUID) ([]*db.UserAlertPreference, error)
	MarkReminded(ctx context.Context, alertID, userID uuid.UUID, at time.Time) error
	AppendDelivery(ctx context.Context, d *db.NotificationDelivery) error
}

// Result summarizes one fan-out: how many recipients resolved and how
// each attempt ended. Per-recipient failures are aggregated here, they
// never abort the rest of the batch.
type Result struct {
	AlertID    uuid.UUID                 `json:"alert_id"`
	Recipients int                       `json:"recipients"`
	Sent       int                       `json:"sent"`
	Skipped    int                       `json:"skipped"`
	Failed     int                       `json:"failed"`
	Invalid    []targeting.InvalidTarget `json:"invalid_targets,omitempty"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSent
	outcomeFailed
)

// tally accumulates outcomes while sends run concurrently.
type tally struct {
	mu      sync.Mutex
	sent    int
	skipped int
	failed  int
}

func (t *tally) record(o outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch o {
	case outcomeSent:
		t.sent++
	case outcomeSkipped:
		t.skipped++
	case outcomeFailed:
		t.failed++
	}
}

// Config bounds the fan-out.
type Config struct {
	SendTimeout        time.Duration
	MaxConcurrentSends int
}

// Dispatcher orchestrates deliveries: it resolves targets, ensures a
// preference record per recipient, consults eligibility, invokes the
// channel sender, and appends a delivery record per attempt. It never
// mutates the alert itself.
type Dispatcher struct {
	resolver    Resolver
	registry    *channel.Registry
	store       Store
	pool        *ants.Pool
	logger      *zap.Logger
	sendTimeout time.Duration
	nowFn       func() time.Time
}

// NewDispatcher creates a dispatcher backed by a bounded worker pool.
// Zero config values fall back to defaults.
func NewDispatcher(resolver Resolver, registry *channel.Registry, store Store, cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.MaxConcurrentSends <= 0 {
		cfg.MaxConcurrentSends = 16
	}

	pool, err := ants.NewPool(cfg.MaxConcurrentSends,
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(10*time.Second),
		ants.WithPanicHandler(func(p interface{}) {
			logger.Error("send worker panic recovered",
				zap.Any("panic", p),
				zap.Stack("stack"))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create send pool: %w", err)
	}

	return &Dispatcher{
		resolver:    resolver,
		registry:    registry,
		store:       store,
		pool:        pool,
		logger:      logger,
		sendTimeout: cfg.SendTimeout,
		nowFn:       time.Now,
	}, nil
}

// Close releases the send pool, waiting briefly for in-flight sends.
func (d *Dispatcher) Close() error {
	return d.pool.ReleaseTimeout(10 * time.Second)
}

// DispatchNew delivers an alert to its full audience after creation or
// update. Every recipient gets a preference record; only recipients that
// are reminder-eligible while the alert is active get a send.
func (d *Dispatcher) DispatchNew(ctx context.Context, alert *db.Alert) (*Result, error) {
	metrics.RecordDispatch("new")
	return d.dispatch(ctx, alert, false)
}

// DispatchReminder redelivers an alert to recipients that are still
// reminder-eligible and whose last reminder is at least the alert's
// reminder interval old. Recipients without a preference record yet
// (members who joined after creation) get a first-time delivery.
func (d *Dispatcher) DispatchReminder(ctx context.Context, alert *db.Alert) (*Result, error) {
	metrics.RecordDispatch("reminder")
	return d.dispatch(ctx, alert, true)
}

func (d *Dispatcher) dispatch(ctx context.Context, alert *db.Alert, reminder bool) (*Result, error) {
	now := d.nowFn().UTC()

	resolved, err := d.resolver.Resolve(ctx, alert)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}

	res := &Result{
		AlertID:    alert.ID,
		Recipients: len(resolved.UserIDs),
		Invalid:    resolved.Invalid,
	}
	if len(resolved.Invalid) > 0 {
		metrics.RecordInvalidTargets(len(resolved.Invalid))
	}
	if len(resolved.UserIDs) == 0 {
		return res, nil
	}

	users, err := d.store.GetUsersByIDs(ctx, resolved.UserIDs)
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}

	// Reminder runs compare against the alert's existing records in one
	// read. A resolved recipient without a record joined the audience
	// after creation and is treated as a first-time delivery.
	var existing map[uuid.UUID]*db.UserAlertPreference
	if reminder {
		prefs, err := d.store.ListPreferencesForAlert(ctx, alert.ID)
		if err != nil {
			return nil, fmt.Errorf("load preferences: %w", err)
		}
		existing = make(map[uuid.UUID]*db.UserAlertPreference, len(prefs))
		for _, p := range prefs {
			existing[p.UserID] = p
		}
	}

	active := alert.ActiveAt(now)

	var t tally
	// Recipients that disappeared between resolution and hydration.
	t.skipped = res.Recipients - len(users)

	var wg sync.WaitGroup
	for _, user := range users {
		wg.Add(1)
		submitErr := d.pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				t.record(outcomeSkipped)
				return
			}
			if reminder {
				t.record(d.deliverReminder(ctx, alert, user, existing[user.ID], active, now))
			} else {
				t.record(d.deliverNew(ctx, alert, user, active, now))
			}
		})
		if submitErr != nil {
			wg.Done()
			t.record(outcomeFailed)
			d.logger.Error("submit send task",
				zap.String("alert_id", alert.ID.String()),
				zap.String("user_id", user.ID.String()),
				zap.Error(submitErr))
		}
	}
	wg.Wait()

	res.Sent = t.sent
	res.Skipped = t.skipped
	res.Failed = t.failed

	d.logger.Info("dispatch complete",
		zap.String("alert_id", alert.ID.String()),
		zap.Bool("reminder", reminder),
		zap.Int("recipients", res.Recipients),
		zap.Int("sent", res.Sent),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
		zap.Int("invalid_targets", len(res.Invalid)))

	return res, nil
}

func (d *Dispatcher) deliverNew(ctx context.Context, alert *db.Alert, user *db.User, active bool, now time.Time) outcome {
	pref, err := d.store.EnsurePreference(ctx, alert.ID, user.ID)
	if err != nil {
		d.logger.Error("ensure preference",
			zap.String("alert_id", alert.ID.String()),
			zap.String("user_id", user.ID.String()),
			zap.Error(err))
		return outcomeFailed
	}
	if !active || !preference.ReminderEligible(pref, now) {
		return outcomeSkipped
	}
	return d.send(ctx, alert, user, now)
}

func (d *Dispatcher) deliverReminder(ctx context.Context, alert *db.Alert, user *db.User, pref *db.UserAlertPreference, active bool, now time.Time) outcome {
	if pref == nil {
		return d.deliverNew(ctx, alert, user, active, now)
	}
	if !active || !preference.ReminderEligible(pref, now) {
		return outcomeSkipped
	}
	if !preference.DueForReminder(pref, alert.ReminderInterval(), now) {
		return outcomeSkipped
	}
	return d.send(ctx, alert, user, now)
}

func (d *Dispatcher) send(ctx context.Context, alert *db.Alert, user *db.User, now time.Time) outcome {
	sender, err := d.registry.Resolve(alert.DeliveryType)
	if err != nil {
		// No sender registered for this delivery type. Configuration
		// failure: recorded against the recipient, never a crash.
		d.logger.Error("resolve channel",
			zap.String("alert_id", alert.ID.String()),
			zap.String("channel", alert.DeliveryType),
			zap.Error(err))
		d.appendDelivery(ctx, alert, user.ID, now, false, err.Error())
		metrics.RecordDelivery(alert.DeliveryType, false)
		return outcomeFailed
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	start := time.Now()
	sendErr := sender.Send(sendCtx, user, alert)
	metrics.RecordSendDuration(alert.DeliveryType, time.Since(start))

	if sendErr != nil {
		reason := sendErr.Error()
		if errors.Is(sendErr, context.DeadlineExceeded) {
			reason = "timeout"
		}
		d.logger.Warn("delivery failed",
			zap.String("alert_id", alert.ID.String()),
			zap.String("user_id", user.ID.String()),
			zap.String("channel", alert.DeliveryType),
			zap.Error(sendErr))
		d.appendDelivery(ctx, alert, user.ID, now, false, reason)
		metrics.RecordDelivery(alert.DeliveryType, false)
		return outcomeFailed
	}

	d.appendDelivery(ctx, alert, user.ID, now, true, "")
	if err := d.store.MarkReminded(ctx, alert.ID, user.ID, now); err != nil {
		d.logger.Error("mark reminded",
			zap.String("alert_id", alert.ID.String()),
			zap.String("user_id", user.ID.String()),
			zap.Error(err))
	}
	metrics.RecordDelivery(alert.DeliveryType, true)
	return outcomeSent
}

func (d *Dispatcher) appendDelivery(ctx context.Context, alert *db.Alert, userID uuid.UUID, at time.Time, success bool, reason string) {
	delivery := &db.NotificationDelivery{
		ID:          uuid.New(),
		AlertID:     alert.ID,
		UserID:      userID,
		Channel:     alert.DeliveryType,
		AttemptedAt: at,
		Success:     success,
	}
	if reason != "" {
		delivery.FailureReason = &reason
	}
	if err := d.store.AppendDelivery(ctx, delivery); err != nil {
		d.logger.Error("append delivery record",
			zap.String("alert_id", alert.ID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
}
