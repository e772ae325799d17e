// Package event is the in-process publish point between alert authoring
// and delivery. Authoring code publishes lifecycle events; delivery code
// subscribes, so neither imports the other's call sites.
package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/signalwatch/herald/internal/db"
	"github.com/signalwatch/herald/internal/dispatch"
	"github.com/signalwatch/herald/internal/metrics"
)

// Event types published by the alert authoring surface.
const (
	TypeAlertCreated  = "alert.created"
	TypeAlertUpdated  = "alert.updated"
	TypeAlertArchived = "alert.archived"
	TypeAlertReminder = "alert.reminder"
)

// Event describes one alert lifecycle change flowing through the bus.
// Dispatch is filled in by the dispatcher observer, so the publishing
// caller can report delivery and targeting outcomes to its own caller.
type Event struct {
	Type     string
	Alert    *db.Alert
	At       time.Time
	Dispatch *dispatch.Result
}

// ObserverFunc handles one published event.
type ObserverFunc func(ctx context.Context, e *Event) error

type observer struct {
	name string
	fn   ObserverFunc
}

// Notifier invokes observers synchronously, in registration order,
// exactly once per publish. An observer failure is logged and joined
// into the returned error; the remaining observers still run.
type Notifier struct {
	mu        sync.RWMutex
	observers []observer
	logger    *zap.Logger
}

// NewNotifier creates an empty notifier.
func NewNotifier(logger *zap.Logger) *Notifier {
	return &Notifier{logger: logger}
}

// Subscribe appends an observer to the invocation order.
func (n *Notifier) Subscribe(name string, fn ObserverFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observers = append(n.observers, observer{name: name, fn: fn})
	n.logger.Info("observer subscribed",
		zap.String("observer", name),
		zap.Int("position", len(n.observers)))
}

// Publish delivers the event to every observer. Observers registered
// while a publish is in flight see the next publish, not this one.
func (n *Notifier) Publish(ctx context.Context, e *Event) error {
	n.mu.RLock()
	observers := make([]observer, len(n.observers))
	copy(observers, n.observers)
	n.mu.RUnlock()

	metrics.RecordEventPublished(e.Type)

	var errs error
	for _, obs := range observers {
		if err := obs.fn(ctx, e); err != nil {
			n.logger.Error("observer failed",
				zap.String("observer", obs.name),
				zap.String("event_type", e.Type),
				zap.String("alert_id", e.Alert.ID.String()),
				zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", obs.name, err))
		}
	}
	return errs
}
