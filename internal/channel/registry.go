package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/signalwatch/herald/internal/db"
)

// Sender delivers one alert to one user over a concrete transport.
// Implementations: in-app, email (SES), SMS (SNS), webhooks.
type Sender interface {
	Send(ctx context.Context, user *db.User, alert *db.Alert) error
}

// ErrUnknownChannel is returned by Resolve when no sender is registered
// for a delivery type. The dispatcher records it as a failed delivery; it
// is a configuration problem, not a transport one, so it is never retried
// within a cycle.
var ErrUnknownChannel = errors.New("unknown channel")

// Registry maps delivery types to senders. Registering a type twice
// replaces the previous sender, which is how test doubles and late
// transports get swapped in without restarts.
type Registry struct {
	mu      sync.RWMutex
	senders map[string]Sender
	logger  *zap.Logger
}

// NewRegistry creates an empty channel registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		senders: make(map[string]Sender),
		logger:  logger,
	}
}

// Register installs a sender for a delivery type, replacing any prior one
func (r *Registry) Register(deliveryType string, sender Sender) {
	r.mu.Lock()
	_, replaced := r.senders[deliveryType]
	r.senders[deliveryType] = sender
	r.mu.Unlock()

	r.logger.Info("channel sender registered",
		zap.String("delivery_type", deliveryType),
		zap.Bool("replaced", replaced),
	)
}

// Resolve returns the sender for a delivery type
func (r *Registry) Resolve(deliveryType string) (Sender, error) {
	r.mu.RLock()
	sender, ok := r.senders[deliveryType]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, deliveryType)
	}

	return sender, nil
}

// Channels returns the registered delivery types, sorted
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	channels := make([]string, 0, len(r.senders))
	for deliveryType := range r.senders {
		channels = append(channels, deliveryType)
	}
	sort.Strings(channels)

	return channels
}
