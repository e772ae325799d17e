package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/signalwatch/herald/internal/db"
)

// Sender mirrors channel.Sender to avoid a circular import.
type Sender interface {
	Send(ctx context.Context, user *db.User, alert *db.Alert) error
}

// ProtectedSender wraps a channel sender with a CircuitBreaker. When
// the downstream transport starts failing, the circuit opens and sends
// fail fast instead of piling up behind a dead service. The wrapper
// satisfies channel.Sender, so it registers like any other sender.
type ProtectedSender struct {
	sender  Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts a delivery through the circuit breaker. If the circuit
// is open it returns ErrCircuitOpen immediately. A caller-cancelled
// context is not held against the transport.
func (p *ProtectedSender) Send(ctx context.Context, user *db.User, alert *db.Alert) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("alert_id", alert.ID.String()),
			zap.String("user_id", user.ID.String()),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	err := p.sender.Send(ctx, user, alert)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// Breaker returns the underlying circuit breaker for monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
