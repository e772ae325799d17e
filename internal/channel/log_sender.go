package channel

import (
	"context"

	"go.uber.org/zap"

	"github.com/signalwatch/herald/internal/db"
)

// LogSender logs deliveries instead of sending them. It stands in for
// the email, SMS and webhook transports in development environments
// where AWS and webhook endpoints are not configured.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, user *db.User, alert *db.Alert) error {
	s.logger.Info("alert delivery (development mode)",
		zap.String("alert_id", alert.ID.String()),
		zap.String("user_id", user.ID.String()),
		zap.String("delivery_type", alert.DeliveryType),
		zap.String("severity", alert.Severity),
		zap.String("title", alert.Title),
	)
	return nil
}
