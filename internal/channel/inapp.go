package channel

import (
	"context"

	"go.uber.org/zap"

	"github.com/signalwatch/herald/internal/db"
)

// InAppSender handles the in_app delivery type. The delivery log row and
// the preference record are the in-app notification; there is no external
// transport to call, so sending always succeeds.
type InAppSender struct {
	logger *zap.Logger
}

func NewInAppSender(logger *zap.Logger) *InAppSender {
	return &InAppSender{logger: logger}
}

func (s *InAppSender) Send(ctx context.Context, user *db.User, alert *db.Alert) error {
	s.logger.Debug("in-app notification recorded",
		zap.String("alert_id", alert.ID.String()),
		zap.String("user_id", user.ID.String()),
	)
	return nil
}
