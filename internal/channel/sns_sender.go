package channel

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/signalwatch/herald/internal/db"
)

// SMSSender delivers alerts as text messages via AWS SNS
type SMSSender struct {
	client *sns.Client
	logger *zap.Logger
}

type SMSConfig struct {
	Region string
}

// NewSMSSender creates an SNS-backed SMS sender
func NewSMSSender(ctx context.Context, cfg SMSConfig, logger *zap.Logger) (*SMSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SMSSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send texts the alert to the user's phone number via AWS SNS
func (s *SMSSender) Send(ctx context.Context, user *db.User, alert *db.Alert) error {
	if user.Phone == nil || *user.Phone == "" {
		return fmt.Errorf("user %s has no phone number", user.ID)
	}

	message := fmt.Sprintf("[%s] %s: %s", strings.ToUpper(alert.Severity), alert.Title, alert.Message)

	input := &sns.PublishInput{
		PhoneNumber: aws.String(*user.Phone),
		Message:     aws.String(message),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("alert texted via SNS",
		zap.String("alert_id", alert.ID.String()),
		zap.String("user_id", user.ID.String()),
		zap.String("message_id", *result.MessageId),
	)

	return nil
}
