// Package sqs copies alert lifecycle events onto an SQS queue so ops
// tooling can consume the stream without touching herald's database.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/signalwatch/herald/internal/event"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// Message is the payload forwarded to the event stream. Dispatch counts
// are zero for events that carried no fan-out (archived alerts).
type Message struct {
	EventType  string `json:"event_type"`
	AlertID    string `json:"alert_id"`
	Title      string `json:"title"`
	Severity   string `json:"severity"`
	Recipients int    `json:"recipients"`
	Sent       int    `json:"sent"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
	OccurredAt int64  `json:"occurred_at"`
}

func messageFrom(e *event.Event) Message {
	msg := Message{
		EventType:  e.Type,
		AlertID:    e.Alert.ID.String(),
		Title:      e.Alert.Title,
		Severity:   e.Alert.Severity,
		OccurredAt: e.At.Unix(),
	}
	if e.Dispatch != nil {
		msg.Recipients = e.Dispatch.Recipients
		msg.Sent = e.Dispatch.Sent
		msg.Skipped = e.Dispatch.Skipped
		msg.Failed = e.Dispatch.Failed
	}
	return msg
}

// Forwarder publishes alert events to SQS. It subscribes to the event
// notifier after the dispatcher, so forwarded messages already carry
// the fan-out outcome.
type Forwarder struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewForwarder creates a new SQS forwarder.
func NewForwarder(ctx context.Context, cfg Config, logger *zap.Logger) (*Forwarder, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	logger.Info("sqs event forwarder initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Forwarder{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Forward is the notifier observer. A forwarding failure surfaces to
// the publisher but never undoes the dispatch that already ran.
func (f *Forwarder) Forward(ctx context.Context, e *event.Event) error {
	body, err := json.Marshal(messageFrom(e))
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(f.queueURL),
		MessageBody: aws.String(string(body)),
	}

	result, err := f.client.SendMessage(ctx, input)
	if err != nil {
		f.logger.Error("failed to forward event to sqs",
			zap.Error(err),
			zap.String("event_type", e.Type),
			zap.String("alert_id", e.Alert.ID.String()),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	f.logger.Debug("event forwarded",
		zap.String("event_type", e.Type),
		zap.String("alert_id", e.Alert.ID.String()),
		zap.String("message_id", *result.MessageId),
	)

	return nil
}
