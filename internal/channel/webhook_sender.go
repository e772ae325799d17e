package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/signalwatch/herald/internal/db"
)

// WebhookSender posts alerts as JSON to a configured HTTP endpoint
type WebhookSender struct {
	client *http.Client
	url    string
	logger *zap.Logger
}

type WebhookConfig struct {
	URL     string        // endpoint every webhook delivery is posted to
	Timeout time.Duration // transport-level timeout, defaults to 30s
}

// webhookEnvelope is the body posted per delivery
type webhookEnvelope struct {
	AlertID  string    `json:"alert_id"`
	UserID   string    `json:"user_id"`
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	Severity string    `json:"severity"`
	SentAt   time.Time `json:"sent_at"`
}

// NewWebhookSender creates a new webhook sender
func NewWebhookSender(cfg WebhookConfig, logger *zap.Logger) *WebhookSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WebhookSender{
		client: &http.Client{Timeout: timeout},
		url:    cfg.URL,
		logger: logger,
	}
}

// Send posts the alert to the configured webhook endpoint
func (s *WebhookSender) Send(ctx context.Context, user *db.User, alert *db.Alert) error {
	if s.url == "" {
		return fmt.Errorf("webhook sender has no endpoint configured")
	}

	body, err := json.Marshal(webhookEnvelope{
		AlertID:  alert.ID.String(),
		UserID:   user.ID.String(),
		Title:    alert.Title,
		Message:  alert.Message,
		Severity: alert.Severity,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Herald/1.0.0")
	req.Header.Set("X-Herald-Alert-ID", alert.ID.String())
	req.Header.Set("X-Herald-User-ID", user.ID.String())

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	// Read a response preview for logging/debugging
	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(preview))
	}

	s.logger.Info("webhook delivered",
		zap.String("alert_id", alert.ID.String()),
		zap.String("user_id", user.ID.String()),
		zap.Int("status_code", resp.StatusCode),
	)

	return nil
}
