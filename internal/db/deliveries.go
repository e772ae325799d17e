package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AppendDelivery inserts one delivery log entry. The log is append-only;
// nothing ever updates or deletes a row.
func (r *Repository) AppendDelivery(ctx context.Context, d *NotificationDelivery) error {
	query := `
		INSERT INTO notification_deliveries (
			id, alert_id, user_id, channel, attempted_at, success, failure_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.Pool().Exec(
		ctx,
		query,
		d.ID,
		d.AlertID,
		d.UserID,
		d.Channel,
		d.AttemptedAt,
		d.Success,
		d.FailureReason,
	)
	if err != nil {
		r.logger.Error("failed to append delivery",
			zap.Error(err),
			zap.String("alert_id", d.AlertID.String()),
			zap.String("user_id", d.UserID.String()),
		)
		return fmt.Errorf("insert delivery: %w", err)
	}

	return nil
}

// ListDeliveriesByAlert retrieves delivery log entries for an alert,
// newest first, with pagination
func (r *Repository) ListDeliveriesByAlert(ctx context.Context, alertID uuid.UUID, limit, offset int) ([]*NotificationDelivery, error) {
	query := `
		SELECT id, alert_id, user_id, channel, attempted_at, success, failure_reason
		FROM notification_deliveries
		WHERE alert_id = $1
		ORDER BY attempted_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, alertID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*NotificationDelivery
	for rows.Next() {
		var d NotificationDelivery
		err := rows.Scan(
			&d.ID,
			&d.AlertID,
			&d.UserID,
			&d.Channel,
			&d.AttemptedAt,
			&d.Success,
			&d.FailureReason,
		)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, &d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return deliveries, nil
}

// CountDeliveryOutcomes returns total sent and failed attempt counts
func (r *Repository) CountDeliveryOutcomes(ctx context.Context) (sent, failed int64, err error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE success),
			COUNT(*) FILTER (WHERE NOT success)
		FROM notification_deliveries
	`

	if err := r.db.Pool().QueryRow(ctx, query).Scan(&sent, &failed); err != nil {
		return 0, 0, fmt.Errorf("count deliveries: %w", err)
	}

	return sent, failed, nil
}
