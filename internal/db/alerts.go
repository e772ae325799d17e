package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const alertColumns = `
		id, title, message, severity, delivery_type, status,
		visibility_type, target_ids, reminders_enabled, reminder_interval_seconds,
		starts_at, expires_at, created_by, created_at, updated_at`

// AlertFilter narrows ListAlerts. Zero values mean "any".
type AlertFilter struct {
	Status         string
	Severity       string
	VisibilityType string
	CreatedBy      *uuid.UUID
	Limit          int
	Offset         int
}

func marshalTargets(ids []uuid.UUID) ([]byte, error) {
	if len(ids) == 0 {
		return []byte("[]"), nil
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("encode target ids: %w", err)
	}
	return raw, nil
}

func scanAlert(row scanner) (*Alert, error) {
	var a Alert
	var targets []byte
	err := row.Scan(
		&a.ID,
		&a.Title,
		&a.Message,
		&a.Severity,
		&a.DeliveryType,
		&a.Status,
		&a.VisibilityType,
		&targets,
		&a.RemindersEnabled,
		&a.ReminderIntervalSeconds,
		&a.StartsAt,
		&a.ExpiresAt,
		&a.CreatedBy,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(targets) > 0 {
		if err := json.Unmarshal(targets, &a.TargetIDs); err != nil {
			return nil, fmt.Errorf("decode target ids: %w", err)
		}
	}
	return &a, nil
}

// CreateAlert inserts a new alert
func (r *Repository) CreateAlert(ctx context.Context, alert *Alert) error {
	targets, err := marshalTargets(alert.TargetIDs)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO alerts (
			id, title, message, severity, delivery_type, status,
			visibility_type, target_ids, reminders_enabled, reminder_interval_seconds,
			starts_at, expires_at, created_by
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
		RETURNING created_at, updated_at
	`

	err = r.db.Pool().QueryRow(
		ctx,
		query,
		alert.ID,
		alert.Title,
		alert.Message,
		alert.Severity,
		alert.DeliveryType,
		alert.Status,
		alert.VisibilityType,
		targets,
		alert.RemindersEnabled,
		alert.ReminderIntervalSeconds,
		alert.StartsAt,
		alert.ExpiresAt,
		alert.CreatedBy,
	).Scan(&alert.CreatedAt, &alert.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create alert",
			zap.Error(err),
			zap.String("alert_id", alert.ID.String()),
		)
		return fmt.Errorf("insert alert: %w", err)
	}

	r.logger.Info("alert created",
		zap.String("alert_id", alert.ID.String()),
		zap.String("severity", alert.Severity),
		zap.String("visibility_type", alert.VisibilityType),
		zap.String("delivery_type", alert.DeliveryType),
	)

	return nil
}

// GetAlert retrieves an alert by ID
func (r *Repository) GetAlert(ctx context.Context, id uuid.UUID) (*Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1`

	alert, err := scanAlert(r.db.Pool().QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query alert: %w", err)
	}

	return alert, nil
}

// UpdateAlert rewrites the mutable fields of an alert. Identity, status
// and created_by are never touched here; archival has its own path.
func (r *Repository) UpdateAlert(ctx context.Context, alert *Alert) error {
	targets, err := marshalTargets(alert.TargetIDs)
	if err != nil {
		return err
	}

	query := `
		UPDATE alerts
		SET title = $1, message = $2, severity = $3, delivery_type = $4,
			visibility_type = $5, target_ids = $6, reminders_enabled = $7,
			reminder_interval_seconds = $8, starts_at = $9, expires_at = $10,
			updated_at = NOW()
		WHERE id = $11
		RETURNING updated_at
	`

	err = r.db.Pool().QueryRow(
		ctx,
		query,
		alert.Title,
		alert.Message,
		alert.Severity,
		alert.DeliveryType,
		alert.VisibilityType,
		targets,
		alert.RemindersEnabled,
		alert.ReminderIntervalSeconds,
		alert.StartsAt,
		alert.ExpiresAt,
		alert.ID,
	).Scan(&alert.UpdatedAt)

	if err == pgx.ErrNoRows {
		return fmt.Errorf("alert %s: %w", alert.ID, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to update alert",
			zap.Error(err),
			zap.String("alert_id", alert.ID.String()),
		)
		return fmt.Errorf("update alert: %w", err)
	}

	return nil
}

// ArchiveAlert marks an alert archived. One-way: archived alerts never
// return to active, and re-archiving is a no-op rather than an error.
func (r *Repository) ArchiveAlert(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE alerts
		SET status = $1, updated_at = NOW()
		WHERE id = $2
	`

	result, err := r.db.Pool().Exec(ctx, query, AlertStatusArchived, id)
	if err != nil {
		return fmt.Errorf("archive alert: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}

	r.logger.Info("alert archived", zap.String("alert_id", id.String()))

	return nil
}

// listAlertsQuery builds the filtered list statement. Zero filter fields
// contribute nothing, so an empty filter selects every alert.
func listAlertsQuery(filter AlertFilter) (string, []any) {
	var conds []string
	var args []any

	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Severity != "" {
		args = append(args, filter.Severity)
		conds = append(conds, fmt.Sprintf("severity = $%d", len(args)))
	}
	if filter.VisibilityType != "" {
		args = append(args, filter.VisibilityType)
		conds = append(conds, fmt.Sprintf("visibility_type = $%d", len(args)))
	}
	if filter.CreatedBy != nil {
		args = append(args, *filter.CreatedBy)
		conds = append(conds, fmt.Sprintf("created_by = $%d", len(args)))
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

// ListAlerts retrieves alerts matching the filter, newest first
func (r *Repository) ListAlerts(ctx context.Context, filter AlertFilter) ([]*Alert, error) {
	query, args := listAlertsQuery(filter)

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return alerts, nil
}

// ListActiveAlerts retrieves alerts that are deliverable at the given
// instant: status active and inside their [starts_at, expires_at) window.
func (r *Repository) ListActiveAlerts(ctx context.Context, now time.Time) ([]*Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE status = $1 AND starts_at <= $2 AND expires_at > $2
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, AlertStatusActive, now)
	if err != nil {
		return nil, fmt.Errorf("query active alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return alerts, nil
}

// MarkExpiredAlerts flips status to expired for active alerts whose
// window has passed. The active predicate already excludes them at read
// time; this write-back keeps stored status in line for list filters.
func (r *Repository) MarkExpiredAlerts(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE alerts
		SET status = $1, updated_at = NOW()
		WHERE status = $2 AND expires_at <= $3
	`

	result, err := r.db.Pool().Exec(ctx, query, AlertStatusExpired, AlertStatusActive, now)
	if err != nil {
		return 0, fmt.Errorf("mark expired alerts: %w", err)
	}

	return result.RowsAffected(), nil
}

// CountAlertsByStatus returns alert counts grouped by status
func (r *Repository) CountAlertsByStatus(ctx context.Context) (map[string]int64, error) {
	return r.countAlertsBy(ctx, "status")
}

// CountAlertsBySeverity returns alert counts grouped by severity
func (r *Repository) CountAlertsBySeverity(ctx context.Context) (map[string]int64, error) {
	return r.countAlertsBy(ctx, "severity")
}

func (r *Repository) countAlertsBy(ctx context.Context, column string) (map[string]int64, error) {
	query := fmt.Sprintf(`SELECT %s, COUNT(*) FROM alerts GROUP BY %s`, column, column)

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count alerts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("scan alert count: %w", err)
		}
		counts[key] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return counts, nil
}
