package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const preferenceColumns = `
		alert_id, user_id, state, snoozed_at, read_at,
		first_delivered_at, last_reminded_at, version, created_at, updated_at`

func scanPreference(row scanner) (*UserAlertPreference, error) {
	var p UserAlertPreference
	err := row.Scan(
		&p.AlertID,
		&p.UserID,
		&p.State,
		&p.SnoozedAt,
		&p.ReadAt,
		&p.FirstDeliveredAt,
		&p.LastRemindedAt,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// EnsurePreference returns the preference record for the pair, creating
// an unread one if none exists yet. Concurrent callers racing on the
// same pair both end up with the single surviving row.
func (r *Repository) EnsurePreference(ctx context.Context, alertID, userID uuid.UUID) (*UserAlertPreference, error) {
	query := `
		INSERT INTO user_alert_preferences (alert_id, user_id, state, version)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (alert_id, user_id) DO NOTHING
		RETURNING ` + preferenceColumns

	pref, err := scanPreference(r.db.Pool().QueryRow(ctx, query, alertID, userID, StateUnread))
	if err == pgx.ErrNoRows {
		// Row already existed; the insert was a no-op.
		return r.GetPreference(ctx, alertID, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("ensure preference: %w", err)
	}

	return pref, nil
}

// GetPreference retrieves the preference record for an (alert, user) pair
func (r *Repository) GetPreference(ctx context.Context, alertID, userID uuid.UUID) (*UserAlertPreference, error) {
	query := `
		SELECT ` + preferenceColumns + `
		FROM user_alert_preferences
		WHERE alert_id = $1 AND user_id = $2
	`

	pref, err := scanPreference(r.db.Pool().QueryRow(ctx, query, alertID, userID))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("preference %s/%s: %w", alertID, userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query preference: %w", err)
	}

	return pref, nil
}

// UpdatePreference writes a preference record back under optimistic
// locking. The update only lands when the stored version still matches
// the one the caller read; otherwise ErrVersionConflict is returned and
// the caller re-reads and retries the transition.
func (r *Repository) UpdatePreference(ctx context.Context, pref *UserAlertPreference) error {
	query := `
		UPDATE user_alert_preferences
		SET state = $1, snoozed_at = $2, read_at = $3,
			first_delivered_at = $4, last_reminded_at = $5,
			version = version + 1, updated_at = NOW()
		WHERE alert_id = $6 AND user_id = $7 AND version = $8
	`

	result, err := r.db.Pool().Exec(
		ctx,
		query,
		pref.State,
		pref.SnoozedAt,
		pref.ReadAt,
		pref.FirstDeliveredAt,
		pref.LastRemindedAt,
		pref.AlertID,
		pref.UserID,
		pref.Version,
	)
	if err != nil {
		r.logger.Error("failed to update preference",
			zap.Error(err),
			zap.String("alert_id", pref.AlertID.String()),
			zap.String("user_id", pref.UserID.String()),
		)
		return fmt.Errorf("update preference: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("preference %s/%s at version %d: %w",
			pref.AlertID, pref.UserID, pref.Version, ErrVersionConflict)
	}

	pref.Version++

	return nil
}

// MarkReminded records a successful send on the pair's bookkeeping
// fields without touching state. A single statement keeps it atomic
// against concurrent read/snooze transitions on the same row.
func (r *Repository) MarkReminded(ctx context.Context, alertID, userID uuid.UUID, at time.Time) error {
	query := `
		UPDATE user_alert_preferences
		SET last_reminded_at = $1,
			first_delivered_at = COALESCE(first_delivered_at, $1),
			version = version + 1, updated_at = NOW()
		WHERE alert_id = $2 AND user_id = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, at, alertID, userID)
	if err != nil {
		return fmt.Errorf("mark reminded: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("preference %s/%s: %w", alertID, userID, ErrNotFound)
	}

	return nil
}

// ListPreferencesForAlert retrieves all preference records for an alert
func (r *Repository) ListPreferencesForAlert(ctx context.Context, alertID uuid.UUID) ([]*UserAlertPreference, error) {
	query := `
		SELECT ` + preferenceColumns + `
		FROM user_alert_preferences
		WHERE alert_id = $1
	`

	rows, err := r.db.Pool().Query(ctx, query, alertID)
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	defer rows.Close()

	var prefs []*UserAlertPreference
	for rows.Next() {
		pref, err := scanPreference(rows)
		if err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		prefs = append(prefs, pref)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return prefs, nil
}

// ListPreferencesForUser retrieves all preference records for a user
func (r *Repository) ListPreferencesForUser(ctx context.Context, userID uuid.UUID) ([]*UserAlertPreference, error) {
	query := `
		SELECT ` + preferenceColumns + `
		FROM user_alert_preferences
		WHERE user_id = $1
	`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	defer rows.Close()

	var prefs []*UserAlertPreference
	for rows.Next() {
		pref, err := scanPreference(rows)
		if err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		prefs = append(prefs, pref)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return prefs, nil
}

// CountPreferenceStates returns preference counts grouped by effective
// state as of dayStart: a snooze from an earlier day counts as unread,
// mirroring the rollover the read paths apply lazily.
func (r *Repository) CountPreferenceStates(ctx context.Context, dayStart time.Time) (map[string]int64, error) {
	query := `
		SELECT
			CASE WHEN state = $1 AND snoozed_at < $2 THEN $3 ELSE state END AS effective_state,
			COUNT(*)
		FROM user_alert_preferences
		GROUP BY effective_state
	`

	rows, err := r.db.Pool().Query(ctx, query, StateSnoozed, dayStart, StateUnread)
	if err != nil {
		return nil, fmt.Errorf("count preferences: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan preference count: %w", err)
		}
		counts[state] += n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return counts, nil
}
