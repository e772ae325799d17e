package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalwatch/herald/internal/db"
	"github.com/signalwatch/herald/internal/preference"
	"github.com/signalwatch/herald/internal/targeting"
)

// userAlertLimit caps how many alerts one dashboard read walks. Alert
// volume is admin-authored and low; this is a guard, not pagination.
const userAlertLimit = 500

// UserAlert is one entry in a user's alert list: the alert plus the
// user's effective interaction state after any pending day rollover.
type UserAlert struct {
	Alert        *db.Alert  `json:"alert"`
	State        string     `json:"state"`
	ReadAt       *time.Time `json:"read_at,omitempty"`
	SnoozedAt    *time.Time `json:"snoozed_at,omitempty"`
	SnoozedUntil *time.Time `json:"snoozed_until,omitempty"`
	LastReminded *time.Time `json:"last_reminded_at,omitempty"`
}

// PreferenceResponse is returned by the read/unread/snooze endpoints.
type PreferenceResponse struct {
	AlertID      uuid.UUID  `json:"alert_id"`
	UserID       uuid.UUID  `json:"user_id"`
	State        string     `json:"state"`
	ReadAt       *time.Time `json:"read_at,omitempty"`
	SnoozedAt    *time.Time `json:"snoozed_at,omitempty"`
	SnoozedUntil *time.Time `json:"snoozed_until,omitempty"`
}

// ListMyAlerts handles GET /v1/me/alerts. Filters: state
// (unread/read/snoozed, applied to the effective state) and
// include_expired=true to also show alerts whose window has passed.
func (h *Handler) ListMyAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, ok := h.requestUser(w, r)
	if !ok {
		return
	}

	stateFilter := r.URL.Query().Get("state")
	if stateFilter != "" && !validState(stateFilter) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid state",
			"state must be one of: unread, read, snoozed")
		return
	}
	includeExpired := r.URL.Query().Get("include_expired") == "true"

	now := h.nowFn().UTC()
	alerts, err := h.visibleAlerts(ctx, now, includeExpired)
	if err != nil {
		h.logger.Error("failed to list alerts for user",
			zap.Error(err),
			zap.String("user_id", user.ID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list alerts", "")
		return
	}

	prefs, err := h.repo.ListPreferencesForUser(ctx, user.ID)
	if err != nil {
		h.logger.Error("failed to load preferences",
			zap.Error(err),
			zap.String("user_id", user.ID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load preferences", "")
		return
	}
	byAlert := make(map[uuid.UUID]*db.UserAlertPreference, len(prefs))
	for _, p := range prefs {
		byAlert[p.AlertID] = p
	}

	items := make([]UserAlert, 0, len(alerts))
	for _, alert := range alerts {
		if !targeting.AppliesTo(alert, user) {
			continue
		}
		item := userAlertItem(alert, byAlert[alert.ID], now)
		if stateFilter != "" && item.State != stateFilter {
			continue
		}
		items = append(items, item)
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"data": items, "count": len(items)})
}

// MyAlertsSummary handles GET /v1/me/alerts/summary: effective state
// counts over the user's currently active alerts.
func (h *Handler) MyAlertsSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, ok := h.requestUser(w, r)
	if !ok {
		return
	}

	now := h.nowFn().UTC()
	alerts, err := h.repo.ListActiveAlerts(ctx, now)
	if err != nil {
		h.logger.Error("failed to list active alerts", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list alerts", "")
		return
	}

	prefs, err := h.repo.ListPreferencesForUser(ctx, user.ID)
	if err != nil {
		h.logger.Error("failed to load preferences",
			zap.Error(err),
			zap.String("user_id", user.ID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load preferences", "")
		return
	}
	byAlert := make(map[uuid.UUID]*db.UserAlertPreference, len(prefs))
	for _, p := range prefs {
		byAlert[p.AlertID] = p
	}

	counts := map[string]int{
		db.StateUnread:  0,
		db.StateRead:    0,
		db.StateSnoozed: 0,
	}
	total := 0
	for _, alert := range alerts {
		if !targeting.AppliesTo(alert, user) {
			continue
		}
		counts[userAlertItem(alert, byAlert[alert.ID], now).State]++
		total++
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"total":   total,
		"unread":  counts[db.StateUnread],
		"read":    counts[db.StateRead],
		"snoozed": counts[db.StateSnoozed],
	})
}

// MarkAlertRead handles POST /v1/me/alerts/{id}/read
func (h *Handler) MarkAlertRead(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.prefs.MarkRead)
}

// MarkAlertUnread handles POST /v1/me/alerts/{id}/unread
func (h *Handler) MarkAlertUnread(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.prefs.MarkUnread)
}

// SnoozeAlert handles POST /v1/me/alerts/{id}/snooze
func (h *Handler) SnoozeAlert(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.prefs.Snooze)
}

type transitionFunc func(ctx context.Context, alertID, userID uuid.UUID) (*db.UserAlertPreference, error)

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, apply transitionFunc) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	alertID, ok := h.pathID(w, r)
	if !ok {
		return
	}

	pref, err := apply(r.Context(), alertID, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Alert or user not found", "")
			return
		}
		if errors.Is(err, db.ErrVersionConflict) {
			// Lost every retry against a concurrent writer. The operation
			// is idempotent, so the client can simply re-issue it.
			h.writeError(w, http.StatusConflict, "concurrent_modification",
				"Concurrent update in progress", "Retry the request")
			return
		}
		h.logger.Error("preference transition failed",
			zap.Error(err),
			zap.String("alert_id", alertID.String()),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update preference", "")
		return
	}

	h.writeJSON(w, http.StatusOK, PreferenceResponse{
		AlertID:      pref.AlertID,
		UserID:       pref.UserID,
		State:        pref.State,
		ReadAt:       pref.ReadAt,
		SnoozedAt:    pref.SnoozedAt,
		SnoozedUntil: preference.SnoozedUntil(pref),
	})
}

// visibleAlerts returns the alerts a dashboard read considers: active
// ones, plus started-but-expired ones when includeExpired is set.
// Archived alerts never show.
func (h *Handler) visibleAlerts(ctx context.Context, now time.Time, includeExpired bool) ([]*db.Alert, error) {
	if !includeExpired {
		return h.repo.ListActiveAlerts(ctx, now)
	}

	all, err := h.repo.ListAlerts(ctx, db.AlertFilter{Limit: userAlertLimit})
	if err != nil {
		return nil, err
	}

	visible := all[:0]
	for _, alert := range all {
		if alert.Status == db.AlertStatusArchived {
			continue
		}
		if alert.StartsAt.After(now) {
			continue
		}
		visible = append(visible, alert)
	}
	return visible, nil
}

func userAlertItem(alert *db.Alert, pref *db.UserAlertPreference, now time.Time) UserAlert {
	item := UserAlert{Alert: alert, State: db.StateUnread}
	if eff := effectiveState(pref, now); eff != nil {
		item.State = eff.State
		item.ReadAt = eff.ReadAt
		item.SnoozedAt = eff.SnoozedAt
		item.SnoozedUntil = preference.SnoozedUntil(eff)
		item.LastReminded = eff.LastRemindedAt
	}
	return item
}

// userID reads the acting user from the X-User-ID header.
func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing X-User-ID header", "")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid X-User-ID header", "X-User-ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// requestUser resolves the acting user against the directory, so team
// visibility can be evaluated from memberships.
func (h *Handler) requestUser(w http.ResponseWriter, r *http.Request) (*db.User, bool) {
	userID, ok := h.userID(w, r)
	if !ok {
		return nil, false
	}
	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil {
		h.writeRepoError(w, err, "user")
		return nil, false
	}
	return user, true
}

func validState(s string) bool {
	return s == db.StateUnread || s == db.StateRead || s == db.StateSnoozed
}
