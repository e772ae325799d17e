package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalwatch/herald/internal/db"
	"github.com/signalwatch/herald/internal/event"
	"github.com/signalwatch/herald/internal/preference"
	"github.com/signalwatch/herald/internal/redis"
)

// defaultExpiryWindow is how long an alert stays deliverable when the
// create request omits expires_at.
const defaultExpiryWindow = 7 * 24 * time.Hour

// Repository defines the database operations the API layer needs.
type Repository interface {
	CreateAlert(ctx context.Context, alert *db.Alert) error
	GetAlert(ctx context.Context, id uuid.UUID) (*db.Alert, error)
	UpdateAlert(ctx context.Context, alert *db.Alert) error
	ArchiveAlert(ctx context.Context, id uuid.UUID) error
	ListAlerts(ctx context.Context, filter db.AlertFilter) ([]*db.Alert, error)
	ListActiveAlerts(ctx context.Context, now time.Time) ([]*db.Alert, error)
	ListDeliveriesByAlert(ctx context.Context, alertID uuid.UUID, limit, offset int) ([]*db.NotificationDelivery, error)
	GetUser(ctx context.Context, id uuid.UUID) (*db.User, error)
	ListUsers(ctx context.Context) ([]*db.User, error)
	ListTeams(ctx context.Context) ([]*db.Team, error)
	ListPreferencesForUser(ctx context.Context, userID uuid.UUID) ([]*db.UserAlertPreference, error)
	CountAlertsByStatus(ctx context.Context) (map[string]int64, error)
	CountAlertsBySeverity(ctx context.Context) (map[string]int64, error)
	CountDeliveryOutcomes(ctx context.Context) (sent, failed int64, err error)
	CountPreferenceStates(ctx context.Context, dayStart time.Time) (map[string]int64, error)
}

// PreferenceService applies user-initiated state transitions.
type PreferenceService interface {
	MarkRead(ctx context.Context, alertID, userID uuid.UUID) (*db.UserAlertPreference, error)
	MarkUnread(ctx context.Context, alertID, userID uuid.UUID) (*db.UserAlertPreference, error)
	Snooze(ctx context.Context, alertID, userID uuid.UUID) (*db.UserAlertPreference, error)
}

// Publisher is the event bus the authoring handlers publish through.
// The dispatcher observes the bus and fills Event.Dispatch, so the
// handler can report fan-out outcomes on the same request.
type Publisher interface {
	Publish(ctx context.Context, e *event.Event) error
}

// AlertRequest is the body for alert creation and update.
type AlertRequest struct {
	Title            string     `json:"title"`
	Message          string     `json:"message"`
	Severity         string     `json:"severity"`
	DeliveryType     string     `json:"delivery_type"`
	VisibilityType   string     `json:"visibility_type"`
	TargetIDs        []string   `json:"target_ids,omitempty"`
	RemindersEnabled *bool      `json:"reminders_enabled,omitempty"`
	ReminderInterval string     `json:"reminder_interval,omitempty"` // Go duration, e.g. "2h"
	StartsAt         *time.Time `json:"starts_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

// AlertResponse is returned by the authoring endpoints. Dispatch is the
// fan-out summary from the synchronous delivery pass, including any
// targets that referenced unknown teams or users.
type AlertResponse struct {
	Alert    *db.Alert        `json:"alert"`
	Dispatch *dispatchSummary `json:"dispatch,omitempty"`
}

type dispatchSummary struct {
	Recipients int `json:"recipients"`
	Sent       int `json:"sent"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
	Invalid    any `json:"invalid_targets,omitempty"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	repo        Repository
	prefs       PreferenceService
	publisher   Publisher
	idempotency *redis.IdempotencyService // nil if Redis not configured

	reminderIntervalDefault time.Duration
	nowFn                   func() time.Time
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, repo Repository, prefs PreferenceService, publisher Publisher, reminderIntervalDefault time.Duration) *Handler {
	if reminderIntervalDefault <= 0 {
		reminderIntervalDefault = 2 * time.Hour
	}
	return &Handler{
		logger:                  logger,
		repo:                    repo,
		prefs:                   prefs,
		publisher:               publisher,
		reminderIntervalDefault: reminderIntervalDefault,
		nowFn:                   time.Now,
	}
}

// NewHandlerWithIdempotency creates a handler that honors the
// Idempotency-Key header on alert creation.
func NewHandlerWithIdempotency(logger *zap.Logger, repo Repository, prefs PreferenceService, publisher Publisher, reminderIntervalDefault time.Duration, idempotency *redis.IdempotencyService) *Handler {
	h := NewHandler(logger, repo, prefs, publisher, reminderIntervalDefault)
	h.idempotency = idempotency
	return h
}

// CreateAlert handles POST /v1/alerts
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	adminID, ok := h.adminID(w, r)
	if !ok {
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req AlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	now := h.nowFn().UTC()
	alert := &db.Alert{
		ID:        uuid.New(),
		Status:    db.AlertStatusActive,
		CreatedBy: adminID,
	}
	if detail := h.applyRequest(alert, &req, now); detail != "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid alert", detail)
		return
	}

	// Check idempotency if key provided
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, adminID.String(), idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_ = json.NewEncoder(w).Encode(map[string]string{"alert_id": cached.AlertID})
			return
		}
	}

	if err := h.repo.CreateAlert(ctx, alert); err != nil {
		h.logger.Error("failed to create alert",
			zap.Error(err),
			zap.String("alert_id", alert.ID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create alert", "")
		return
	}

	dispatch := h.publish(ctx, event.TypeAlertCreated, alert, now)

	// Store idempotency result
	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			AlertID:    alert.ID.String(),
			StatusCode: http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, adminID.String(), idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.writeJSON(w, http.StatusCreated, AlertResponse{Alert: alert, Dispatch: dispatch})
}

// GetAlert handles GET /v1/alerts/{id}
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alertID, ok := h.pathID(w, r)
	if !ok {
		return
	}

	alert, err := h.repo.GetAlert(r.Context(), alertID)
	if err != nil {
		h.writeRepoError(w, err, "alert")
		return
	}

	h.writeJSON(w, http.StatusOK, alert)
}

// ListAlerts handles GET /v1/alerts with status, severity,
// visibility_type and created_by filters plus pagination.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := db.AlertFilter{
		Status:         q.Get("status"),
		Severity:       q.Get("severity"),
		VisibilityType: q.Get("visibility_type"),
	}
	if filter.Status != "" && !validStatus(filter.Status) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: active, expired, archived")
		return
	}
	if filter.Severity != "" && !validSeverity(filter.Severity) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid severity",
			"severity must be one of: info, warning, critical")
		return
	}
	if filter.VisibilityType != "" && !validVisibility(filter.VisibilityType) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid visibility_type",
			"visibility_type must be one of: organization, team, user")
		return
	}
	if createdBy := q.Get("created_by"); createdBy != "" {
		id, err := uuid.Parse(createdBy)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid created_by", "created_by must be a valid UUID")
			return
		}
		filter.CreatedBy = &id
	}
	filter.Limit, filter.Offset = pagination(r)

	alerts, err := h.repo.ListAlerts(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list alerts", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list alerts", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   alerts,
		"limit":  filter.Limit,
		"offset": filter.Offset,
		"count":  len(alerts),
	})
}

// UpdateAlert handles PUT /v1/alerts/{id}. Identity, status and
// created_by never change here; archived alerts reject updates.
func (h *Handler) UpdateAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	alertID, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req AlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	alert, err := h.repo.GetAlert(ctx, alertID)
	if err != nil {
		h.writeRepoError(w, err, "alert")
		return
	}
	if alert.Status == db.AlertStatusArchived {
		h.writeError(w, http.StatusConflict, "alert_archived", "Alert is archived",
			"Archived alerts cannot be updated")
		return
	}

	now := h.nowFn().UTC()
	if detail := h.applyRequest(alert, &req, now); detail != "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid alert", detail)
		return
	}

	if err := h.repo.UpdateAlert(ctx, alert); err != nil {
		h.writeRepoError(w, err, "alert")
		return
	}

	dispatch := h.publish(ctx, event.TypeAlertUpdated, alert, now)

	h.writeJSON(w, http.StatusOK, AlertResponse{Alert: alert, Dispatch: dispatch})
}

// ArchiveAlert handles DELETE /v1/alerts/{id}. Archival is one-way;
// repeating it is a no-op, not an error.
func (h *Handler) ArchiveAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	alertID, ok := h.pathID(w, r)
	if !ok {
		return
	}

	alert, err := h.repo.GetAlert(ctx, alertID)
	if err != nil {
		h.writeRepoError(w, err, "alert")
		return
	}

	if alert.Status != db.AlertStatusArchived {
		if err := h.repo.ArchiveAlert(ctx, alertID); err != nil {
			h.writeRepoError(w, err, "alert")
			return
		}
		alert.Status = db.AlertStatusArchived
		h.publish(ctx, event.TypeAlertArchived, alert, h.nowFn().UTC())
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"alert_id": alertID.String(),
		"status":   db.AlertStatusArchived,
	})
}

// RemindAlert handles POST /v1/alerts/{id}/remind: one immediate
// reminder pass outside the scheduler's wake cadence.
func (h *Handler) RemindAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	alertID, ok := h.pathID(w, r)
	if !ok {
		return
	}

	alert, err := h.repo.GetAlert(ctx, alertID)
	if err != nil {
		h.writeRepoError(w, err, "alert")
		return
	}

	now := h.nowFn().UTC()
	if !alert.ActiveAt(now) {
		h.writeError(w, http.StatusConflict, "alert_not_active", "Alert is not active",
			"Reminders only run for alerts inside their active window")
		return
	}

	dispatch := h.publish(ctx, event.TypeAlertReminder, alert, now)

	h.writeJSON(w, http.StatusOK, AlertResponse{Alert: alert, Dispatch: dispatch})
}

// ListDeliveries handles GET /v1/alerts/{id}/deliveries
func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	alertID, ok := h.pathID(w, r)
	if !ok {
		return
	}

	if _, err := h.repo.GetAlert(ctx, alertID); err != nil {
		h.writeRepoError(w, err, "alert")
		return
	}

	limit, offset := pagination(r)
	deliveries, err := h.repo.ListDeliveriesByAlert(ctx, alertID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list deliveries",
			zap.Error(err),
			zap.String("alert_id", alertID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list deliveries", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   deliveries,
		"limit":  limit,
		"offset": offset,
		"count":  len(deliveries),
	})
}

// ListUsers handles GET /v1/users
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.repo.ListUsers(r.Context())
	if err != nil {
		h.logger.Error("failed to list users", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list users", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"data": users, "count": len(users)})
}

// ListTeams handles GET /v1/teams
func (h *Handler) ListTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := h.repo.ListTeams(r.Context())
	if err != nil {
		h.logger.Error("failed to list teams", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list teams", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"data": teams, "count": len(teams)})
}

// AnalyticsOverview handles GET /v1/analytics/overview: alert counts,
// delivery success ratio and effective preference states.
func (h *Handler) AnalyticsOverview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	byStatus, err := h.repo.CountAlertsByStatus(ctx)
	if err != nil {
		h.logger.Error("failed to count alerts by status", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to compute analytics", "")
		return
	}
	bySeverity, err := h.repo.CountAlertsBySeverity(ctx)
	if err != nil {
		h.logger.Error("failed to count alerts by severity", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to compute analytics", "")
		return
	}
	sent, failed, err := h.repo.CountDeliveryOutcomes(ctx)
	if err != nil {
		h.logger.Error("failed to count deliveries", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to compute analytics", "")
		return
	}

	now := h.nowFn().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	states, err := h.repo.CountPreferenceStates(ctx, dayStart)
	if err != nil {
		h.logger.Error("failed to count preference states", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to compute analytics", "")
		return
	}

	var successRate, readRate float64
	if attempts := sent + failed; attempts > 0 {
		successRate = float64(sent) / float64(attempts)
	}
	var totalPrefs int64
	for _, n := range states {
		totalPrefs += n
	}
	if totalPrefs > 0 {
		readRate = float64(states[db.StateRead]) / float64(totalPrefs)
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"alerts_by_status":   byStatus,
		"alerts_by_severity": bySeverity,
		"deliveries": map[string]any{
			"sent":         sent,
			"failed":       failed,
			"success_rate": successRate,
		},
		"preference_states": states,
		"read_rate":         readRate,
	})
}

// publish sends an alert lifecycle event through the notifier bus and
// extracts the dispatcher's fan-out summary. Observer failures are
// logged, not surfaced: the alert write already happened and the next
// reminder cycle retries delivery.
func (h *Handler) publish(ctx context.Context, eventType string, alert *db.Alert, now time.Time) *dispatchSummary {
	e := &event.Event{Type: eventType, Alert: alert, At: now}
	if err := h.publisher.Publish(ctx, e); err != nil {
		h.logger.Error("event publish reported failures",
			zap.String("event_type", eventType),
			zap.String("alert_id", alert.ID.String()),
			zap.Error(err),
		)
	}
	if e.Dispatch == nil {
		return nil
	}
	summary := &dispatchSummary{
		Recipients: e.Dispatch.Recipients,
		Sent:       e.Dispatch.Sent,
		Skipped:    e.Dispatch.Skipped,
		Failed:     e.Dispatch.Failed,
	}
	if len(e.Dispatch.Invalid) > 0 {
		summary.Invalid = e.Dispatch.Invalid
	}
	return summary
}

// applyRequest validates the request and writes its fields onto the
// alert. It returns a non-empty detail string on validation failure.
func (h *Handler) applyRequest(alert *db.Alert, req *AlertRequest, now time.Time) string {
	if req.Title == "" || req.Message == "" {
		return "title and message are required"
	}
	if !validSeverity(req.Severity) {
		return "severity must be one of: info, warning, critical"
	}
	if req.DeliveryType == "" {
		return "delivery_type is required"
	}
	if !validVisibility(req.VisibilityType) {
		return "visibility_type must be one of: organization, team, user"
	}

	// Targets are empty exactly when visibility is organization-wide.
	if req.VisibilityType == db.VisibilityOrganization && len(req.TargetIDs) > 0 {
		return "target_ids must be empty for organization visibility"
	}
	if req.VisibilityType != db.VisibilityOrganization && len(req.TargetIDs) == 0 {
		return "target_ids are required for team and user visibility"
	}

	targets := make([]uuid.UUID, 0, len(req.TargetIDs))
	for _, raw := range req.TargetIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return "target_ids must be valid UUIDs"
		}
		targets = append(targets, id)
	}

	interval := h.reminderIntervalDefault
	if req.ReminderInterval != "" {
		d, err := time.ParseDuration(req.ReminderInterval)
		if err != nil || d <= 0 {
			return "reminder_interval must be a positive duration such as \"2h\""
		}
		interval = d
	}

	startsAt := now
	if req.StartsAt != nil {
		startsAt = req.StartsAt.UTC()
	}
	expiresAt := startsAt.Add(defaultExpiryWindow)
	if req.ExpiresAt != nil {
		expiresAt = req.ExpiresAt.UTC()
	}
	if !expiresAt.After(startsAt) {
		return "expires_at must be after starts_at"
	}

	alert.Title = req.Title
	alert.Message = req.Message
	alert.Severity = req.Severity
	alert.DeliveryType = req.DeliveryType
	alert.VisibilityType = req.VisibilityType
	alert.TargetIDs = targets
	alert.RemindersEnabled = req.RemindersEnabled == nil || *req.RemindersEnabled
	alert.ReminderIntervalSeconds = int64(interval / time.Second)
	alert.StartsAt = startsAt
	alert.ExpiresAt = expiresAt

	return ""
}

// adminID reads the acting admin from the X-Admin-ID header. Auth
// itself lives in front of herald; the header carries identity only.
func (h *Handler) adminID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get("X-Admin-ID")
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing X-Admin-ID header", "")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid X-Admin-ID header", "X-Admin-ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid alert ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeRepoError(w http.ResponseWriter, err error, noun string) {
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", noun+" not found", "")
		return
	}
	h.logger.Error("repository error", zap.String("noun", noun), zap.Error(err))
	h.writeError(w, http.StatusInternalServerError, "database_error", "Database operation failed", "")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 20
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

func validSeverity(s string) bool {
	return s == db.SeverityInfo || s == db.SeverityWarning || s == db.SeverityCritical
}

func validStatus(s string) bool {
	return s == db.AlertStatusActive || s == db.AlertStatusExpired || s == db.AlertStatusArchived
}

func validVisibility(s string) bool {
	return s == db.VisibilityOrganization || s == db.VisibilityTeam || s == db.VisibilityUser
}

// effectiveState returns the state a record presents after any pending
// day rollover, without persisting the rollover. The write happens on
// the next transition; reads stay cheap.
func effectiveState(pref *db.UserAlertPreference, now time.Time) *db.UserAlertPreference {
	if pref == nil {
		return nil
	}
	copied := *pref
	preference.Normalize(&copied, now)
	return &copied
}
