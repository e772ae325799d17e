package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalwatch/herald/internal/db"
	"github.com/signalwatch/herald/internal/dispatch"
	"github.com/signalwatch/herald/internal/event"
	"github.com/signalwatch/herald/internal/targeting"
)

var (
	adminID = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	userID  = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	teamID  = uuid.MustParse("00000000-0000-0000-0000-0000000000f1")
)

// MockRepository is a fake database for testing
type MockRepository struct {
	alerts     map[uuid.UUID]*db.Alert
	users      map[uuid.UUID]*db.User
	teams      []*db.Team
	prefs      []*db.UserAlertPreference
	deliveries []*db.NotificationDelivery

	createCalled  bool
	updateCalled  bool
	archiveCalled bool

	shouldFail bool
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		alerts: make(map[uuid.UUID]*db.Alert),
		users:  make(map[uuid.UUID]*db.User),
	}
}

func (m *MockRepository) CreateAlert(ctx context.Context, alert *db.Alert) error {
	m.createCalled = true
	if m.shouldFail {
		return errDatabase
	}
	alert.CreatedAt = time.Now()
	alert.UpdatedAt = alert.CreatedAt
	m.alerts[alert.ID] = alert
	return nil
}

func (m *MockRepository) GetAlert(ctx context.Context, id uuid.UUID) (*db.Alert, error) {
	if m.shouldFail {
		return nil, errDatabase
	}
	alert, ok := m.alerts[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return alert, nil
}

func (m *MockRepository) UpdateAlert(ctx context.Context, alert *db.Alert) error {
	m.updateCalled = true
	if m.shouldFail {
		return errDatabase
	}
	if _, ok := m.alerts[alert.ID]; !ok {
		return db.ErrNotFound
	}
	m.alerts[alert.ID] = alert
	return nil
}

func (m *MockRepository) ArchiveAlert(ctx context.Context, id uuid.UUID) error {
	m.archiveCalled = true
	if m.shouldFail {
		return errDatabase
	}
	alert, ok := m.alerts[id]
	if !ok {
		return db.ErrNotFound
	}
	alert.Status = db.AlertStatusArchived
	return nil
}

func (m *MockRepository) ListAlerts(ctx context.Context, filter db.AlertFilter) ([]*db.Alert, error) {
	if m.shouldFail {
		return nil, errDatabase
	}
	var out []*db.Alert
	for _, a := range m.alerts {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (m *MockRepository) ListActiveAlerts(ctx context.Context, now time.Time) ([]*db.Alert, error) {
	if m.shouldFail {
		return nil, errDatabase
	}
	var out []*db.Alert
	for _, a := range m.alerts {
		if a.ActiveAt(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MockRepository) ListDeliveriesByAlert(ctx context.Context, alertID uuid.UUID, limit, offset int) ([]*db.NotificationDelivery, error) {
	if m.shouldFail {
		return nil, errDatabase
	}
	var out []*db.NotificationDelivery
	for _, d := range m.deliveries {
		if d.AlertID == alertID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *MockRepository) GetUser(ctx context.Context, id uuid.UUID) (*db.User, error) {
	if m.shouldFail {
		return nil, errDatabase
	}
	user, ok := m.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return user, nil
}

func (m *MockRepository) ListUsers(ctx context.Context) ([]*db.User, error) {
	if m.shouldFail {
		return nil, errDatabase
	}
	var out []*db.User
	for _, u := range m.users {
		out = append(out, u)
	}
	return out, nil
}

func (m *MockRepository) ListTeams(ctx context.Context) ([]*db.Team, error) {
	if m.shouldFail {
		return nil, errDatabase
	}
	return m.teams, nil
}

func (m *MockRepository) ListPreferencesForUser(ctx context.Context, id uuid.UUID) ([]*db.UserAlertPreference, error) {
	if m.shouldFail {
		return nil, errDatabase
	}
	var out []*db.UserAlertPreference
	for _, p := range m.prefs {
		if p.UserID == id {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MockRepository) CountAlertsByStatus(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64)
	for _, a := range m.alerts {
		counts[a.Status]++
	}
	return counts, nil
}

func (m *MockRepository) CountAlertsBySeverity(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64)
	for _, a := range m.alerts {
		counts[a.Severity]++
	}
	return counts, nil
}

func (m *MockRepository) CountDeliveryOutcomes(ctx context.Context) (sent, failed int64, err error) {
	for _, d := range m.deliveries {
		if d.Success {
			sent++
		} else {
			failed++
		}
	}
	return sent, failed, nil
}

func (m *MockRepository) CountPreferenceStates(ctx context.Context, dayStart time.Time) (map[string]int64, error) {
	counts := make(map[string]int64)
	for _, p := range m.prefs {
		state := p.State
		if state == db.StateSnoozed && p.SnoozedAt != nil && p.SnoozedAt.Before(dayStart) {
			state = db.StateUnread
		}
		counts[state]++
	}
	return counts, nil
}

var errDatabase = errors.New("database unavailable")

// MockPreferences is a fake preference service
type MockPreferences struct {
	pref       *db.UserAlertPreference
	err        error
	lastAction string
}

func (m *MockPreferences) MarkRead(ctx context.Context, alertID, userID uuid.UUID) (*db.UserAlertPreference, error) {
	m.lastAction = "read"
	return m.pref, m.err
}

func (m *MockPreferences) MarkUnread(ctx context.Context, alertID, userID uuid.UUID) (*db.UserAlertPreference, error) {
	m.lastAction = "unread"
	return m.pref, m.err
}

func (m *MockPreferences) Snooze(ctx context.Context, alertID, userID uuid.UUID) (*db.UserAlertPreference, error) {
	m.lastAction = "snooze"
	return m.pref, m.err
}

// MockPublisher records published events and plays the dispatcher's
// role of filling in the fan-out result.
type MockPublisher struct {
	events   []*event.Event
	dispatch *dispatch.Result
	err      error
}

func (m *MockPublisher) Publish(ctx context.Context, e *event.Event) error {
	m.events = append(m.events, e)
	if m.dispatch != nil {
		e.Dispatch = m.dispatch
	}
	return m.err
}

func newTestHandler(repo *MockRepository, prefs *MockPreferences, pub *MockPublisher, now time.Time) *Handler {
	h := NewHandler(zap.NewNop(), repo, prefs, pub, 2*time.Hour)
	h.nowFn = func() time.Time { return now }
	return h
}

func routeRequest(req *http.Request, id string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func activeAlert(now time.Time) *db.Alert {
	return &db.Alert{
		ID:                      uuid.New(),
		Title:                   "maintenance window",
		Message:                 "db failover at 02:00 UTC",
		Severity:                db.SeverityWarning,
		DeliveryType:            db.ChannelInApp,
		Status:                  db.AlertStatusActive,
		VisibilityType:          db.VisibilityOrganization,
		RemindersEnabled:        true,
		ReminderIntervalSeconds: 7200,
		StartsAt:                now.Add(-time.Hour),
		ExpiresAt:               now.Add(24 * time.Hour),
		CreatedBy:               adminID,
	}
}

func TestCreateAlert(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name           string
		requestBody    any
		adminHeader    string
		expectedStatus int
	}{
		{
			name: "valid organization alert",
			requestBody: AlertRequest{
				Title:          "maintenance window",
				Message:        "db failover at 02:00 UTC",
				Severity:       "warning",
				DeliveryType:   "in_app",
				VisibilityType: "organization",
			},
			adminHeader:    adminID.String(),
			expectedStatus: http.StatusCreated,
		},
		{
			name: "missing admin header",
			requestBody: AlertRequest{
				Title:          "t",
				Message:        "m",
				Severity:       "info",
				DeliveryType:   "in_app",
				VisibilityType: "organization",
			},
			adminHeader:    "",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "invalid severity",
			requestBody: AlertRequest{
				Title:          "t",
				Message:        "m",
				Severity:       "urgent",
				DeliveryType:   "in_app",
				VisibilityType: "organization",
			},
			adminHeader:    adminID.String(),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "organization visibility rejects targets",
			requestBody: AlertRequest{
				Title:          "t",
				Message:        "m",
				Severity:       "info",
				DeliveryType:   "in_app",
				VisibilityType: "organization",
				TargetIDs:      []string{teamID.String()},
			},
			adminHeader:    adminID.String(),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "team visibility requires targets",
			requestBody: AlertRequest{
				Title:          "t",
				Message:        "m",
				Severity:       "info",
				DeliveryType:   "in_app",
				VisibilityType: "team",
			},
			adminHeader:    adminID.String(),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "invalid reminder interval",
			requestBody: AlertRequest{
				Title:            "t",
				Message:          "m",
				Severity:         "info",
				DeliveryType:     "in_app",
				VisibilityType:   "organization",
				ReminderInterval: "soon",
			},
			adminHeader:    adminID.String(),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "malformed body",
			requestBody:    "{not json",
			adminHeader:    adminID.String(),
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := NewMockRepository()
			pub := &MockPublisher{dispatch: &dispatch.Result{Recipients: 3, Sent: 3}}
			handler := newTestHandler(repo, &MockPreferences{}, pub, now)

			var body bytes.Buffer
			if s, ok := tt.requestBody.(string); ok {
				body.WriteString(s)
			} else if err := json.NewEncoder(&body).Encode(tt.requestBody); err != nil {
				t.Fatalf("encode body: %v", err)
			}

			req := httptest.NewRequest(http.MethodPost, "/v1/alerts", &body)
			if tt.adminHeader != "" {
				req.Header.Set("X-Admin-ID", tt.adminHeader)
			}
			rec := httptest.NewRecorder()

			handler.CreateAlert(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d (body %s)", tt.expectedStatus, rec.Code, rec.Body.String())
			}

			if tt.expectedStatus != http.StatusCreated {
				if repo.createCalled {
					t.Error("alert must not be created on validation failure")
				}
				return
			}

			if !repo.createCalled {
				t.Fatal("expected CreateAlert to be called on repository")
			}
			if len(pub.events) != 1 || pub.events[0].Type != event.TypeAlertCreated {
				t.Fatalf("expected one created event, got %+v", pub.events)
			}

			var resp AlertResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Alert.CreatedBy != adminID {
				t.Errorf("expected created_by %s, got %s", adminID, resp.Alert.CreatedBy)
			}
			if resp.Alert.ReminderIntervalSeconds != 7200 {
				t.Errorf("expected default reminder interval 7200s, got %d", resp.Alert.ReminderIntervalSeconds)
			}
			if want := now.Add(defaultExpiryWindow); !resp.Alert.ExpiresAt.Equal(want) {
				t.Errorf("expected default expiry %s, got %s", want, resp.Alert.ExpiresAt)
			}
			if resp.Dispatch == nil || resp.Dispatch.Sent != 3 {
				t.Errorf("expected dispatch summary with 3 sent, got %+v", resp.Dispatch)
			}
		})
	}
}

// An unknown team in the targets is reported, not fatal: the alert is
// still created, with that target skipped.
func TestCreateAlertReportsInvalidTargets(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	badTeam := uuid.New()

	repo := NewMockRepository()
	pub := &MockPublisher{dispatch: &dispatch.Result{
		Recipients: 0,
		Invalid:    []targeting.InvalidTarget{{TargetID: badTeam, Reason: "team not found"}},
	}}
	handler := newTestHandler(repo, &MockPreferences{}, pub, now)

	body, _ := json.Marshal(AlertRequest{
		Title:          "team notice",
		Message:        "standup moved",
		Severity:       "info",
		DeliveryType:   "in_app",
		VisibilityType: "team",
		TargetIDs:      []string{badTeam.String()},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/alerts", bytes.NewReader(body))
	req.Header.Set("X-Admin-ID", adminID.String())
	rec := httptest.NewRecorder()

	handler.CreateAlert(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body %s)", rec.Code, rec.Body.String())
	}
	if !repo.createCalled {
		t.Fatal("alert should be created even when all targets are invalid")
	}

	var resp struct {
		Dispatch struct {
			Recipients int `json:"recipients"`
			Invalid    []struct {
				Reason string `json:"reason"`
			} `json:"invalid_targets"`
		} `json:"dispatch"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Dispatch.Recipients != 0 {
		t.Errorf("expected zero recipients, got %d", resp.Dispatch.Recipients)
	}
	if len(resp.Dispatch.Invalid) != 1 || resp.Dispatch.Invalid[0].Reason != "team not found" {
		t.Errorf("expected invalid target report, got %+v", resp.Dispatch.Invalid)
	}
}

func TestGetAlert(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	repo := NewMockRepository()
	alert := activeAlert(now)
	repo.alerts[alert.ID] = alert
	handler := newTestHandler(repo, &MockPreferences{}, &MockPublisher{}, now)

	tests := []struct {
		name           string
		id             string
		expectedStatus int
	}{
		{"found", alert.ID.String(), http.StatusOK},
		{"not found", uuid.NewString(), http.StatusNotFound},
		{"invalid uuid", "not-a-uuid", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := routeRequest(httptest.NewRequest(http.MethodGet, "/v1/alerts/"+tt.id, nil), tt.id)
			rec := httptest.NewRecorder()

			handler.GetAlert(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
		})
	}
}

func TestUpdateAlertRejectsArchived(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	repo := NewMockRepository()
	alert := activeAlert(now)
	alert.Status = db.AlertStatusArchived
	repo.alerts[alert.ID] = alert
	pub := &MockPublisher{}
	handler := newTestHandler(repo, &MockPreferences{}, pub, now)

	body, _ := json.Marshal(AlertRequest{
		Title:          "new title",
		Message:        "new message",
		Severity:       "info",
		DeliveryType:   "in_app",
		VisibilityType: "organization",
	})
	id := alert.ID.String()
	req := routeRequest(httptest.NewRequest(http.MethodPut, "/v1/alerts/"+id, bytes.NewReader(body)), id)
	rec := httptest.NewRecorder()

	handler.UpdateAlert(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if repo.updateCalled {
		t.Error("archived alert must not be updated")
	}
	if len(pub.events) != 0 {
		t.Error("no event should be published for a rejected update")
	}
}

func TestUpdateAlertPublishesUpdatedEvent(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	repo := NewMockRepository()
	alert := activeAlert(now)
	repo.alerts[alert.ID] = alert
	pub := &MockPublisher{dispatch: &dispatch.Result{Recipients: 2, Sent: 1, Skipped: 1}}
	handler := newTestHandler(repo, &MockPreferences{}, pub, now)

	body, _ := json.Marshal(AlertRequest{
		Title:          "updated title",
		Message:        alert.Message,
		Severity:       "critical",
		DeliveryType:   alert.DeliveryType,
		VisibilityType: alert.VisibilityType,
	})
	id := alert.ID.String()
	req := routeRequest(httptest.NewRequest(http.MethodPut, "/v1/alerts/"+id, bytes.NewReader(body)), id)
	rec := httptest.NewRecorder()

	handler.UpdateAlert(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body %s)", rec.Code, rec.Body.String())
	}
	if !repo.updateCalled {
		t.Fatal("expected UpdateAlert to be called")
	}
	if len(pub.events) != 1 || pub.events[0].Type != event.TypeAlertUpdated {
		t.Fatalf("expected one updated event, got %+v", pub.events)
	}
	if got := repo.alerts[alert.ID]; got.Severity != db.SeverityCritical || got.CreatedBy != adminID {
		t.Errorf("update must change severity but never created_by, got %+v", got)
	}
}

func TestArchiveAlert(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	repo := NewMockRepository()
	alert := activeAlert(now)
	repo.alerts[alert.ID] = alert
	pub := &MockPublisher{}
	handler := newTestHandler(repo, &MockPreferences{}, pub, now)

	id := alert.ID.String()
	req := routeRequest(httptest.NewRequest(http.MethodDelete, "/v1/alerts/"+id, nil), id)
	rec := httptest.NewRecorder()

	handler.ArchiveAlert(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if alert.Status != db.AlertStatusArchived {
		t.Errorf("expected archived status, got %s", alert.Status)
	}
	if len(pub.events) != 1 || pub.events[0].Type != event.TypeAlertArchived {
		t.Fatalf("expected one archived event, got %+v", pub.events)
	}

	// Archiving again is a no-op, not an error, and publishes nothing.
	rec = httptest.NewRecorder()
	handler.ArchiveAlert(rec, routeRequest(httptest.NewRequest(http.MethodDelete, "/v1/alerts/"+id, nil), id))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat archive, got %d", rec.Code)
	}
	if len(pub.events) != 1 {
		t.Errorf("repeat archive must not publish another event, got %d events", len(pub.events))
	}
}

func TestRemindAlert(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	t.Run("active alert dispatches", func(t *testing.T) {
		repo := NewMockRepository()
		alert := activeAlert(now)
		repo.alerts[alert.ID] = alert
		pub := &MockPublisher{dispatch: &dispatch.Result{Recipients: 3, Sent: 2, Skipped: 1}}
		handler := newTestHandler(repo, &MockPreferences{}, pub, now)

		id := alert.ID.String()
		req := routeRequest(httptest.NewRequest(http.MethodPost, "/v1/alerts/"+id+"/remind", nil), id)
		rec := httptest.NewRecorder()

		handler.RemindAlert(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if len(pub.events) != 1 || pub.events[0].Type != event.TypeAlertReminder {
			t.Fatalf("expected one reminder event, got %+v", pub.events)
		}
	})

	t.Run("expired window rejects", func(t *testing.T) {
		repo := NewMockRepository()
		alert := activeAlert(now)
		alert.ExpiresAt = now.Add(-time.Minute)
		repo.alerts[alert.ID] = alert
		pub := &MockPublisher{}
		handler := newTestHandler(repo, &MockPreferences{}, pub, now)

		id := alert.ID.String()
		req := routeRequest(httptest.NewRequest(http.MethodPost, "/v1/alerts/"+id+"/remind", nil), id)
		rec := httptest.NewRecorder()

		handler.RemindAlert(rec, req)

		if rec.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rec.Code)
		}
		if len(pub.events) != 0 {
			t.Error("no event should be published for an inactive alert")
		}
	})
}

func TestListAlertsValidatesFilters(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	handler := newTestHandler(NewMockRepository(), &MockPreferences{}, &MockPublisher{}, now)

	req := httptest.NewRequest(http.MethodGet, "/v1/alerts?status=deleted", nil)
	rec := httptest.NewRecorder()

	handler.ListAlerts(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status filter, got %d", rec.Code)
	}
}

func TestAnalyticsOverview(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	repo := NewMockRepository()
	alert := activeAlert(now)
	repo.alerts[alert.ID] = alert
	repo.deliveries = []*db.NotificationDelivery{
		{AlertID: alert.ID, UserID: userID, Success: true},
		{AlertID: alert.ID, UserID: userID, Success: true},
		{AlertID: alert.ID, UserID: userID, Success: false},
	}
	repo.prefs = []*db.UserAlertPreference{
		{AlertID: alert.ID, UserID: userID, State: db.StateRead},
		{AlertID: alert.ID, UserID: uuid.New(), State: db.StateUnread},
	}
	handler := newTestHandler(repo, &MockPreferences{}, &MockPublisher{}, now)

	req := httptest.NewRequest(http.MethodGet, "/v1/analytics/overview", nil)
	rec := httptest.NewRecorder()

	handler.AnalyticsOverview(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		AlertsByStatus map[string]int64 `json:"alerts_by_status"`
		Deliveries     struct {
			Sent        int64   `json:"sent"`
			Failed      int64   `json:"failed"`
			SuccessRate float64 `json:"success_rate"`
		} `json:"deliveries"`
		ReadRate float64 `json:"read_rate"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.AlertsByStatus[db.AlertStatusActive] != 1 {
		t.Errorf("expected one active alert, got %+v", resp.AlertsByStatus)
	}
	if resp.Deliveries.Sent != 2 || resp.Deliveries.Failed != 1 {
		t.Errorf("expected 2 sent / 1 failed, got %+v", resp.Deliveries)
	}
	if resp.Deliveries.SuccessRate < 0.66 || resp.Deliveries.SuccessRate > 0.67 {
		t.Errorf("expected success rate ~2/3, got %f", resp.Deliveries.SuccessRate)
	}
	if resp.ReadRate != 0.5 {
		t.Errorf("expected read rate 0.5, got %f", resp.ReadRate)
	}
}
