package preference

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalwatch/herald/internal/db"
)

// mockStore is a fake preference store for testing
type mockStore struct {
	alerts map[uuid.UUID]*db.Alert
	users  map[uuid.UUID]*db.User
	prefs  map[string]*db.UserAlertPreference

	updateCalls   int
	conflictsLeft int // fail this many updates with a version conflict first
}

func newMockStore() *mockStore {
	return &mockStore{
		alerts: make(map[uuid.UUID]*db.Alert),
		users:  make(map[uuid.UUID]*db.User),
		prefs:  make(map[string]*db.UserAlertPreference),
	}
}

func prefKey(alertID, userID uuid.UUID) string {
	return alertID.String() + "/" + userID.String()
}

func (m *mockStore) GetAlert(ctx context.Context, id uuid.UUID) (*db.Alert, error) {
	alert, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, db.ErrNotFound)
	}
	return alert, nil
}

func (m *mockStore) GetUser(ctx context.Context, id uuid.UUID) (*db.User, error) {
	user, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, db.ErrNotFound)
	}
	return user, nil
}

func (m *mockStore) EnsurePreference(ctx context.Context, alertID, userID uuid.UUID) (*db.UserAlertPreference, error) {
	key := prefKey(alertID, userID)
	if existing, ok := m.prefs[key]; ok {
		cp := *existing
		return &cp, nil
	}
	created := &db.UserAlertPreference{
		AlertID: alertID,
		UserID:  userID,
		State:   db.StateUnread,
		Version: 1,
	}
	m.prefs[key] = created
	cp := *created
	return &cp, nil
}

func (m *mockStore) UpdatePreference(ctx context.Context, pref *db.UserAlertPreference) error {
	m.updateCalls++
	if m.conflictsLeft > 0 {
		m.conflictsLeft--
		return fmt.Errorf("preference %s/%s at version %d: %w",
			pref.AlertID, pref.UserID, pref.Version, db.ErrVersionConflict)
	}
	cp := *pref
	cp.Version++
	m.prefs[prefKey(pref.AlertID, pref.UserID)] = &cp
	pref.Version++
	return nil
}

func newTestService(store *mockStore, now time.Time) *Service {
	svc := NewService(store, zap.NewNop())
	svc.nowFn = func() time.Time { return now }
	return svc
}

func seedAlertAndUser(store *mockStore) (uuid.UUID, uuid.UUID) {
	alertID := uuid.New()
	userID := uuid.New()
	store.alerts[alertID] = &db.Alert{ID: alertID, Status: db.AlertStatusActive}
	store.users[userID] = &db.User{ID: userID}
	return alertID, userID
}

func TestMarkReadCreatesRecordLazily(t *testing.T) {
	store := newMockStore()
	alertID, userID := seedAlertAndUser(store)
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

	svc := newTestService(store, now)

	pref, err := svc.MarkRead(context.Background(), alertID, userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if pref.State != db.StateRead {
		t.Errorf("state = %q, want read", pref.State)
	}
	if _, ok := store.prefs[prefKey(alertID, userID)]; !ok {
		t.Error("expected a preference record to be created")
	}
	if store.updateCalls != 1 {
		t.Errorf("expected 1 update, got %d", store.updateCalls)
	}
}

func TestMarkReadTwiceWritesOnce(t *testing.T) {
	store := newMockStore()
	alertID, userID := seedAlertAndUser(store)
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

	svc := newTestService(store, now)

	if _, err := svc.MarkRead(context.Background(), alertID, userID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pref, err := svc.MarkRead(context.Background(), alertID, userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if pref.State != db.StateRead {
		t.Errorf("state = %q, want read", pref.State)
	}
	if store.updateCalls != 1 {
		t.Errorf("idempotent mark-read should not write again, got %d updates", store.updateCalls)
	}
}

func TestTransitionRetriesOnVersionConflict(t *testing.T) {
	store := newMockStore()
	alertID, userID := seedAlertAndUser(store)
	store.conflictsLeft = 2

	svc := newTestService(store, time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC))

	pref, err := svc.Snooze(context.Background(), alertID, userID)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}

	if pref.State != db.StateSnoozed {
		t.Errorf("state = %q, want snoozed", pref.State)
	}
	if store.updateCalls != 3 {
		t.Errorf("expected 3 update attempts, got %d", store.updateCalls)
	}
}

func TestTransitionSurfacesExhaustedConflict(t *testing.T) {
	store := newMockStore()
	alertID, userID := seedAlertAndUser(store)
	store.conflictsLeft = maxTransitionRetries

	svc := newTestService(store, time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC))

	_, err := svc.Snooze(context.Background(), alertID, userID)
	if !errors.Is(err, db.ErrVersionConflict) {
		t.Errorf("expected version conflict after exhausted retries, got %v", err)
	}
	if store.updateCalls != maxTransitionRetries {
		t.Errorf("expected %d update attempts, got %d", maxTransitionRetries, store.updateCalls)
	}
}

func TestTransitionUnknownAlert(t *testing.T) {
	store := newMockStore()
	userID := uuid.New()
	store.users[userID] = &db.User{ID: userID}

	svc := newTestService(store, time.Now())

	_, err := svc.MarkRead(context.Background(), uuid.New(), userID)
	if !errors.Is(err, db.ErrNotFound) {
		t.Errorf("expected not found for unknown alert, got %v", err)
	}
	if len(store.prefs) != 0 {
		t.Error("no preference record should be created for an unknown alert")
	}
}

func TestTransitionUnknownUser(t *testing.T) {
	store := newMockStore()
	alertID := uuid.New()
	store.alerts[alertID] = &db.Alert{ID: alertID}

	svc := newTestService(store, time.Now())

	_, err := svc.Snooze(context.Background(), alertID, uuid.New())
	if !errors.Is(err, db.ErrNotFound) {
		t.Errorf("expected not found for unknown user, got %v", err)
	}
}

func TestSnoozeAfterPriorDaySnoozeRestartsClock(t *testing.T) {
	store := newMockStore()
	alertID, userID := seedAlertAndUser(store)

	yesterday := time.Date(2025, time.June, 1, 15, 0, 0, 0, time.UTC)
	today := yesterday.AddDate(0, 0, 1)

	store.prefs[prefKey(alertID, userID)] = &db.UserAlertPreference{
		AlertID:   alertID,
		UserID:    userID,
		State:     db.StateSnoozed,
		SnoozedAt: &yesterday,
		Version:   1,
	}

	svc := newTestService(store, today)

	pref, err := svc.Snooze(context.Background(), alertID, userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if pref.State != db.StateSnoozed {
		t.Errorf("state = %q, want snoozed", pref.State)
	}
	if pref.SnoozedAt == nil || !pref.SnoozedAt.Equal(today) {
		t.Errorf("snoozed_at = %v, want refreshed to %v", pref.SnoozedAt, today)
	}
}

func TestRolloverAlonePersists(t *testing.T) {
	store := newMockStore()
	alertID, userID := seedAlertAndUser(store)

	yesterday := time.Date(2025, time.June, 1, 15, 0, 0, 0, time.UTC)
	today := yesterday.AddDate(0, 0, 1)

	store.prefs[prefKey(alertID, userID)] = &db.UserAlertPreference{
		AlertID:   alertID,
		UserID:    userID,
		State:     db.StateSnoozed,
		SnoozedAt: &yesterday,
		Version:   1,
	}

	svc := newTestService(store, today)

	// Mark-unread on a rolled-over record: the record is already unread
	// after the rollover, but the rollover itself must still be written.
	pref, err := svc.MarkUnread(context.Background(), alertID, userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if pref.State != db.StateUnread {
		t.Errorf("state = %q, want unread", pref.State)
	}
	if store.updateCalls != 1 {
		t.Errorf("expected the rollover to be persisted, got %d updates", store.updateCalls)
	}
	stored := store.prefs[prefKey(alertID, userID)]
	if stored.State != db.StateUnread || stored.SnoozedAt != nil {
		t.Errorf("stored record not normalized: state=%q snoozed_at=%v", stored.State, stored.SnoozedAt)
	}
}
