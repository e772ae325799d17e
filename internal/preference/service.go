package preference

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalwatch/herald/internal/db"
	"github.com/signalwatch/herald/internal/metrics"
)

// maxTransitionRetries bounds how often a transition is replayed after
// losing an optimistic-lock race before the conflict is surfaced.
const maxTransitionRetries = 3

// Store is the persistence the service needs. *db.Repository satisfies it.
type Store interface {
	GetAlert(ctx context.Context, id uuid.UUID) (*db.Alert, error)
	GetUser(ctx context.Context, id uuid.UUID) (*db.User, error)
	EnsurePreference(ctx context.Context, alertID, userID uuid.UUID) (*db.UserAlertPreference, error)
	UpdatePreference(ctx context.Context, pref *db.UserAlertPreference) error
}

// Service applies preference transitions against the store. Each
// transition is read-modify-write under optimistic locking: on a version
// conflict the whole transition is replayed against fresh state, so
// concurrent read/snooze calls on the same pair serialize instead of
// losing updates.
type Service struct {
	store  Store
	logger *zap.Logger
	nowFn  func() time.Time
}

// NewService creates a preference service
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		nowFn:  time.Now,
	}
}

// MarkRead transitions the pair's record to read
func (s *Service) MarkRead(ctx context.Context, alertID, userID uuid.UUID) (*db.UserAlertPreference, error) {
	return s.transition(ctx, alertID, userID, "read", MarkRead)
}

// MarkUnread transitions the pair's record back to unread
func (s *Service) MarkUnread(ctx context.Context, alertID, userID uuid.UUID) (*db.UserAlertPreference, error) {
	return s.transition(ctx, alertID, userID, "unread", MarkUnread)
}

// Snooze silences the pair's record for the rest of the current UTC day
func (s *Service) Snooze(ctx context.Context, alertID, userID uuid.UUID) (*db.UserAlertPreference, error) {
	return s.transition(ctx, alertID, userID, "snooze", Snooze)
}

func (s *Service) transition(
	ctx context.Context,
	alertID, userID uuid.UUID,
	action string,
	apply func(*db.UserAlertPreference, time.Time) bool,
) (*db.UserAlertPreference, error) {
	// Surface unknown alert/user as not-found before touching state;
	// a lazily created record must never dangle.
	if _, err := s.store.GetAlert(ctx, alertID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < maxTransitionRetries; attempt++ {
		pref, err := s.store.EnsurePreference(ctx, alertID, userID)
		if err != nil {
			return nil, err
		}

		now := s.nowFn()
		rolled := Normalize(pref, now)
		changed := apply(pref, now)

		if !rolled && !changed {
			// Idempotent call (e.g. marking read twice); nothing to write.
			return pref, nil
		}

		if err := s.store.UpdatePreference(ctx, pref); err != nil {
			if errors.Is(err, db.ErrVersionConflict) {
				metrics.RecordVersionConflict()
				s.logger.Debug("preference transition lost race, retrying",
					zap.String("alert_id", alertID.String()),
					zap.String("user_id", userID.String()),
					zap.String("action", action),
					zap.Int("attempt", attempt+1),
				)
				lastErr = err
				continue
			}
			return nil, err
		}

		if rolled {
			metrics.RecordPreferenceTransition("rollover")
		}
		if changed {
			metrics.RecordPreferenceTransition(action)
		}

		return pref, nil
	}

	s.logger.Warn("preference transition exhausted retries",
		zap.String("alert_id", alertID.String()),
		zap.String("user_id", userID.String()),
		zap.String("action", action),
	)

	return nil, lastErr
}
