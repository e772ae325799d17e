package db

import (
	"time"

	"github.com/google/uuid"
)

// Severity constants
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert status constants
const (
	AlertStatusActive   = "active"
	AlertStatusExpired  = "expired"
	AlertStatusArchived = "archived"
)

// Visibility constants
const (
	VisibilityOrganization = "organization"
	VisibilityTeam         = "team"
	VisibilityUser         = "user"
)

// Preference state constants
const (
	StateUnread  = "unread"
	StateRead    = "read"
	StateSnoozed = "snoozed"
)

// Delivery type constants. The channel registry accepts arbitrary keys;
// these are the ones herald ships senders for.
const (
	ChannelInApp   = "in_app"
	ChannelEmail   = "email"
	ChannelSMS     = "sms"
	ChannelWebhook = "webhook"
)

// Alert is an admin-authored notice with visibility targeting and an
// active time window.
type Alert struct {
	ID                      uuid.UUID   `json:"id"`
	Title                   string      `json:"title"`
	Message                 string      `json:"message"`
	Severity                string      `json:"severity"`
	DeliveryType            string      `json:"delivery_type"`
	Status                  string      `json:"status"`
	VisibilityType          string      `json:"visibility_type"`
	TargetIDs               []uuid.UUID `json:"target_ids"`
	RemindersEnabled        bool        `json:"reminders_enabled"`
	ReminderIntervalSeconds int64       `json:"reminder_interval_seconds"`
	StartsAt                time.Time   `json:"starts_at"`
	ExpiresAt               time.Time   `json:"expires_at"`
	CreatedBy               uuid.UUID   `json:"created_by"`
	CreatedAt               time.Time   `json:"created_at"`
	UpdatedAt               time.Time   `json:"updated_at"`
}

// ReminderInterval returns the per-alert reminder spacing as a duration.
func (a *Alert) ReminderInterval() time.Duration {
	return time.Duration(a.ReminderIntervalSeconds) * time.Second
}

// ActiveAt reports whether the alert is deliverable at the given instant.
// Expiry is evaluated at read time; only archival is a stored transition.
func (a *Alert) ActiveAt(now time.Time) bool {
	if a.Status != AlertStatusActive {
		return false
	}
	return !now.Before(a.StartsAt) && now.Before(a.ExpiresAt)
}

// UserAlertPreference is the per-(alert, user) interaction state record.
// Version backs optimistic locking: every update carries the version it
// read, and a mismatch means a concurrent writer won.
type UserAlertPreference struct {
	AlertID          uuid.UUID  `json:"alert_id"`
	UserID           uuid.UUID  `json:"user_id"`
	State            string     `json:"state"`
	SnoozedAt        *time.Time `json:"snoozed_at,omitempty"`
	ReadAt           *time.Time `json:"read_at,omitempty"`
	FirstDeliveredAt *time.Time `json:"first_delivered_at,omitempty"`
	LastRemindedAt   *time.Time `json:"last_reminded_at,omitempty"`
	Version          int64      `json:"-"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// NotificationDelivery is one append-only log entry per send attempt.
type NotificationDelivery struct {
	ID            uuid.UUID `json:"id"`
	AlertID       uuid.UUID `json:"alert_id"`
	UserID        uuid.UUID `json:"user_id"`
	Channel       string    `json:"channel"`
	AttemptedAt   time.Time `json:"attempted_at"`
	Success       bool      `json:"success"`
	FailureReason *string   `json:"failure_reason,omitempty"`
}

// User is read-only identity data. TeamIDs is populated from the
// team_members table by the directory queries.
type User struct {
	ID        uuid.UUID   `json:"id"`
	Name      string      `json:"name"`
	Email     string      `json:"email"`
	Phone     *string     `json:"phone,omitempty"`
	TeamIDs   []uuid.UUID `json:"team_ids"`
	IsAdmin   bool        `json:"is_admin"`
	CreatedAt time.Time   `json:"created_at"`
}

// Team is read-only identity data.
type Team struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	MemberCount int       `json:"member_count"`
	CreatedAt   time.Time `json:"created_at"`
}
