package preference

import (
	"time"

	"github.com/signalwatch/herald/internal/db"
)

// State transitions for the per-(alert, user) preference record.
//
// All functions take the caller's clock value explicitly so behavior is
// deterministic in tests. Each returns true when the record changed and
// needs to be persisted. Snoozes are scoped to the UTC calendar day of
// snoozed_at: the first operation touching a record on a later day rolls
// it back to unread before doing anything else. The rollover is lazy by
// design; no sweep ever walks the table.

func utcDay(t time.Time) time.Time {
	year, month, day := t.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Normalize applies the day rollover if one is pending. A record snoozed
// on an earlier UTC day than now becomes unread with snoozed_at cleared.
func Normalize(pref *db.UserAlertPreference, now time.Time) bool {
	if pref.State != db.StateSnoozed {
		return false
	}
	if pref.SnoozedAt != nil && !utcDay(*pref.SnoozedAt).Before(utcDay(now)) {
		return false
	}
	// Either the snooze day has passed, or the record is snoozed with
	// no snoozed_at, which the rollover also repairs.
	pref.State = db.StateUnread
	pref.SnoozedAt = nil
	return true
}

// MarkRead transitions the record to read. Reading an already-read
// record is a no-op. A pending rollover is applied first.
func MarkRead(pref *db.UserAlertPreference, now time.Time) bool {
	rolled := Normalize(pref, now)
	if pref.State == db.StateRead {
		return rolled
	}
	pref.State = db.StateRead
	readAt := now
	pref.ReadAt = &readAt
	pref.SnoozedAt = nil
	return true
}

// MarkUnread transitions the record back to unread, clearing read and
// snooze marks. Useful when a user wants an alert to resurface.
func MarkUnread(pref *db.UserAlertPreference, now time.Time) bool {
	rolled := Normalize(pref, now)
	if pref.State == db.StateUnread {
		return rolled
	}
	pref.State = db.StateUnread
	pref.ReadAt = nil
	pref.SnoozedAt = nil
	return true
}

// Snooze silences the record for the rest of now's UTC day. Snoozing an
// already-snoozed record is a no-op that keeps the original snoozed_at.
func Snooze(pref *db.UserAlertPreference, now time.Time) bool {
	rolled := Normalize(pref, now)
	if pref.State == db.StateSnoozed {
		return rolled
	}
	pref.State = db.StateSnoozed
	snoozedAt := now
	pref.SnoozedAt = &snoozedAt
	return true
}

// ReminderEligible reports whether the record's effective state, after
// any pending rollover, is something other than snoozed. It never
// mutates the record; callers that want the rollover persisted use
// Normalize and write the record back.
func ReminderEligible(pref *db.UserAlertPreference, now time.Time) bool {
	if pref.State != db.StateSnoozed {
		return true
	}
	if pref.SnoozedAt == nil {
		return true
	}
	return utcDay(*pref.SnoozedAt).Before(utcDay(now))
}

// DueForReminder reports whether the per-alert reminder spacing has
// elapsed for this record. A record that has never been reminded is due
// immediately.
func DueForReminder(pref *db.UserAlertPreference, interval time.Duration, now time.Time) bool {
	if pref.LastRemindedAt == nil {
		return true
	}
	return now.Sub(*pref.LastRemindedAt) >= interval
}

// SnoozedUntil returns the instant the current snooze lapses (start of
// the next UTC day after snoozed_at), or nil when not snoozed.
func SnoozedUntil(pref *db.UserAlertPreference) *time.Time {
	if pref.State != db.StateSnoozed || pref.SnoozedAt == nil {
		return nil
	}
	until := utcDay(*pref.SnoozedAt).AddDate(0, 0, 1)
	return &until
}
