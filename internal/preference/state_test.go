package preference

import (
	"testing"
	"time"

	"github.com/signalwatch/herald/internal/db"
)

func timePtr(t time.Time) *time.Time {
	return &t
}

func TestNormalize(t *testing.T) {
	dayD := time.Date(2025, time.March, 10, 23, 50, 0, 0, time.UTC)
	dayDPlus1 := time.Date(2025, time.March, 11, 0, 10, 0, 0, time.UTC)

	tests := []struct {
		pref       *db.UserAlertPreference // 8 bytes
		name       string                  // 16 bytes
		now        time.Time               // 24 bytes
		wantState  string                  // 16 bytes
		wantChange bool                    // 1 byte
	}{
		{
			name:       "snoozed yesterday rolls over to unread",
			pref:       &db.UserAlertPreference{State: db.StateSnoozed, SnoozedAt: timePtr(dayD)},
			now:        dayDPlus1,
			wantState:  db.StateUnread,
			wantChange: true,
		},
		{
			name:       "snoozed today stays snoozed",
			pref:       &db.UserAlertPreference{State: db.StateSnoozed, SnoozedAt: timePtr(dayD)},
			now:        dayD.Add(5 * time.Minute),
			wantState:  db.StateSnoozed,
			wantChange: false,
		},
		{
			name:       "unread record untouched",
			pref:       &db.UserAlertPreference{State: db.StateUnread},
			now:        dayDPlus1,
			wantState:  db.StateUnread,
			wantChange: false,
		},
		{
			name:       "read record untouched",
			pref:       &db.UserAlertPreference{State: db.StateRead, ReadAt: timePtr(dayD)},
			now:        dayDPlus1,
			wantState:  db.StateRead,
			wantChange: false,
		},
		{
			name:       "snoozed without snoozed_at repaired to unread",
			pref:       &db.UserAlertPreference{State: db.StateSnoozed},
			now:        dayD,
			wantState:  db.StateUnread,
			wantChange: true,
		},
		{
			name:       "snooze from much earlier day rolls over",
			pref:       &db.UserAlertPreference{State: db.StateSnoozed, SnoozedAt: timePtr(dayD.AddDate(0, 0, -30))},
			now:        dayD,
			wantState:  db.StateUnread,
			wantChange: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed := Normalize(tt.pref, tt.now)
			if changed != tt.wantChange {
				t.Errorf("Normalize() = %v, want %v", changed, tt.wantChange)
			}
			if tt.pref.State != tt.wantState {
				t.Errorf("state = %q, want %q", tt.pref.State, tt.wantState)
			}
			if tt.pref.State != db.StateSnoozed && tt.pref.SnoozedAt != nil {
				t.Error("snoozed_at should be nil outside the snoozed state")
			}
		})
	}
}

func TestSnoozeLapsesAtUTCMidnight(t *testing.T) {
	// Snooze at 23:50 on day D; reads at 00:10 on day D+1 must observe
	// unread without any explicit unsnooze.
	snoozeTime := time.Date(2025, time.June, 1, 23, 50, 0, 0, time.UTC)

	pref := &db.UserAlertPreference{State: db.StateUnread}
	if !Snooze(pref, snoozeTime) {
		t.Fatal("expected snooze to change the record")
	}
	if pref.State != db.StateSnoozed {
		t.Fatalf("state = %q, want snoozed", pref.State)
	}

	// Still day D: snooze holds.
	if Normalize(pref, snoozeTime.Add(9*time.Minute)) {
		t.Error("rollover should not fire on the snooze day")
	}
	if pref.State != db.StateSnoozed {
		t.Errorf("state = %q, want snoozed on day D", pref.State)
	}

	// Twenty minutes later it is day D+1.
	if !Normalize(pref, snoozeTime.Add(20*time.Minute)) {
		t.Error("rollover should fire on the next day")
	}
	if pref.State != db.StateUnread {
		t.Errorf("state = %q, want unread on day D+1", pref.State)
	}
	if pref.SnoozedAt != nil {
		t.Error("snoozed_at should be cleared by rollover")
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

	pref := &db.UserAlertPreference{State: db.StateUnread}
	if !MarkRead(pref, now) {
		t.Fatal("expected first mark-read to change the record")
	}
	firstReadAt := *pref.ReadAt

	if MarkRead(pref, now.Add(time.Hour)) {
		t.Error("second mark-read should be a no-op")
	}
	if pref.State != db.StateRead {
		t.Errorf("state = %q, want read", pref.State)
	}
	if !pref.ReadAt.Equal(firstReadAt) {
		t.Error("read_at should be unchanged by a repeated mark-read")
	}
}

func TestSnoozeTwiceSameDayKeepsSnoozedAt(t *testing.T) {
	first := time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)
	second := first.Add(3 * time.Hour)

	pref := &db.UserAlertPreference{State: db.StateUnread}
	Snooze(pref, first)
	if Snooze(pref, second) {
		t.Error("same-day snooze should be a no-op")
	}
	if !pref.SnoozedAt.Equal(first) {
		t.Errorf("snoozed_at = %v, want original %v", pref.SnoozedAt, first)
	}
}

func TestMarkReadAppliesRolloverFirst(t *testing.T) {
	snoozeDay := time.Date(2025, time.June, 1, 15, 0, 0, 0, time.UTC)
	nextDay := snoozeDay.AddDate(0, 0, 1)

	pref := &db.UserAlertPreference{State: db.StateSnoozed, SnoozedAt: timePtr(snoozeDay)}
	if !MarkRead(pref, nextDay) {
		t.Fatal("expected mark-read to change the record")
	}

	// Rollover ran first (snooze cleared), then the read landed.
	if pref.State != db.StateRead {
		t.Errorf("state = %q, want read", pref.State)
	}
	if pref.SnoozedAt != nil {
		t.Error("snoozed_at should be cleared")
	}
	if pref.ReadAt == nil || !pref.ReadAt.Equal(nextDay) {
		t.Errorf("read_at = %v, want %v", pref.ReadAt, nextDay)
	}
}

func TestMarkUnreadClearsMarks(t *testing.T) {
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

	pref := &db.UserAlertPreference{State: db.StateRead, ReadAt: timePtr(now.Add(-time.Hour))}
	if !MarkUnread(pref, now) {
		t.Fatal("expected mark-unread to change the record")
	}
	if pref.State != db.StateUnread {
		t.Errorf("state = %q, want unread", pref.State)
	}
	if pref.ReadAt != nil {
		t.Error("read_at should be cleared")
	}

	if MarkUnread(pref, now) {
		t.Error("repeated mark-unread should be a no-op")
	}
}

func TestReminderEligible(t *testing.T) {
	now := time.Date(2025, time.June, 2, 10, 0, 0, 0, time.UTC)
	yesterday := now.AddDate(0, 0, -1)

	tests := []struct {
		pref *db.UserAlertPreference // 8 bytes
		name string                  // 16 bytes
		want bool                    // 1 byte
	}{
		{
			name: "unread is eligible",
			pref: &db.UserAlertPreference{State: db.StateUnread},
			want: true,
		},
		{
			name: "read is eligible",
			pref: &db.UserAlertPreference{State: db.StateRead},
			want: true,
		},
		{
			name: "snoozed today is not eligible",
			pref: &db.UserAlertPreference{State: db.StateSnoozed, SnoozedAt: timePtr(now.Add(-time.Hour))},
			want: false,
		},
		{
			name: "snoozed yesterday is eligible again",
			pref: &db.UserAlertPreference{State: db.StateSnoozed, SnoozedAt: timePtr(yesterday)},
			want: true,
		},
		{
			name: "snoozed without snoozed_at counts as eligible",
			pref: &db.UserAlertPreference{State: db.StateSnoozed},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReminderEligible(tt.pref, now); got != tt.want {
				t.Errorf("ReminderEligible() = %v, want %v", got, tt.want)
			}
			// The predicate must not mutate the record.
			if got := ReminderEligible(tt.pref, now); got != tt.want {
				t.Error("predicate changed its answer on a second call")
			}
		})
	}
}

func TestDueForReminder(t *testing.T) {
	now := time.Date(2025, time.June, 2, 10, 0, 0, 0, time.UTC)
	interval := 2 * time.Hour

	tests := []struct {
		lastReminded *time.Time // 8 bytes
		name         string     // 16 bytes
		want         bool       // 1 byte
	}{
		{
			name:         "never reminded is due",
			lastReminded: nil,
			want:         true,
		},
		{
			name:         "reminded recently is not due",
			lastReminded: timePtr(now.Add(-119 * time.Minute)),
			want:         false,
		},
		{
			name:         "exactly one interval ago is due",
			lastReminded: timePtr(now.Add(-2 * time.Hour)),
			want:         true,
		},
		{
			name:         "reminded long ago is due",
			lastReminded: timePtr(now.Add(-3 * time.Hour)),
			want:         true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pref := &db.UserAlertPreference{State: db.StateUnread, LastRemindedAt: tt.lastReminded}
			if got := DueForReminder(pref, interval, now); got != tt.want {
				t.Errorf("DueForReminder() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSnoozedUntil(t *testing.T) {
	snoozedAt := time.Date(2025, time.June, 1, 23, 50, 0, 0, time.UTC)
	pref := &db.UserAlertPreference{State: db.StateSnoozed, SnoozedAt: timePtr(snoozedAt)}

	until := SnoozedUntil(pref)
	if until == nil {
		t.Fatal("expected a snoozed_until for a snoozed record")
	}

	want := time.Date(2025, time.June, 2, 0, 0, 0, 0, time.UTC)
	if !until.Equal(want) {
		t.Errorf("snoozed_until = %v, want %v", until, want)
	}

	if SnoozedUntil(&db.UserAlertPreference{State: db.StateUnread}) != nil {
		t.Error("unsnoozed record should have no snoozed_until")
	}
}
