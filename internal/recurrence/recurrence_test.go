package recurrence

import (
	"testing"
	"time"
)

func at(h, m int) time.Time {
	// Wednesday.
	return time.Date(2026, time.March, 4, h, m, 0, 0, time.UTC)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{"daily ok", Spec{Kind: KindDaily, Hour: 9, Minute: 30}, false},
		{"bad hour", Spec{Kind: KindDaily, Hour: 24}, true},
		{"bad minute", Spec{Kind: KindDaily, Minute: 60}, true},
		{"weekly ok", Spec{Kind: KindWeekly, Weekday: time.Friday}, false},
		{"monthly ok", Spec{Kind: KindMonthly, Day: 31}, false},
		{"monthly day zero", Spec{Kind: KindMonthly, Day: 0}, true},
		{"custom ok", Spec{Kind: KindCustom, Interval: time.Hour}, false},
		{"custom below floor", Spec{Kind: KindCustom, Interval: 30 * time.Second}, true},
		{"unknown kind", Spec{Kind: "hourly"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.spec.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestDailyDueWindow(t *testing.T) {
	spec := Spec{Kind: KindDaily, Hour: 9, Minute: 0}

	if !IsDue(spec, at(9, 0), time.Time{}) {
		t.Fatalf("expected due exactly at slot")
	}
	if !IsDue(spec, at(9, 4), time.Time{}) {
		t.Fatalf("expected due within tolerance")
	}
	if IsDue(spec, at(9, 6), time.Time{}) {
		t.Fatalf("expected skip past tolerance")
	}
	if IsDue(spec, at(8, 59), time.Time{}) {
		t.Fatalf("expected not due before slot")
	}

	// Past the window the schedule aims at tomorrow.
	next := NextExecution(spec, at(9, 6), time.Time{})
	if next.Day() != 5 || next.Hour() != 9 {
		t.Fatalf("expected roll to next day 09:00, got %v", next)
	}
}

func TestMinReexecInterval(t *testing.T) {
	spec := Spec{Kind: KindDaily, Hour: 9, Minute: 0}
	now := at(9, 0).Add(30 * time.Second)

	if IsDue(spec, now, at(9, 0)) {
		t.Fatalf("expected suppressed refire within min interval")
	}
	if !IsDue(spec, at(9, 2), at(9, 0)) {
		t.Fatalf("expected due again after min interval within tolerance")
	}
}

func TestWeeklyTargetsConfiguredWeekday(t *testing.T) {
	spec := Spec{Kind: KindWeekly, Weekday: time.Friday, Hour: 18, Minute: 0}

	next := NextExecution(spec, at(12, 0), time.Time{})
	if next.Weekday() != time.Friday || next.Day() != 6 {
		t.Fatalf("expected upcoming Friday, got %v", next)
	}

	// Same weekday past the window rolls a full week.
	friday := time.Date(2026, time.March, 6, 19, 0, 0, 0, time.UTC)
	next = NextExecution(spec, friday, time.Time{})
	if next.Day() != 13 {
		t.Fatalf("expected next Friday, got %v", next)
	}
}

func TestMonthlyDayClamp(t *testing.T) {
	spec := Spec{Kind: KindMonthly, Day: 31, Hour: 8, Minute: 0}

	feb := time.Date(2026, time.February, 10, 0, 0, 0, 0, time.UTC)
	next := NextExecution(spec, feb, time.Time{})
	if next.Month() != time.February || next.Day() != 28 {
		t.Fatalf("expected clamp to Feb 28, got %v", next)
	}

	// Leap year clamps to the 29th.
	feb28 := time.Date(2028, time.February, 10, 0, 0, 0, 0, time.UTC)
	next = NextExecution(spec, feb28, time.Time{})
	if next.Day() != 29 {
		t.Fatalf("expected clamp to Feb 29 in leap year, got %v", next)
	}
}

func TestCustomAnchorsAndRollsForward(t *testing.T) {
	created := at(10, 0)
	spec := Spec{Kind: KindCustom, Interval: 30 * time.Minute, CreatedAt: created}

	// Never executed: first slot is created+interval.
	next := NextExecution(spec, at(10, 5), time.Time{})
	if !next.Equal(at(10, 30)) {
		t.Fatalf("expected first slot 10:30, got %v", next)
	}

	// After an execution the next slot anchors on it.
	next = NextExecution(spec, at(10, 35), at(10, 30))
	if !next.Equal(at(11, 0)) {
		t.Fatalf("expected 11:00, got %v", next)
	}

	// A long outage rolls forward by whole intervals instead of starving
	// behind a slot that can never be due again.
	next = NextExecution(spec, at(14, 12), at(10, 30))
	if next.Before(at(14, 12).Add(-Tolerance)) {
		t.Fatalf("rolled-forward slot still stale: %v", next)
	}
	if sub := next.Sub(at(10, 30)); sub%spec.Interval != 0 {
		t.Fatalf("slot %v not aligned to interval grid", next)
	}
}

func TestCustomDue(t *testing.T) {
	spec := Spec{Kind: KindCustom, Interval: time.Hour, CreatedAt: at(9, 0)}

	if IsDue(spec, at(9, 30), time.Time{}) {
		t.Fatalf("expected not due before first slot")
	}
	if !IsDue(spec, at(10, 2), time.Time{}) {
		t.Fatalf("expected due shortly after first slot")
	}
}
