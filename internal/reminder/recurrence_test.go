package reminder

import (
	"testing"
	"time"
)

func mustZone(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("zone %s unavailable: %v", name, err)
	}
	return loc
}

func TestNextDayKeepsWallClockAcrossDST(t *testing.T) {
	t.Parallel()
	ny := mustZone(t, "America/New_York")
	// 2024-03-10 is the spring-forward date in New York.
	prev := time.Date(2024, 3, 9, 9, 0, 0, 0, ny)

	next, ok := Next(prev, RepeatMeta{Type: KindDay}, ny)
	if !ok {
		t.Fatal("Next(day) reported no occurrence")
	}
	want := time.Date(2024, 3, 10, 9, 0, 0, 0, ny)
	if !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
	if got := next.Sub(prev); got != 23*time.Hour {
		t.Fatalf("elapsed = %v, want 23h", got)
	}
}

func TestNextKinds(t *testing.T) {
	t.Parallel()
	utc := time.UTC
	tue := time.Date(2025, 7, 8, 9, 0, 0, 0, utc) // Tuesday

	tests := []struct {
		name string
		prev time.Time
		meta RepeatMeta
		want time.Time
	}{
		{name: "hour", prev: tue, meta: RepeatMeta{Type: KindHour}, want: tue.Add(time.Hour)},
		{name: "week", prev: tue, meta: RepeatMeta{Type: KindWeek}, want: tue.AddDate(0, 0, 7)},
		{name: "same weekday advances a full week", prev: tue, meta: RepeatMeta{Type: "tuesday"}, want: time.Date(2025, 7, 15, 9, 0, 0, 0, utc)},
		{name: "later weekday", prev: tue, meta: RepeatMeta{Type: "friday"}, want: time.Date(2025, 7, 11, 9, 0, 0, 0, utc)},
		{name: "earlier weekday wraps", prev: tue, meta: RepeatMeta{Type: "monday"}, want: time.Date(2025, 7, 14, 9, 0, 0, 0, utc)},
		{name: "month pinned clamps to 30", prev: time.Date(2025, 3, 31, 9, 0, 0, 0, utc), meta: RepeatMeta{Type: KindMonth, UserDayOfMonth: 31}, want: time.Date(2025, 4, 30, 9, 0, 0, 0, utc)},
		{name: "month pinned restores 31", prev: time.Date(2025, 4, 30, 9, 0, 0, 0, utc), meta: RepeatMeta{Type: KindMonth, UserDayOfMonth: 31}, want: time.Date(2025, 5, 31, 9, 0, 0, 0, utc)},
		{name: "month unpinned jan 31 to feb 28", prev: time.Date(2025, 1, 31, 9, 0, 0, 0, utc), meta: RepeatMeta{Type: KindMonth}, want: time.Date(2025, 2, 28, 9, 0, 0, 0, utc)},
		{name: "month leap year", prev: time.Date(2024, 1, 30, 9, 0, 0, 0, utc), meta: RepeatMeta{Type: KindMonth, UserDayOfMonth: 30}, want: time.Date(2024, 2, 29, 9, 0, 0, 0, utc)},
		{name: "month across year", prev: time.Date(2025, 12, 15, 9, 0, 0, 0, utc), meta: RepeatMeta{Type: KindMonth, UserDayOfMonth: 15}, want: time.Date(2026, 1, 15, 9, 0, 0, 0, utc)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := Next(tt.prev, tt.meta, utc)
			if !ok {
				t.Fatalf("Next(%s) reported no occurrence", tt.meta.Type)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("Next = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextUnknownKindIsTerminal(t *testing.T) {
	t.Parallel()
	if _, ok := Next(time.Now(), RepeatMeta{Type: "fortnight"}, time.UTC); ok {
		t.Fatal("unknown kind should have no next occurrence")
	}
}

func TestNextAfterSkipsMissedOccurrences(t *testing.T) {
	t.Parallel()
	prev := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	now := time.Date(2025, 7, 4, 12, 0, 0, 0, time.UTC)

	got, ok := NextAfter(prev, now, RepeatMeta{Type: KindDay}, time.UTC)
	if !ok {
		t.Fatal("NextAfter reported no occurrence")
	}
	want := time.Date(2025, 7, 5, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextAfter = %v, want %v", got, want)
	}
}

func TestNormalizeKind(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]string{"Daily": KindDay, "monthly": KindMonth, " TUESDAY ": "tuesday", "hour": KindHour} {
		if got := NormalizeKind(in); got != want {
			t.Fatalf("NormalizeKind(%q) = %q, want %q", in, got, want)
		}
	}
}
