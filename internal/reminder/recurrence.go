package reminder

import (
	"strings"
	"time"
)

// Recurrence kinds. Weekday names ("monday".."sunday") are kinds too.
const (
	KindHour  = "hour"
	KindDay   = "day"
	KindWeek  = "week"
	KindMonth = "month"
)

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

var kindAliases = map[string]string{
	"hourly":  KindHour,
	"daily":   KindDay,
	"weekly":  KindWeek,
	"monthly": KindMonth,
}

// NormalizeKind lowercases an interval and folds aliases such as "daily".
func NormalizeKind(s string) string {
	k := strings.ToLower(strings.TrimSpace(s))
	if alias, ok := kindAliases[k]; ok {
		return alias
	}
	return k
}

// IsKnownKind reports whether k (already normalized) is a recurrence kind.
func IsKnownKind(k string) bool {
	switch k {
	case KindHour, KindDay, KindWeek, KindMonth:
		return true
	}
	_, ok := weekdays[k]
	return ok
}

// Next computes the occurrence after prev, evaluated in loc.
// ok is false for an unknown kind; callers must end the recurrence.
func Next(prev time.Time, meta RepeatMeta, loc *time.Location) (next time.Time, ok bool) {
	if loc == nil {
		loc = time.UTC
	}
	base := prev.In(loc)

	switch meta.Type {
	case KindHour:
		return base.Add(time.Hour), true
	case KindDay:
		return base.AddDate(0, 0, 1), true
	case KindWeek:
		return base.AddDate(0, 0, 7), true
	case KindMonth:
		next = addMonthsClamped(base, 1, meta.UserDayOfMonth)
		if !next.After(base) {
			next = addMonthsClamped(base, 2, meta.UserDayOfMonth)
		}
		return next, true
	}

	if wd, isWeekday := weekdays[meta.Type]; isWeekday {
		days := (int(wd) - int(base.Weekday()) + 7) % 7
		if days == 0 {
			days = 7
		}
		return base.AddDate(0, 0, days), true
	}
	return time.Time{}, false
}

// NextAfter advances from prev until the result is strictly after now.
// Missed occurrences are skipped, not replayed.
func NextAfter(prev, now time.Time, meta RepeatMeta, loc *time.Location) (time.Time, bool) {
	next, ok := Next(prev, meta, loc)
	for i := 0; ok && !next.After(now); i++ {
		if i >= maxCatchUp {
			return time.Time{}, false
		}
		next, ok = Next(next, meta, loc)
	}
	return next, ok
}

// maxCatchUp bounds NextAfter; an hourly reminder covers more than a year.
const maxCatchUp = 10000

// addMonthsClamped moves t forward n calendar months keeping the wall
// clock. The day is pinDay when set, else t's day, clamped to the last day
// of the target month. time.AddDate would overflow Jan 31 into March.
func addMonthsClamped(t time.Time, n, pinDay int) time.Time {
	y, m, d := t.Date()
	if pinDay > 0 {
		d = pinDay
	}
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
