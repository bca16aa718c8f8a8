package reminder

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MinDuration is the shortest accepted "in" offset.
const MinDuration = 10 * time.Second

// Clock is a wall-clock time of day in 24h form.
type Clock struct {
	Hour   int
	Minute int
}

var (
	durationRe = regexp.MustCompile(`(?i)^(\d*\.?\d+)\s*(ms|msecs?|milliseconds?|s|secs?|seconds?|m|mins?|minutes?|h|hrs?|hours?|d|days?|w|weeks?|y|yrs?|years?)?$`)
	clockRe    = regexp.MustCompile(`(?i)^(\d{1,2}):(\d{2})\s*([ap]m)$`)
	dateRe     = regexp.MustCompile(`^(\d{1,2})-(\d{1,2})-(\d{4})$`)
)

var durationUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
	'y': time.Duration(365.25 * float64(24*time.Hour)),
}

// ParseDuration parses a compact token such as "10s", "5m", "2h", "1d",
// "1.5 hours" or a Go duration such as "1h30m". A bare number is
// milliseconds. Offsets below min are rejected.
func ParseDuration(raw string, min time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidDuration)
	}

	var d time.Duration
	if m := durationRe.FindStringSubmatch(s); m != nil {
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, raw)
		}
		unit := time.Millisecond
		if u := strings.ToLower(m[2]); u != "" && !strings.HasPrefix(u, "ms") && !strings.HasPrefix(u, "mil") {
			unit = durationUnits[u[0]]
		}
		f := n * float64(unit)
		if f > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %q is too large", ErrInvalidDuration, raw)
		}
		d = time.Duration(f)
	} else {
		gd, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, raw)
		}
		d = gd
	}

	if d < min {
		return 0, fmt.Errorf("%w: %q is shorter than %s", ErrInvalidDuration, raw, min)
	}
	return d, nil
}

// ParseClock parses "h:mm AM|PM". The hour must be 1-12 and the minute 0-59.
func ParseClock(raw string) (Clock, error) {
	m := clockRe.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return Clock{}, fmt.Errorf("%w: %q (use h:mm AM|PM)", ErrInvalidTimeFormat, raw)
	}
	h, _ := strconv.Atoi(m[1])
	mi, _ := strconv.Atoi(m[2])
	if h < 1 || h > 12 || mi < 0 || mi > 59 {
		return Clock{}, fmt.Errorf("%w: %q is out of range", ErrInvalidTimeFormat, raw)
	}
	pm := strings.EqualFold(m[3], "pm")
	switch {
	case h == 12 && !pm:
		h = 0
	case h != 12 && pm:
		h += 12
	}
	return Clock{Hour: h, Minute: mi}, nil
}

func (c Clock) on(y int, mo time.Month, d int, loc *time.Location) time.Time {
	return time.Date(y, mo, d, c.Hour, c.Minute, 0, 0, loc)
}

// LoadZone resolves an IANA zone name. An empty name means the user never
// set one.
func LoadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrTimezoneNotSet
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, name)
	}
	return loc, nil
}

// ResolveIn returns now plus the parsed duration.
func ResolveIn(now time.Time, raw string, min time.Duration) (time.Time, error) {
	d, err := ParseDuration(raw, min)
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(d), nil
}

// ResolveAt anchors clock to today in loc. A past time is an error; "at"
// never rolls over to tomorrow.
func ResolveAt(now time.Time, loc *time.Location, clock string) (time.Time, error) {
	if loc == nil {
		return time.Time{}, ErrTimezoneNotSet
	}
	c, err := ParseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(loc)
	at := c.on(local.Year(), local.Month(), local.Day(), loc)
	if !at.After(now) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrTimeAlreadyPassed, at.Format("3:04 PM MST"))
	}
	return at, nil
}

// ResolveOn combines an MM-DD-YYYY date with clock in loc.
func ResolveOn(now time.Time, loc *time.Location, date, clock string) (time.Time, error) {
	if loc == nil {
		return time.Time{}, ErrTimezoneNotSet
	}
	m := dateRe.FindStringSubmatch(strings.TrimSpace(date))
	if m == nil {
		return time.Time{}, fmt.Errorf("%w: %q (use MM-DD-YYYY)", ErrInvalidDateFormat, date)
	}
	c, err := ParseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	mo, _ := strconv.Atoi(m[1])
	d, _ := strconv.Atoi(m[2])
	y, _ := strconv.Atoi(m[3])

	at := c.on(y, time.Month(mo), d, loc)
	// time.Date normalizes Feb 30 into March; reject instead.
	if at.Year() != y || int(at.Month()) != mo || at.Day() != d {
		return time.Time{}, fmt.Errorf("%w: %s is not a calendar date", ErrInvalidDateTime, date)
	}
	if !at.After(now) {
		return time.Time{}, fmt.Errorf("%w: %s %s is in the past", ErrInvalidDateTime, date, clock)
	}
	return at, nil
}

// ResolveEvery computes the first occurrence of a recurring reminder and
// its RepeatMeta. Unlike ResolveAt, a time already past today rolls forward
// to the next qualifying instant.
func ResolveEvery(now time.Time, loc *time.Location, interval, clock string) (time.Time, RepeatMeta, error) {
	if loc == nil {
		return time.Time{}, RepeatMeta{}, ErrTimezoneNotSet
	}
	kind := NormalizeKind(interval)
	if !IsKnownKind(kind) {
		return time.Time{}, RepeatMeta{}, fmt.Errorf("%w: %q", ErrUnknownRecurrenceType, interval)
	}
	c, err := ParseClock(clock)
	if err != nil {
		return time.Time{}, RepeatMeta{}, err
	}

	local := now.In(loc)
	meta := RepeatMeta{Type: kind}

	if wd, ok := weekdays[kind]; ok {
		days := (int(wd) - int(local.Weekday()) + 7) % 7
		at := c.on(local.Year(), local.Month(), local.Day()+days, loc)
		if days == 0 && !at.After(now) {
			at = c.on(local.Year(), local.Month(), local.Day()+7, loc)
		}
		return at, meta, nil
	}

	if kind == KindMonth {
		meta.UserDayOfMonth = local.Day()
	}
	at := c.on(local.Year(), local.Month(), local.Day(), loc)
	for !at.After(now) {
		at, _ = Next(at, meta, loc)
	}
	return at, meta, nil
}
