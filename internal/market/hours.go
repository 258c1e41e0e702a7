package market

import (
	"fmt"
	"strings"
	"time"
)

// Hours is the regular trading session of one exchange.
type Hours struct {
	Open     Clock
	Close    Clock
	Location *time.Location
}

// Clock is a wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

func ParseClock(value string) (Clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return Clock{}, fmt.Errorf("invalid clock %q: %w", value, err)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (c Clock) minutes() int {
	return c.Hour*60 + c.Minute
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func NewHours(open, close, timezone string) (Hours, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return Hours{}, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	o, err := ParseClock(open)
	if err != nil {
		return Hours{}, err
	}
	c, err := ParseClock(close)
	if err != nil {
		return Hours{}, err
	}
	if c.minutes() <= o.minutes() {
		return Hours{}, fmt.Errorf("market close %s must be after open %s", c, o)
	}
	return Hours{Open: o, Close: c, Location: loc}, nil
}

func (h Hours) location() *time.Location {
	if h.Location == nil {
		return time.UTC
	}
	return h.Location
}

// In converts now to the exchange timezone.
func (h Hours) In(now time.Time) time.Time {
	return now.In(h.location())
}

// Contains reports whether now falls inside [Open, Close], both inclusive.
func (h Hours) Contains(now time.Time) bool {
	local := h.In(now)
	m := local.Hour()*60 + local.Minute()
	return m >= h.Open.minutes() && m <= h.Close.minutes()
}

// IsOpen is Contains restricted to weekdays. Exchange holidays are not
// modelled; the broker rejects orders on those days.
func (h Hours) IsOpen(now time.Time) bool {
	switch h.In(now).Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return h.Contains(now)
}

// Today returns the exchange calendar day of now.
func (h Hours) Today(now time.Time) time.Time {
	return DayOf(h.In(now))
}

// Midnight returns the instant the exchange day of now started.
func (h Hours) Midnight(now time.Time) time.Time {
	local := h.In(now)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, local.Location())
}

// DayOf strips the clock from t, keeping its calendar fields, as UTC midnight.
// Persisted dates are compared in this form so that a DATE column read back
// as UTC midnight keeps its calendar day.
func DayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SameDay reports whether the persisted date d is the calendar day day.
func SameDay(d *time.Time, day time.Time) bool {
	return d != nil && !d.IsZero() && DayOf(*d).Equal(DayOf(day))
}

// BeforeDay reports whether the persisted date d is strictly before day.
func BeforeDay(d *time.Time, day time.Time) bool {
	return d != nil && !d.IsZero() && DayOf(*d).Before(DayOf(day))
}
