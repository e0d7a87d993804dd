// Package recurrence expands a recurrence pattern into concrete future bookings.
package recurrence

import (
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"dispatchd/internal/booking"

	"github.com/google/uuid"
)

// DefaultMaxOccurrences caps a single expansion.
const DefaultMaxOccurrences = 1000

// Expander generates bookings in one local zone so that the anchor's wall
// clock time is kept across DST changes.
type Expander struct {
	loc   atomic.Pointer[time.Location]
	max   int
	newID func() string
}

type Option func(*Expander)

// WithMaxOccurrences overrides DefaultMaxOccurrences.
func WithMaxOccurrences(n int) Option {
	return func(e *Expander) {
		if n > 0 {
			e.max = n
		}
	}
}

// WithIDs replaces uuid generation, for deterministic tests.
func WithIDs(fn func() string) Option {
	return func(e *Expander) {
		if fn != nil {
			e.newID = fn
		}
	}
}

func New(loc *time.Location, opts ...Option) *Expander {
	if loc == nil {
		loc = time.UTC
	}
	e := &Expander{max: DefaultMaxOccurrences, newID: uuid.NewString}
	e.loc.Store(loc)
	for _, o := range opts {
		o(e)
	}
	return e
}

// Location is the zone local dates are taken in.
func (e *Expander) Location() *time.Location { return e.loc.Load() }

// SetLocation switches the zone for later expansions. nil is ignored.
func (e *Expander) SetLocation(loc *time.Location) {
	if loc != nil {
		e.loc.Store(loc)
	}
}

// Expand returns one booking per qualifying local date strictly after the
// anchor's local date, through the end date inclusive (or one year after the
// anchor date when the pattern has none). Dates before the pattern start are
// skipped. The result is ordered by date and does not include the anchor.
func (e *Expander) Expand(p booking.RecurrencePattern, anchor booking.Booking) ([]booking.Booking, error) {
	if !p.Type.Valid() {
		return nil, fmt.Errorf("%w: recurrence type %q", booking.ErrInvalidInput, p.Type)
	}
	if anchor.ScheduledAt.IsZero() {
		return nil, fmt.Errorf("%w: anchor scheduled_at is required", booking.ErrInvalidInput)
	}
	for _, wd := range p.Weekdays {
		if wd < time.Sunday || wd > time.Saturday {
			return nil, fmt.Errorf("%w: weekday %d", booking.ErrInvalidInput, wd)
		}
	}

	loc := e.loc.Load()
	local := anchor.ScheduledAt.In(loc)
	ay, am, ad := local.Date()
	first := calendarDay(local.AddDate(0, 0, 1))
	if start := calendarDay(p.StartDate); !p.StartDate.IsZero() && start.After(first) {
		first = start
	}
	last := time.Date(ay+1, am, ad, 0, 0, 0, 0, time.UTC)
	if p.EndDate != nil {
		last = calendarDay(*p.EndDate)
	}
	if first.After(last) {
		return nil, nil
	}

	var dates []time.Time
	switch p.Type {
	case booking.RecurrenceDaily:
		dates = e.daily(first, last)
	case booking.RecurrenceWeekly:
		if len(p.Weekdays) == 0 {
			return nil, nil
		}
		dates = e.weekly(first, last, p.Weekdays)
	case booking.RecurrenceMonthly:
		dates = e.monthly(ay, am, ad, first, last)
	}
	if len(dates) > e.max {
		return nil, fmt.Errorf("%w: recurrence produces %d bookings, limit is %d", booking.ErrInvalidInput, len(dates), e.max)
	}

	h, mi, sec := local.Clock()
	out := make([]booking.Booking, 0, len(dates))
	for _, d := range dates {
		b := anchor
		b.ID = e.newID()
		b.ScheduledAt = time.Date(d.Year(), d.Month(), d.Day(), h, mi, sec, 0, loc).UTC()
		b.RecurrenceID = p.ID
		b.RideID = ""
		b.Status = booking.StatusPending
		if b.HasDriver() {
			b.Status = booking.StatusAssigned
		}
		out = append(out, b)
	}
	return out, nil
}

func (e *Expander) daily(first, last time.Time) []time.Time {
	var out []time.Time
	for d := first; !d.After(last); d = nextDay(d) {
		out = append(out, d)
	}
	return out
}

func (e *Expander) weekly(first, last time.Time, days []time.Weekday) []time.Time {
	var out []time.Time
	for d := first; !d.After(last); d = nextDay(d) {
		if slices.Contains(days, d.Weekday()) {
			out = append(out, d)
		}
	}
	return out
}

// monthly keeps the anchor's day of month, using the month's last day when
// the month is shorter.
func (e *Expander) monthly(ay int, am time.Month, ad int, first, last time.Time) []time.Time {
	var out []time.Time
	for k := 1; ; k++ {
		monthStart := time.Date(ay, am+time.Month(k), 1, 0, 0, 0, 0, time.UTC)
		if monthStart.After(last) {
			return out
		}
		day := min(ad, daysIn(monthStart.Year(), monthStart.Month()))
		d := time.Date(monthStart.Year(), monthStart.Month(), day, 0, 0, 0, 0, time.UTC)
		if d.Before(first) || d.After(last) {
			continue
		}
		out = append(out, d)
	}
}

func calendarDay(t time.Time) time.Time { return booking.CalendarDay(t) }

func nextDay(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day()+1, 0, 0, 0, 0, time.UTC)
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
