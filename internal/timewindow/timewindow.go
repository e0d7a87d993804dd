// Package timewindow computes the instants and intervals the lifecycle tasks
// select bookings with. All arithmetic happens in one configured zone, and
// every comparison is made on absolute instants.
package timewindow

import (
	"fmt"
	"math"
	"time"
)

// Clock returns the current instant. Tests inject a fixed one.
type Clock func() time.Time

// Interval is [Start, End) when HalfOpen, otherwise [Start, End].
type Interval struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	HalfOpen bool      `json:"half_open,omitempty"`
}

func (iv Interval) Contains(t time.Time) bool {
	if t.Before(iv.Start) {
		return false
	}
	if iv.HalfOpen {
		return t.Before(iv.End)
	}
	return !t.After(iv.End)
}

// Width is the absolute length of the interval.
func (iv Interval) Width() time.Duration { return iv.End.Sub(iv.Start) }

// UTC returns iv with both bounds converted to UTC, for store queries.
func (iv Interval) UTC() Interval {
	return Interval{Start: iv.Start.UTC(), End: iv.End.UTC(), HalfOpen: iv.HalfOpen}
}

func (iv Interval) String() string {
	closing := "]"
	if iv.HalfOpen {
		closing = ")"
	}
	return fmt.Sprintf("[%s, %s%s", iv.Start.Format(time.RFC3339), iv.End.Format(time.RFC3339), closing)
}

// Remaining is the signed distance to a target instant.
type Remaining struct {
	Total   time.Duration
	Hours   int
	Minutes int
	Past    bool
}

type Calculator struct {
	loc   *time.Location
	clock Clock
}

// New returns a Calculator for the named IANA zone. An empty name means UTC.
func New(zone string, clock Clock) (*Calculator, error) {
	loc := time.UTC
	if zone != "" {
		l, err := time.LoadLocation(zone)
		if err != nil {
			return nil, fmt.Errorf("timewindow: load zone %q: %w", zone, err)
		}
		loc = l
	}
	return NewIn(loc, clock), nil
}

func NewIn(loc *time.Location, clock Clock) *Calculator {
	if loc == nil {
		loc = time.UTC
	}
	if clock == nil {
		clock = time.Now
	}
	return &Calculator{loc: loc, clock: clock}
}

func (c *Calculator) Location() *time.Location { return c.loc }

// Now is the current instant expressed in the calculator's zone.
func (c *Calculator) Now() time.Time { return c.clock().In(c.loc) }

// NextLocalDay covers tomorrow's local calendar day, midnight to midnight.
// Its UTC width is 23h or 25h on DST transition days.
func (c *Calculator) NextLocalDay() Interval {
	now := c.Now()
	y, m, d := now.Date()
	start := time.Date(y, m, d+1, 0, 0, 0, 0, c.loc)
	end := time.Date(y, m, d+2, 0, 0, 0, 0, c.loc)
	return Interval{Start: start, End: end, HalfOpen: true}
}

// Window is the closed interval [center-margin, center+margin]. Fractional
// minutes are rounded to whole seconds; a positive margin is at least 1s.
func (c *Calculator) Window(center time.Time, marginMinutes float64) Interval {
	m := marginDuration(marginMinutes)
	center = center.In(c.loc)
	return Interval{Start: center.Add(-m), End: center.Add(m)}
}

func marginDuration(minutes float64) time.Duration {
	if minutes <= 0 || math.IsNaN(minutes) {
		return 0
	}
	secs := math.Round(minutes * 60)
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// TimeUntil reports how far target is from now.
func (c *Calculator) TimeUntil(target time.Time) Remaining {
	d := target.Sub(c.clock())
	abs := d
	if abs < 0 {
		abs = -abs
	}
	return Remaining{
		Total:   d,
		Hours:   int(abs / time.Hour),
		Minutes: int((abs % time.Hour) / time.Minute),
		Past:    d < 0,
	}
}
