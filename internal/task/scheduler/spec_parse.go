package scheduler

import (
	"fmt"
	"strings"
	"time"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a lifecycle cadence: a five-field cron expression or
// descriptor ("0 22 * * *", "@hourly", "@every 5m"), or a bare Go duration
// ("5m") that runs on a fixed interval. A "cron:" or "every:" prefix forces
// the kind.
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
}

// CronSpec renders p in a form the cron parser accepts.
func (p ParsedSpec) CronSpec() string {
	if p.Kind == SpecInterval {
		return "@every " + p.Every.String()
	}
	return p.Cron
}

// ParseSchedule classifies raw and validates it against the cron parser.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	var ps ParsedSpec
	switch low := strings.ToLower(s); {
	case strings.HasPrefix(low, "cron:"):
		ps = ParsedSpec{Kind: SpecCron, Cron: strings.TrimSpace(s[len("cron:"):])}
	case strings.HasPrefix(low, "every:"):
		d, err := parseEvery(s[len("every:"):])
		if err != nil {
			return ParsedSpec{}, err
		}
		ps = ParsedSpec{Kind: SpecInterval, Every: d}
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		ps = ParsedSpec{Kind: SpecCron, Cron: s}
	default:
		d, err := parseEvery(s)
		if err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid schedule %q: want cron like '*/5 * * * *' or a duration like '5m'", raw)
		}
		ps = ParsedSpec{Kind: SpecInterval, Every: d}
	}

	if ps.Kind == SpecCron {
		if ps.Cron == "" {
			return ParsedSpec{}, fmt.Errorf("cron expression required after 'cron:'")
		}
		if _, err := NewParser().Parse(ps.Cron); err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid cron %q: %w", ps.Cron, err)
		}
	}
	return ps, nil
}

func parseEvery(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval %q must be > 0", v)
	}
	return d, nil
}
