// Package schedule parses plugin schedule expressions and computes fire times.
//
// Two forms are accepted: a Go duration such as "30s" or "5m" (fixed-interval
// firing anchored at registration time), and a standard five-field cron line
// such as "*/5 * * * *".
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Schedule is a parsed schedule expression.
type Schedule struct {
	raw      string
	interval time.Duration
	cron     cron.Schedule
}

// Parse validates and parses expr. Interval expressions must resolve to a
// positive duration.
func Parse(expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("schedule expression is empty")
	}
	if d, err := time.ParseDuration(expr); err == nil {
		if d <= 0 {
			return Schedule{}, fmt.Errorf("schedule interval %q must be positive", expr)
		}
		return Schedule{raw: expr, interval: d}, nil
	}
	cs, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	return Schedule{raw: expr, cron: cs}, nil
}

// String returns the original expression.
func (s Schedule) String() string {
	return s.raw
}

// Interval returns the fixed interval and true when the schedule is
// interval-based.
func (s Schedule) Interval() (time.Duration, bool) {
	if s.interval > 0 {
		return s.interval, true
	}
	return 0, false
}

// Next returns the first fire time strictly after t. For interval schedules
// the caller supplies the anchor so the fire grid stays drift-free; Next here
// simply advances one interval.
func (s Schedule) Next(t time.Time) time.Time {
	if s.interval > 0 {
		return t.Add(s.interval)
	}
	return s.cron.Next(t)
}

// NthFrom returns the nth fire time after anchor. Interval schedules use
// anchor math so the grid is drift-free; cron schedules step Next n times.
func (s Schedule) NthFrom(anchor time.Time, n int) time.Time {
	if s.interval > 0 {
		return anchor.Add(time.Duration(n) * s.interval)
	}
	t := anchor
	for i := 0; i < n; i++ {
		t = s.cron.Next(t)
	}
	return t
}
