package recurrence

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Strategy answers "when is the next occurrence?".
//
// prev is the last occurrence that actually fired (zero if none), now is the
// current instant. The returned instant is strictly after now unless the
// strategy deliberately reports a late one-shot. ok=false means exhausted.
type Strategy interface {
	Next(prev, now time.Time) (next time.Time, ok bool)
	String() string
}

// Func adapts a plain function into a Strategy.
type Func func(prev, now time.Time) (time.Time, bool)

func (f Func) Next(prev, now time.Time) (time.Time, bool) { return f(prev, now) }
func (f Func) String() string                             { return "func" }

// Cron fires on a robfig/cron schedule.
type Cron struct {
	Expr     string
	Schedule cron.Schedule
}

func (c Cron) Next(prev, now time.Time) (time.Time, bool) {
	base := now
	if prev.After(base) {
		base = prev
	}
	next := c.Schedule.Next(base)
	// robfig/cron reports an unsatisfiable expression with the zero time.
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

func (c Cron) String() string { return c.Expr }

// Interval fires every Every, keeping its phase while on time and
// restarting from now once it falls behind (no burst of catch-up runs).
type Interval struct {
	Every time.Duration
}

func (i Interval) Next(prev, now time.Time) (time.Time, bool) {
	if i.Every <= 0 {
		return time.Time{}, false
	}
	if !prev.IsZero() {
		if next := prev.Add(i.Every); next.After(now) {
			return next, true
		}
	}
	return now.Add(i.Every), true
}

func (i Interval) String() string { return "every " + i.Every.String() }

// Once fires a single time at At. An instant already in the past fires as
// soon as possible.
type Once struct {
	At time.Time
}

func (o Once) Next(prev, now time.Time) (time.Time, bool) {
	if !prev.IsZero() || o.At.IsZero() {
		return time.Time{}, false
	}
	if o.At.After(now) {
		return o.At, true
	}
	return now, true
}

func (o Once) String() string { return "at " + o.At.Format(time.RFC3339) }

// Window restricts s to [Start, End]. Zero bounds are open.
type Window struct {
	Strategy   Strategy
	Start, End time.Time
}

func (w Window) Next(prev, now time.Time) (time.Time, bool) {
	if w.Strategy == nil {
		return time.Time{}, false
	}
	if !w.Start.IsZero() && now.Before(w.Start) {
		now = w.Start
	}
	next, ok := w.Strategy.Next(prev, now)
	if !ok {
		return time.Time{}, false
	}
	if !w.End.IsZero() && next.After(w.End) {
		return time.Time{}, false
	}
	return next, true
}

func (w Window) String() string {
	if w.Strategy == nil {
		return ""
	}
	return w.Strategy.String()
}
