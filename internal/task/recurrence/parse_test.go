package recurrence

import (
	"testing"
	"time"
)

func TestParseSpec(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in    string
		kind  Kind
		every time.Duration
		cron  string
		err   bool
	}{
		{in: "*/5 * * * *", kind: KindCron, cron: "*/5 * * * *"},
		{in: "@hourly", kind: KindCron, cron: "@hourly"},
		{in: "cron: 0 3 * * *", kind: KindCron, cron: "0 3 * * *"},
		{in: "1s", kind: KindInterval, every: time.Second},
		{in: "02:30", kind: KindInterval, every: 2*time.Hour + 30*time.Minute},
		{in: "every: 00:50", kind: KindInterval, every: 50 * time.Minute},
		{in: "interval:2h", kind: KindInterval, every: 2 * time.Hour},
		{in: "at:2030-01-02T03:04:05Z", kind: KindOnce},
		{in: "2030-01-02T03:04:05Z", kind: KindOnce},
		{in: "", err: true},
		{in: "cron:", err: true},
		{in: "0s", err: true},
		{in: "00:61", err: true},
		{in: "banana", err: true},
		{in: "once:tomorrow", err: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			sp, err := ParseSpec(tc.in)
			if tc.err {
				if err == nil {
					t.Fatalf("expected error, got %+v", sp)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sp.Kind != tc.kind {
				t.Fatalf("kind=%v want %v", sp.Kind, tc.kind)
			}
			if tc.every != 0 && sp.Every != tc.every {
				t.Fatalf("every=%v want %v", sp.Every, tc.every)
			}
			if tc.cron != "" && sp.Cron != tc.cron {
				t.Fatalf("cron=%q want %q", sp.Cron, tc.cron)
			}
		})
	}
}

func TestParseRejectsBadCron(t *testing.T) {
	t.Parallel()

	if _, err := Parse("61 * * * *", time.UTC); err == nil {
		t.Fatalf("expected invalid cron to fail")
	}
}

func TestCronNextUsesLocation(t *testing.T) {
	t.Parallel()

	s, err := Parse("0 3 * * *", time.UTC)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	now := time.Date(2026, 5, 1, 4, 0, 0, 0, time.UTC)
	next, ok := s.Next(time.Time{}, now)
	if !ok {
		t.Fatalf("unexpected exhaustion")
	}
	want := time.Date(2026, 5, 2, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next=%v want %v", next, want)
	}
}

func TestIntervalKeepsPhaseUntilBehind(t *testing.T) {
	t.Parallel()

	iv := Interval{Every: time.Second}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	next, _ := iv.Next(time.Time{}, base)
	if !next.Equal(base.Add(time.Second)) {
		t.Fatalf("first next=%v", next)
	}
	// On time: phase preserved.
	next, _ = iv.Next(base.Add(time.Second), base.Add(time.Second+10*time.Millisecond))
	if !next.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("on-time next=%v", next)
	}
	// Behind by several periods: one period from now, no catch-up burst.
	now := base.Add(10 * time.Second)
	next, _ = iv.Next(base.Add(time.Second), now)
	if !next.Equal(now.Add(time.Second)) {
		t.Fatalf("behind next=%v", next)
	}
}

func TestOnceFiresSingleTime(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	o := Once{At: at}
	next, ok := o.Next(time.Time{}, at.Add(-time.Hour))
	if !ok || !next.Equal(at) {
		t.Fatalf("next=%v ok=%v", next, ok)
	}
	if _, ok := o.Next(at, at.Add(time.Minute)); ok {
		t.Fatalf("expected exhaustion after firing")
	}
	late := at.Add(time.Hour)
	if next, ok := o.Next(time.Time{}, late); !ok || !next.Equal(late) {
		t.Fatalf("late once next=%v ok=%v", next, ok)
	}
}

func TestWindowBounds(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := Window{Strategy: Interval{Every: time.Minute}, Start: start, End: start.Add(90 * time.Second)}

	next, ok := w.Next(time.Time{}, start.Add(-time.Hour))
	if !ok || !next.Equal(start.Add(time.Minute)) {
		t.Fatalf("next=%v ok=%v", next, ok)
	}
	if _, ok := w.Next(next, next.Add(time.Second)); ok {
		t.Fatalf("expected exhaustion past end")
	}
}
