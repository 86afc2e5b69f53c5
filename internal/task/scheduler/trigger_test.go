package scheduler

import (
	"errors"
	"testing"
	"time"

	"sundial/internal/task/recurrence"
)

func mustTrigger(t *testing.T, opts TriggerOptions) *Trigger {
	t.Helper()
	tr, err := newTrigger("job", opts, time.UTC, 3)
	if err != nil {
		t.Fatalf("newTrigger: %v", err)
	}
	return tr
}

func TestNewTriggerValidation(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		opts TriggerOptions
		want ScheduleResult
	}{
		{"ok", TriggerOptions{ID: "t1", Schedule: "every:1m"}, Succeed},
		{"missing id", TriggerOptions{Schedule: "every:1m"}, InvalidArgument},
		{"separator in id", TriggerOptions{ID: "a__b", Schedule: "every:1m"}, InvalidArgument},
		{"bad schedule", TriggerOptions{ID: "t1", Schedule: "nonsense"}, InvalidArgument},
		{"end before start", TriggerOptions{ID: "t1", Schedule: "every:1m", StartTime: now, EndTime: now.Add(-time.Hour)}, InvalidArgument},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := newTrigger("job", tc.opts, time.UTC, 0)
			if got := ResultOf(err); got != tc.want {
				t.Fatalf("result=%s want %s (err=%v)", got, tc.want, err)
			}
		})
	}
}

func TestResultOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want ScheduleResult
	}{
		{nil, Succeed},
		{ErrJobExists, JobExists},
		{ErrTriggerExists, TriggerExists},
		{ErrInvalidArgument, InvalidArgument},
		{errors.New("other"), InvalidArgument},
	}
	for _, tc := range cases {
		if got := ResultOf(tc.err); got != tc.want {
			t.Fatalf("ResultOf(%v)=%s want %s", tc.err, got, tc.want)
		}
	}
}

func TestFireAdvancesNextAndSkipsStaleEntries(t *testing.T) {
	t.Parallel()

	tr := mustTrigger(t, TriggerOptions{ID: "t1", Strategy: recurrence.Interval{Every: time.Minute}})
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	e, ok := tr.scheduleFirst(now)
	if !ok || !e.at.Equal(now.Add(time.Minute)) {
		t.Fatalf("first entry=%v ok=%v", e.at, ok)
	}

	due := e.at
	res, occ, snap, next, ok := tr.fire(e.gen, due, false)
	if res != fireRun || !occ.Equal(due) {
		t.Fatalf("fire=%v occurrence=%v", res, occ)
	}
	if snap.Status != StatusRunning || snap.InFlight != 1 {
		t.Fatalf("status=%s inflight=%d", snap.Status, snap.InFlight)
	}
	if !ok || !next.at.Equal(due.Add(time.Minute)) {
		t.Fatalf("next entry=%v ok=%v", next.at, ok)
	}

	if res, _, _, _, _ := tr.fire(e.gen, due, false); res != fireSkip {
		t.Fatalf("stale entry fired: %v", res)
	}
}

func TestBlockedTriggerFiresMissedOccurrenceOnce(t *testing.T) {
	t.Parallel()

	tr := mustTrigger(t, TriggerOptions{ID: "t1", Strategy: recurrence.Interval{Every: time.Second}})
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	e, _ := tr.scheduleFirst(now)

	_, occ, _, second, _ := tr.fire(e.gen, e.at, false)
	res, missed, snap, _, ok := tr.fire(second.gen, second.at, false)
	if res != fireBlocked || ok {
		t.Fatalf("second fire=%v ok=%v, want blocked", res, ok)
	}
	if snap.Status != StatusBlocked || !missed.Equal(second.at) {
		t.Fatalf("status=%s missed=%v", snap.Status, missed)
	}

	done := second.at.Add(2500 * time.Millisecond)
	tl, requeue, ok, _ := tr.complete(completion{runID: "r1", occurrence: occ, outcome: OutcomeSucceeded, now: done})
	if !ok || !requeue.at.Equal(second.at) {
		t.Fatalf("requeue=%v ok=%v, want the missed occurrence", requeue.at, ok)
	}
	if tl.Status != StatusReady || tl.NumberOfRuns != 1 {
		t.Fatalf("timeline status=%s runs=%d", tl.Status, tl.NumberOfRuns)
	}

	res, occ2, _, after, ok := tr.fire(requeue.gen, done, false)
	if res != fireRun || !occ2.Equal(second.at) {
		t.Fatalf("missed occurrence fire=%v occ=%v", res, occ2)
	}
	if !ok || !after.at.After(done) {
		t.Fatalf("next=%v must be after %v", after.at, done)
	}
}

func TestPauseAndStartDoNotFireRetroactively(t *testing.T) {
	t.Parallel()

	tr := mustTrigger(t, TriggerOptions{ID: "t1", Strategy: recurrence.Interval{Every: time.Second}})
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	e, _ := tr.scheduleFirst(now)

	if !tr.pause(now) {
		t.Fatalf("pause reported no change")
	}
	if tr.pause(now) {
		t.Fatalf("second pause reported a change")
	}
	if res, _, _, _, _ := tr.fire(e.gen, e.at, false); res != fireSkip {
		t.Fatalf("paused trigger fired")
	}

	later := now.Add(time.Hour)
	entry, ok, changed := tr.start(later)
	if !changed || !ok {
		t.Fatalf("start changed=%v ok=%v", changed, ok)
	}
	if !entry.at.After(later) {
		t.Fatalf("next=%v must be after resume time %v", entry.at, later)
	}
	if _, _, changed := tr.start(later); changed {
		t.Fatalf("start of a ready trigger reported a change")
	}
}

func TestManualRunLeavesNextUntouched(t *testing.T) {
	t.Parallel()

	tr := mustTrigger(t, TriggerOptions{ID: "t1", Strategy: recurrence.Interval{Every: time.Hour}, Paused: true})
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	tr.scheduleFirst(now)
	before := tr.Snapshot().NextRunTime

	snap, ok := tr.beginManual(now)
	if !ok || snap.Status != StatusPaused {
		t.Fatalf("manual on paused: ok=%v status=%s", ok, snap.Status)
	}
	tl, _, _, _ := tr.complete(completion{runID: "m", mode: ModeManual, occurrence: now, outcome: OutcomeSucceeded, now: now})
	after := tr.Snapshot()
	if after.Status != StatusPaused {
		t.Fatalf("status=%s want Paused", after.Status)
	}
	if (before == nil) != (after.NextRunTime == nil) || (before != nil && !before.Equal(*after.NextRunTime)) {
		t.Fatalf("next changed from %v to %v", before, after.NextRunTime)
	}
	if tl.Mode != ModeManual || after.NumberOfRuns != 1 {
		t.Fatalf("mode=%s runs=%d", tl.Mode, after.NumberOfRuns)
	}
}

func TestLimitsExhaustAndPause(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	runs := mustTrigger(t, TriggerOptions{ID: "runs", Strategy: recurrence.Interval{Every: time.Second}, MaxNumberOfRuns: 1})
	e, _ := runs.scheduleFirst(now)
	_, occ, _, _, ok := runs.fire(e.gen, e.at, false)
	if ok {
		t.Fatalf("a trigger at its run limit must not requeue")
	}
	runs.complete(completion{occurrence: occ, outcome: OutcomeSucceeded, now: e.at})
	if s := runs.Snapshot(); s.NextRunTime != nil || s.NumberOfRuns != 1 {
		t.Fatalf("next=%v runs=%d", s.NextRunTime, s.NumberOfRuns)
	}

	errs := mustTrigger(t, TriggerOptions{ID: "errs", Strategy: recurrence.Interval{Every: time.Second}, MaxNumberOfErrors: 2})
	errs.scheduleFirst(now)
	var paused bool
	for i := 0; i < 2; i++ {
		errs.beginManual(now)
		_, _, _, paused = errs.complete(completion{occurrence: now, outcome: OutcomeFailed, now: now.Add(time.Duration(i) * time.Second)})
	}
	if !paused {
		t.Fatalf("trigger not paused after reaching its error limit")
	}
	if s := errs.Snapshot(); s.Status != StatusPaused || s.NumberOfErrors != 2 {
		t.Fatalf("status=%s errors=%d", s.Status, s.NumberOfErrors)
	}
}

func TestTimelineRingKeepsNewest(t *testing.T) {
	t.Parallel()

	tr := mustTrigger(t, TriggerOptions{ID: "t1", Strategy: recurrence.Interval{Every: time.Second}})
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		tr.beginManual(now)
		tr.complete(completion{runID: string(rune('a' + i)), occurrence: now, outcome: OutcomeSucceeded, now: now.Add(time.Duration(i) * time.Second)})
	}
	tl := tr.Timelines()
	if len(tl) != 3 {
		t.Fatalf("len=%d want 3", len(tl))
	}
	if tl[0].RunID != "e" || tl[2].RunID != "c" {
		t.Fatalf("order=%s,%s,%s want e,d,c", tl[0].RunID, tl[1].RunID, tl[2].RunID)
	}
}

func TestRunOnStartAndRestore(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	tr := mustTrigger(t, TriggerOptions{ID: "t1", Strategy: recurrence.Interval{Every: time.Hour}, RunOnStart: true})
	if e, ok := tr.scheduleFirst(now); !ok || !e.at.Equal(now) {
		t.Fatalf("run-on-start entry=%v ok=%v", e.at, ok)
	}

	last := now.Add(-10 * time.Minute)
	restored := mustTrigger(t, TriggerOptions{ID: "t2", Strategy: recurrence.Interval{Every: time.Hour}, RunOnStart: true})
	restored.restore(StatusRunning, 7, 1, &last)
	e, ok := restored.scheduleFirst(now)
	if !ok || !e.at.Equal(last.Add(time.Hour)) {
		t.Fatalf("restored entry=%v ok=%v, want %v", e.at, ok, last.Add(time.Hour))
	}
	if s := restored.Snapshot(); s.Status != StatusReady || s.NumberOfRuns != 7 || s.NumberOfErrors != 1 {
		t.Fatalf("restored state %+v", s)
	}
}
