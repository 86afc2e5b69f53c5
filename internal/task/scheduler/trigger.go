package scheduler

import (
	"errors"
	"strings"
	"sync"
	"time"

	"sundial/internal/task/recurrence"
)

// TriggerOptions define a trigger when it is added to a job.
type TriggerOptions struct {
	ID string
	// Schedule is parsed by recurrence.Parse unless Strategy is set.
	Schedule    string
	Strategy    recurrence.Strategy
	Description string

	// MaxNumberOfRuns exhausts the trigger after that many runs. 0 = unlimited.
	MaxNumberOfRuns int64
	// MaxNumberOfErrors pauses the trigger after that many failed runs. 0 = unlimited.
	MaxNumberOfErrors int64
	// NumRetries extra attempts are made after a failure, RetryTimeout apart.
	NumRetries   int
	RetryTimeout time.Duration
	// Timeout bounds one attempt. 0 uses the executor default.
	Timeout time.Duration

	StartTime time.Time
	EndTime   time.Time
	// RunOnStart fires once as soon as the trigger is scheduled.
	RunOnStart   bool
	AllowOverlap bool
	// Paused registers the trigger in the Paused state.
	Paused bool
}

var (
	ErrJobExists       = errors.New("job already exists")
	ErrTriggerExists   = errors.New("trigger already exists")
	ErrInvalidArgument = errors.New("invalid argument")
)

// ResultOf maps a registration error onto a ScheduleResult.
func ResultOf(err error) ScheduleResult {
	switch {
	case err == nil:
		return Succeed
	case errors.Is(err, ErrJobExists):
		return JobExists
	case errors.Is(err, ErrTriggerExists):
		return TriggerExists
	default:
		return InvalidArgument
	}
}

// Trigger is the mutable state machine behind a TriggerModel.
// Every field below mu is guarded by it.
type Trigger struct {
	id       string
	jobID    string
	owner    *Scheduler
	schedule string
	opts     TriggerOptions
	strategy recurrence.Strategy

	mu             sync.Mutex
	status         TriggerStatus
	next           *time.Time
	last           *time.Time
	lastOccurrence time.Time
	runs           int64
	errs           int64
	inflight       int
	// gen changes whenever next changes; queue entries carrying an older
	// generation are stale.
	gen       uint64
	timelines []TriggerTimeline
	maxLines  int
	updated   time.Time
}

func newTrigger(jobID string, opts TriggerOptions, loc *time.Location, timelineSize int) (*Trigger, error) {
	opts.ID = strings.TrimSpace(opts.ID)
	if opts.ID == "" {
		return nil, errors.Join(ErrInvalidArgument, errors.New("trigger id required"))
	}
	if strings.Contains(opts.ID, "__") {
		return nil, errors.Join(ErrInvalidArgument, errors.New("trigger id must not contain \"__\""))
	}
	strategy := opts.Strategy
	schedule := strings.TrimSpace(opts.Schedule)
	if strategy == nil {
		s, err := recurrence.Parse(schedule, loc)
		if err != nil {
			return nil, errors.Join(ErrInvalidArgument, err)
		}
		strategy = s
	}
	if schedule == "" {
		schedule = strategy.String()
	}
	if !opts.StartTime.IsZero() || !opts.EndTime.IsZero() {
		if !opts.EndTime.IsZero() && opts.EndTime.Before(opts.StartTime) {
			return nil, errors.Join(ErrInvalidArgument, errors.New("end time before start time"))
		}
		strategy = recurrence.Window{Strategy: strategy, Start: opts.StartTime, End: opts.EndTime}
	}
	if timelineSize <= 0 {
		timelineSize = 10
	}

	t := &Trigger{
		id:       opts.ID,
		jobID:    jobID,
		schedule: schedule,
		opts:     opts,
		strategy: strategy,
		status:   StatusReady,
		maxLines: timelineSize,
	}
	if opts.Paused {
		t.status = StatusPaused
	}
	return t, nil
}

func (t *Trigger) ID() string { return t.id }

// Snapshot returns a copy of the trigger's current state.
func (t *Trigger) Snapshot() TriggerModel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Trigger) snapshotLocked() TriggerModel {
	m := TriggerModel{
		TriggerID:         t.id,
		JobID:             t.jobID,
		Schedule:          t.schedule,
		Description:       t.opts.Description,
		Status:            t.status,
		StatusText:        t.status.String(),
		LastRunTime:       copyTime(t.last),
		NextRunTime:       copyTime(t.next),
		NumberOfRuns:      t.runs,
		MaxNumberOfRuns:   t.opts.MaxNumberOfRuns,
		NumberOfErrors:    t.errs,
		MaxNumberOfErrors: t.opts.MaxNumberOfErrors,
		NumRetries:        t.opts.NumRetries,
		RetryTimeout:      t.opts.RetryTimeout.Milliseconds(),
		RunOnStart:        t.opts.RunOnStart,
		AllowOverlap:      t.opts.AllowOverlap,
		InFlight:          t.inflight,
	}
	if !t.opts.StartTime.IsZero() {
		m.StartTime = copyTime(&t.opts.StartTime)
	}
	if !t.opts.EndTime.IsZero() {
		m.EndTime = copyTime(&t.opts.EndTime)
	}
	if !t.updated.IsZero() {
		m.UpdatedTime = copyTime(&t.updated)
	}
	return m
}

// Timelines returns the trigger's recent runs, newest first.
func (t *Trigger) Timelines() []TriggerTimeline {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TriggerTimeline, len(t.timelines))
	for i, tl := range t.timelines {
		out[len(out)-1-i] = tl
	}
	return out
}

// computeNextLocked asks the strategy for the occurrence after prev. Runs
// already in flight count towards MaxNumberOfRuns.
func (t *Trigger) computeNextLocked(prev, now time.Time) *time.Time {
	if t.opts.MaxNumberOfRuns > 0 && t.runs+int64(t.inflight) >= t.opts.MaxNumberOfRuns {
		return nil
	}
	next, ok := t.strategy.Next(prev, now)
	if !ok {
		return nil
	}
	return &next
}

func (t *Trigger) setNextLocked(next *time.Time) {
	t.next = next
	t.gen++
}

// queueEntryLocked returns the entry to enqueue for the current next run, if any.
func (t *Trigger) queueEntryLocked() (queueEntry, bool) {
	if t.next == nil || (t.status != StatusReady && t.status != StatusRunning) {
		return queueEntry{}, false
	}
	return queueEntry{at: *t.next, trig: t, gen: t.gen}, true
}

// scheduleFirst sets the first next-run time. A restored trigger keeps its
// counters but never fires retroactively.
func (t *Trigger) scheduleFirst(now time.Time) (queueEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusRemoved {
		return queueEntry{}, false
	}
	if t.opts.RunOnStart && t.runs == 0 && t.lastOccurrence.IsZero() {
		n := now
		t.setNextLocked(&n)
	} else {
		t.setNextLocked(t.computeNextLocked(t.lastOccurrence, now))
	}
	return t.queueEntryLocked()
}

type fireResult int

const (
	fireSkip fireResult = iota
	fireRun
	fireBlocked
)

// fire claims the occurrence behind a queue entry. On fireRun the trigger is
// Running with next already advanced; on fireBlocked the missed occurrence is
// kept so it fires once the in-flight run completes.
func (t *Trigger) fire(gen uint64, now time.Time, overlap bool) (res fireResult, occurrence time.Time, snap TriggerModel, requeue queueEntry, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.gen || t.next == nil {
		return fireSkip, time.Time{}, TriggerModel{}, queueEntry{}, false
	}
	if t.status != StatusReady && t.status != StatusRunning {
		return fireSkip, time.Time{}, TriggerModel{}, queueEntry{}, false
	}
	if !overlap && t.inflight > 0 {
		t.status = StatusBlocked
		t.updated = now
		return fireBlocked, *t.next, t.snapshotLocked(), queueEntry{}, false
	}

	occurrence = *t.next
	t.lastOccurrence = occurrence
	t.inflight++
	t.status = StatusRunning
	t.updated = now
	t.setNextLocked(t.computeNextLocked(occurrence, now))
	requeue, ok = t.queueEntryLocked()
	return fireRun, occurrence, t.snapshotLocked(), requeue, ok
}

// beginManual registers a manual run. It leaves next untouched.
func (t *Trigger) beginManual(now time.Time) (TriggerModel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusRemoved {
		return TriggerModel{}, false
	}
	t.inflight++
	if t.status == StatusReady {
		t.status = StatusRunning
	}
	t.updated = now
	return t.snapshotLocked(), true
}

// abort releases a claimed run that never started.
func (t *Trigger) abort(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inflight > 0 {
		t.inflight--
	}
	if t.inflight == 0 && (t.status == StatusRunning || t.status == StatusBlocked) {
		t.status = StatusReady
	}
	t.updated = now
}

type completion struct {
	runID      string
	mode       RunMode
	occurrence time.Time
	outcome    Outcome
	result     string
	elapsed    time.Duration
	now        time.Time
}

// complete records a finished run and returns its timeline entry. requeue is
// set when a Blocked trigger became Ready again and its missed occurrence
// must be offered to the dispatch loop.
func (t *Trigger) complete(c completion) (tl TriggerTimeline, requeue queueEntry, ok bool, pausedByErrors bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.inflight > 0 {
		t.inflight--
	}
	t.runs++
	if c.outcome == OutcomeFailed {
		t.errs++
	}
	occ := c.occurrence
	t.last = &occ
	t.updated = c.now

	wasBlocked := t.status == StatusBlocked
	if t.inflight == 0 && (t.status == StatusRunning || t.status == StatusBlocked) {
		t.status = StatusReady
	}
	if t.opts.MaxNumberOfRuns > 0 && t.runs >= t.opts.MaxNumberOfRuns && t.next != nil {
		t.setNextLocked(nil)
	}
	if t.opts.MaxNumberOfErrors > 0 && t.errs >= t.opts.MaxNumberOfErrors &&
		t.status != StatusPaused && t.status != StatusRemoved {
		t.status = StatusPaused
		t.gen++
		pausedByErrors = true
	}

	tl = TriggerTimeline{
		JobID:          t.jobID,
		TriggerID:      t.id,
		RunID:          c.runID,
		NumberOfRuns:   t.runs,
		OccurrenceTime: c.occurrence,
		NextRunTime:    copyTime(t.next),
		CreatedTime:    c.now,
		Status:         t.status,
		Outcome:        c.outcome,
		Mode:           c.mode,
		ElapsedTime:    c.elapsed.Milliseconds(),
		Result:         c.result,
	}
	t.timelines = append(t.timelines, tl)
	if over := len(t.timelines) - t.maxLines; over > 0 {
		t.timelines = append(t.timelines[:0:0], t.timelines[over:]...)
	}

	if wasBlocked && t.status == StatusReady {
		requeue, ok = t.queueEntryLocked()
	}
	return tl, requeue, ok, pausedByErrors
}

// pause reports whether the status changed.
func (t *Trigger) pause(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusPaused || t.status == StatusRemoved {
		return false
	}
	t.status = StatusPaused
	t.gen++
	t.updated = now
	return true
}

// start resumes a paused trigger with next recomputed from now.
func (t *Trigger) start(now time.Time) (entry queueEntry, ok bool, changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusPaused {
		return queueEntry{}, false, false
	}
	t.status = StatusReady
	if t.inflight > 0 {
		t.status = StatusRunning
	}
	t.updated = now
	t.setNextLocked(t.computeNextLocked(t.lastOccurrence, now))
	entry, ok = t.queueEntryLocked()
	return entry, ok, true
}

func (t *Trigger) remove(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusRemoved
	t.updated = now
	t.setNextLocked(nil)
}

func (t *Trigger) removed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status == StatusRemoved
}

// restore applies persisted counters and status. Transient states come back as Ready.
func (t *Trigger) restore(status TriggerStatus, runs, errs int64, last *time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs = runs
	t.errs = errs
	t.last = copyTime(last)
	if last != nil {
		t.lastOccurrence = *last
	}
	switch status {
	case StatusPaused:
		t.status = StatusPaused
	case StatusRemoved:
	default:
		t.status = StatusReady
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
