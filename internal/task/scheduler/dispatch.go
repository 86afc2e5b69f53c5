package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"sundial/internal/task/cancel"
	"sundial/internal/task/engine"
	"sundial/pkg/logx"
)

// dispatch is the single loop that fires due triggers. It sleeps until the
// earliest queued instant or until a control operation signals it.
func (f *Factory) dispatch(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		f.metrics.Wakeup()
		now := f.clock.Now()
		for _, e := range f.popDue(now) {
			f.fire(e, now)
		}

		if at, ok := f.nextDue(); ok {
			timer.Reset(max(at.Sub(f.clock.Now()), 0))
		} else {
			timer.Stop()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.wake:
		case <-timer.C:
		}
	}
}

func (f *Factory) fire(e queueEntry, now time.Time) {
	t := e.trig
	s := t.owner
	if s == nil {
		return
	}
	detail := s.Detail()
	overlap := t.opts.AllowOverlap || detail.Concurrent

	res, occurrence, snap, requeue, ok := t.fire(e.gen, now, overlap)
	switch res {
	case fireSkip:
		return
	case fireBlocked:
		f.metrics.Blocked(detail.JobID)
		f.log.Debug("trigger blocked by in-flight run", logx.Job(detail.JobID, t.id, ""), logx.Time("occurrence", occurrence))
		f.publish(EventTriggerBlocked, detail, &snap, nil)
		return
	}
	if ok {
		f.enqueue(requeue)
	}
	if !f.launch(s, t, detail, snap, occurrence, ModeScheduled) {
		t.abort(now)
	}
}

// runManual starts a run outside the schedule.
func (f *Factory) runManual(s *Scheduler, t *Trigger) ScheduleResult {
	if !f.running() {
		f.metrics.Control("run", NotStarted.String())
		return NotStarted
	}
	now := f.clock.Now()
	snap, ok := t.beginManual(now)
	if !ok {
		return TriggerNotFound
	}
	if !f.launch(s, t, s.Detail(), snap, now, ModeManual) {
		t.abort(now)
		return NotStarted
	}
	return Succeed
}

// launch hands a claimed occurrence to a supervised goroutine. It reports
// false when the factory stopped in between.
func (f *Factory) launch(s *Scheduler, t *Trigger, detail JobDetail, snap TriggerModel, occurrence time.Time, mode RunMode) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.active {
		return false
	}

	runID := cancel.RunID(t.id, uuid.NewString())
	h := f.cancels.GetOrCreate(detail.JobID, runID, f.sup.Context())
	jc := NewExecutionContext(detail, snap, occurrence, runID, mode, f.services, f.clock)

	f.metrics.RunStarted(detail.JobID, mode.String())
	f.sup.Go("run:"+detail.JobID+"/"+runID, func(context.Context) error {
		f.execute(s, t, h, jc)
		return nil
	})
	return true
}

func (f *Factory) execute(s *Scheduler, t *Trigger, h *cancel.Handle, jc *JobExecutionContext) {
	jobID, runID := jc.JobID(), jc.RunID
	log := f.log.With(logx.Job(jobID, t.id, runID))

	f.publish(EventRunStarted, jc.JobDetail, &jc.Trigger, nil)
	f.persistTrigger(s, t)
	log.Debug("run started", logx.String("mode", jc.Mode.String()), logx.Time("occurrence", jc.OccurrenceTime))

	opts := t.opts
	res := f.exec.Execute(h.Context(), engine.Task{
		Name: jobID + "/" + t.id,
		Run:  func(ctx context.Context) error { return s.job.Execute(ctx, jc) },
		Opt: engine.Options{
			RetryMax:      opts.NumRetries,
			RetryBase:     opts.RetryTimeout,
			RetryMaxDelay: opts.RetryTimeout,
			Timeout:       opts.Timeout,
		},
	})
	f.cancels.Release(jobID, runID)

	outcome, text := outcomeOf(res, jc)
	tl, requeue, ok, paused := t.complete(completion{
		runID:      runID,
		mode:       jc.Mode,
		occurrence: jc.OccurrenceTime,
		outcome:    outcome,
		result:     text,
		elapsed:    res.Duration,
		now:        f.clock.Now(),
	})

	switch outcome {
	case OutcomeFailed:
		log.Warn("run failed", logx.Int("attempts", res.Attempts), logx.Duration("dur", res.Duration), logx.Err(res.Err))
	case OutcomeCanceled:
		log.Debug("run canceled", logx.Duration("dur", res.Duration))
	default:
		if res.Duration >= 750*time.Millisecond {
			log.Info("run finished", logx.Duration("dur", res.Duration), logx.Int("attempts", res.Attempts))
		} else {
			log.Debug("run finished", logx.Duration("dur", res.Duration))
		}
	}
	snap := t.Snapshot()
	if paused {
		log.Warn("trigger paused after too many errors", logx.Int64("errors", snap.NumberOfErrors))
	}
	f.metrics.RunCompleted(jobID, string(outcome), res.Duration)

	f.persistTrigger(s, t)
	f.publish(EventRunCompleted, s.Detail(), &snap, &tl)
	if ok {
		f.enqueue(requeue)
	}
}

func outcomeOf(res engine.Result, jc *JobExecutionContext) (Outcome, string) {
	switch res.Outcome {
	case engine.Succeeded:
		return OutcomeSucceeded, jc.Result()
	case engine.Canceled:
		return OutcomeCanceled, "canceled"
	}
	var pe *engine.PanicError
	if errors.As(res.Err, &pe) {
		return OutcomeFailed, pe.Error()
	}
	if res.Err != nil {
		return OutcomeFailed, res.Err.Error()
	}
	return OutcomeFailed, "failed"
}
