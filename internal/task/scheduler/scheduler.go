package scheduler

import (
	"errors"
	"fmt"
	"sync"

	"sundial/pkg/logx"
)

// Scheduler owns one job and its triggers. It is created by Factory.AddJob
// and stays valid until the job is removed.
type Scheduler struct {
	f   *Factory
	job Job

	mu       sync.RWMutex
	detail   JobDetail
	triggers map[string]*Trigger
	order    []string
	gone     bool
}

func (s *Scheduler) JobID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.detail.JobID
}

// Detail returns a copy of the job detail.
func (s *Scheduler) Detail() JobDetail {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.detail.clone()
}

// UpdateDetail replaces description, group, concurrency and properties.
// The job id cannot change.
func (s *Scheduler) UpdateDetail(d JobDetail) ScheduleResult {
	now := s.f.clock.Now()
	s.mu.Lock()
	if s.gone {
		s.mu.Unlock()
		return JobNotFound
	}
	if d.JobID != "" && d.JobID != s.detail.JobID {
		s.mu.Unlock()
		return InvalidArgument
	}
	d.JobID = s.detail.JobID
	d.UpdatedTime = &now
	s.detail = d.clone()
	detail := s.detail.clone()
	s.mu.Unlock()

	s.f.persistJob(s)
	s.f.publish(EventJobUpdated, detail, nil, nil)
	return Succeed
}

// Trigger returns the live trigger with the given id.
func (s *Scheduler) Trigger(id string) (*Trigger, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.triggers[id]
	return t, ok
}

func (s *Scheduler) GetTrigger(id string) (TriggerModel, ScheduleResult) {
	t, ok := s.Trigger(id)
	if !ok {
		return TriggerModel{}, TriggerNotFound
	}
	return t.Snapshot(), Succeed
}

// GetTriggers returns snapshots in registration order.
func (s *Scheduler) GetTriggers() []TriggerModel {
	list := s.triggerList()
	out := make([]TriggerModel, 0, len(list))
	for _, t := range list {
		out = append(out, t.Snapshot())
	}
	return out
}

func (s *Scheduler) GetModel() JobModel {
	return JobModel{JobDetail: s.Detail(), Triggers: s.GetTriggers()}
}

// GetTimelines returns the recent runs of every trigger, newest first.
func (s *Scheduler) GetTimelines() []TriggerTimeline {
	var out []TriggerTimeline
	for _, t := range s.triggerList() {
		out = append(out, t.Timelines()...)
	}
	sortTimelines(out)
	return out
}

func (s *Scheduler) triggerList() []*Trigger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Trigger, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.triggers[id])
	}
	return out
}

// AddTrigger registers and, if the factory is running, schedules a trigger.
func (s *Scheduler) AddTrigger(opts TriggerOptions) error {
	t, err := newTrigger(s.JobID(), opts, s.f.cfg.location(), s.f.cfg.TimelineSize)
	if err != nil {
		return err
	}
	if err := s.attach(t); err != nil {
		return err
	}
	s.f.applyRestored(s, t)
	if s.f.running() {
		if e, ok := t.scheduleFirst(s.f.clock.Now()); ok {
			s.f.enqueue(e)
		}
	}
	snap := t.Snapshot()
	s.f.persistTrigger(s, t)
	s.f.publish(EventTriggerAdded, s.Detail(), &snap, nil)
	s.f.log.Debug("trigger added", logx.Job(snap.JobID, snap.TriggerID, ""), logx.String("schedule", snap.Schedule))
	return nil
}

func (s *Scheduler) attach(t *Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone {
		return fmt.Errorf("job %q removed", s.detail.JobID)
	}
	if _, dup := s.triggers[t.id]; dup {
		return fmt.Errorf("%w: %s/%s", ErrTriggerExists, s.detail.JobID, t.id)
	}
	t.owner = s
	s.triggers[t.id] = t
	s.order = append(s.order, t.id)
	return nil
}

// Start resumes every paused trigger of the job.
func (s *Scheduler) Start() ScheduleResult {
	if s.isGone() {
		return JobNotFound
	}
	for _, t := range s.triggerList() {
		s.startTrigger(t)
	}
	return Succeed
}

// Pause pauses every trigger of the job and cancels its in-flight runs.
func (s *Scheduler) Pause() ScheduleResult {
	if s.isGone() {
		return JobNotFound
	}
	for _, t := range s.triggerList() {
		s.pauseTrigger(t, false)
	}
	s.f.cancelLive(s.JobID(), "")
	return Succeed
}

func (s *Scheduler) StartTrigger(id string) ScheduleResult {
	t, ok := s.Trigger(id)
	if !ok {
		return TriggerNotFound
	}
	s.startTrigger(t)
	return Succeed
}

func (s *Scheduler) PauseTrigger(id string) ScheduleResult {
	t, ok := s.Trigger(id)
	if !ok {
		return TriggerNotFound
	}
	s.pauseTrigger(t, true)
	return Succeed
}

func (s *Scheduler) startTrigger(t *Trigger) {
	e, queued, changed := t.start(s.f.clock.Now())
	if !changed {
		return
	}
	if queued && s.f.running() {
		s.f.enqueue(e)
	}
	snap := t.Snapshot()
	s.f.persistTrigger(s, t)
	s.f.publish(EventTriggerStarted, s.Detail(), &snap, nil)
}

func (s *Scheduler) pauseTrigger(t *Trigger, cancelRuns bool) {
	if !t.pause(s.f.clock.Now()) {
		return
	}
	if cancelRuns {
		s.f.cancelLive(t.jobID, t.id)
	}
	snap := t.Snapshot()
	s.f.persistTrigger(s, t)
	s.f.publish(EventTriggerPaused, s.Detail(), &snap, nil)
}

// RemoveTrigger cancels the trigger's runs and forgets it.
func (s *Scheduler) RemoveTrigger(id string) ScheduleResult {
	s.mu.Lock()
	t, ok := s.triggers[id]
	if ok {
		delete(s.triggers, id)
		for i, v := range s.order {
			if v == id {
				s.order = append(s.order[:i:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return TriggerNotFound
	}
	s.f.dropTrigger(s, t)
	return Succeed
}

// Run starts one manual run of the trigger. It ignores due time, pause
// state and overlap rules.
func (s *Scheduler) Run(triggerID string) ScheduleResult {
	t, ok := s.Trigger(triggerID)
	if !ok {
		return TriggerNotFound
	}
	return s.f.runManual(s, t)
}

// RunAll starts one manual run per trigger.
func (s *Scheduler) RunAll() ScheduleResult {
	if s.isGone() {
		return JobNotFound
	}
	var res ScheduleResult
	for _, t := range s.triggerList() {
		if r := s.f.runManual(s, t); r != Succeed {
			res = r
		}
	}
	return res
}

func (s *Scheduler) isGone() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gone
}

// detach marks the job removed and returns its triggers.
func (s *Scheduler) detach() []*Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gone = true
	out := make([]*Trigger, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.triggers[id])
	}
	s.triggers = map[string]*Trigger{}
	s.order = nil
	return out
}

var errNoJob = errors.New("job is nil")
