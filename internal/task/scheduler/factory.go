package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"sundial/internal/eventbus"
	"sundial/internal/metrics"
	"sundial/internal/runtime/supervisor"
	"sundial/internal/storage"
	"sundial/internal/task/cancel"
	"sundial/internal/task/engine"
	"sundial/pkg/logx"
)

// Config controls the factory.
type Config struct {
	// UseUTC makes every timestamp UTC; otherwise local time is used.
	UseUTC bool
	// Location is applied to cron expressions without a CRON_TZ prefix.
	// nil follows UseUTC.
	Location *time.Location
	// TimelineSize bounds the per-trigger run history. Default 10.
	TimelineSize int
	// GlobalTimelineSize is the default for GetTimelines. Default 20.
	GlobalTimelineSize int
	Engine             engine.Config
}

func (c Config) location() *time.Location {
	if c.Location != nil {
		return c.Location
	}
	if c.UseUTC {
		return time.UTC
	}
	return time.Local
}

func (c Config) withDefaults() Config {
	if c.TimelineSize <= 0 {
		c.TimelineSize = 10
	}
	if c.GlobalTimelineSize <= 0 {
		c.GlobalTimelineSize = 20
	}
	return c
}

type Option func(*Factory)

func WithStore(st storage.Store) Option { return func(f *Factory) { f.store = st } }

func WithBus(b eventbus.Bus) Option { return func(f *Factory) { f.bus = b } }

func WithMetrics(m *metrics.Registry) Option { return func(f *Factory) { f.metrics = m } }

func WithServices(sp ServiceProvider) Option { return func(f *Factory) { f.services = sp } }

// Factory is the registry of jobs and the owner of the dispatch loop.
//
// Lock order: Factory.mu, then Scheduler.mu, then Trigger.mu. qmu and pmu
// are leaves.
type Factory struct {
	cfg      Config
	clock    Clock
	log      logx.Logger
	bus      eventbus.Bus
	store    storage.Store
	metrics  *metrics.Registry
	services ServiceProvider
	exec     *engine.Executor
	cancels  *cancel.Registry

	mu       sync.RWMutex
	jobs     map[string]*Scheduler
	sup      *supervisor.Supervisor
	active   bool
	loaded   bool
	restored map[string]storage.JobRecord

	qmu   sync.Mutex
	queue triggerHeap
	wake  chan struct{}

	pmu         sync.Mutex
	persistWarn map[string]time.Time
}

func NewFactory(cfg Config, log logx.Logger, opts ...Option) *Factory {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "scheduler"))
	f := &Factory{
		cfg:         cfg,
		clock:       Clock{UTC: cfg.UseUTC},
		log:         log,
		jobs:        map[string]*Scheduler{},
		wake:        make(chan struct{}, 1),
		persistWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(f)
	}
	if f.bus == nil {
		f.bus = eventbus.New()
	}
	if f.services == nil {
		f.services = Services{}
	}
	f.exec = engine.New(cfg.Engine, log)
	f.cancels = cancel.New(log)
	return f
}

func (f *Factory) Clock() Clock { return f.clock }

func (f *Factory) Bus() eventbus.Bus { return f.bus }

// Executor exposes run statistics.
func (f *Factory) Executor() *engine.Executor { return f.exec }

// isLoaded reports whether persisted state has been read. Until then nothing
// is written, so a fresh trigger cannot overwrite its stored counters.
func (f *Factory) isLoaded() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.loaded
}

func (f *Factory) running() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.active
}

// Start restores persisted state, schedules every trigger and launches the
// dispatch loop. Cancelling ctx has the same effect as Stop without waiting.
func (f *Factory) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.active {
		f.mu.Unlock()
		return errors.New("scheduler already started")
	}
	f.mu.Unlock()

	if f.store != nil && !f.isLoaded() {
		recs, err := f.store.Load(ctx)
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		f.mu.Lock()
		f.restored = make(map[string]storage.JobRecord, len(recs))
		for _, r := range recs {
			f.restored[r.JobID] = r
		}
		f.mu.Unlock()
		for _, s := range f.GetJobs() {
			for _, t := range s.triggerList() {
				f.applyRestored(s, t)
			}
		}
		f.mu.Lock()
		f.loaded = true
		for id := range f.restored {
			f.log.Debug("persisted job not registered", logx.String("job_id", id))
		}
		f.mu.Unlock()
		// Jobs registered before the load were never written.
		for _, s := range f.GetJobs() {
			f.persistJob(s)
		}
	}

	f.mu.Lock()
	f.sup = supervisor.New(ctx, supervisor.WithLogger(f.log))
	f.active = true
	sup := f.sup
	f.mu.Unlock()

	f.qmu.Lock()
	f.queue = f.queue[:0]
	f.qmu.Unlock()

	now := f.clock.Now()
	var n int
	for _, s := range f.GetJobs() {
		for _, t := range s.triggerList() {
			if e, ok := t.scheduleFirst(now); ok {
				f.enqueue(e)
			}
			n++
		}
	}
	sup.GoRestart("dispatch", f.dispatch, 100*time.Millisecond, 5*time.Second)
	f.log.Info("scheduler started", logx.Int("jobs", len(f.GetJobs())), logx.Int("triggers", n))
	return nil
}

// Stop halts dispatching, cancels in-flight runs and waits for them to
// record their outcome.
func (f *Factory) Stop(ctx context.Context) error {
	f.mu.Lock()
	if !f.active {
		f.mu.Unlock()
		return nil
	}
	f.active = false
	sup := f.sup
	f.mu.Unlock()

	n := f.cancels.CancelAll()
	f.metrics.Cancelled("shutdown", n)
	err := sup.Stop(ctx)
	f.log.Info("scheduler stopped", logx.Int("canceled_runs", n))
	return err
}

// AddJob registers a job with its triggers. Either every trigger is valid
// and the job is added, or nothing changes.
func (f *Factory) AddJob(detail JobDetail, job Job, triggers ...TriggerOptions) (*Scheduler, error) {
	detail.JobID = strings.TrimSpace(detail.JobID)
	if detail.JobID == "" || strings.Contains(detail.JobID, "__") {
		return nil, fmt.Errorf("%w: job id %q", ErrInvalidArgument, detail.JobID)
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, errNoJob)
	}
	now := f.clock.Now()
	detail = detail.clone()
	detail.UpdatedTime = &now

	s := &Scheduler{f: f, job: job, detail: detail, triggers: map[string]*Trigger{}}
	for _, o := range triggers {
		t, err := newTrigger(detail.JobID, o, f.cfg.location(), f.cfg.TimelineSize)
		if err != nil {
			return nil, err
		}
		if err := s.attach(t); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	if _, dup := f.jobs[detail.JobID]; dup {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobExists, detail.JobID)
	}
	f.jobs[detail.JobID] = s
	active := f.active
	f.mu.Unlock()

	for _, t := range s.triggerList() {
		f.applyRestored(s, t)
		if active {
			if e, ok := t.scheduleFirst(now); ok {
				f.enqueue(e)
			}
		}
	}
	f.persistJob(s)
	f.publish(EventJobAdded, s.Detail(), nil, nil)
	f.log.Info("job added", logx.String("job_id", detail.JobID), logx.Int("triggers", len(triggers)))
	return s, nil
}

// RemoveJob cancels the job's runs and forgets it.
func (f *Factory) RemoveJob(jobID string) ScheduleResult {
	f.mu.Lock()
	s, ok := f.jobs[jobID]
	if ok {
		delete(f.jobs, jobID)
	}
	f.mu.Unlock()
	if !ok {
		return JobNotFound
	}

	now := f.clock.Now()
	for _, t := range s.detach() {
		t.remove(now)
	}
	n := f.cancelLive(jobID, "")
	f.deleteJob(jobID)
	f.publish(EventJobRemoved, s.Detail(), nil, nil)
	f.log.Info("job removed", logx.String("job_id", jobID), logx.Int("canceled_runs", n))
	return Succeed
}

func (f *Factory) dropTrigger(s *Scheduler, t *Trigger) {
	t.remove(f.clock.Now())
	f.cancelLive(t.jobID, t.id)
	f.deleteTrigger(t.jobID, t.id)
	snap := t.Snapshot()
	f.publish(EventTriggerRemoved, s.Detail(), &snap, nil)
}

// TryGetJob looks up a job's scheduler.
func (f *Factory) TryGetJob(jobID string) (*Scheduler, ScheduleResult) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.jobs[jobID]
	if !ok {
		return nil, JobNotFound
	}
	return s, Succeed
}

// RunJob starts a manual run of every trigger of the job.
func (f *Factory) RunJob(jobID string) ScheduleResult {
	s, res := f.TryGetJob(jobID)
	if res != Succeed {
		return res
	}
	return s.RunAll()
}

// GetJobs returns the schedulers ordered by group, then id.
func (f *Factory) GetJobs() []*Scheduler {
	f.mu.RLock()
	out := make([]*Scheduler, 0, len(f.jobs))
	for _, s := range f.jobs {
		out = append(out, s)
	}
	f.mu.RUnlock()

	details := make(map[*Scheduler]JobDetail, len(out))
	for _, s := range out {
		details[s] = s.Detail()
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := details[out[i]], details[out[j]]
		if a.GroupName != b.GroupName {
			return a.GroupName < b.GroupName
		}
		return a.JobID < b.JobID
	})
	return out
}

func (f *Factory) GetJobsOfModels() []JobModel {
	jobs := f.GetJobs()
	out := make([]JobModel, 0, len(jobs))
	for _, s := range jobs {
		out = append(out, s.GetModel())
	}
	return out
}

// GetTimelines returns the newest n runs across all jobs, newest first.
// n <= 0 uses the configured default.
func (f *Factory) GetTimelines(n int) []TriggerTimeline {
	if n <= 0 {
		n = f.cfg.GlobalTimelineSize
	}
	all := []TriggerTimeline{}
	for _, s := range f.GetJobs() {
		for _, t := range s.triggerList() {
			all = append(all, t.Timelines()...)
		}
	}
	sortTimelines(all)
	if len(all) > n {
		all = all[:n]
	}
	return all
}

func sortTimelines(tl []TriggerTimeline) {
	sort.SliceStable(tl, func(i, j int) bool { return tl[i].CreatedTime.After(tl[j].CreatedTime) })
}

func (f *Factory) PauseAll() {
	for _, s := range f.GetJobs() {
		s.Pause()
	}
}

func (f *Factory) StartAll() {
	for _, s := range f.GetJobs() {
		s.Start()
	}
}

// cancelLive cancels the runs of a job or trigger that is being paused or
// removed. Unlike CancelJob it stays quiet when nothing is in flight.
func (f *Factory) cancelLive(jobID, triggerID string) int {
	if f.cancels.Count(jobID, triggerID) == 0 {
		return 0
	}
	n := f.cancels.Cancel(jobID, triggerID)
	if triggerID == "" {
		f.metrics.Cancelled("job", n)
	} else {
		f.metrics.Cancelled("trigger", n)
	}
	return n
}

// CancelJob cancels every in-flight run of the job without pausing it.
func (f *Factory) CancelJob(jobID string) int {
	n := f.cancels.Cancel(jobID, "")
	f.metrics.Cancelled("job", n)
	return n
}

// CancelTrigger cancels every in-flight run of one trigger.
func (f *Factory) CancelTrigger(jobID, triggerID string) int {
	n := f.cancels.Cancel(jobID, triggerID)
	f.metrics.Cancelled("trigger", n)
	return n
}

func (f *Factory) CancelRun(jobID, runID string) bool {
	ok := f.cancels.CancelRun(jobID, runID)
	if ok {
		f.metrics.Cancelled("run", 1)
	}
	return ok
}

// Stats is a snapshot for diagnostics.
type Stats struct {
	Jobs     int          `json:"jobs"`
	Triggers int          `json:"triggers"`
	Queued   int          `json:"queued"`
	Runs     int          `json:"runs"`
	Engine   engine.Stats `json:"engine"`
}

func (f *Factory) Stats() Stats {
	var st Stats
	for _, s := range f.GetJobs() {
		st.Jobs++
		st.Triggers += len(s.triggerList())
	}
	f.qmu.Lock()
	st.Queued = f.queue.Len()
	f.qmu.Unlock()
	st.Runs = f.cancels.Len()
	st.Engine = f.exec.Stats()
	return st
}
