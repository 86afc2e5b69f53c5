package scheduler

import (
	"encoding/json"
	"sync"
	"time"
)

// ServiceProvider resolves shared services for job bodies. It is opaque to
// the scheduler.
type ServiceProvider interface {
	Service(name string) (any, bool)
}

// Services is a map-backed ServiceProvider.
type Services map[string]any

func (s Services) Service(name string) (any, bool) {
	v, ok := s[name]
	return v, ok
}

// JobExecutionContext is handed to a job body for one run.
//
// JobDetail and Trigger are snapshots taken when the run was dispatched.
// Items and Result are safe for concurrent use by the body.
type JobExecutionContext struct {
	JobDetail      JobDetail
	Trigger        TriggerModel
	OccurrenceTime time.Time
	RunID          string
	Mode           RunMode
	Services       ServiceProvider

	clock Clock

	mu     sync.Mutex
	items  map[string]any
	result string
}

// NewExecutionContext builds the context of one run. Items start as a copy of
// the job's properties.
func NewExecutionContext(detail JobDetail, trig TriggerModel, occurrence time.Time, runID string, mode RunMode, sp ServiceProvider, clock Clock) *JobExecutionContext {
	items := make(map[string]any, len(detail.Properties))
	for k, v := range detail.Properties {
		items[k] = v
	}
	return &JobExecutionContext{
		JobDetail:      detail,
		Trigger:        trig,
		OccurrenceTime: occurrence,
		RunID:          runID,
		Mode:           mode,
		Services:       sp,
		clock:          clock,
		items:          items,
	}
}

func (c *JobExecutionContext) JobID() string     { return c.JobDetail.JobID }
func (c *JobExecutionContext) TriggerID() string { return c.Trigger.TriggerID }

// Service looks up a named service; it reports false when none is wired.
func (c *JobExecutionContext) Service(name string) (any, bool) {
	if c.Services == nil {
		return nil, false
	}
	return c.Services.Service(name)
}

func (c *JobExecutionContext) SetItem(key string, v any) {
	c.mu.Lock()
	c.items[key] = v
	c.mu.Unlock()
}

func (c *JobExecutionContext) GetItem(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	return v, ok
}

// Items returns a copy of the item bag.
func (c *JobExecutionContext) Items() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.items))
	for k, v := range c.items {
		out[k] = v
	}
	return out
}

// SetResult records the run's outcome text; it ends up in the timeline.
func (c *JobExecutionContext) SetResult(result string) {
	c.mu.Lock()
	c.result = result
	c.mu.Unlock()
}

func (c *JobExecutionContext) Result() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// String renders "<job> <trigger>[ Manual] <occurrence> -> <next>", with the
// trigger status in brackets instead of the next time once exhausted.
func (c *JobExecutionContext) String() string {
	s := c.JobDetail.String() + " " + c.Trigger.String()
	if c.Mode == ModeManual {
		s += " Manual"
	}
	s += " " + c.clock.Format(c.OccurrenceTime)
	if c.Trigger.NextRunTime == nil {
		return s + " [" + c.Trigger.Status.String() + "]"
	}
	return s + " -> " + c.clock.Format(*c.Trigger.NextRunTime)
}

func (c *JobExecutionContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		JobDetail JobDetail    `json:"jobDetail"`
		Trigger   TriggerModel `json:"trigger"`
	}{c.JobDetail, c.Trigger})
}

// Item returns the item stored under key when it has type T.
func Item[T any](c *JobExecutionContext, key string) (T, bool) {
	var zero T
	v, ok := c.GetItem(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// ServiceOf resolves a named service and asserts it to T.
func ServiceOf[T any](c *JobExecutionContext, name string) (T, bool) {
	var zero T
	v, ok := c.Service(name)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
