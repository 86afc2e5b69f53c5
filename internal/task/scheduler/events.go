package scheduler

import "sundial/internal/eventbus"

// Change event types published on the bus.
const (
	EventJobAdded       = "job.added"
	EventJobUpdated     = "job.updated"
	EventJobRemoved     = "job.removed"
	EventTriggerAdded   = "trigger.added"
	EventTriggerStarted = "trigger.started"
	EventTriggerPaused  = "trigger.paused"
	EventTriggerBlocked = "trigger.blocked"
	EventTriggerRemoved = "trigger.removed"
	EventRunStarted     = "run.started"
	EventRunCompleted   = "run.completed"
)

// JobChange is the payload of every change event.
type JobChange struct {
	JobDetail JobDetail        `json:"jobDetail"`
	Trigger   *TriggerModel    `json:"trigger,omitempty"`
	Timeline  *TriggerTimeline `json:"timeline,omitempty"`
}

func (f *Factory) publish(typ string, detail JobDetail, trig *TriggerModel, tl *TriggerTimeline) {
	f.bus.Publish(eventbus.Event{
		Type: typ,
		Time: f.clock.Now(),
		Data: JobChange{JobDetail: detail, Trigger: trig, Timeline: tl},
	})
}

// Subscribe registers a change listener with its own bounded queue.
// Call the returned function to unsubscribe.
func (f *Factory) Subscribe(buffer int) (<-chan eventbus.Event, func()) {
	return f.bus.Subscribe(buffer)
}
