package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TriggerStatus is the lifecycle state of a trigger.
type TriggerStatus int

const (
	StatusReady TriggerStatus = iota
	StatusRunning
	StatusPaused
	StatusBlocked
	StatusRemoved
)

var statusNames = [...]string{"Ready", "Running", "Paused", "Blocked", "Removed"}

func (s TriggerStatus) String() string {
	if int(s) >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("TriggerStatus(%d)", int(s))
}

// ParseTriggerStatus is the inverse of String; unknown names map to Ready.
func ParseTriggerStatus(s string) TriggerStatus {
	for i, n := range statusNames {
		if strings.EqualFold(n, s) {
			return TriggerStatus(i)
		}
	}
	return StatusReady
}

func (s TriggerStatus) MarshalJSON() ([]byte, error) { return json.Marshal(int(s)) }

// RunMode tells a job body why it runs.
type RunMode int

const (
	ModeScheduled RunMode = 0
	ModeManual    RunMode = 1
)

func (m RunMode) String() string {
	if m == ModeManual {
		return "Manual"
	}
	return "Scheduled"
}

// ScheduleResult is the outcome of a control operation.
type ScheduleResult int

const (
	Succeed ScheduleResult = iota
	JobNotFound
	TriggerNotFound
	JobExists
	TriggerExists
	InvalidArgument
	NotStarted
)

var resultNames = [...]string{"Succeed", "JobNotFound", "TriggerNotFound", "JobExists", "TriggerExists", "InvalidArgument", "NotStarted"}

func (r ScheduleResult) String() string {
	if int(r) >= 0 && int(r) < len(resultNames) {
		return resultNames[r]
	}
	return fmt.Sprintf("ScheduleResult(%d)", int(r))
}

// OK reports r == Succeed.
func (r ScheduleResult) OK() bool { return r == Succeed }

// JobDetail describes a job. It is copied by value into snapshots.
type JobDetail struct {
	JobID       string `json:"jobId"`
	GroupName   string `json:"groupName,omitempty"`
	Description string `json:"description,omitempty"`
	// Concurrent lets the job's triggers start a run while a previous one is
	// still in flight.
	Concurrent  bool              `json:"concurrent"`
	Properties  map[string]string `json:"properties,omitempty"`
	UpdatedTime *time.Time        `json:"updatedTime,omitempty"`
}

func (d JobDetail) clone() JobDetail {
	if d.Properties != nil {
		p := make(map[string]string, len(d.Properties))
		for k, v := range d.Properties {
			p[k] = v
		}
		d.Properties = p
	}
	if d.UpdatedTime != nil {
		t := *d.UpdatedTime
		d.UpdatedTime = &t
	}
	return d
}

func (d JobDetail) String() string {
	if d.Description == "" {
		return "<" + d.JobID + ">"
	}
	return "<" + d.JobID + "> " + d.Description
}

// TriggerModel is a point-in-time copy of a trigger.
type TriggerModel struct {
	TriggerID         string        `json:"triggerId"`
	JobID             string        `json:"jobId"`
	Schedule          string        `json:"schedule"`
	Description       string        `json:"description,omitempty"`
	Status            TriggerStatus `json:"status"`
	StatusText        string        `json:"statusText"`
	StartTime         *time.Time    `json:"startTime,omitempty"`
	EndTime           *time.Time    `json:"endTime,omitempty"`
	LastRunTime       *time.Time    `json:"lastRunTime,omitempty"`
	NextRunTime       *time.Time    `json:"nextRunTime,omitempty"`
	NumberOfRuns      int64         `json:"numberOfRuns"`
	MaxNumberOfRuns   int64         `json:"maxNumberOfRuns"`
	NumberOfErrors    int64         `json:"numberOfErrors"`
	MaxNumberOfErrors int64         `json:"maxNumberOfErrors"`
	NumRetries        int           `json:"numRetries"`
	RetryTimeout      int64         `json:"retryTimeout"` // milliseconds
	RunOnStart        bool          `json:"runOnStart"`
	AllowOverlap      bool          `json:"allowOverlap"`
	InFlight          int           `json:"inFlight"`
	UpdatedTime       *time.Time    `json:"updatedTime,omitempty"`
}

func (t TriggerModel) String() string {
	var b strings.Builder
	b.WriteString("<" + t.TriggerID + ">")
	if t.Schedule != "" {
		b.WriteString(" " + t.Schedule)
	}
	if t.Description != "" {
		b.WriteString(" " + t.Description)
	}
	fmt.Fprintf(&b, " %dts", t.NumberOfRuns)
	return b.String()
}

// Outcome of one finished run, as recorded in a timeline.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
)

// TriggerTimeline is an immutable record of one finished run.
type TriggerTimeline struct {
	JobID          string        `json:"jobId"`
	TriggerID      string        `json:"triggerId"`
	RunID          string        `json:"runId"`
	NumberOfRuns   int64         `json:"numberOfRuns"`
	OccurrenceTime time.Time     `json:"occurrenceTime"`
	NextRunTime    *time.Time    `json:"nextRunTime,omitempty"`
	CreatedTime    time.Time     `json:"createdTime"`
	Status         TriggerStatus `json:"status"`
	Outcome        Outcome       `json:"outcome"`
	Mode           RunMode       `json:"mode"`
	ElapsedTime    int64         `json:"elapsedTime"` // milliseconds
	Result         string        `json:"result,omitempty"`
}

// JobModel is a job with its triggers, as served to dashboards.
type JobModel struct {
	JobDetail JobDetail      `json:"jobDetail"`
	Triggers  []TriggerModel `json:"triggers"`
}

// Clock supplies timestamps, in UTC when UTC is set and local time otherwise.
type Clock struct {
	UTC bool
}

func (c Clock) Now() time.Time {
	if c.UTC {
		return time.Now().UTC()
	}
	return time.Now()
}

// In converts t into the clock's zone.
func (c Clock) In(t time.Time) time.Time {
	if c.UTC {
		return t.UTC()
	}
	return t.Local()
}

const displayLayout = "2006-01-02 15:04:05.000"

func (c Clock) Format(t time.Time) string { return c.In(t).Format(displayLayout) }
