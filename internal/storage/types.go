package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot + JSONL journal next to Path
//   - "sqlite": SQLite database file at Path
//   - "redis": Redis server at Addr, keys under Prefix
//
// An empty Driver or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	Addr     string // redis only
	Password string
	DB       int
	Prefix   string
}

// JobRecord is the persisted form of a job detail. Triggers is only filled by Load.
type JobRecord struct {
	JobID       string            `json:"jobId"`
	GroupName   string            `json:"groupName,omitempty"`
	Description string            `json:"description,omitempty"`
	Concurrent  bool              `json:"concurrent,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	UpdatedTime time.Time         `json:"updatedTime"`

	Triggers []TriggerRecord `json:"triggers,omitempty"`
}

// TriggerRecord is the persisted form of a trigger.
type TriggerRecord struct {
	JobID             string     `json:"jobId"`
	TriggerID         string     `json:"triggerId"`
	Schedule          string     `json:"schedule"`
	Description       string     `json:"description,omitempty"`
	Status            string     `json:"status"`
	NextRunTime       *time.Time `json:"nextRunTime,omitempty"`
	LastRunTime       *time.Time `json:"lastRunTime,omitempty"`
	NumberOfRuns      int64      `json:"numberOfRuns"`
	NumberOfErrors    int64      `json:"numberOfErrors"`
	MaxNumberOfRuns   int64      `json:"maxNumberOfRuns,omitempty"`
	MaxNumberOfErrors int64      `json:"maxNumberOfErrors,omitempty"`
	NumRetries        int        `json:"numRetries,omitempty"`
	RetryTimeoutMS    int64      `json:"retryTimeoutMs,omitempty"`
	StartTime         *time.Time `json:"startTime,omitempty"`
	EndTime           *time.Time `json:"endTime,omitempty"`
	RunOnStart        bool       `json:"runOnStart,omitempty"`
	AllowOverlap      bool       `json:"allowOverlap,omitempty"`
	UpdatedTime       time.Time  `json:"updatedTime"`
}

// AuditEntry records an operator action taken through the dashboard.
type AuditEntry struct {
	At        time.Time `json:"at"`
	Actor     string    `json:"actor,omitempty"`
	Remote    string    `json:"remote,omitempty"`
	Action    string    `json:"action"`
	JobID     string    `json:"jobId,omitempty"`
	TriggerID string    `json:"triggerId,omitempty"`
	Result    string    `json:"result"`
}
