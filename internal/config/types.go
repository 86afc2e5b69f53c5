package config

// Config is the daemon configuration file (JSON or YAML).
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Dashboard DashboardConfig `json:"dashboard"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Jobs      []JobConfig     `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the factory and its run executor.
//
// Defaults (when fields are omitted/zero):
//   - timeline_size: 10
//   - global_timeline_size: 20
//   - max_concurrent: 0 (unlimited)
//   - default_timeout: "0s" (disabled)
type SchedulerConfig struct {
	UseUTC bool `json:"use_utc"`
	// Timezone applies to cron triggers without a CRON_TZ prefix.
	Timezone           string `json:"timezone,omitempty"`
	TimelineSize       int    `json:"timeline_size,omitempty"`
	GlobalTimelineSize int    `json:"global_timeline_size,omitempty"`
	MaxConcurrent      int    `json:"max_concurrent,omitempty"`
	DefaultTimeout     string `json:"default_timeout,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./sundial.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite

	Addr     string `json:"addr,omitempty"` // redis
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// DashboardConfig controls the HTTP dashboard API.
//
// Security note: the default credentials only guard the login endpoint the
// bundled frontend uses; bind to localhost unless a reverse proxy adds auth.
type DashboardConfig struct {
	Enabled     bool   `json:"enabled"`
	Addr        string `json:"addr,omitempty"`         // default: "127.0.0.1:8080"
	RequestPath string `json:"request_path,omitempty"` // default: "/schedule"
	Title       string `json:"title,omitempty"`

	AuthEnabled     bool   `json:"auth_enabled,omitempty"`
	DefaultUsername string `json:"default_username,omitempty"`
	DefaultPassword string `json:"default_password,omitempty"`
	SessionKey      string `json:"session_key,omitempty"`
	// LoginPerMinute throttles login attempts per client address.
	LoginPerMinute int `json:"login_per_minute,omitempty"`

	// Metrics exposes Prometheus metrics at MetricsPath (default "/metrics").
	Metrics     bool   `json:"metrics,omitempty"`
	MetricsPath string `json:"metrics_path,omitempty"`
	// Pprof serves runtime profiles at /debug/pprof/.
	Pprof bool `json:"pprof,omitempty"`
}

// NotifierConfig controls run notifications to Telegram.
//
// Durations are Go duration strings.
type NotifierConfig struct {
	Enabled    bool    `json:"enabled"`
	Token      string  `json:"token"`
	ChatID     int64   `json:"chat_id"`
	ThreadID   int     `json:"thread_id,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	QueueSize  int     `json:"queue_size,omitempty"`
	// NotifyAll sends every finished run, not only failures.
	NotifyAll   bool   `json:"notify_all,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	// DedupWindow suppresses identical messages for the same trigger.
	DedupWindow string `json:"dedup_window,omitempty"`
}

// JobConfig declares a job and its triggers. Kind selects the body:
// "http", "exec", "systemd" or "log".
type JobConfig struct {
	ID          string            `json:"id"`
	Group       string            `json:"group,omitempty"`
	Description string            `json:"description,omitempty"`
	Kind        string            `json:"kind"`
	Concurrent  bool              `json:"concurrent,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`

	HTTP    *HTTPJobConfig    `json:"http,omitempty"`
	Exec    *ExecJobConfig    `json:"exec,omitempty"`
	Systemd *SystemdJobConfig `json:"systemd,omitempty"`
	Log     *LogJobConfig     `json:"log,omitempty"`

	Triggers []TriggerConfig `json:"triggers"`
}

type HTTPJobConfig struct {
	Method  string            `json:"method,omitempty"` // default GET
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
}

type ExecJobConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// SystemdJobConfig controls a unit over D-Bus. Action is one of start, stop,
// restart, reload or check (default).
type SystemdJobConfig struct {
	Unit   string `json:"unit"`
	Action string `json:"action,omitempty"`
}

type LogJobConfig struct {
	Message string `json:"message,omitempty"`
	Level   string `json:"level,omitempty"`
}

// TriggerConfig declares one trigger. Schedule accepts cron expressions,
// "every:<duration>", HH:MM intervals and RFC3339 instants.
type TriggerConfig struct {
	ID           string `json:"id"`
	Schedule     string `json:"schedule"`
	Description  string `json:"description,omitempty"`
	MaxRuns      int64  `json:"max_runs,omitempty"`
	MaxErrors    int64  `json:"max_errors,omitempty"`
	Retries      int    `json:"retries,omitempty"`
	RetryTimeout string `json:"retry_timeout,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
	StartTime    string `json:"start_time,omitempty"` // RFC3339
	EndTime      string `json:"end_time,omitempty"`
	RunOnStart   bool   `json:"run_on_start,omitempty"`
	AllowOverlap bool   `json:"allow_overlap,omitempty"`
	Paused       bool   `json:"paused,omitempty"`
}
