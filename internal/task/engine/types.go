package engine

import (
	"context"
	"time"
)

// Config controls the run executor.
type Config struct {
	// MaxConcurrent caps runs executing at once across all jobs. 0 = unlimited.
	MaxConcurrent int
	// DefaultTimeout bounds one attempt when the task sets none. 0 = no bound.
	DefaultTimeout time.Duration
}

// Options are the per-run retry and timeout knobs.
type Options struct {
	// RetryMax is the number of extra attempts after the first failure.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
	Timeout       time.Duration
}

func (o Options) withDefaults(cfg Config) Options {
	if o.RetryMax < 0 {
		o.RetryMax = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryMaxDelay < o.RetryBase {
		o.RetryMaxDelay = o.RetryBase
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.Timeout <= 0 {
		o.Timeout = cfg.DefaultTimeout
	}
	return o
}

// Task is one run handed to the executor.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
	Opt  Options
}

type Outcome int

const (
	Succeeded Outcome = iota
	Failed
	Canceled
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Result describes a finished run.
type Result struct {
	Outcome  Outcome
	Err      error
	Attempts int
	Started  time.Time
	Duration time.Duration
	// Waited is the time spent waiting for a concurrency permit.
	Waited time.Duration
}

// Stats is a lightweight view for diagnostics.
type Stats struct {
	MaxConcurrent    int
	InFlight         int
	WaitingForPermit int
	Succeeded        uint64
	Failed           uint64
	Canceled         uint64
	Panics           uint64
}
