// Package cancel tracks the cancellation handle of every in-flight run.
//
// Entries are keyed by JobID + "__" + RunID. A run id starts with its trigger
// id followed by "___", which lets a whole trigger be cancelled at once.
package cancel

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"sundial/pkg/logx"
)

const (
	keySep     = "__"
	triggerSep = "___"
)

// Key returns the registry key of a run.
func Key(jobID, runID string) string { return jobID + keySep + runID }

// RunID builds a run id for triggerID with the given unique suffix.
func RunID(triggerID, suffix string) string { return triggerID + triggerSep + suffix }

// TriggerOf returns the trigger id encoded in runID.
func TriggerOf(runID string) string {
	if i := strings.Index(runID, triggerSep); i >= 0 {
		return runID[:i]
	}
	return runID
}

// Handle is the cancellation source of one run.
type Handle struct {
	JobID     string
	TriggerID string
	RunID     string

	ctx    context.Context
	cancel context.CancelFunc
}

// Context is cancelled when the run is cancelled or the parent is done.
func (h *Handle) Context() context.Context { return h.ctx }

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Handle
	log     logx.Logger
}

func New(log logx.Logger) *Registry {
	return &Registry{entries: map[string]*Handle{}, log: log}
}

// GetOrCreate returns the live handle for (jobID, runID), creating one linked
// to parent when absent. Repeated calls return the same handle.
func (r *Registry) GetOrCreate(jobID, runID string, parent context.Context) *Handle {
	key := Key(jobID, runID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.entries[key]; ok {
		return h
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{
		JobID:     jobID,
		TriggerID: TriggerOf(runID),
		RunID:     runID,
		ctx:       ctx,
		cancel:    cancel,
	}
	r.entries[key] = h
	return h
}

// Cancel cancels every live run of jobID, or only the runs of triggerID when
// it is non-empty, and returns how many handles were cancelled.
//
// Matching handles are collected first and removed afterwards, so concurrent
// GetOrCreate/Release calls never observe a half-walked map.
func (r *Registry) Cancel(jobID, triggerID string) int {
	prefix := jobID + keySep
	if triggerID != "" {
		prefix += triggerID + triggerSep
	}

	r.mu.Lock()
	var matched []*Handle
	for key, h := range r.entries {
		if !strings.HasPrefix(key, prefix) || h.JobID != jobID {
			continue
		}
		if triggerID != "" && h.TriggerID != triggerID {
			continue
		}
		matched = append(matched, h)
	}
	for _, h := range matched {
		delete(r.entries, Key(h.JobID, h.RunID))
	}
	r.mu.Unlock()

	if len(matched) == 0 {
		r.log.Warn("cancel.not_found", logx.Job(jobID, triggerID, ""))
		return 0
	}
	for _, h := range matched {
		r.log.Warn("cancel.sent", logx.Job(h.JobID, h.TriggerID, h.RunID))
		r.teardown(h)
	}
	return len(matched)
}

// CancelRun cancels a single run. It reports false when no such run is live.
func (r *Registry) CancelRun(jobID, runID string) bool {
	key := Key(jobID, runID)
	r.mu.Lock()
	h, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()

	if !ok {
		r.log.Warn("cancel.run_not_found", logx.Job(jobID, TriggerOf(runID), runID))
		return false
	}
	r.teardown(h)
	return true
}

// CancelAll cancels every live run.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	matched := make([]*Handle, 0, len(r.entries))
	for _, h := range r.entries {
		matched = append(matched, h)
	}
	clear(r.entries)
	r.mu.Unlock()

	for _, h := range matched {
		r.teardown(h)
	}
	return len(matched)
}

// Release drops the handle of a finished run and frees its context.
func (r *Registry) Release(jobID, runID string) {
	key := Key(jobID, runID)
	r.mu.Lock()
	h, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()
	if ok {
		r.teardown(h)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Count returns the number of live runs of jobID (or of triggerID when set).
func (r *Registry) Count(jobID, triggerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, h := range r.entries {
		if h.JobID == jobID && (triggerID == "" || h.TriggerID == triggerID) {
			n++
		}
	}
	return n
}

func (r *Registry) teardown(h *Handle) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Warn("cancel.teardown_failed", logx.Job(h.JobID, h.TriggerID, h.RunID), logx.Err(fmt.Errorf("panic: %v", p)))
		}
	}()
	h.cancel()
}
