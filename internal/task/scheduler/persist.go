package scheduler

import (
	"context"
	"time"

	"sundial/internal/storage"
	"sundial/pkg/logx"
)

const (
	persistTimeout  = 5 * time.Second
	persistWarnGap  = time.Minute
	persistWarnKeys = 256
)

func jobRecord(d JobDetail) storage.JobRecord {
	r := storage.JobRecord{
		JobID:       d.JobID,
		GroupName:   d.GroupName,
		Description: d.Description,
		Concurrent:  d.Concurrent,
		Properties:  d.Properties,
	}
	if d.UpdatedTime != nil {
		r.UpdatedTime = *d.UpdatedTime
	}
	return r
}

func triggerRecord(m TriggerModel) storage.TriggerRecord {
	r := storage.TriggerRecord{
		JobID:             m.JobID,
		TriggerID:         m.TriggerID,
		Schedule:          m.Schedule,
		Description:       m.Description,
		Status:            m.Status.String(),
		NextRunTime:       m.NextRunTime,
		LastRunTime:       m.LastRunTime,
		NumberOfRuns:      m.NumberOfRuns,
		NumberOfErrors:    m.NumberOfErrors,
		MaxNumberOfRuns:   m.MaxNumberOfRuns,
		MaxNumberOfErrors: m.MaxNumberOfErrors,
		NumRetries:        m.NumRetries,
		RetryTimeoutMS:    m.RetryTimeout,
		StartTime:         m.StartTime,
		EndTime:           m.EndTime,
		RunOnStart:        m.RunOnStart,
		AllowOverlap:      m.AllowOverlap,
	}
	if m.UpdatedTime != nil {
		r.UpdatedTime = *m.UpdatedTime
	}
	return r
}

// persistJob saves the job detail and every trigger.
func (f *Factory) persistJob(s *Scheduler) {
	if f.store == nil || !f.isLoaded() {
		return
	}
	f.pmu.Lock()
	defer f.pmu.Unlock()
	if s.isGone() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	job := jobRecord(s.Detail())
	list := s.triggerList()
	if len(list) == 0 {
		f.persistErr("job:"+job.JobID, f.store.Save(ctx, job, nil))
		return
	}
	for _, t := range list {
		tr := triggerRecord(t.Snapshot())
		f.persistErr("trigger:"+job.JobID+"/"+tr.TriggerID, f.store.Save(ctx, job, &tr))
	}
}

// persistTrigger saves the trigger's current state. State of a removed
// trigger is never written back.
func (f *Factory) persistTrigger(s *Scheduler, t *Trigger) {
	if f.store == nil || !f.isLoaded() {
		return
	}
	f.pmu.Lock()
	defer f.pmu.Unlock()
	if t.removed() || s.isGone() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	tr := triggerRecord(t.Snapshot())
	f.persistErr("trigger:"+tr.JobID+"/"+tr.TriggerID, f.store.Save(ctx, jobRecord(s.Detail()), &tr))
}

func (f *Factory) deleteJob(jobID string) {
	if f.store == nil {
		return
	}
	f.pmu.Lock()
	defer f.pmu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	f.persistErr("job:"+jobID, f.store.DeleteJob(ctx, jobID))
}

func (f *Factory) deleteTrigger(jobID, triggerID string) {
	if f.store == nil {
		return
	}
	f.pmu.Lock()
	defer f.pmu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	f.persistErr("trigger:"+jobID+"/"+triggerID, f.store.DeleteTrigger(ctx, jobID, triggerID))
}

// persistErr logs a storage failure at most once per key per minute.
// Caller holds pmu.
func (f *Factory) persistErr(key string, err error) {
	if err == nil {
		return
	}
	f.metrics.PersistFailed()
	now := time.Now()
	if last, ok := f.persistWarn[key]; ok && now.Sub(last) < persistWarnGap {
		return
	}
	if len(f.persistWarn) >= persistWarnKeys {
		clear(f.persistWarn)
	}
	f.persistWarn[key] = now
	f.log.Warn("persist failed", logx.String("key", key), logx.Err(err))
}

// applyRestored copies persisted counters onto a freshly registered trigger.
// Each record is applied once.
func (f *Factory) applyRestored(s *Scheduler, t *Trigger) {
	f.mu.Lock()
	rec, ok := f.restored[t.jobID]
	if !ok {
		f.mu.Unlock()
		return
	}
	var tr *storage.TriggerRecord
	for i := range rec.Triggers {
		if rec.Triggers[i].TriggerID == t.id {
			c := rec.Triggers[i]
			tr = &c
			rec.Triggers = append(rec.Triggers[:i:i], rec.Triggers[i+1:]...)
			break
		}
	}
	if len(rec.Triggers) == 0 {
		delete(f.restored, t.jobID)
	} else {
		f.restored[t.jobID] = rec
	}
	f.mu.Unlock()

	if tr == nil {
		return
	}
	t.restore(ParseTriggerStatus(tr.Status), tr.NumberOfRuns, tr.NumberOfErrors, tr.LastRunTime)
	f.log.Debug("trigger state restored", logx.Job(t.jobID, t.id, ""),
		logx.Int64("runs", tr.NumberOfRuns), logx.String("status", tr.Status))
}
