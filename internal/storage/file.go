package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"sundial/pkg/logx"
)

const compactEvery = 500

// fileStore keeps the full state in memory and persists it as:
//   - <prefix>.snapshot.json  (periodic snapshot of every job)
//   - <prefix>.journal.jsonl  (append-only journal since the snapshot)
//   - <prefix>.audit.jsonl    (append-only operator actions)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	audit        *os.File
	jobs         map[string]*fileJob
	writes       int
}

type fileJob struct {
	Job      JobRecord                `json:"job"`
	Triggers map[string]TriggerRecord `json:"triggers"`
}

type journalOp struct {
	Op        string         `json:"op"` // save | del_job | del_trigger
	Job       *JobRecord     `json:"job,omitempty"`
	Trigger   *TriggerRecord `json:"trigger,omitempty"`
	JobID     string         `json:"jobId,omitempty"`
	TriggerID string         `json:"triggerId,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		jobs:         map[string]*fileJob{},
	}
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	journalPath := prefix + ".journal.jsonl"
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}
	s.journal = jf
	s.audit = af
	return s, nil
}

func (s *fileStore) Load(ctx context.Context) ([]JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobRecord, 0, len(s.jobs))
	for _, fj := range s.jobs {
		jr := fj.Job
		jr.Triggers = make([]TriggerRecord, 0, len(fj.Triggers))
		for _, tr := range fj.Triggers {
			jr.Triggers = append(jr.Triggers, tr)
		}
		sort.Slice(jr.Triggers, func(i, j int) bool { return jr.Triggers[i].TriggerID < jr.Triggers[j].TriggerID })
		out = append(out, jr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out, nil
}

func (s *fileStore) Save(ctx context.Context, job JobRecord, trig *TriggerRecord) error {
	job.Triggers = nil
	return s.write(journalOp{Op: "save", Job: &job, Trigger: trig})
}

func (s *fileStore) DeleteJob(ctx context.Context, jobID string) error {
	return s.write(journalOp{Op: "del_job", JobID: jobID})
}

func (s *fileStore) DeleteTrigger(ctx context.Context, jobID, triggerID string) error {
	return s.write(journalOp{Op: "del_trigger", JobID: jobID, TriggerID: triggerID})
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.audit).Encode(e)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	if err := s.compactLocked(); err != nil {
		s.log.Warn("storage.compact_failed", logx.Err(err))
	}
	err1 := s.journal.Close()
	err2 := s.audit.Close()
	s.journal, s.audit = nil, nil
	return errors.Join(err1, err2)
}

func (s *fileStore) write(op journalOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(op); err != nil {
		return err
	}
	s.apply(op)
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("storage.compact_failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) apply(op journalOp) {
	switch op.Op {
	case "save":
		if op.Job == nil {
			return
		}
		fj := s.jobs[op.Job.JobID]
		if fj == nil {
			fj = &fileJob{Triggers: map[string]TriggerRecord{}}
			s.jobs[op.Job.JobID] = fj
		}
		fj.Job = *op.Job
		if op.Trigger != nil {
			fj.Triggers[op.Trigger.TriggerID] = *op.Trigger
		}
	case "del_job":
		delete(s.jobs, op.JobID)
	case "del_trigger":
		if fj := s.jobs[op.JobID]; fj != nil {
			delete(fj.Triggers, op.TriggerID)
		}
	}
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.jobs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	m := map[string]*fileJob{}
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for id, fj := range m {
		if fj == nil {
			continue
		}
		if fj.Triggers == nil {
			fj.Triggers = map[string]TriggerRecord{}
		}
		s.jobs[id] = fj
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var op journalOp
		// A torn last line after a crash is skipped.
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			continue
		}
		s.apply(op)
	}
	return sc.Err()
}
