package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"sundial/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Load(ctx context.Context) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, group_name, description, concurrent, properties, updated_time FROM jobs ORDER BY job_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecord
	index := map[string]int{}
	for rows.Next() {
		var (
			jr                 JobRecord
			group, desc, props sql.NullString
			concurrent         int
			updated            string
		)
		if err := rows.Scan(&jr.JobID, &group, &desc, &concurrent, &props, &updated); err != nil {
			return nil, err
		}
		jr.GroupName = group.String
		jr.Description = desc.String
		jr.Concurrent = concurrent != 0
		if props.Valid && props.String != "" {
			if err := json.Unmarshal([]byte(props.String), &jr.Properties); err != nil {
				s.log.Warn("storage.bad_properties", logx.String("job", jr.JobID), logx.Err(err))
			}
		}
		jr.UpdatedTime, _ = time.Parse(time.RFC3339Nano, updated)
		index[jr.JobID] = len(out)
		out = append(out, jr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	trows, err := s.db.QueryContext(ctx, `SELECT job_id, data FROM triggers ORDER BY job_id, trigger_id`)
	if err != nil {
		return nil, err
	}
	defer trows.Close()
	for trows.Next() {
		var jobID, data string
		if err := trows.Scan(&jobID, &data); err != nil {
			return nil, err
		}
		i, ok := index[jobID]
		if !ok {
			continue
		}
		var tr TriggerRecord
		if err := json.Unmarshal([]byte(data), &tr); err != nil {
			s.log.Warn("storage.bad_trigger", logx.String("job", jobID), logx.Err(err))
			continue
		}
		out[i].Triggers = append(out[i].Triggers, tr)
	}
	return out, trows.Err()
}

func (s *sqliteStore) Save(ctx context.Context, job JobRecord, trig *TriggerRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var props any
	if len(job.Properties) > 0 {
		b, err := json.Marshal(job.Properties)
		if err != nil {
			return err
		}
		props = string(b)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs(job_id, group_name, description, concurrent, properties, updated_time)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   group_name=excluded.group_name, description=excluded.description,
		   concurrent=excluded.concurrent, properties=excluded.properties,
		   updated_time=excluded.updated_time`,
		job.JobID, nullStr(job.GroupName), nullStr(job.Description), boolInt(job.Concurrent), props,
		job.UpdatedTime.Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}

	if trig != nil {
		data, err := json.Marshal(trig)
		if err != nil {
			return err
		}
		var next any
		if trig.NextRunTime != nil {
			next = trig.NextRunTime.Format(time.RFC3339Nano)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO triggers(job_id, trigger_id, data, status, next_run_time, updated_time)
			 VALUES(?,?,?,?,?,?)
			 ON CONFLICT(job_id, trigger_id) DO UPDATE SET
			   data=excluded.data, status=excluded.status,
			   next_run_time=excluded.next_run_time, updated_time=excluded.updated_time`,
			trig.JobID, trig.TriggerID, string(data), trig.Status, next, trig.UpdatedTime.Format(time.RFC3339Nano),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) DeleteJob(ctx context.Context, jobID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM triggers WHERE job_id = ?`, jobID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) DeleteTrigger(ctx context.Context, jobID, triggerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE job_id = ? AND trigger_id = ?`, jobID, triggerID)
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, remote, action, job_id, trigger_id, result) VALUES(?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), nullStr(e.Actor), nullStr(e.Remote), e.Action,
		nullStr(e.JobID), nullStr(e.TriggerID), e.Result,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
