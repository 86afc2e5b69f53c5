package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"sundial/pkg/logx"
)

const (
	redisDetailField   = "detail"
	redisTriggerPrefix = "trigger:"
	redisAuditCap      = 1000
	redisOpTimeout     = 3 * time.Second
)

// redisStore keeps one hash per job:
//
//	<prefix>:jobs            set of job ids
//	<prefix>:job:<id>        hash{detail, trigger:<tid>...} of JSON values
//	<prefix>:audit           capped list of audit entries (newest first)
type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("storage.addr is required for redis driver")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "sundial"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return newRedisStore(rdb, prefix, log), nil
}

func newRedisStore(rdb *redis.Client, prefix string, log logx.Logger) *redisStore {
	return &redisStore{rdb: rdb, prefix: prefix, log: log}
}

func (s *redisStore) jobsKey() string            { return s.prefix + ":jobs" }
func (s *redisStore) jobKey(jobID string) string { return s.prefix + ":job:" + jobID }
func (s *redisStore) auditKey() string           { return s.prefix + ":audit" }

func (s *redisStore) Load(ctx context.Context) ([]JobRecord, error) {
	ids, err := s.rdb.SMembers(ctx, s.jobsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]JobRecord, 0, len(ids))
	for i, id := range ids {
		fields, err := cmds[i].Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		var jr JobRecord
		if err := json.Unmarshal([]byte(fields[redisDetailField]), &jr); err != nil {
			s.log.Warn("storage.bad_job", logx.String("job", id), logx.Err(err))
			continue
		}
		for f, v := range fields {
			if !strings.HasPrefix(f, redisTriggerPrefix) {
				continue
			}
			var tr TriggerRecord
			if err := json.Unmarshal([]byte(v), &tr); err != nil {
				s.log.Warn("storage.bad_trigger", logx.String("job", id), logx.String("field", f), logx.Err(err))
				continue
			}
			jr.Triggers = append(jr.Triggers, tr)
		}
		sort.Slice(jr.Triggers, func(a, b int) bool { return jr.Triggers[a].TriggerID < jr.Triggers[b].TriggerID })
		out = append(out, jr)
	}
	return out, nil
}

func (s *redisStore) Save(ctx context.Context, job JobRecord, trig *TriggerRecord) error {
	job.Triggers = nil
	detail, err := json.Marshal(job)
	if err != nil {
		return err
	}
	values := map[string]any{redisDetailField: string(detail)}
	if trig != nil {
		b, err := json.Marshal(trig)
		if err != nil {
			return err
		}
		values[redisTriggerPrefix+trig.TriggerID] = string(b)
	}

	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, s.jobsKey(), job.JobID)
	pipe.HSet(ctx, s.jobKey(job.JobID), values)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) DeleteJob(ctx context.Context, jobID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, s.jobsKey(), jobID)
	pipe.Del(ctx, s.jobKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) DeleteTrigger(ctx context.Context, jobID, triggerID string) error {
	return s.rdb.HDel(ctx, s.jobKey(jobID), redisTriggerPrefix+triggerID).Err()
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, s.auditKey(), string(b))
	pipe.LTrim(ctx, s.auditKey(), 0, redisAuditCap-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) Close() error { return s.rdb.Close() }
