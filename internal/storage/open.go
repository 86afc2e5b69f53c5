package storage

import (
	"context"
	"errors"
	"strings"

	"sundial/pkg/logx"
)

// Store persists job/trigger state. Implementations are safe for concurrent use.
type Store interface {
	// Load returns every persisted job with its triggers.
	Load(ctx context.Context) ([]JobRecord, error)
	// Save upserts the job detail and, when trig is non-nil, the trigger.
	Save(ctx context.Context, job JobRecord, trig *TriggerRecord) error
	DeleteJob(ctx context.Context, jobID string) error
	DeleteTrigger(ctx context.Context, jobID, triggerID string) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
