package jobs

import (
	"context"
	"strings"

	"sundial/internal/task/scheduler"
	"sundial/pkg/logx"
)

// LogJob writes one log line per run.
type LogJob struct {
	Message string
	Level   string
	Log     logx.Logger
}

func (j *LogJob) Execute(_ context.Context, jc *scheduler.JobExecutionContext) error {
	msg := j.Message
	if msg == "" {
		msg = "heartbeat"
	}
	fields := []logx.Field{
		logx.Job(jc.JobID(), jc.TriggerID(), jc.RunID),
		logx.String("mode", jc.Mode.String()),
		logx.Time("occurrence", jc.OccurrenceTime),
	}
	switch strings.ToLower(j.Level) {
	case "debug":
		j.Log.Debug(msg, fields...)
	case "warn", "warning":
		j.Log.Warn(msg, fields...)
	case "error":
		j.Log.Error(msg, fields...)
	default:
		j.Log.Info(msg, fields...)
	}
	jc.SetResult(msg)
	return nil
}
