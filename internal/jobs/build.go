package jobs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"sundial/internal/config"
	"sundial/internal/task/scheduler"
	"sundial/pkg/logx"
)

// Definition is everything Factory.AddJob needs for one configured job.
type Definition struct {
	Detail   scheduler.JobDetail
	Job      scheduler.Job
	Triggers []scheduler.TriggerOptions
}

// Deps are shared by the jobs built from one config.
type Deps struct {
	Log        logx.Logger
	HTTPClient *http.Client
}

// Build turns a job declaration into a Definition.
func Build(jc config.JobConfig, deps Deps) (Definition, error) {
	id := strings.TrimSpace(jc.ID)
	job, err := body(jc, deps)
	if err != nil {
		return Definition{}, fmt.Errorf("job %q: %w", id, err)
	}
	triggers, err := Triggers(jc.Triggers)
	if err != nil {
		return Definition{}, fmt.Errorf("job %q: %w", id, err)
	}
	props := make(map[string]string, len(jc.Properties)+1)
	for k, v := range jc.Properties {
		props[k] = v
	}
	props["kind"] = strings.ToLower(jc.Kind)
	return Definition{
		Detail: scheduler.JobDetail{
			JobID:       id,
			GroupName:   jc.Group,
			Description: jc.Description,
			Concurrent:  jc.Concurrent,
			Properties:  props,
		},
		Job:      job,
		Triggers: triggers,
	}, nil
}

func body(jc config.JobConfig, deps Deps) (scheduler.Job, error) {
	switch strings.ToLower(strings.TrimSpace(jc.Kind)) {
	case "http":
		if jc.HTTP == nil {
			return nil, errors.New("http section missing")
		}
		timeout, err := config.ParseDurationField("http.timeout", jc.HTTP.Timeout)
		if err != nil {
			return nil, err
		}
		client := deps.HTTPClient
		if client == nil {
			client = NewHTTPClient()
		}
		return &HTTPJob{
			Method:  jc.HTTP.Method,
			URL:     jc.HTTP.URL,
			Headers: jc.HTTP.Headers,
			Body:    jc.HTTP.Body,
			Timeout: timeout,
			Client:  client,
		}, nil
	case "exec":
		if jc.Exec == nil {
			return nil, errors.New("exec section missing")
		}
		return NewExecJob(jc.Exec.Command, jc.Exec.Args, jc.Exec.Dir, jc.Exec.Env)
	case "systemd":
		if jc.Systemd == nil {
			return nil, errors.New("systemd section missing")
		}
		return NewSystemdJob(jc.Systemd.Unit, jc.Systemd.Action)
	case "log":
		lj := &LogJob{Log: deps.Log.With(logx.String("comp", "job.log"))}
		if jc.Log != nil {
			lj.Message, lj.Level = jc.Log.Message, jc.Log.Level
		}
		return lj, nil
	default:
		return nil, fmt.Errorf("unknown kind %q", jc.Kind)
	}
}

// Triggers converts trigger declarations. Schedules are parsed later by the
// factory so cron expressions pick up its location.
func Triggers(tcs []config.TriggerConfig) ([]scheduler.TriggerOptions, error) {
	out := make([]scheduler.TriggerOptions, 0, len(tcs))
	for _, tc := range tcs {
		path := "trigger " + tc.ID
		retryTimeout, err := config.ParseDurationField(path+".retry_timeout", tc.RetryTimeout)
		if err != nil {
			return nil, err
		}
		timeout, err := config.ParseDurationField(path+".timeout", tc.Timeout)
		if err != nil {
			return nil, err
		}
		start, end, err := config.ParseTimeWindow(path, tc.StartTime, tc.EndTime)
		if err != nil {
			return nil, err
		}
		out = append(out, scheduler.TriggerOptions{
			ID:                tc.ID,
			Schedule:          tc.Schedule,
			Description:       tc.Description,
			MaxNumberOfRuns:   tc.MaxRuns,
			MaxNumberOfErrors: tc.MaxErrors,
			NumRetries:        tc.Retries,
			RetryTimeout:      retryTimeout,
			Timeout:           timeout,
			StartTime:         start,
			EndTime:           end,
			RunOnStart:        tc.RunOnStart,
			AllowOverlap:      tc.AllowOverlap,
			Paused:            tc.Paused,
		})
	}
	return out, nil
}
