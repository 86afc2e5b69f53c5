package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"sundial/internal/task/recurrence"
)

var jobKinds = map[string]bool{"http": true, "exec": true, "systemd": true, "log": true}

// Validate checks cross-field rules that the strict decoder cannot. It
// reports every problem at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if _, err := ParseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout); err != nil {
		errs = append(errs, err)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("scheduler.timezone: %w", err)
		}
	}
	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add("storage.path is required for driver %q", st.Driver)
			}
		case "redis":
			if strings.TrimSpace(st.Addr) == "" {
				add("storage.addr is required for driver redis")
			}
		default:
			add("storage.driver: unknown driver %q", st.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if n := cfg.Notifier; n != nil && n.Enabled {
		if strings.TrimSpace(n.Token) == "" || n.ChatID == 0 {
			add("notifier: token and chat_id are required when enabled")
		}
		if _, err := ParseDurationField("notifier.send_timeout", n.SendTimeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
			errs = append(errs, err)
		}
	}

	seen := map[string]bool{}
	for i, j := range cfg.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		id := strings.TrimSpace(j.ID)
		switch {
		case id == "":
			add("%s.id is required", path)
		case strings.Contains(id, "__"):
			add("%s.id %q must not contain \"__\"", path, id)
		case seen[id]:
			add("%s.id %q is duplicated", path, id)
		}
		seen[id] = true
		errs = append(errs, validateKind(path, j)...)

		trig := map[string]bool{}
		for k, t := range j.Triggers {
			tp := fmt.Sprintf("%s.triggers[%d]", path, k)
			tid := strings.TrimSpace(t.ID)
			switch {
			case tid == "":
				add("%s.id is required", tp)
			case strings.Contains(tid, "__"):
				add("%s.id %q must not contain \"__\"", tp, tid)
			case trig[tid]:
				add("%s.id %q is duplicated", tp, tid)
			}
			trig[tid] = true
			if _, err := recurrence.Parse(t.Schedule, time.UTC); err != nil {
				add("%s.schedule: %w", tp, err)
			}
			for field, raw := range map[string]string{"retry_timeout": t.RetryTimeout, "timeout": t.Timeout} {
				if _, err := ParseDurationField(tp+"."+field, raw); err != nil {
					errs = append(errs, err)
				}
			}
			if _, _, err := ParseTimeWindow(tp, t.StartTime, t.EndTime); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func validateKind(path string, j JobConfig) []error {
	kind := strings.ToLower(strings.TrimSpace(j.Kind))
	if !jobKinds[kind] {
		return []error{fmt.Errorf("%s.kind: unknown kind %q (want http, exec, systemd or log)", path, j.Kind)}
	}
	switch kind {
	case "http":
		if j.HTTP == nil || strings.TrimSpace(j.HTTP.URL) == "" {
			return []error{fmt.Errorf("%s.http.url is required", path)}
		}
		if _, err := ParseDurationField(path+".http.timeout", j.HTTP.Timeout); err != nil {
			return []error{err}
		}
	case "exec":
		if j.Exec == nil || strings.TrimSpace(j.Exec.Command) == "" {
			return []error{fmt.Errorf("%s.exec.command is required", path)}
		}
	case "systemd":
		if j.Systemd == nil || strings.TrimSpace(j.Systemd.Unit) == "" {
			return []error{fmt.Errorf("%s.systemd.unit is required", path)}
		}
	}
	return nil
}
