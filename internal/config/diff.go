package config

import (
	"reflect"
	"sort"
	"strings"

	"sundial/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ and returns log
// fields describing the new values. Secrets are reported as set/unset only.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.use_utc", newCfg.Scheduler.UseUTC),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.Int("scheduler.max_concurrent", newCfg.Scheduler.MaxConcurrent),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
		}
	}
	if !reflect.DeepEqual(oldCfg.Dashboard, newCfg.Dashboard) {
		changed = append(changed, "dashboard")
		attrs = append(attrs,
			logx.Bool("dashboard.enabled", newCfg.Dashboard.Enabled),
			logx.String("dashboard.addr", newCfg.Dashboard.Addr),
			logx.Bool("dashboard.password_set", newCfg.Dashboard.DefaultPassword != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Bool("notifier.token_set", strings.TrimSpace(n.Token) != ""),
			)
		}
	}
	if d := DiffJobs(oldCfg.Jobs, newCfg.Jobs); !d.Empty() {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.added", len(d.Added)),
			logx.Int("jobs.removed", len(d.Removed)),
			logx.Int("jobs.changed", len(d.Changed)),
		)
	}
	return changed, attrs
}

// JobDiff lists job ids by how they changed between two configs.
type JobDiff struct {
	Added   []string
	Removed []string
	Changed []string
}

func (d JobDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffJobs compares job declarations by id. The result lists are sorted.
func DiffJobs(oldJobs, newJobs []JobConfig) JobDiff {
	index := func(jobs []JobConfig) map[string]JobConfig {
		m := make(map[string]JobConfig, len(jobs))
		for _, j := range jobs {
			m[strings.TrimSpace(j.ID)] = j
		}
		return m
	}
	before, after := index(oldJobs), index(newJobs)

	var d JobDiff
	for id, nj := range after {
		oj, ok := before[id]
		switch {
		case !ok:
			d.Added = append(d.Added, id)
		case !reflect.DeepEqual(oj, nj):
			d.Changed = append(d.Changed, id)
		}
	}
	for id := range before {
		if _, ok := after[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}
