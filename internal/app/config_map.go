package app

import (
	"fmt"
	"strings"
	"time"

	"sundial/internal/config"
	"sundial/internal/dashboard"
	"sundial/internal/notifier"
	"sundial/internal/storage"
	"sundial/internal/task/engine"
	"sundial/internal/task/scheduler"
	"sundial/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		JSON:    l.JSON,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	case "redis":
		if strings.TrimSpace(sc.Addr) == "" {
			return storage.Config{}, false, fmt.Errorf("storage.addr is required when storage.driver=redis")
		}
		return storage.Config{
			Driver:   "redis",
			Addr:     strings.TrimSpace(sc.Addr),
			Password: sc.Password,
			DB:       sc.DB,
			Prefix:   sc.Prefix,
		}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	out := scheduler.Config{
		UseUTC:             sc.UseUTC,
		TimelineSize:       sc.TimelineSize,
		GlobalTimelineSize: sc.GlobalTimelineSize,
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
		out.Location = loc
	}
	timeout, err := config.ParseDurationField("scheduler.default_timeout", sc.DefaultTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	if sc.MaxConcurrent < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.max_concurrent must be >= 0")
	}
	out.Engine = engine.Config{MaxConcurrent: sc.MaxConcurrent, DefaultTimeout: timeout}
	return out, nil
}

func mapDashboardConfig(cfg *config.Config) (dashboard.Options, dashboard.ServerConfig, bool) {
	d := cfg.Dashboard
	if !d.Enabled {
		return dashboard.Options{}, dashboard.ServerConfig{}, false
	}
	title := d.Title
	if title == "" {
		title = "Sundial"
	}
	opts := dashboard.Options{
		RequestPath:             d.RequestPath,
		Title:                   title,
		DisplayEmptyTriggerJobs: true,
		DisplayHead:             true,
		Login: dashboard.LoginOptions{
			Enabled:         d.AuthEnabled,
			SessionKey:      d.SessionKey,
			DefaultUsername: d.DefaultUsername,
			DefaultPassword: d.DefaultPassword,
			PerMinute:       d.LoginPerMinute,
		},
	}
	return opts, dashboard.ServerConfig{Addr: d.Addr, MetricsPath: d.MetricsPath, Pprof: d.Pprof}, true
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil || !n.Enabled {
		return notifier.Config{}, nil
	}
	sendTimeout, err := config.ParseDurationField("notifier.send_timeout", n.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:     true,
		ChatID:      n.ChatID,
		ThreadID:    n.ThreadID,
		NotifyAll:   n.NotifyAll,
		QueueSize:   n.QueueSize,
		RatePerSec:  n.RatePerSec,
		RetryMax:    2,
		SendTimeout: sendTimeout,
		DedupWindow: dedup,
	}, nil
}
