package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"sundial/internal/config"
	"sundial/internal/dashboard"
	"sundial/internal/eventbus"
	"sundial/internal/jobs"
	"sundial/internal/metrics"
	"sundial/internal/notifier"
	"sundial/internal/runtime/supervisor"
	"sundial/internal/storage"
	"sundial/internal/task/scheduler"
	"sundial/pkg/logx"
)

// App wires configuration, storage, the scheduler and its outer surfaces.
type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	sup     *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	prom    *prometheus.Registry
	metrics *metrics.Registry

	factory *scheduler.Factory
	notif   *notifier.Service
	deps    jobs.Deps

	dmu  sync.Mutex
	dash *dashboard.Server

	jmu     sync.Mutex
	applied []config.JobConfig
}

func New(cfgPath string) (_ *App, err error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	defer func() {
		if err != nil {
			_ = logSvc.Close()
		}
	}()
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	prom := prometheus.NewRegistry()
	prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg := metrics.NewRegistry(prom)
	reg.ObserveBus(bus.Stats)

	sc, storageOn, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	var store storage.Store
	if storageOn {
		if store, err = storage.Open(sc, log); err != nil {
			return nil, err
		}
		defer func() {
			if err != nil && store != nil {
				_ = store.Close()
			}
		}()
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	opts := []scheduler.Option{scheduler.WithBus(bus), scheduler.WithMetrics(reg)}
	if store != nil {
		opts = append(opts, scheduler.WithStore(store))
	}
	factory := scheduler.NewFactory(schedCfg, log, opts...)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		prom:    prom,
		metrics: reg,
		factory: factory,
		deps:    jobs.Deps{Log: log.With(logx.String("comp", "jobs")), HTTPClient: jobs.NewHTTPClient()},
	}

	if err := a.addJobs(cfg.Jobs); err != nil {
		return nil, err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	if ncfg.Enabled {
		sender, err := notifier.NewTelegramSender(cfg.Notifier.Token, ncfg.SendTimeout)
		if err != nil {
			return nil, err
		}
		a.notif = notifier.New(ncfg, sender, bus, log, reg)
	}
	return a, nil
}

// Factory exposes the scheduler for embedding programs.
func (a *App) Factory() *scheduler.Factory { return a.factory }

// DashboardAddr is the dashboard's bound address, empty when disabled.
func (a *App) DashboardAddr() string {
	a.dmu.Lock()
	defer a.dmu.Unlock()
	if a.dash == nil {
		return ""
	}
	return a.dash.Addr()
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		var errs []error
		for _, jc := range cfg.Jobs {
			if _, err := jobs.Build(jc, a.deps); err != nil {
				errs = append(errs, err)
			}
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			errs = append(errs, err)
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			errs = append(errs, err)
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	if err := a.factory.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.startDashboard(a.sup.Context(), a.cfgm.Get()); err != nil {
		return err
	}
	if a.notif != nil {
		a.notif.Start(a.sup.Context())
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts; only the newest config matters.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.reload(c, last, next)
				last = next
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch, time.Second, 30*time.Second)

	a.log.Info("app started", logx.String("config", a.cfgPath), logx.Int("jobs", len(a.factory.GetJobs())))
	return nil
}

func (a *App) startDashboard(ctx context.Context, cfg *config.Config) error {
	opts, scfg, enabled := mapDashboardConfig(cfg)
	if !enabled {
		return nil
	}
	opts.Metrics = a.metrics
	if a.store != nil {
		opts.Audit = a.store
	}
	if cfg.Dashboard.Metrics {
		scfg.Gatherer = a.prom
	}
	srv := dashboard.NewServer(scfg, dashboard.New(a.factory, opts, a.log), a.log)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	a.dmu.Lock()
	a.dash = srv
	a.dmu.Unlock()
	return nil
}

func (a *App) stopDashboard(ctx context.Context) error {
	a.dmu.Lock()
	srv := a.dash
	a.dash = nil
	a.dmu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Stop(ctx)
}

// addJobs registers configured jobs. It fails on the first invalid job.
func (a *App) addJobs(list []config.JobConfig) error {
	for _, jc := range list {
		if err := a.addJob(jc); err != nil {
			return err
		}
	}
	a.jmu.Lock()
	a.applied = slices.Clone(list)
	a.jmu.Unlock()
	return nil
}

func (a *App) addJob(jc config.JobConfig) error {
	def, err := jobs.Build(jc, a.deps)
	if err != nil {
		return err
	}
	if _, err := a.factory.AddJob(def.Detail, def.Job, def.Triggers...); err != nil {
		return fmt.Errorf("job %q: %w", def.Detail.JobID, err)
	}
	return nil
}

// reconcileJobs applies the job set of a reloaded config. A changed job is
// removed and added again, so its run history starts over.
func (a *App) reconcileJobs(next []config.JobConfig) {
	a.jmu.Lock()
	defer a.jmu.Unlock()

	diff := config.DiffJobs(a.applied, next)
	if diff.Empty() {
		return
	}
	byID := make(map[string]config.JobConfig, len(next))
	for _, jc := range next {
		byID[strings.TrimSpace(jc.ID)] = jc
	}

	for _, id := range append(slices.Clone(diff.Removed), diff.Changed...) {
		if res := a.factory.RemoveJob(id); res != scheduler.Succeed {
			a.log.Warn("job removal failed", logx.String("job", id), logx.String("result", res.String()))
		}
	}
	var failed []string
	for _, id := range append(slices.Clone(diff.Added), diff.Changed...) {
		if err := a.addJob(byID[id]); err != nil {
			failed = append(failed, id)
			a.log.Error("job not applied", logx.String("job", id), logx.Err(err))
		}
	}
	a.applied = slices.Clone(next)
	a.log.Info("jobs reconciled",
		logx.Any("added", diff.Added), logx.Any("removed", diff.Removed),
		logx.Any("changed", diff.Changed), logx.Any("failed", failed))
}

func (a *App) reload(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLoggingConfig(next))
		case "scheduler", "storage":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		case "dashboard":
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if err := a.stopDashboard(stopCtx); err != nil {
				a.log.Warn("dashboard stop failed", logx.Err(err))
			}
			cancel()
			if err := a.startDashboard(ctx, next); err != nil {
				a.log.Error("dashboard restart failed", logx.Err(err))
			}
		case "notifier":
			a.reloadNotifier(ctx, next)
		case "jobs":
			a.reconcileJobs(next.Jobs)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) reloadNotifier(ctx context.Context, next *config.Config) {
	ncfg, err := mapNotifierConfig(next)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	if a.notif == nil {
		if ncfg.Enabled {
			a.log.Warn("notifier enabled via config; restart required")
		}
		return
	}
	was := a.notif.Enabled()
	a.notif.Apply(ncfg)
	switch {
	case was && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_ = a.notif.Stop(stopCtx)
		cancel()
	case !was && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}
}

// Stop shuts every component down in reverse start order. Each step is
// time-boxed; a step that overruns keeps going in the background.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("dashboard", 3*time.Second, a.stopDashboard)
	step("notifier", 2*time.Second, func(c context.Context) error {
		if a.notif == nil {
			return nil
		}
		return a.notif.Stop(c)
	})
	step("scheduler", 10*time.Second, a.factory.Stop)
	step("supervisor", 2*time.Second, a.sup.Stop)
	step("storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
