package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clusterd/internal/config"
	"clusterd/internal/coord"
	"clusterd/internal/coord/backend"
	"clusterd/internal/coord/memory"
	"clusterd/internal/eventbus"
	"clusterd/internal/leader"
	"clusterd/internal/lifecycle"
	"clusterd/internal/metrics"
	"clusterd/internal/observability/httpd"
	"clusterd/internal/task"
	"clusterd/internal/task/engine"
	"clusterd/internal/task/scheduler"
	logx "clusterd/pkg/logx"
	"clusterd/pkg/systemd"

	rtsup "clusterd/internal/runtime/supervisor"
)

// ErrSchedulerStopped ends the daemon when the scheduler loops die on their own.
var ErrSchedulerStopped = errors.New("scheduler stopped unexpectedly")

// Options carries what the config file cannot express.
type Options struct {
	// Grid is shared by every App of one process when the memory driver is
	// used. Nil means a private grid.
	Grid *memory.Grid
	// Register adds application task kinds next to the built-in ones.
	Register func(*task.Registry) error
	// Notifier defaults to systemd.New().
	Notifier *systemd.Notifier
}

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	coord      coord.Coordinator
	driver     string
	started    time.Time
	listenerID string

	reg          *task.Registry
	exec         *engine.Executor
	sched        *scheduler.Scheduler
	schedEnabled bool
	heartbeat    *scheduler.Schedule

	sel *leader.Selector
	jan *janitor

	metrics *metrics.Collector
	http    *httpd.Service
	sd      *systemd.Notifier
}

func New(cfgPath string, opt Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateRuntime(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg), nil)
	bus := eventbus.New()

	bc, err := mapBackendConfig(cfg)
	if err != nil {
		return nil, err
	}
	c, err := backend.Open(bc, backend.Options{Grid: opt.Grid}, log)
	if err != nil {
		return nil, err
	}
	driver := strings.ToLower(strings.TrimSpace(bc.Driver))
	if driver == "" {
		driver = "memory"
	}

	reg := task.NewRegistry()
	if err := registerMaintenance(reg); err != nil {
		return nil, err
	}
	if opt.Register != nil {
		if err := opt.Register(reg); err != nil {
			return nil, fmt.Errorf("register tasks: %w", err)
		}
	}

	ec, err := mapExecutorConfig(cfg)
	if err != nil {
		return nil, err
	}
	exec := engine.New(ec, log, bus)

	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(sc, c, reg, exec, log, bus)

	a := &App{
		cfgm:         cfgm,
		log:          log.With(logx.String("comp", "app")),
		logs:         logSvc,
		bus:          bus,
		coord:        c,
		driver:       driver,
		reg:          reg,
		exec:         exec,
		sched:        sched,
		schedEnabled: cfg.Scheduler.Enabled,
		metrics:      metrics.NewCollector(),
		sd:           opt.Notifier,
	}
	if a.sd == nil {
		a.sd = systemd.New()
	}

	hb, jspec, ttl, err := maintenanceSpecs(cfg)
	if err != nil {
		return nil, err
	}
	if hb != nil {
		a.heartbeat, err = scheduler.NewSchedule(sched, heartbeatSchedule, hb.String(), &Heartbeat{}, scheduler.WithStartupSpread())
		if err != nil {
			return nil, err
		}
	}
	if cfg.Leader.Enabled && jspec != nil {
		election, lopt, err := mapLeaderConfig(cfg)
		if err != nil {
			return nil, err
		}
		lopt.Bus = bus
		a.jan = &janitor{c: c, spec: *jspec, ttl: ttl, bus: bus, log: log.With(logx.String("comp", "janitor"))}
		a.sel = leader.New(c, election, a.jan, lopt, log)
		a.jan.sel = a.sel
	}

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.http = httpd.New(hc, httpd.Sources{
		Health:  a.Health,
		Status:  a.Status,
		Metrics: a.metrics.Handler(),
	}, log)

	return a, nil
}

// Coordinator is the member handle the daemon runs on.
func (a *App) Coordinator() coord.Coordinator { return a.coord }

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

func (a *App) Bus() eventbus.Bus { return a.bus }

// HTTPAddr is the bound ops address, empty while the server is down.
func (a *App) HTTPAddr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// FailureReason classifies Err for the stop log.
func (a *App) FailureReason() StopReason {
	switch err := a.Err(); {
	case err == nil:
		return StopAppStop
	case errors.Is(err, ErrSchedulerStopped):
		return StopLoopsFailed
	default:
		return StopFatalError
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.started = time.Now()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateRuntime(cfg)
	})

	if err := a.coord.Init(ctx); err != nil {
		return fmt.Errorf("coordination: %w", err)
	}
	a.logs.SetSink(topicSink(a.coord))
	a.listenerID = a.coord.AddMembershipListener(membershipListener(a.log, a.bus))

	if err := a.startMetrics(); err != nil {
		return err
	}

	if a.schedEnabled {
		if err := a.sched.Start(ctx); err != nil {
			return err
		}
		if a.heartbeat != nil {
			if err := a.heartbeat.Start(ctx); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
		a.sup.Go("scheduler.watch", a.watchScheduler)
	}
	if a.sel != nil {
		if err := a.sel.Start(ctx); err != nil {
			return err
		}
	}
	a.http.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if _, err := a.sd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	}
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.sd.Watchdog(c, a.Health)
	})

	a.log.Info("app started",
		logx.String("member", a.coord.LocalMember().ID),
		logx.String("driver", a.driver),
		logx.Bool("scheduler", a.schedEnabled),
		logx.Bool("leader", a.sel != nil),
	)
	return nil
}

func (a *App) startMetrics() error {
	m := a.metrics
	labels := map[string]string{"scheduler": a.sched.Name()}
	gauges := []struct {
		name, help string
		fn         func() float64
	}{
		{"scheduler_scheduled", "Tasks pending or executing cluster-wide.", func() float64 { return float64(a.sched.Scheduled()) }},
		{"scheduler_executed_global", "Tasks executed by any member.", func() float64 { return float64(a.sched.GlobalTasksExecuted()) }},
		{"scheduler_executed_local", "Tasks executed by this member.", func() float64 { return float64(a.sched.LocalTasksExecuted()) }},
	}
	for _, g := range gauges {
		if err := m.GaugeFunc(g.name, g.help, labels, g.fn); err != nil {
			return fmt.Errorf("metrics %s: %w", g.name, err)
		}
	}
	if err := m.TrackBus(a.bus); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	a.sup.Go("metrics.consume", func(c context.Context) error {
		return m.Consume(c, a.bus)
	})

	events, unsub := a.bus.Subscribe(16, "member.")
	a.sup.Go("members.count", func(c context.Context) error {
		defer unsub()
		a.countMembers(c)
		for {
			select {
			case <-c.Done():
				return nil
			case _, ok := <-events:
				if !ok {
					return nil
				}
				a.countMembers(c)
			}
		}
	})
	return nil
}

func (a *App) countMembers(ctx context.Context) {
	members, err := a.coord.Members(ctx)
	if err != nil {
		if !coord.IsInterrupted(err) {
			a.log.Debug("member count failed", logx.Err(err))
		}
		return
	}
	a.metrics.SetMembers(len(members))
	_, _ = a.sd.Status("%d members", len(members))
}

// watchScheduler turns an unexpected scheduler stop into an app failure.
func (a *App) watchScheduler(ctx context.Context) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if a.sched.Status() == lifecycle.Stopped && ctx.Err() == nil {
				return ErrSchedulerStopped
			}
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = a.sd.Reloading()
	defer func() { _, _ = a.sd.Ready() }()

	var restart []string
	for _, s := range sections {
		if config.RestartSections[s] {
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLoggingConfig(next))

	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if sc.PollInterval != a.sched.PollInterval() && sc.PollInterval > 0 {
		a.sched.SetPollInterval(sc.PollInterval)
	}
	a.setSchedulerEnabled(ctx, next.Scheduler.Enabled)

	if hc, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// setSchedulerEnabled pauses or resumes the scheduler loops. The executor
// keeps its in-flight work either way.
func (a *App) setSchedulerEnabled(ctx context.Context, enabled bool) {
	if !a.schedEnabled {
		if enabled {
			a.log.Warn("scheduler was disabled at start; restart required to enable it")
		}
		return
	}
	switch st := a.sched.Status(); {
	case enabled && st == lifecycle.Paused:
		if err := a.sched.Resume(ctx); err != nil {
			a.log.Warn("scheduler resume failed", logx.Err(err))
			return
		}
		a.log.Info("scheduler resumed via config")
	case !enabled && st == lifecycle.Running:
		if err := a.sched.Pause(ctx); err != nil {
			a.log.Warn("scheduler pause failed", logx.Err(err))
			return
		}
		a.log.Info("scheduler paused via config")
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = a.sd.Stopping()
	_, _ = a.sd.Status("stopping (%s)", reason)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		runStep(ctx, a.log, name, limit, fn)
	}

	step("leader", 2*time.Second, func(c context.Context) error {
		if a.sel != nil {
			return a.sel.Stop(c)
		}
		return nil
	})
	step("scheduler", 3*time.Second, func(c context.Context) error {
		if !a.schedEnabled || a.sched.Status() == lifecycle.Stopped {
			return nil
		}
		err := a.sched.Stop(c)
		if errors.Is(err, lifecycle.ErrIllegalTransition) {
			return nil
		}
		return err
	})
	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })

	// wait for supervised goroutines (config watch/reload, metrics, watchdog)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	step("coordination", 2*time.Second, func(c context.Context) error {
		if a.listenerID != "" {
			a.coord.RemoveMembershipListener(a.listenerID)
		}
		return a.coord.Shutdown(c)
	})

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// runStep runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func runStep(ctx context.Context, log logx.Logger, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx := ctx
	if limit > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, max(time.Until(dl), 0))
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

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
		if err != nil {
			log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx; log the leak if it does not.
		log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
