package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"clusterd/internal/coord"
	"clusterd/internal/eventbus"
	"clusterd/internal/lifecycle"
	"clusterd/internal/task"
	"clusterd/internal/task/engine"
	logx "clusterd/pkg/logx"

	rtsup "clusterd/internal/runtime/supervisor"

	"golang.org/x/time/rate"
)

const (
	unlockTimeout = 5 * time.Second
	readTimeout   = 2 * time.Second
	doneTimeout   = 30 * time.Second
)

// Scheduler is one member's handle on a named distributed scheduler. It
// implements lifecycle.Fiber and task.Scheduler.
type Scheduler struct {
	cfg   Config
	names names
	log   logx.Logger
	bus   eventbus.Bus
	coord coord.Coordinator
	reg   *task.Registry
	exec  *engine.Executor
	retry *coord.Retry
	warnT rate.Sometimes
	// greedy members run what they promote instead of offering it to the
	// shared execution queue.
	greedy bool

	pending   *coord.Map[pendingQueue]
	execution *coord.Queue[TimeKeeper]
	executing *coord.Set[string]
	scheduled coord.AtomicLong
	executed  coord.AtomicLong
	epoch     coord.AtomicLong

	pollInterval  atomic.Int64
	revision      atomic.Int64
	localExecuted atomic.Int64
	seq           atomic.Uint64
	lastScheduled atomic.Int64
	lastExecuted  atomic.Int64

	machine *lifecycle.Machine
	mu      sync.Mutex
	loops   *rtsup.Supervisor
	wake    chan struct{}
}

var (
	_ lifecycle.Fiber = (*Scheduler)(nil)
	_ task.Scheduler  = (*Scheduler)(nil)
)

// New builds a scheduler. Nothing touches the coordinator until the first
// Schedule or Start.
func New(cfg Config, c coord.Coordinator, reg *task.Registry, exec *engine.Executor, log logx.Logger, bus eventbus.Bus) *Scheduler {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	n := namesFor(cfg.Name)
	s := &Scheduler{
		cfg:       cfg,
		names:     n,
		log:       log.With(logx.String("comp", "scheduler"), logx.String("scheduler", cfg.Name)),
		bus:       bus,
		coord:     c,
		reg:       reg,
		exec:      exec,
		greedy:    exec.Config().Policy == engine.PolicyGreedy,
		retry:     coord.NewRetry(cfg.Retry),
		warnT:     rate.Sometimes{Interval: 10 * time.Second},
		pending:   coord.NewMap[pendingQueue](c, n.pending),
		execution: coord.NewQueue[TimeKeeper](c, n.execution),
		executing: coord.NewSet[string](c, n.executing),
		scheduled: c.AtomicLong(n.scheduled),
		executed:  c.AtomicLong(n.executed),
		epoch:     c.AtomicLong(n.epoch),
		machine:   lifecycle.NewMachine("scheduler." + cfg.Name),
		wake:      make(chan struct{}, 1),
	}
	s.pollInterval.Store(int64(cfg.PollInterval))
	return s
}

func (s *Scheduler) Name() string { return s.cfg.Name }

func (s *Scheduler) Registry() *task.Registry { return s.reg }

func (s *Scheduler) Executor() *engine.Executor { return s.exec }

func (s *Scheduler) Coordinator() coord.Coordinator { return s.coord }

// Revision is bumped by Stop and Reset on this instance.
func (s *Scheduler) Revision() int64 { return s.revision.Load() }

func (s *Scheduler) LocalTasksExecuted() int64 { return s.localExecuted.Load() }

func (s *Scheduler) PollInterval() time.Duration { return time.Duration(s.pollInterval.Load()) }

// SetPollInterval changes the promotion cycle of a running scheduler.
func (s *Scheduler) SetPollInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	if old := time.Duration(s.pollInterval.Swap(int64(d))); old != d {
		s.log.Info("poll interval changed", logx.Duration("from", old), logx.Duration("to", d))
		s.kick()
	}
}

// Scheduled is the cluster-wide number of scheduled tasks not yet taken for
// execution. When the backend cannot be read the last known value is
// returned.
func (s *Scheduler) Scheduled() int64 {
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	n, err := s.scheduled.Get(ctx)
	if err != nil {
		s.warn("read scheduled counter", err)
		return s.lastScheduled.Load()
	}
	s.lastScheduled.Store(n)
	return n
}

// GlobalTasksExecuted counts runs finished by any member.
func (s *Scheduler) GlobalTasksExecuted() int64 {
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	n, err := s.executed.Get(ctx)
	if err != nil {
		s.warn("read executed counter", err)
		return s.lastExecuted.Load()
	}
	s.lastExecuted.Store(n)
	return n
}

func (s *Scheduler) Schedule(ctx context.Context, interval time.Duration, t task.Task) error {
	return s.ScheduleOpt(ctx, interval, t, false)
}

// ScheduleOpt queues t to run once interval has elapsed. Scheduling a task
// that is already pending, or executing unless isReschedule is set, is a
// no-op. Scheduling before Start is allowed.
func (s *Scheduler) ScheduleOpt(ctx context.Context, interval time.Duration, t task.Task, isReschedule bool) error {
	if t == nil {
		return ErrNilTask
	}
	if interval < 0 {
		return fmt.Errorf("scheduler: negative interval %s", interval)
	}
	env, err := s.reg.Encode(t)
	if err != nil {
		return err
	}

	var added bool
	err = s.withLock(ctx, "schedule", func(ctx context.Context) error {
		var err error
		added, err = s.enqueueLocked(ctx, env, interval, isReschedule)
		return err
	})
	if err != nil {
		return err
	}
	if !added {
		s.log.Debug("already scheduled", logx.String("task", env.ID), logx.Bool("reschedule", isReschedule))
		return nil
	}
	s.log.Debug("scheduled", logx.String("task", env.ID), logx.Duration("interval", interval), logx.Bool("reschedule", isReschedule))
	s.kick()
	return nil
}

func (s *Scheduler) enqueueLocked(ctx context.Context, env task.Envelope, interval time.Duration, isReschedule bool) (bool, error) {
	if !isReschedule {
		busy, err := s.executing.Contains(ctx, env.ID)
		if err != nil {
			return false, err
		}
		if busy {
			return false, nil
		}
	}
	keys, err := s.pending.Keys(ctx)
	if err != nil {
		return false, err
	}
	for _, key := range keys {
		q, _, err := s.pending.Get(ctx, key)
		if err != nil {
			if errors.Is(err, coord.ErrSerialization) {
				continue
			}
			return false, err
		}
		if q.indexOf(env.ID) >= 0 {
			return false, nil
		}
	}

	epoch, err := s.epoch.Get(ctx)
	if err != nil {
		return false, err
	}
	k := TimeKeeper{
		Task:      env,
		TimeToRun: time.Now().Add(interval),
		Interval:  interval,
		Revision:  s.revision.Load(),
		Epoch:     epoch,
		Seq:       s.seq.Add(1),
		Origin:    s.coord.LocalMember().ID,
	}
	key := intervalKey(interval)
	q, _, err := s.pending.Get(ctx, key)
	if err != nil && !errors.Is(err, coord.ErrSerialization) {
		return false, err
	}
	if err != nil {
		s.log.Error("replacing undecodable pending queue", logx.String("interval", key), logx.Err(err))
		q = nil
	}
	if err := s.pending.Put(ctx, key, q.insert(k)); err != nil {
		return false, err
	}
	if _, err := s.scheduled.IncrementAndGet(ctx); err != nil {
		s.warn("increment scheduled counter", err)
	}
	return true, nil
}

// Reset drops every pending task cluster-wide and zeroes the scheduled
// count. Tasks already promoted still run but are not rescheduled.
func (s *Scheduler) Reset(ctx context.Context) error {
	err := s.withLock(ctx, "reset", func(ctx context.Context) error {
		if _, err := s.epoch.IncrementAndGet(ctx); err != nil {
			return err
		}
		s.revision.Add(1)
		if err := s.pending.Clear(ctx); err != nil {
			return err
		}
		return s.scheduled.Set(ctx, 0)
	})
	if err != nil {
		return err
	}
	s.lastScheduled.Store(0)
	s.log.Info("scheduler reset", logx.Int64("revision", s.revision.Load()))
	return nil
}

func (s *Scheduler) Status() lifecycle.Status { return s.machine.Status() }

// Start joins the coordinator, starts the local executor and both loops.
// A stopped scheduler may be started again.
func (s *Scheduler) Start(ctx context.Context) error {
	from, err := s.machine.Begin(lifecycle.OpStart)
	if err != nil {
		return err
	}
	if err := s.retry.Do(ctx, "init", s.coord.Init); err != nil {
		s.machine.Abort(from)
		return fmt.Errorf("scheduler %s: %w", s.cfg.Name, err)
	}
	if err := s.exec.Start(ctx); err != nil {
		s.machine.Abort(from)
		return fmt.Errorf("scheduler %s: %w", s.cfg.Name, err)
	}
	s.startLoops()
	s.machine.Complete(lifecycle.OpStart)
	s.log.Info("scheduler started",
		logx.String("member", s.coord.LocalMember().ID),
		logx.Duration("poll_interval", s.PollInterval()),
		logx.Int64("revision", s.revision.Load()),
	)
	return nil
}

// Pause stops promoting and consuming. Queues and running tasks are left
// alone.
func (s *Scheduler) Pause(ctx context.Context) error {
	if _, err := s.machine.Begin(lifecycle.OpPause); err != nil {
		return err
	}
	s.machine.Track(nil)
	err := s.stopLoops(ctx)
	s.machine.Complete(lifecycle.OpPause)
	s.log.Info("scheduler paused")
	return err
}

func (s *Scheduler) Resume(ctx context.Context) error {
	if _, err := s.machine.Begin(lifecycle.OpResume); err != nil {
		return err
	}
	s.startLoops()
	s.machine.Complete(lifecycle.OpResume)
	s.log.Info("scheduler resumed")
	return nil
}

// Stop bumps the revision, stops both loops and shuts the executor down.
// In-flight tasks are drained until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	if _, err := s.machine.Begin(lifecycle.OpStop); err != nil {
		return err
	}
	s.revision.Add(1)
	s.machine.Track(nil)
	loopErr := s.stopLoops(ctx)
	execErr := s.exec.Shutdown(ctx)
	s.machine.Complete(lifecycle.OpStop)
	s.log.Info("scheduler stopped", logx.Int64("revision", s.revision.Load()))
	return errors.Join(loopErr, execErr)
}

func (s *Scheduler) startLoops() {
	sup := rtsup.NewSupervisor(context.Background(),
		rtsup.WithLogger(s.log),
		// A loop that gives up takes the scheduler down; Status reports it.
		rtsup.WithCancelOnError(true),
	)
	opts := []rtsup.RestartOption{
		rtsup.WithRestartBackoff(s.retry.Policy().Base, s.retry.Policy().Max),
		rtsup.WithMaxRestarts(s.cfg.MaxLoopRestarts),
	}
	sup.GoRestart("promote", s.promoteLoop, opts...)
	sup.GoRestart("consume", s.consumeLoop, opts...)

	s.mu.Lock()
	s.loops = sup
	s.mu.Unlock()
	s.machine.Track(sup.Done())
}

func (s *Scheduler) stopLoops(ctx context.Context) error {
	s.mu.Lock()
	sup := s.loops
	s.loops = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// Loops returns the loop supervisor, nil while not running.
func (s *Scheduler) Loops() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loops
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// withLock runs fn while holding the scheduler's distributed lock. Each call
// uses its own handle since handles are not reentrant.
func (s *Scheduler) withLock(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	lk := s.coord.Lock(s.names.lock)
	if err := s.retry.Do(ctx, op+".lock", lk.Lock); err != nil {
		return err
	}
	defer s.unlock(ctx, lk)
	return fn(ctx)
}

func (s *Scheduler) unlock(ctx context.Context, lk coord.Lock) {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlockTimeout)
	defer cancel()
	if err := lk.Unlock(uctx); err != nil {
		s.log.Warn("scheduler unlock failed", logx.String("lock", lk.Key()), logx.Err(err))
	}
}

// decrementScheduled lowers the scheduled counter without going below zero;
// Reset may have zeroed it while entries were still queued.
func (s *Scheduler) decrementScheduled(ctx context.Context, n int64) error {
	for n > 0 {
		cur, err := s.scheduled.Get(ctx)
		if err != nil {
			return err
		}
		if cur <= 0 {
			return nil
		}
		next := cur - n
		if next < 0 {
			next = 0
		}
		ok, err := s.scheduled.CompareAndSet(ctx, cur, next)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return nil
}

// warn logs coordination failures at most once per interval; interrupted
// waits are the stop signal and only reach debug.
func (s *Scheduler) warn(what string, err error) {
	if coord.IsInterrupted(err) {
		s.log.Debug(what+" interrupted", logx.Err(err))
		return
	}
	logged := false
	s.warnT.Do(func() {
		logged = true
		s.log.Warn(what+" failed", logx.Err(err))
	})
	if !logged {
		s.log.Debug(what+" failed", logx.Err(err))
	}
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
