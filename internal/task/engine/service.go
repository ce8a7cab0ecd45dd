package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"clusterd/internal/eventbus"
	logx "clusterd/pkg/logx"

	rtsup "clusterd/internal/runtime/supervisor"
)

// Executor is the local worker pool. Callers first Reserve a slot, which
// blocks while the pool is at capacity, then Dispatch a job into it. Taking
// work off a shared queue only after a slot is reserved keeps a busy member
// from claiming tasks it cannot start.
type Executor struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	gen *generation

	reserved  atomic.Int32
	inFlight  atomic.Int32
	completed atomic.Uint64
	failed    atomic.Uint64
	panics    atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem

	idSeq atomic.Uint64
}

// generation is one Start..Shutdown span. Slots keep a pointer to the
// generation they were reserved from.
type generation struct {
	slots  chan struct{}
	jobs   chan queuedJob
	stopCh chan struct{}
	sup    *rtsup.Supervisor

	mu     sync.RWMutex
	closed bool
}

type queuedJob struct {
	job        Job
	enqueuedAt time.Time
	timeout    time.Duration
	opt        JobOptions
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{
		cfg: cfg.withDefaults(),
		log: log.With(logx.String("comp", "executor")),
		bus: bus,
	}
}

func (e *Executor) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Supervisor returns the worker supervisor (nil if not started).
func (e *Executor) Supervisor() *rtsup.Supervisor {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen == nil {
		return nil
	}
	return e.gen.sup
}

func (e *Executor) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen != nil
}

// Start launches the workers. It is idempotent. Workers outlive ctx
// cancellation; use Shutdown to stop them.
func (e *Executor) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != nil {
		return nil
	}

	cfg := e.cfg
	capacity := cfg.Capacity()
	g := &generation{
		slots:  make(chan struct{}, capacity),
		jobs:   make(chan queuedJob, capacity),
		stopCh: make(chan struct{}),
		sup: rtsup.NewSupervisor(context.WithoutCancel(ctx),
			rtsup.WithLogger(e.log),
			// A failing worker must not take the member down.
			rtsup.WithCancelOnError(false),
		),
	}
	for i := 0; i < capacity; i++ {
		g.slots <- struct{}{}
	}
	for i := 0; i < cfg.Workers; i++ {
		idx := i
		g.sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			return e.worker(c, g, idx)
		}, rtsup.WithPublishFirstError(true))
	}
	e.gen = g
	e.log.Info("executor started",
		logx.Int("workers", cfg.Workers),
		logx.Int("capacity", capacity),
		logx.String("policy", cfg.Policy.String()),
	)
	return nil
}

// Shutdown stops accepting work and waits for queued and in-flight jobs to
// finish. When ctx ends first, running jobs are cancelled and ctx.Err() is
// returned.
func (e *Executor) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	g := e.gen
	e.gen = nil
	e.mu.Unlock()
	if g == nil {
		return nil
	}

	close(g.stopCh)
	g.mu.Lock()
	g.closed = true
	close(g.jobs)
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = g.sup.Wait(context.Background())
		close(done)
	}()
	select {
	case <-done:
		e.log.Info("executor stopped")
		return nil
	case <-ctx.Done():
		g.sup.Cancel()
		e.log.Warn("executor stop timed out, cancelling running tasks", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

// Slot is a reserved place in the pool. Exactly one of Dispatch or Release
// must be called.
type Slot struct {
	e    *Executor
	g    *generation
	used atomic.Bool
}

// Reserve blocks until a slot is free, ctx ends, or the executor stops.
func (e *Executor) Reserve(ctx context.Context) (*Slot, error) {
	e.mu.Lock()
	g := e.gen
	e.mu.Unlock()
	if g == nil {
		return nil, ErrNotStarted
	}
	select {
	case <-g.stopCh:
		return nil, ErrStopped
	default:
	}
	select {
	case <-g.slots:
		e.reserved.Add(1)
		return &Slot{e: e, g: g}, nil
	case <-g.stopCh:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns an unused slot.
func (s *Slot) Release() {
	if !s.used.CompareAndSwap(false, true) {
		return
	}
	s.e.reserved.Add(-1)
	s.g.slots <- struct{}{}
}

// Dispatch hands job to the pool. It never blocks: the reservation
// guarantees room.
func (s *Slot) Dispatch(job Job) error {
	if job.Run == nil {
		s.Release()
		return fmt.Errorf("job Run is nil")
	}
	if !s.used.CompareAndSwap(false, true) {
		return ErrSlotReleased
	}
	e := s.e
	now := time.Now()
	job.Name = strings.TrimSpace(job.Name)
	if job.Name == "" {
		job.Name = "task"
	}
	if strings.TrimSpace(job.ID) == "" {
		job.ID = e.newJobID(now)
	}

	e.mu.Lock()
	cfg := e.cfg
	e.mu.Unlock()
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}

	s.g.mu.RLock()
	defer s.g.mu.RUnlock()
	if s.g.closed {
		e.reserved.Add(-1)
		s.g.slots <- struct{}{}
		return ErrStopped
	}
	s.g.jobs <- queuedJob{job: job, enqueuedAt: now, timeout: timeout, opt: job.Opt.withDefaults(cfg)}
	return nil
}

// TryReserve takes a slot only if one is free right now.
func (e *Executor) TryReserve() (*Slot, bool, error) {
	e.mu.Lock()
	g := e.gen
	e.mu.Unlock()
	if g == nil {
		return nil, false, ErrNotStarted
	}
	select {
	case <-g.stopCh:
		return nil, false, ErrStopped
	default:
	}
	select {
	case <-g.slots:
		e.reserved.Add(1)
		return &Slot{e: e, g: g}, true, nil
	default:
		return nil, false, nil
	}
}

func (e *Executor) Snapshot() Snapshot {
	e.mu.Lock()
	cfg := e.cfg
	running := e.gen != nil
	e.mu.Unlock()

	e.hmu.Lock()
	h := make([]HistoryItem, len(e.history))
	copy(h, e.history)
	e.hmu.Unlock()

	return Snapshot{
		Running:        running,
		Policy:         cfg.Policy.String(),
		Workers:        cfg.Workers,
		Capacity:       cfg.Capacity(),
		Reserved:       int(e.reserved.Load()),
		InFlight:       int(e.inFlight.Load()),
		Completed:      e.completed.Load(),
		Failed:         e.failed.Load(),
		Panics:         e.panics.Load(),
		DefaultTimeout: cfg.DefaultTimeout,
		RetryMax:       cfg.RetryMax,
		History:        h,
	}
}

func (e *Executor) record(item HistoryItem) {
	e.mu.Lock()
	size := e.cfg.HistorySize
	e.mu.Unlock()

	e.hmu.Lock()
	e.history = append(e.history, item)
	if len(e.history) > size {
		e.history = e.history[len(e.history)-size:]
	}
	e.hmu.Unlock()
}

func (e *Executor) newJobID(now time.Time) string {
	seq := e.idSeq.Add(1)
	return fmt.Sprintf("job-%x-%x", now.UnixNano(), seq)
}
