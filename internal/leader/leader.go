// Package leader elects one member per election id using a coordinator
// lock.
//
// Leadership is a lease. The memory backend ties it to the member's session;
// the sqlite backend grants it for lease_ttl and the holder renews it. When
// the lease is lost the context passed to TakeLeadership is cancelled, but a
// partitioned leader only notices at its next renewal. Until then, and for
// at most one TTL, a new leader may already be running: leader-only work must
// be idempotent or check Leadership() as a fencing token.
package leader

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"clusterd/internal/coord"
	"clusterd/internal/eventbus"
	logx "clusterd/pkg/logx"

	rtsup "clusterd/internal/runtime/supervisor"
)

var (
	ErrStarted = errors.New("leader: selector already started")
	ErrStopped = errors.New("leader: selector stopped")
)

// Listener is called while this member holds leadership. Returning gives
// leadership up; the selector then competes again.
type Listener interface {
	TakeLeadership(ctx context.Context) error
}

type ListenerFunc func(ctx context.Context) error

func (f ListenerFunc) TakeLeadership(ctx context.Context) error { return f(ctx) }

type Options struct {
	// PollInterval bounds one lock attempt and therefore how quickly Stop
	// is observed. Default 1s.
	PollInterval time.Duration
	// When the lock was seen held by another member for longer than
	// PrestartThreshold, a new leader waits Prestart before TakeLeadership.
	PrestartThreshold time.Duration
	Prestart          time.Duration

	Bus eventbus.Bus
}

// Event is published as leader.elected and leader.released.
type Event struct {
	Election string `json:"election"`
	Member   string `json:"member"`
	Epoch    int64  `json:"epoch"`
}

type Selector struct {
	id       string
	c        coord.Coordinator
	listener Listener
	opt      Options
	log      logx.Logger
	epoch    coord.AtomicLong

	mu  sync.Mutex
	sup *rtsup.Supervisor

	stopped    atomic.Bool
	leader     atomic.Bool
	leadership atomic.Int64
	terms      atomic.Int64
}

func New(c coord.Coordinator, id string, l Listener, opt Options, log logx.Logger) *Selector {
	if opt.PollInterval <= 0 {
		opt.PollInterval = time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Selector{
		id:       id,
		c:        c,
		listener: l,
		opt:      opt,
		log:      log.With(logx.String("comp", "leader"), logx.String("election", id)),
		epoch:    c.AtomicLong("leader." + id + ".epoch"),
	}
}

func (s *Selector) ID() string { return s.id }

// IsLeader reports whether TakeLeadership is currently running here.
func (s *Selector) IsLeader() bool { return s.leader.Load() }

// Leadership is the cluster-wide epoch of the current term, zero when not
// leader. Epochs only grow, so they serve as fencing tokens.
func (s *Selector) Leadership() int64 {
	if !s.leader.Load() {
		return 0
	}
	return s.leadership.Load()
}

// Terms counts the leadership terms held by this selector.
func (s *Selector) Terms() int64 { return s.terms.Load() }

// Start launches the election loop. A stopped selector cannot be restarted.
func (s *Selector) Start(ctx context.Context) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return ErrStarted
	}
	s.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx), rtsup.WithLogger(s.log))
	s.sup.Go("leader."+s.id, s.loop)
	s.log.Info("leader election started", logx.String("member", s.c.LocalMember().ID))
	return nil
}

// Stop gives leadership up and ends the loop. It waits until ctx ends for
// the listener to return.
func (s *Selector) Stop(ctx context.Context) error {
	s.stopped.Store(true)
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	s.log.Info("leader election stopped")
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("leader %s: %w", s.id, ctx.Err())
	}
	return nil
}

func (s *Selector) loop(ctx context.Context) error {
	key := "leader." + s.id
	var heldSince time.Time
	for !s.stopped.Load() && ctx.Err() == nil {
		lk := s.c.Lock(key)
		started := time.Now()
		ok, err := lk.TryLock(ctx, s.opt.PollInterval)
		switch {
		case err != nil && (ctx.Err() != nil || coord.IsInterrupted(err)):
			return nil
		case errors.Is(err, coord.ErrShutdown):
			s.log.Warn("coordinator shut down, leaving election")
			return nil
		case err != nil:
			s.log.Warn("leader lock attempt failed", logx.Err(err))
			if !sleep(ctx, s.opt.PollInterval) {
				return nil
			}
			continue
		case !ok:
			if heldSince.IsZero() {
				heldSince = started
			}
			continue
		}
		contended := !heldSince.IsZero() && time.Since(heldSince) > s.opt.PrestartThreshold
		heldSince = time.Time{}
		s.lead(ctx, lk, contended)
	}
	return nil
}

func (s *Selector) lead(ctx context.Context, lk coord.Lock, contended bool) {
	defer s.release(lk)
	termCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lost := lk.Lost()
	go func() {
		select {
		case <-lost:
			s.log.Warn("leadership lease lost")
			cancel()
		case <-termCtx.Done():
		}
	}()

	if contended && s.opt.Prestart > 0 {
		s.log.Info("prestart before taking leadership", logx.Duration("prestart", s.opt.Prestart))
		if !sleep(termCtx, s.opt.Prestart) {
			s.log.Debug("prestart interrupted")
			return
		}
	}

	epoch, err := s.epoch.IncrementAndGet(termCtx)
	if err != nil {
		s.log.Warn("leadership epoch unavailable, giving up term", logx.Err(err))
		return
	}
	s.leadership.Store(epoch)
	s.leader.Store(true)
	s.terms.Add(1)
	ev := Event{Election: s.id, Member: s.c.LocalMember().ID, Epoch: epoch}
	s.publish("leader.elected", ev)
	s.log.Info("leadership acquired", logx.Int64("epoch", epoch))

	err = s.take(termCtx)
	s.leader.Store(false)
	s.publish("leader.released", ev)
	switch {
	case err != nil && termCtx.Err() == nil:
		s.log.Warn("leadership released with error", logx.Int64("epoch", epoch), logx.Err(err))
	default:
		s.log.Info("leadership released", logx.Int64("epoch", epoch))
	}
}

func (s *Selector) take(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("leader listener panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return s.listener.TakeLeadership(ctx)
}

func (s *Selector) release(lk coord.Lock) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lk.Unlock(ctx); err != nil {
		s.log.Debug("leader unlock", logx.Err(err))
	}
}

func (s *Selector) publish(typ string, ev Event) {
	if s.opt.Bus == nil {
		return
	}
	s.opt.Bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
