package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"clusterd/internal/coord"
	"clusterd/internal/coord/memory"
	"clusterd/internal/eventbus"
	"clusterd/internal/lifecycle"
	"clusterd/internal/task"
	"clusterd/internal/task/engine"
	logx "clusterd/pkg/logx"

	"github.com/stretchr/testify/require"
)

// recorder collects runs by key. Tasks are decoded fresh on every member, so
// side effects go through this package-level value; tests use unique keys.
type recorder struct {
	mu    sync.Mutex
	runs  map[string][]string
	first map[string]time.Time
}

var rec = &recorder{runs: map[string][]string{}, first: map[string]time.Time{}}

func (r *recorder) add(key, member string) {
	r.mu.Lock()
	if _, ok := r.first[key]; !ok {
		r.first[key] = time.Now()
	}
	r.runs[key] = append(r.runs[key], member)
	r.mu.Unlock()
}

func (r *recorder) firstAt(key string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.first[key]
}

func (r *recorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs[key])
}

func (r *recorder) byMember(keys ...string) map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]int{}
	for _, k := range keys {
		for _, m := range r.runs[k] {
			out[m]++
		}
	}
	return out
}

// gates hold blocking tasks until released.
var gates sync.Map // key -> chan struct{}

func gate(key string) chan struct{} {
	ch, _ := gates.LoadOrStore(key, make(chan struct{}))
	return ch.(chan struct{})
}

type once struct {
	Key   string        `json:"key"`
	Sleep time.Duration `json:"sleep,omitempty"`

	c coord.Coordinator
}

func (o *once) IsReady() bool                      { return true }
func (o *once) SetCoordinator(c coord.Coordinator) { o.c = c }
func (o *once) Run(ctx context.Context) error {
	if o.Sleep > 0 {
		time.Sleep(o.Sleep)
	}
	rec.add(o.Key, o.c.LocalMember().ID)
	return nil
}

// repeat reschedules itself until Left drops below zero.
type repeat struct {
	Key   string        `json:"key"`
	Left  int           `json:"left"`
	Every time.Duration `json:"every"`

	c coord.Coordinator
}

func (r *repeat) IsReady() bool                      { return true }
func (r *repeat) SetCoordinator(c coord.Coordinator) { r.c = c }
func (r *repeat) TaskID() string                     { return r.Key }
func (r *repeat) RescheduleAfterRun() bool           { return r.Left >= 0 }
func (r *repeat) Interval() time.Duration            { return r.Every }
func (r *repeat) Run(ctx context.Context) error {
	rec.add(r.Key, r.c.LocalMember().ID)
	r.Left--
	return nil
}

// held blocks in Run until its gate closes and always asks to be
// rescheduled.
type held struct {
	Key string `json:"key"`
}

func (h *held) IsReady() bool            { return true }
func (h *held) TaskID() string           { return h.Key }
func (h *held) RescheduleAfterRun() bool { return true }
func (h *held) Interval() time.Duration  { return time.Millisecond }
func (h *held) Run(ctx context.Context) error {
	rec.add(h.Key+".started", "")
	<-gate(h.Key)
	rec.add(h.Key, "")
	return nil
}

// failing always returns an error.
type failing struct {
	Key string `json:"key"`

	c coord.Coordinator
}

func (f *failing) IsReady() bool                      { return true }
func (f *failing) SetCoordinator(c coord.Coordinator) { f.c = c }
func (f *failing) Run(ctx context.Context) error {
	rec.add(f.Key, f.c.LocalMember().ID)
	return errors.New("target unreachable")
}

type unregistered struct{}

func (unregistered) IsReady() bool                 { return true }
func (unregistered) Run(ctx context.Context) error { return nil }

func testRegistry(t *testing.T) *task.Registry {
	t.Helper()
	r := task.NewRegistry()
	require.NoError(t, r.Register("once", &once{}))
	require.NoError(t, r.Register("repeat", &repeat{}))
	require.NoError(t, r.Register("held", &held{}))
	require.NoError(t, r.Register("failing", &failing{}))
	require.NoError(t, RegisterEntry(r))
	return r
}

func testConfig() Config {
	return Config{
		Name:         "test",
		PollInterval: 20 * time.Millisecond,
		PollTimeout:  20 * time.Millisecond,
		LockTimeout:  10 * time.Millisecond,
		Retry:        coord.RetryPolicy{Attempts: 2, Base: 5 * time.Millisecond, Max: 10 * time.Millisecond, RatePerSec: 1000},
	}
}

func newMember(t *testing.T, g *memory.Grid, id string, bus eventbus.Bus) *Scheduler {
	t.Helper()
	return newMemberWith(t, g, id, bus, testConfig(), engine.Config{Workers: 2})
}

func newMemberWith(t *testing.T, g *memory.Grid, id string, bus eventbus.Bus, cfg Config, ec engine.Config) *Scheduler {
	t.Helper()
	node := g.Join(memory.WithID(id))
	exec := engine.New(ec, logx.Nop(), bus)
	s := New(cfg, node, testRegistry(t), exec, logx.Nop(), bus)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		switch s.Status() {
		case lifecycle.Running, lifecycle.Paused:
			_ = s.Stop(ctx)
		}
		_ = node.Shutdown(ctx)
	})
	return s
}

func startMembers(t *testing.T, ss ...*Scheduler) {
	t.Helper()
	for _, s := range ss {
		require.NoError(t, s.Start(context.Background()))
	}
}

// flakyLocks fails every blocking Lock with ErrUnavailable while fail is set
// and counts the attempts.
type flakyLocks struct {
	coord.Coordinator
	fail  atomic.Bool
	tries atomic.Int32
}

func (f *flakyLocks) Lock(key string) coord.Lock {
	return &flakyLock{inner: f.Coordinator.Lock(key), f: f}
}

type flakyLock struct {
	inner coord.Lock
	f     *flakyLocks
}

func (l *flakyLock) Key() string { return l.inner.Key() }
func (l *flakyLock) Lock(ctx context.Context) error {
	if l.f.fail.Load() {
		l.f.tries.Add(1)
		return coord.Unavailable("lock", errors.New("backend down"))
	}
	return l.inner.Lock(ctx)
}
func (l *flakyLock) TryLock(ctx context.Context, timeout time.Duration) (bool, error) {
	return l.inner.TryLock(ctx, timeout)
}
func (l *flakyLock) Unlock(ctx context.Context) error { return l.inner.Unlock(ctx) }
func (l *flakyLock) Lost() <-chan struct{}            { return l.inner.Lost() }
