package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clusterd/internal/coord"
	"clusterd/internal/task"
	"clusterd/internal/task/engine"
)

// EntryKind is the registry kind of ScheduleEntry.
const EntryKind = "schedule.entry"

// RegisterEntry registers ScheduleEntry. Every member running a scheduler
// that carries schedules must register it.
func RegisterEntry(reg *task.Registry) error {
	return reg.Register(EntryKind, &ScheduleEntry{})
}

func expirationName(name string) string { return "schedule." + name + ".expiration" }

// Schedule runs a task again and again until Unschedule. Every run travels as
// a ScheduleEntry carrying the expiration code it was created under; once
// the cluster-wide code moves on, remaining entries turn into no-ops and stop
// rescheduling themselves.
type Schedule struct {
	name       string
	spec       ParsedSpec
	task       task.Task
	sched      *Scheduler
	expiration coord.AtomicLong
	spread     bool
}

type ScheduleOption func(*Schedule)

// WithStartupSpread delays the first run by a random part of the interval,
// capped at 30s.
func WithStartupSpread() ScheduleOption {
	return func(sc *Schedule) { sc.spread = true }
}

// NewSchedule validates spec (see ParseSchedule) and that t can be encoded.
func NewSchedule(s *Scheduler, name, spec string, t task.Task, opts ...ScheduleOption) (*Schedule, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("schedule name required")
	}
	if t == nil {
		return nil, ErrNilTask
	}
	p, err := ParseSchedule(spec)
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", name, err)
	}
	if _, err := s.reg.Encode(t); err != nil {
		return nil, fmt.Errorf("schedule %s: %w", name, err)
	}
	sc := &Schedule{
		name:       name,
		spec:       p,
		task:       t,
		sched:      s,
		expiration: s.coord.AtomicLong(expirationName(name)),
	}
	for _, o := range opts {
		o(sc)
	}
	return sc, nil
}

func (sc *Schedule) Name() string     { return sc.name }
func (sc *Schedule) Spec() ParsedSpec { return sc.spec }

// Start schedules the first entry under the current expiration code.
// Starting twice under the same code is a no-op.
func (sc *Schedule) Start(ctx context.Context) error {
	code, err := sc.expiration.Get(ctx)
	if err != nil {
		return err
	}
	env, err := sc.sched.reg.Encode(sc.task)
	if err != nil {
		return err
	}
	entry := &ScheduleEntry{Name: sc.name, Code: code, Spec: sc.spec.String(), Task: env}
	delay := sc.spec.Delay(time.Now())
	if sc.spread {
		delay += startupJitter(delay, sc.name)
	}
	return sc.sched.Schedule(ctx, delay, entry)
}

// Unschedule advances the expiration code. Entries already pending or
// running finish as no-ops and are not rescheduled.
func (sc *Schedule) Unschedule(ctx context.Context) error {
	_, err := sc.expiration.IncrementAndGet(ctx)
	return err
}

// ExpirationCode is the live code.
func (sc *Schedule) ExpirationCode(ctx context.Context) (int64, error) {
	return sc.expiration.Get(ctx)
}

// ScheduleEntry is one dispatch of a Schedule.
type ScheduleEntry struct {
	Name string        `json:"name"`
	Code int64         `json:"code"`
	Spec string        `json:"spec"`
	Task task.Envelope `json:"task"`

	sched task.Scheduler
	coord coord.Coordinator
	stale bool
}

func (e *ScheduleEntry) IsReady() bool { return true }

// TaskID keeps entries of different codes apart so a restarted schedule is
// not deduplicated against a stale entry.
func (e *ScheduleEntry) TaskID() string { return fmt.Sprintf("%s#%d", e.Name, e.Code) }

func (e *ScheduleEntry) SetScheduler(s task.Scheduler)      { e.sched = s }
func (e *ScheduleEntry) SetCoordinator(c coord.Coordinator) { e.coord = c }

// Stale reports whether the last Run found the entry expired.
func (e *ScheduleEntry) Stale() bool { return e.stale }

func (e *ScheduleEntry) Run(ctx context.Context) error {
	if e.coord == nil {
		return engine.NoRetry(errors.New("schedule entry has no coordinator"))
	}
	live, err := e.coord.AtomicLong(expirationName(e.Name)).Get(ctx)
	if err != nil {
		return err
	}
	if live != e.Code {
		e.stale = true
		return nil
	}
	rs, ok := e.sched.(interface{ Registry() *task.Registry })
	if !ok {
		e.stale = true
		return engine.NoRetry(errors.New("schedule entry dispatched without a registry"))
	}
	inner, caps, err := rs.Registry().Decode(e.Task)
	if err != nil {
		e.stale = true
		return engine.NoRetry(err)
	}
	task.Inject(inner, caps, e.sched, e.coord)
	if !inner.IsReady() {
		return nil
	}
	return inner.Run(ctx)
}

func (e *ScheduleEntry) RescheduleAfterRun() bool { return !e.stale }

// Interval is the wait until the next activation, computed when the entry
// is rescheduled.
func (e *ScheduleEntry) Interval() time.Duration {
	p, err := ParseSchedule(e.Spec)
	if err != nil {
		return time.Minute
	}
	return p.Delay(time.Now())
}
