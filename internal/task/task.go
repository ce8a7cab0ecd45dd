// Package task defines schedulable work and how it crosses process
// boundaries.
//
// A Task is plain data plus behaviour. Anything a scheduler hands to another
// member travels as an Envelope: the registered kind and the JSON encoding of
// the task value. Optional behaviour is declared by implementing the
// capability interfaces below; the Registry resolves them once per kind.
package task

import (
	"context"
	"time"

	"clusterd/internal/coord"
)

type Task interface {
	// IsReady reports whether the task may run now. Scheduler timing is
	// applied on top of it.
	IsReady() bool
	Run(ctx context.Context) error
}

// Reschedulable tasks are scheduled again after each run while
// RescheduleAfterRun reports true.
type Reschedulable interface {
	RescheduleAfterRun() bool
	Interval() time.Duration
}

// SchedulerAware tasks receive the scheduler that dispatched them. Keep the
// field excluded from JSON.
type SchedulerAware interface {
	SetScheduler(s Scheduler)
}

// CoordinationAware tasks receive the coordinator of the member running
// them.
type CoordinationAware interface {
	SetCoordinator(c coord.Coordinator)
}

// Identifier overrides value based identity. Two tasks with the same kind
// and TaskID are the same task for scheduling purposes.
type Identifier interface {
	TaskID() string
}

// Scheduler is the part of a scheduler visible to tasks.
type Scheduler interface {
	Schedule(ctx context.Context, interval time.Duration, t Task) error
	ScheduleOpt(ctx context.Context, interval time.Duration, t Task, isReschedule bool) error
	Revision() int64
}

// Capabilities records which optional interfaces a kind implements.
type Capabilities struct {
	Reschedulable     bool
	SchedulerAware    bool
	CoordinationAware bool
	Identifier        bool
}

func capabilitiesOf(t Task) Capabilities {
	_, r := t.(Reschedulable)
	_, s := t.(SchedulerAware)
	_, c := t.(CoordinationAware)
	_, i := t.(Identifier)
	return Capabilities{Reschedulable: r, SchedulerAware: s, CoordinationAware: c, Identifier: i}
}

// Inject hands the back-references a task asked for.
func Inject(t Task, caps Capabilities, s Scheduler, c coord.Coordinator) {
	if caps.SchedulerAware && s != nil {
		t.(SchedulerAware).SetScheduler(s)
	}
	if caps.CoordinationAware && c != nil {
		t.(CoordinationAware).SetCoordinator(c)
	}
}
