// Package lifecycle is the start/pause/resume/stop contract shared by the
// scheduler and other long running services ("fibers").
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type Status int

const (
	StartPending Status = iota
	Starting
	Running
	PausePending
	Paused
	ResumePending
	StopPending
	Stopped
)

var statusNames = [...]string{
	StartPending:  "START_PENDING",
	Starting:      "STARTING",
	Running:       "RUNNING",
	PausePending:  "PAUSE_PENDING",
	Paused:        "PAUSED",
	ResumePending: "RESUME_PENDING",
	StopPending:   "STOP_PENDING",
	Stopped:       "STOPPED",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Op is a lifecycle request.
type Op int

const (
	OpStart Op = iota
	OpPause
	OpResume
	OpStop
)

func (o Op) String() string {
	switch o {
	case OpStart:
		return "start"
	case OpPause:
		return "pause"
	case OpResume:
		return "resume"
	case OpStop:
		return "stop"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

var ErrIllegalTransition = errors.New("illegal lifecycle transition")

// TransitionError reports which request was refused in which state.
type TransitionError struct {
	Name string
	Op   Op
	From Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot %s while %s", e.Name, e.Op, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// Fiber is a service driven through the lifecycle.
type Fiber interface {
	Start(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() Status
}

// Machine guards status transitions. A transition is two steps: Begin moves
// to the pending state (or refuses), Complete moves to the settled state.
// Abort rolls a refused or failed transition back.
type Machine struct {
	name string

	mu     sync.Mutex
	status Status
	done   <-chan struct{}
	// died is set when Stopped was observed rather than requested; Stop is
	// still accepted once so the owner can release resources.
	died bool
}

func NewMachine(name string) *Machine {
	return &Machine{name: name, status: StartPending}
}

func (m *Machine) Name() string { return m.name }

// Status reports the current status. When the tracked goroutine has exited
// on its own, the machine reports Stopped even though no Stop was issued.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observeLocked()
	return m.status
}

func (m *Machine) observeLocked() {
	if m.done == nil {
		return
	}
	select {
	case <-m.done:
		switch m.status {
		case Running, Paused, PausePending, ResumePending:
			m.status = Stopped
			m.died = true
		}
		m.done = nil
	default:
	}
}

// Track ties the machine to a goroutine group. done must close when the
// group has exited.
func (m *Machine) Track(done <-chan struct{}) {
	m.mu.Lock()
	m.done = done
	m.mu.Unlock()
}

// Begin validates op against the current status and enters the matching
// pending state. It returns the status it moved from.
func (m *Machine) Begin(op Op) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observeLocked()
	from := m.status

	var next Status
	switch op {
	case OpStart:
		if from != StartPending && from != Stopped {
			return from, m.refuse(op, from)
		}
		next = Starting
	case OpPause:
		if from != Running {
			return from, m.refuse(op, from)
		}
		next = PausePending
	case OpResume:
		if from != Paused {
			return from, m.refuse(op, from)
		}
		next = ResumePending
	case OpStop:
		if from != Running && from != Paused && !(from == Stopped && m.died) {
			return from, m.refuse(op, from)
		}
		next = StopPending
	default:
		return from, m.refuse(op, from)
	}
	m.status = next
	return from, nil
}

func (m *Machine) refuse(op Op, from Status) error {
	return &TransitionError{Name: m.name, Op: op, From: from}
}

// Complete settles a transition started with Begin.
func (m *Machine) Complete(op Op) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch op {
	case OpStart:
		m.status = Running
		m.died = false
	case OpResume:
		m.status = Running
	case OpPause:
		m.status = Paused
	case OpStop:
		m.status = Stopped
		m.done = nil
		m.died = false
	}
}

// Abort restores the status a failed transition started from.
func (m *Machine) Abort(from Status) {
	m.mu.Lock()
	m.status = from
	m.mu.Unlock()
}
