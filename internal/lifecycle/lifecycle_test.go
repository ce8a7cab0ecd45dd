package lifecycle

import (
	"errors"
	"testing"
)

func TestTransitions(t *testing.T) {
	t.Parallel()

	steps := []struct {
		op      Op
		wantErr bool
		after   Status
	}{
		{OpPause, true, StartPending},
		{OpStop, true, StartPending},
		{OpStart, false, Running},
		{OpStart, true, Running},
		{OpResume, true, Running},
		{OpPause, false, Paused},
		{OpPause, true, Paused},
		{OpResume, false, Running},
		{OpStop, false, Stopped},
		{OpStop, true, Stopped},
		{OpPause, true, Stopped},
		{OpStart, false, Running},
	}

	m := NewMachine("test")
	for i, st := range steps {
		from, err := m.Begin(st.op)
		if st.wantErr {
			if !errors.Is(err, ErrIllegalTransition) {
				t.Fatalf("step %d %s: err = %v, want ErrIllegalTransition", i, st.op, err)
			}
			var te *TransitionError
			if !errors.As(err, &te) || te.From != from {
				t.Fatalf("step %d: transition error %v does not carry %s", i, err, from)
			}
		} else {
			if err != nil {
				t.Fatalf("step %d %s: unexpected err %v", i, st.op, err)
			}
			m.Complete(st.op)
		}
		if got := m.Status(); got != st.after {
			t.Fatalf("step %d %s: status = %s, want %s", i, st.op, got, st.after)
		}
	}
}

func TestPendingStatusVisibleUntilComplete(t *testing.T) {
	t.Parallel()
	m := NewMachine("x")
	if _, err := m.Begin(OpStart); err != nil {
		t.Fatal(err)
	}
	if got := m.Status(); got != Starting {
		t.Fatalf("status = %s, want STARTING", got)
	}
	m.Abort(StartPending)
	if got := m.Status(); got != StartPending {
		t.Fatalf("status after abort = %s", got)
	}
}

func TestObservesGoroutineDeath(t *testing.T) {
	t.Parallel()
	m := NewMachine("x")
	if _, err := m.Begin(OpStart); err != nil {
		t.Fatal(err)
	}
	m.Complete(OpStart)

	done := make(chan struct{})
	m.Track(done)
	if got := m.Status(); got != Running {
		t.Fatalf("status = %s", got)
	}
	close(done)
	if got := m.Status(); got != Stopped {
		t.Fatalf("status after death = %s, want STOPPED", got)
	}

	// Stop is accepted once after an observed death, then refused.
	if _, err := m.Begin(OpStop); err != nil {
		t.Fatalf("stop after death: %v", err)
	}
	m.Complete(OpStop)
	if _, err := m.Begin(OpStop); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("second stop: err = %v", err)
	}
}

func TestStatusString(t *testing.T) {
	t.Parallel()
	if s := ResumePending.String(); s != "RESUME_PENDING" {
		t.Fatalf("got %q", s)
	}
	if s := Status(42).String(); s != "Status(42)" {
		t.Fatalf("got %q", s)
	}
}
