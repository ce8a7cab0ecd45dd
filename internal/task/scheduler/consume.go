package scheduler

import (
	"context"
	"errors"
	"time"

	"clusterd/internal/coord"
	"clusterd/internal/task"
	"clusterd/internal/task/engine"
	logx "clusterd/pkg/logx"
)

func (s *Scheduler) consumeLoop(ctx context.Context) error {
	failures := 0
	for ctx.Err() == nil {
		err := s.consumeOnce(ctx)
		switch {
		case err == nil:
			failures = 0
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrNotStarted):
			s.log.Debug("executor gone, consumption ends", logx.Err(err))
			return nil
		default:
			failures++
			s.warn("consumption", err)
			t := time.NewTimer(s.retry.Policy().Backoff(failures))
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		}
	}
	return nil
}

// consumeOnce reserves an executor slot first so a busy member does not take
// entries it cannot start.
func (s *Scheduler) consumeOnce(ctx context.Context) error {
	slot, err := s.exec.Reserve(ctx)
	if err != nil {
		return err
	}
	k, ok, err := s.execution.Poll(ctx, s.cfg.PollTimeout)
	if err != nil {
		slot.Release()
		if errors.Is(err, coord.ErrSerialization) {
			s.log.Error("dropping undecodable execution entry", logx.Err(err))
			return nil
		}
		return err
	}
	if !ok {
		slot.Release()
		return nil
	}
	s.dispatch(ctx, slot, k)
	return nil
}

func (s *Scheduler) dispatch(ctx context.Context, slot *engine.Slot, k TimeKeeper) {
	log := s.log.With(logx.String("task", k.Task.ID))
	ctx = context.WithoutCancel(ctx)

	// The identity leaves the executing set before the run, so the task may
	// schedule itself again from Run.
	err := s.retry.Do(ctx, "executing.remove", func(ctx context.Context) error {
		_, err := s.executing.Remove(ctx, k.Task.ID)
		return err
	})
	if err != nil {
		log.Error("remove from executing set failed", logx.Err(err))
	}
	if err := s.decrementScheduled(ctx, 1); err != nil {
		s.warn("decrement scheduled counter", err)
	}

	t, caps, err := s.reg.Decode(k.Task)
	if err != nil {
		slot.Release()
		log.Error("dropping undecodable task", logx.String("kind", k.Task.Kind), logx.Err(err))
		return
	}
	task.Inject(t, caps, s, s.coord)

	rev := s.revision.Load()
	s.publish("scheduler.dispatched", DispatchEvent{
		Scheduler:  s.cfg.Name,
		TaskID:     k.Task.ID,
		DispatchID: k.DispatchID(),
		Kind:       k.Task.Kind,
		Member:     s.coord.LocalMember().ID,
	})
	err = slot.Dispatch(engine.Job{
		ID:   k.DispatchID(),
		Name: k.Task.Kind,
		Run:  t.Run,
		Done: func(error) { s.afterRun(k, t, caps, rev) },
	})
	if err != nil {
		// The executor stopped between Reserve and Dispatch. Queue the task
		// again rather than lose it.
		log.Warn("dispatch failed, requeueing", logx.Err(err))
		if serr := s.ScheduleOpt(ctx, 0, t, true); serr != nil {
			log.Error("requeue failed, task lost", logx.Err(serr))
		}
	}
}

// afterRun counts the run and reschedules the task when it asks for it,
// unless this instance was stopped or reset, or the cluster was reset, since
// the entry was created.
func (s *Scheduler) afterRun(k TimeKeeper, t task.Task, caps task.Capabilities, rev int64) {
	s.localExecuted.Add(1)
	ctx, cancel := context.WithTimeout(context.Background(), doneTimeout)
	defer cancel()
	if _, err := s.executed.IncrementAndGet(ctx); err != nil {
		s.warn("increment executed counter", err)
	}

	if !caps.Reschedulable {
		return
	}
	r := t.(task.Reschedulable)
	if !r.RescheduleAfterRun() {
		return
	}
	log := s.log.With(logx.String("task", k.Task.ID))
	if live := s.revision.Load(); live != rev {
		log.Debug("revision changed, not rescheduling", logx.Int64("captured", rev), logx.Int64("live", live))
		return
	}
	var epoch int64
	err := s.retry.Do(ctx, "epoch.get", func(ctx context.Context) error {
		var err error
		epoch, err = s.epoch.Get(ctx)
		return err
	})
	if err != nil {
		log.Warn("reset epoch unreadable, not rescheduling", logx.Err(err))
		return
	}
	if epoch != k.Epoch {
		log.Debug("scheduler was reset, not rescheduling", logx.Int64("captured", k.Epoch), logx.Int64("live", epoch))
		return
	}
	if err := s.ScheduleOpt(ctx, r.Interval(), t, true); err != nil {
		log.Error("reschedule failed", logx.Err(err))
	}
}
