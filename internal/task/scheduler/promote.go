package scheduler

import (
	"context"
	"errors"
	"time"

	"clusterd/internal/coord"
	"clusterd/internal/task/engine"
	logx "clusterd/pkg/logx"
)

const minWait = time.Millisecond

func (s *Scheduler) promoteLoop(ctx context.Context) error {
	failures := 0
	for {
		wait := s.PollInterval()
		next, err := s.promoteOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			failures++
			s.warn("promotion", err)
			if b := s.retry.Policy().Backoff(failures); b > wait {
				wait = b
			}
		default:
			failures = 0
			if !next.IsZero() {
				if d := time.Until(next); d < wait {
					wait = max(d, minWait)
				}
			}
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-s.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// handoff is a promoted entry bound for this member's own pool.
type handoff struct {
	slot *engine.Slot
	k    TimeKeeper
}

// promoteOnce runs one promotion cycle if the lock is free within
// LockTimeout. It returns the earliest due time still pending. Greedy
// handoffs are dispatched once the lock is released.
func (s *Scheduler) promoteOnce(ctx context.Context) (time.Time, error) {
	next, local, err := s.promoteLocked(ctx)
	for _, h := range local {
		s.dispatch(ctx, h.slot, h.k)
	}
	return next, err
}

func (s *Scheduler) promoteLocked(ctx context.Context) (time.Time, []handoff, error) {
	lk := s.coord.Lock(s.names.lock)
	ok, err := lk.TryLock(ctx, s.cfg.LockTimeout)
	if err != nil {
		return time.Time{}, nil, err
	}
	if !ok {
		// Another member is promoting.
		return time.Time{}, nil, nil
	}
	defer s.unlock(ctx, lk)

	start := time.Now()
	keys, err := s.pending.Keys(ctx)
	if err != nil {
		return time.Time{}, nil, err
	}
	var (
		next              time.Time
		local             []handoff
		promoted, dropped int
	)
	for _, key := range keys {
		if ctx.Err() != nil {
			return next, local, coord.Interrupted("promote", ctx.Err())
		}
		p, d, due, hs, err := s.promoteQueue(ctx, key, start)
		promoted += p
		dropped += d
		local = append(local, hs...)
		if err != nil {
			return next, local, err
		}
		if !due.IsZero() && (next.IsZero() || due.Before(next)) {
			next = due
		}
	}
	if promoted > 0 || dropped > 0 {
		took := time.Since(start)
		s.log.Debug("promoted", logx.Int("count", promoted), logx.Int("local", len(local)), logx.Int("dropped", dropped), logx.Duration("took", took))
		s.publish("scheduler.promoted", PromotionEvent{Scheduler: s.cfg.Name, Promoted: promoted, Dropped: dropped, Took: took})
	}
	return next, local, nil
}

// promoteQueue moves the ready head entries of one interval queue into the
// execution queue, or under the greedy policy into reserved local slots.
// Identities are added to the executing set before the entries leave the
// pending queue, so a concurrent Schedule never finds the task in neither
// place.
func (s *Scheduler) promoteQueue(ctx context.Context, key string, now time.Time) (promoted, dropped int, next time.Time, local []handoff, err error) {
	q, ok, err := s.pending.Get(ctx, key)
	if err != nil {
		if errors.Is(err, coord.ErrSerialization) {
			s.log.Error("dropping undecodable pending queue", logx.String("interval", key), logx.Err(err))
			_, err = s.pending.Delete(ctx, key)
			return 0, 0, time.Time{}, nil, err
		}
		return 0, 0, time.Time{}, nil, err
	}
	if !ok || len(q) == 0 {
		return 0, 0, time.Time{}, nil, nil
	}

	var ready []TimeKeeper
	rest := q
	for len(rest) > 0 {
		head := rest[0]
		if !head.Due(now) {
			next = head.TimeToRun
			break
		}
		t, _, derr := s.reg.Decode(head.Task)
		if derr != nil {
			s.log.Error("dropping undecodable task", logx.String("task", head.Task.ID), logx.String("kind", head.Task.Kind), logx.Err(derr))
			rest = rest[1:]
			dropped++
			continue
		}
		if !head.IsReady(now, t) {
			break
		}
		ready = append(ready, head)
		rest = rest[1:]
	}

	var slots []*engine.Slot
	if s.greedy && len(ready) > 0 {
		// Entries without a free local slot stay pending for a later cycle.
		slots = s.reserveLocal(len(ready))
		for _, k := range ready[len(slots):] {
			rest = rest.insert(k)
		}
		ready = ready[:len(slots)]
	}
	release := func() {
		for _, slot := range slots {
			slot.Release()
		}
	}
	if len(ready) == 0 && dropped == 0 {
		return 0, 0, next, nil, nil
	}

	marked := make([]TimeKeeper, 0, len(ready))
	for _, k := range ready {
		if _, err := s.executing.Add(ctx, k.Task.ID); err != nil {
			s.unmark(ctx, marked)
			release()
			return 0, 0, next, nil, err
		}
		marked = append(marked, k)
	}
	if err := s.writeQueue(ctx, key, rest); err != nil {
		s.unmark(ctx, marked)
		release()
		return 0, 0, next, nil, err
	}
	if dropped > 0 {
		if err := s.decrementScheduled(ctx, int64(dropped)); err != nil {
			s.warn("decrement scheduled counter", err)
		}
	}

	if s.greedy {
		local = make([]handoff, len(ready))
		for i, k := range ready {
			local[i] = handoff{slot: slots[i], k: k}
		}
		return len(ready), dropped, next, local, nil
	}
	for i, k := range ready {
		if err := s.execution.Offer(ctx, k); err != nil {
			// Put back what did not make it; the lock is still held.
			back := rest
			for _, r := range ready[i:] {
				back = back.insert(r)
			}
			if werr := s.writeQueue(context.WithoutCancel(ctx), key, back); werr != nil {
				s.log.Error("restoring pending queue failed", logx.String("interval", key), logx.Int("entries", len(ready)-i), logx.Err(werr))
			}
			s.unmark(ctx, ready[i:])
			return i, dropped, next, nil, err
		}
	}
	return len(ready), dropped, next, nil, nil
}

// reserveLocal takes up to n free executor slots without waiting.
func (s *Scheduler) reserveLocal(n int) []*engine.Slot {
	slots := make([]*engine.Slot, 0, n)
	for len(slots) < n {
		slot, ok, err := s.exec.TryReserve()
		if err != nil || !ok {
			break
		}
		slots = append(slots, slot)
	}
	return slots
}

func (s *Scheduler) writeQueue(ctx context.Context, key string, q pendingQueue) error {
	if len(q) == 0 {
		_, err := s.pending.Delete(ctx, key)
		return err
	}
	return s.pending.Put(ctx, key, q)
}

func (s *Scheduler) unmark(ctx context.Context, ks []TimeKeeper) {
	ctx = context.WithoutCancel(ctx)
	for _, k := range ks {
		if _, err := s.executing.Remove(ctx, k.Task.ID); err != nil {
			s.log.Error("executing set rollback failed", logx.String("task", k.Task.ID), logx.Err(err))
		}
	}
}
