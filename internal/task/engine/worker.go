package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"clusterd/internal/eventbus"
	logx "clusterd/pkg/logx"
)

// worker drains the job channel until Shutdown closes it.
func (e *Executor) worker(ctx context.Context, g *generation, idx int) error {
	// Per-worker RNG: avoids global lock contention when many tasks retry concurrently.
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	rng := rand.New(rand.NewSource(seed))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case qj, ok := <-g.jobs:
			if !ok {
				return nil
			}
			e.inFlight.Add(1)
			err := e.execOne(ctx, qj, rng)
			e.inFlight.Add(-1)
			e.finish(qj, err)
			e.reserved.Add(-1)
			g.slots <- struct{}{}
		}
	}
}

func (e *Executor) finish(qj queuedJob, err error) {
	if qj.job.Done == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.panics.Add(1)
			e.log.Error("task.done.panic", logx.String("task", qj.job.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	qj.job.Done(err)
}

func (e *Executor) execOne(ctx context.Context, qj queuedJob, rng *rand.Rand) error {
	start := time.Now()
	queueDelay := start.Sub(qj.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	e.log.Debug("task.started", logx.String("task", qj.job.Name), logx.String("id", qj.job.ID), logx.Duration("queue_delay", queueDelay))
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: "task.started", Time: start, Data: TaskEvent{ID: qj.job.ID, Name: qj.job.Name, Started: start, QueueDelay: queueDelay}})
	}

	var err error
	attempts := 0
	maxAttempts := 1 + qj.opt.RetryMax
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		runCtx := ctx
		var cancel func()
		if qj.timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, qj.timeout)
		}
		// A panicking task becomes an error so it cannot kill the worker.
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.panics.Add(1)
					err = fmt.Errorf("panic: %v", r)
					e.log.Error("task.panic", logx.String("task", qj.job.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			err = qj.job.Run(runCtx)
		}()
		if cancel != nil {
			cancel()
		}
		if err == nil {
			break
		}
		// Allow tasks to mark failures as non-retryable.
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt >= maxAttempts || ctx.Err() != nil {
			break
		}

		delay := backoffDelayWithHint(qj.opt, attempt, err, rng)
		if delay > 0 {
			e.log.Debug("task retry scheduled", logx.String("task", qj.job.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				tmr.Stop()
				err = ctx.Err()
				break attemptLoop
			case <-tmr.C:
			}
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qj.job.ID, Name: qj.job.Name, Started: start, Duration: dur, QueueDelay: queueDelay, Attempts: attempts}
	if err != nil {
		e.failed.Add(1)
		item.Error = err.Error()
		e.log.Warn("task.failed", logx.String("task", qj.job.Name), logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		if e.bus != nil {
			e.bus.Publish(eventbus.Event{Type: "task.failed", Time: time.Now(), Data: TaskEvent{ID: qj.job.ID, Name: qj.job.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts, Error: item.Error}})
		}
	} else {
		e.completed.Add(1)
		if dur >= 750*time.Millisecond {
			e.log.Info("task.completed", logx.String("task", qj.job.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		} else {
			e.log.Debug("task.completed", logx.String("task", qj.job.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
		if e.bus != nil {
			e.bus.Publish(eventbus.Event{Type: "task.finished", Time: time.Now(), Data: TaskEvent{ID: qj.job.ID, Name: qj.job.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}})
		}
	}
	e.record(item)
	return err
}

func backoffDelayWithHint(opt JobOptions, retry int, err error, rng *rand.Rand) time.Duration {
	// Respect explicit retry-after hints if provided by the task.
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		maxD := opt.RetryMaxDelay
		if maxD <= 0 {
			maxD = 15 * time.Second
		}
		if d > maxD {
			d = maxD
		}
		// Apply the configured jitter on top of the hint to avoid thundering herds.
		j := opt.RetryJitter
		if j <= 0 {
			j = 0.2
		}
		if d > 0 && rng != nil {
			r := (rng.Float64()*2 - 1) * j
			d = time.Duration(float64(d) * (1 + r))
			if d < 0 {
				d = 0
			}
		}
		if d > maxD {
			d = maxD
		}
		return d
	}
	return backoffDelay(opt, retry, rng)
}

func backoffDelay(opt JobOptions, retry int, rng *rand.Rand) time.Duration {
	base := opt.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := opt.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	j := opt.RetryJitter
	if j <= 0 {
		j = 0.2
	}

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	if rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
