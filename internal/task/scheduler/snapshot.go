package scheduler

import (
	"context"
	"sort"
	"strconv"
	"time"

	"clusterd/internal/task/engine"

	rtsup "clusterd/internal/runtime/supervisor"
)

// PendingInterval summarizes one pending queue.
type PendingInterval struct {
	Interval time.Duration `json:"interval"`
	Entries  int           `json:"entries"`
	NextDue  time.Time     `json:"next_due,omitempty"`
}

// Snapshot is a point-in-time view for /status output. Cluster-wide fields
// are read without the scheduler lock and may be slightly inconsistent.
type Snapshot struct {
	Name           string            `json:"name"`
	Member         string            `json:"member"`
	Status         string            `json:"status"`
	Revision       int64             `json:"revision"`
	Epoch          int64             `json:"epoch"`
	PollInterval   time.Duration     `json:"poll_interval"`
	Scheduled      int64             `json:"scheduled"`
	GlobalExecuted int64             `json:"global_executed"`
	LocalExecuted  int64             `json:"local_executed"`
	Pending        []PendingInterval `json:"pending"`
	Queued         int               `json:"queued"`
	Executing      int               `json:"executing"`
	Executor       engine.Snapshot   `json:"executor"`
	Loops          rtsup.Snapshot    `json:"loops"`
}

func (s *Scheduler) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		Name:          s.cfg.Name,
		Member:        s.coord.LocalMember().ID,
		Status:        s.Status().String(),
		Revision:      s.revision.Load(),
		PollInterval:  s.PollInterval(),
		LocalExecuted: s.localExecuted.Load(),
		Executor:      s.exec.Snapshot(),
		Loops:         s.Loops().Snapshot(),
	}

	var err error
	if snap.Epoch, err = s.epoch.Get(ctx); err != nil {
		return snap, err
	}
	if snap.Scheduled, err = s.scheduled.Get(ctx); err != nil {
		return snap, err
	}
	if snap.GlobalExecuted, err = s.executed.Get(ctx); err != nil {
		return snap, err
	}
	keys, err := s.pending.Keys(ctx)
	if err != nil {
		return snap, err
	}
	for _, key := range keys {
		q, ok, err := s.pending.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		ms, _ := strconv.ParseInt(key, 10, 64)
		pi := PendingInterval{Interval: time.Duration(ms) * time.Millisecond, Entries: len(q)}
		if len(q) > 0 {
			pi.NextDue = q[0].TimeToRun
		}
		snap.Pending = append(snap.Pending, pi)
	}
	sort.Slice(snap.Pending, func(i, j int) bool { return snap.Pending[i].Interval < snap.Pending[j].Interval })
	if snap.Queued, err = s.execution.Len(ctx); err != nil {
		return snap, err
	}
	if snap.Executing, err = s.executing.Len(ctx); err != nil {
		return snap, err
	}
	return snap, nil
}
