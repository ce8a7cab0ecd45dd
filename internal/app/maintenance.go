package app

import (
	"context"
	"errors"
	"time"

	"clusterd/internal/coord"
	"clusterd/internal/eventbus"
	"clusterd/internal/leader"
	"clusterd/internal/task"
	"clusterd/internal/task/scheduler"
	logx "clusterd/pkg/logx"
)

const (
	heartbeatsMap     = "cluster.heartbeats"
	heartbeatSchedule = "cluster.heartbeat"
	heartbeatKind     = "cluster.heartbeat"
)

// HeartbeatRecord is the value stored per member in cluster.heartbeats.
type HeartbeatRecord struct {
	Member   string    `json:"member"`
	Addr     string    `json:"addr,omitempty"`
	LastSeen time.Time `json:"last_seen"`
	Runs     int64     `json:"runs"`
}

// Heartbeat records the member that runs it as alive. One heartbeat
// schedule exists per cluster; whichever member picks an entry up refreshes
// its own record.
type Heartbeat struct {
	c coord.Coordinator
}

func (h *Heartbeat) IsReady() bool                      { return true }
func (h *Heartbeat) SetCoordinator(c coord.Coordinator) { h.c = c }

func (h *Heartbeat) Run(ctx context.Context) error {
	if h.c == nil {
		return errors.New("heartbeat: no coordinator")
	}
	self := h.c.LocalMember()
	m := coord.NewMap[HeartbeatRecord](h.c, heartbeatsMap)
	prev, _, err := m.Get(ctx, self.ID)
	if err != nil {
		return err
	}
	return m.Put(ctx, self.ID, HeartbeatRecord{Member: self.ID, Addr: self.Addr, LastSeen: time.Now().UTC(), Runs: prev.Runs + 1})
}

func registerMaintenance(reg *task.Registry) error {
	if err := scheduler.RegisterEntry(reg); err != nil {
		return err
	}
	return reg.Register(heartbeatKind, &Heartbeat{})
}

// PruneEvent is published as janitor.pruned.
type PruneEvent struct {
	Epoch   int64    `json:"epoch"`
	Removed []string `json:"removed"`
}

// janitor prunes heartbeats of members that left the cluster. It runs only
// while this member leads the janitor election.
type janitor struct {
	c    coord.Coordinator
	spec scheduler.ParsedSpec
	ttl  time.Duration
	sel  *leader.Selector
	bus  eventbus.Bus
	log  logx.Logger
}

func (j *janitor) TakeLeadership(ctx context.Context) error {
	epoch := j.sel.Leadership()
	j.log.Info("janitor active", logx.Int64("epoch", epoch), logx.String("spec", j.spec.String()))
	for {
		t := time.NewTimer(max(j.spec.Delay(time.Now()), time.Second))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		removed, err := j.prune(ctx, time.Now())
		switch {
		case err != nil && coord.IsInterrupted(err):
			return nil
		case err != nil:
			j.log.Warn("janitor pass failed", logx.Err(err))
		case len(removed) > 0:
			j.log.Info("pruned departed members", logx.Strings("members", removed), logx.Int64("epoch", epoch))
			if j.bus != nil {
				j.bus.Publish(eventbus.Event{Type: "janitor.pruned", Time: time.Now(), Data: PruneEvent{Epoch: epoch, Removed: removed}})
			}
		}
	}
}

// prune deletes records whose member is gone and whose last heartbeat is
// older than the TTL.
func (j *janitor) prune(ctx context.Context, now time.Time) ([]string, error) {
	members, err := j.c.Members(ctx)
	if err != nil {
		return nil, err
	}
	alive := make(map[string]bool, len(members))
	for _, m := range members {
		alive[m.ID] = true
	}
	hb := coord.NewMap[HeartbeatRecord](j.c, heartbeatsMap)
	keys, err := hb.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, id := range keys {
		if alive[id] {
			continue
		}
		rec, ok, err := hb.Get(ctx, id)
		if err != nil {
			if errors.Is(err, coord.ErrSerialization) {
				_, _ = hb.Delete(ctx, id)
				removed = append(removed, id)
				continue
			}
			return removed, err
		}
		if !ok || now.Sub(rec.LastSeen) < j.ttl {
			continue
		}
		if _, err := hb.Delete(ctx, id); err != nil {
			return removed, err
		}
		removed = append(removed, id)
	}
	return removed, nil
}
