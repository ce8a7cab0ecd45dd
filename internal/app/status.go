package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clusterd/internal/coord"
	"clusterd/internal/lifecycle"
	"clusterd/internal/task/scheduler"

	rtsup "clusterd/internal/runtime/supervisor"
)

// Status is the document served at /status.
type Status struct {
	Member    coord.Member              `json:"member"`
	Driver    string                    `json:"driver"`
	Started   time.Time                 `json:"started"`
	Uptime    string                    `json:"uptime"`
	Members   []coord.Member            `json:"members"`
	Leader    *LeaderStatus             `json:"leader,omitempty"`
	Scheduler *scheduler.Snapshot       `json:"scheduler,omitempty"`
	Errors    []string                  `json:"errors,omitempty"`
	Runtime   map[string]rtsup.Snapshot `json:"runtime"`
}

type LeaderStatus struct {
	Election string `json:"election"`
	IsLeader bool   `json:"is_leader"`
	Epoch    int64  `json:"epoch"`
	Terms    int64  `json:"terms"`
}

// Status collects a snapshot of every component. Backend failures are
// reported in Errors rather than failing the whole document.
func (a *App) Status(ctx context.Context) (any, error) {
	st := Status{
		Member:  a.coord.LocalMember(),
		Driver:  a.driver,
		Started: a.started,
		Uptime:  time.Since(a.started).Round(time.Second).String(),
		Runtime: map[string]rtsup.Snapshot{"app": a.sup.Snapshot(), "http": a.http.Supervisor().Snapshot()},
	}
	if members, err := a.coord.Members(ctx); err != nil {
		st.Errors = append(st.Errors, "members: "+err.Error())
	} else {
		st.Members = members
	}
	if a.sel != nil {
		st.Leader = &LeaderStatus{Election: a.sel.ID(), IsLeader: a.sel.IsLeader(), Epoch: a.sel.Leadership(), Terms: a.sel.Terms()}
	}
	if a.schedEnabled {
		snap, err := a.sched.Snapshot(ctx)
		if err != nil {
			st.Errors = append(st.Errors, "scheduler: "+err.Error())
		}
		st.Scheduler = &snap
	}
	return st, nil
}

// Health reports whether this member can do its share of the work.
func (a *App) Health(ctx context.Context) error {
	if !a.coord.IsRunning() {
		return errors.New("coordinator not running")
	}
	if !a.schedEnabled {
		return nil
	}
	switch s := a.sched.Status(); s {
	case lifecycle.Running, lifecycle.Paused:
		return nil
	default:
		return fmt.Errorf("scheduler %s", s)
	}
}
