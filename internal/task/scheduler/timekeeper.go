package scheduler

import (
	"fmt"
	"slices"
	"time"

	"clusterd/internal/task"
)

// TimeKeeper wraps an encoded task with the time it becomes due. A fresh
// TimeKeeper is created on every Schedule call; rescheduling never reuses
// one.
type TimeKeeper struct {
	Task      task.Envelope `json:"task"`
	TimeToRun time.Time     `json:"time_to_run"`
	Interval  time.Duration `json:"interval"`
	// Revision is the scheduling instance's revision at creation.
	Revision int64 `json:"revision"`
	// Epoch is the cluster reset epoch at creation. Reset on any member
	// makes older entries stale for rescheduling.
	Epoch  int64  `json:"epoch"`
	Seq    uint64 `json:"seq"`
	Origin string `json:"origin,omitempty"`
}

// Due reports whether now has reached TimeToRun.
func (k TimeKeeper) Due(now time.Time) bool { return !now.Before(k.TimeToRun) }

// IsReady is true only when k is due and the wrapped task reports ready.
// The task is not consulted before the due time.
func (k TimeKeeper) IsReady(now time.Time, t task.Task) bool {
	if !k.Due(now) {
		return false
	}
	return t != nil && t.IsReady()
}

// DispatchID names this particular scheduling of the task.
func (k TimeKeeper) DispatchID() string {
	return fmt.Sprintf("%s@%s/%d", k.Task.ID, k.Origin, k.Seq)
}

func (k TimeKeeper) before(o TimeKeeper) bool {
	if !k.TimeToRun.Equal(o.TimeToRun) {
		return k.TimeToRun.Before(o.TimeToRun)
	}
	return k.Seq < o.Seq
}

// pendingQueue is kept sorted by TimeToRun, ties by Seq. It is stored as one
// map value and always rewritten whole under the scheduler lock.
type pendingQueue []TimeKeeper

func (q pendingQueue) insert(k TimeKeeper) pendingQueue {
	i, _ := slices.BinarySearchFunc(q, k, func(a, b TimeKeeper) int {
		if a.before(b) {
			return -1
		}
		return 1
	})
	return slices.Insert(slices.Clone(q), i, k)
}

func (q pendingQueue) indexOf(id string) int {
	return slices.IndexFunc(q, func(k TimeKeeper) bool { return k.Task.ID == id })
}
