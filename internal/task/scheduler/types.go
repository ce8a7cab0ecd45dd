package scheduler

import (
	"errors"
	"strconv"
	"time"

	"clusterd/internal/coord"
)

var ErrNilTask = errors.New("scheduler: nil task")

// Config controls one named scheduler. Every member that wants to share work
// must use the same Name.
type Config struct {
	Name string

	// PollInterval is the promotion cycle. Local Schedule calls wake the
	// promotion loop early.
	PollInterval time.Duration
	// PollTimeout bounds one wait on the execution queue.
	PollTimeout time.Duration
	// LockTimeout bounds how long a promotion cycle waits for the lock
	// before leaving the cycle to another member.
	LockTimeout time.Duration
	// MaxLoopRestarts stops the scheduler after a loop failed this many
	// times in a row. Zero restarts forever.
	MaxLoopRestarts int

	Retry coord.RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 500 * time.Millisecond
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = c.PollInterval / 2
	}
	return c
}

type names struct {
	pending   string
	execution string
	executing string
	lock      string
	scheduled string
	executed  string
	epoch     string
}

func namesFor(name string) names {
	p := "scheduler." + name + "."
	return names{
		pending:   p + "pending",
		execution: p + "execution",
		executing: p + "executing",
		lock:      p + "lock",
		scheduled: p + "scheduled",
		executed:  p + "executed",
		epoch:     p + "epoch",
	}
}

// intervalKey is the pending map key of an interval: milliseconds in decimal.
func intervalKey(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}

// PromotionEvent is published on the event bus after a promotion cycle that
// moved or dropped entries.
type PromotionEvent struct {
	Scheduler string        `json:"scheduler"`
	Promoted  int           `json:"promoted"`
	Dropped   int           `json:"dropped"`
	Took      time.Duration `json:"took"`
}

// DispatchEvent is published when a member takes an entry off the execution
// queue.
type DispatchEvent struct {
	Scheduler  string `json:"scheduler"`
	TaskID     string `json:"task_id"`
	DispatchID string `json:"dispatch_id"`
	Kind       string `json:"kind"`
	Member     string `json:"member"`
}
