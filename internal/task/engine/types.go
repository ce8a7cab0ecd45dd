package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Policy decides where promoted tasks run.
type Policy int

const (
	// PolicyFair offers promoted tasks to the shared execution queue and
	// takes one only when a worker is free. Idle members win the race for
	// the next task, so load spreads by queue contention.
	PolicyFair Policy = iota
	// PolicyGreedy hands tasks the member promotes straight to its own
	// pool, up to Workers+QueueSize at once. They never reach the shared
	// queue.
	PolicyGreedy
)

func (p Policy) String() string {
	switch p {
	case PolicyFair:
		return "fair"
	case PolicyGreedy:
		return "greedy"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fair":
		return PolicyFair, nil
	case "greedy":
		return PolicyGreedy, nil
	default:
		return PolicyFair, fmt.Errorf("unknown executor policy %q", s)
	}
}

// Config controls the local executor.
type Config struct {
	Workers   int
	QueueSize int
	Policy    Policy

	// DefaultTimeout is used when Job.Timeout is 0.
	DefaultTimeout time.Duration

	HistorySize int
	// RetryMax is the number of in-place retries after a failed run. Zero
	// or negative means a failed run is final.
	RetryMax int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize < 0 {
		c.QueueSize = 0
	}
	if c.QueueSize == 0 && c.Policy == PolicyGreedy {
		c.QueueSize = c.Workers
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	return c
}

// Capacity is how many jobs may be reserved at once.
func (c Config) Capacity() int {
	c = c.withDefaults()
	if c.Policy == PolicyGreedy {
		return c.Workers + c.QueueSize
	}
	return c.Workers
}

type JobOptions struct {
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (o JobOptions) withDefaults(cfg Config) JobOptions {
	if o.RetryMax == 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryMax < 0 {
		o.RetryMax = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	return o
}

// Job is a unit of work run by the executor.
type Job struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     JobOptions

	// Done, when set, is called once with the final error after the last
	// attempt. It runs on the worker goroutine.
	Done func(err error)
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// TaskEvent is published on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool
	Policy   string
	Workers  int
	Capacity int
	Reserved int
	InFlight int

	Completed uint64
	Failed    uint64
	Panics    uint64

	DefaultTimeout time.Duration
	RetryMax       int

	History []HistoryItem
}
