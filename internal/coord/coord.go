// Package coord defines the coordination primitives shared by every member of
// a cluster: locks, atomic counters, maps, queues, sets, topics and membership.
//
// Backends (see coord/memory and coord/sqlite) implement Coordinator on raw
// bytes. Typed access goes through the generic wrappers in this package, which
// encode values with a Codec so that anything stored can cross process
// boundaries.
package coord

import (
	"context"
	"fmt"
	"time"
)

// Member identifies one cooperating process.
type Member struct {
	ID   string            `json:"id"`
	Addr string            `json:"addr"`
	Meta map[string]string `json:"meta,omitempty"`
}

func (m Member) String() string {
	if m.Addr == "" {
		return m.ID
	}
	return m.ID + "@" + m.Addr
}

type MembershipEventType int

const (
	MemberAdded MembershipEventType = iota + 1
	MemberRemoved
)

func (t MembershipEventType) String() string {
	switch t {
	case MemberAdded:
		return "ADDED"
	case MemberRemoved:
		return "REMOVED"
	default:
		return fmt.Sprintf("MembershipEventType(%d)", int(t))
	}
}

type MembershipEvent struct {
	Type   MembershipEventType
	Member Member
	At     time.Time
}

// MembershipListener is called once per event. Implementations must return
// quickly; backends call listeners from their own goroutines.
type MembershipListener func(MembershipEvent)

// Lock is a cluster-wide mutual exclusion handle. A handle represents one
// holder: it is not reentrant and must not be shared by goroutines that
// expect independent ownership.
type Lock interface {
	Key() string
	// Lock blocks until the lock is held or ctx is done (ErrInterrupted).
	Lock(ctx context.Context) error
	// TryLock waits at most timeout. It returns false, nil on timeout and
	// ErrInterrupted when ctx is done first.
	TryLock(ctx context.Context, timeout time.Duration) (bool, error)
	Unlock(ctx context.Context) error
	// Lost is closed when the current hold ends without Unlock, e.g. the
	// backend expired the lease. It returns a closed channel when not held.
	Lost() <-chan struct{}
}

type AtomicLong interface {
	Name() string
	Get(ctx context.Context) (int64, error)
	Set(ctx context.Context, v int64) error
	CompareAndSet(ctx context.Context, expect, update int64) (bool, error)
	AddAndGet(ctx context.Context, delta int64) (int64, error)
	GetAndAdd(ctx context.Context, delta int64) (int64, error)
	IncrementAndGet(ctx context.Context) (int64, error)
	DecrementAndGet(ctx context.Context) (int64, error)
}

type RawMap interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	Len(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// RawQueue is a FIFO queue. Each Poll hands an element to exactly one caller.
type RawQueue interface {
	Name() string
	Offer(ctx context.Context, value []byte) error
	// Poll waits up to timeout for an element. ok is false on timeout.
	Poll(ctx context.Context, timeout time.Duration) (value []byte, ok bool, err error)
	Peek(ctx context.Context) ([]byte, bool, error)
	Len(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// RawSet compares elements by their bytes.
type RawSet interface {
	Name() string
	Add(ctx context.Context, value []byte) (bool, error)
	Remove(ctx context.Context, value []byte) (bool, error)
	Contains(ctx context.Context, value []byte) (bool, error)
	Members(ctx context.Context) ([][]byte, error)
	Len(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// Message is one publication on a topic.
type Message struct {
	Topic     string
	Payload   []byte
	Publisher string
	At        time.Time
}

// RawTopic is fire-and-forget pub/sub. Subscribers only see messages
// published after they subscribed; slow subscribers may miss messages.
type RawTopic interface {
	Name() string
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context, buffer int) (<-chan Message, func(), error)
}

// Coordinator is one member's handle on a coordination backend. Every
// primitive call implicitly runs Init first.
type Coordinator interface {
	Init(ctx context.Context) error
	Shutdown(ctx context.Context) error
	IsRunning() bool

	Lock(key string) Lock
	AtomicLong(name string) AtomicLong
	Map(name string) RawMap
	Queue(name string) RawQueue
	Set(name string) RawSet
	Topic(name string) RawTopic

	LocalMember() Member
	Members(ctx context.Context) ([]Member, error)
	AddMembershipListener(l MembershipListener) string
	RemoveMembershipListener(id string) bool
}
