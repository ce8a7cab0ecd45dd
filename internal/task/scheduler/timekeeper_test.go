package scheduler

import (
	"context"
	"testing"
	"time"

	"clusterd/internal/task"

	"github.com/stretchr/testify/assert"
)

type readiness bool

func (r readiness) IsReady() bool                 { return bool(r) }
func (r readiness) Run(ctx context.Context) error { return nil }

func TestTimeKeeperNeverReadyBeforeTimeToRun(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	k := TimeKeeper{TimeToRun: at}

	for _, d := range []time.Duration{-time.Hour, -time.Millisecond, -time.Nanosecond} {
		assert.False(t, k.IsReady(at.Add(d), readiness(true)), "offset %v", d)
		assert.False(t, k.Due(at.Add(d)))
	}
	assert.True(t, k.IsReady(at, readiness(true)))
	assert.True(t, k.IsReady(at.Add(time.Second), readiness(true)))
	assert.False(t, k.IsReady(at.Add(time.Second), readiness(false)), "the wrapped task decides once due")
	assert.False(t, k.IsReady(at.Add(time.Second), nil))
}

func TestPendingQueueOrder(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mk := func(id string, offset time.Duration, seq uint64) TimeKeeper {
		return TimeKeeper{Task: task.Envelope{ID: id}, TimeToRun: base.Add(offset), Seq: seq}
	}

	var q pendingQueue
	q = q.insert(mk("c", 3*time.Second, 1))
	q = q.insert(mk("a", time.Second, 2))
	q = q.insert(mk("b2", 2*time.Second, 5))
	q = q.insert(mk("b1", 2*time.Second, 4))
	orig := q
	q = q.insert(mk("z", 0, 9))

	var ids []string
	for _, k := range q {
		ids = append(ids, k.Task.ID)
	}
	assert.Equal(t, []string{"z", "a", "b1", "b2", "c"}, ids)
	assert.Len(t, orig, 4, "insert does not modify the receiver")
	assert.Equal(t, 2, q.indexOf("b1"))
	assert.Equal(t, -1, q.indexOf("missing"))
}

func TestIntervalKeyIsMilliseconds(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "10", intervalKey(10*time.Millisecond))
	assert.Equal(t, "60000", intervalKey(time.Minute))
	assert.Equal(t, "0", intervalKey(0))
}
