package scheduler

import (
	"context"
	"testing"
	"time"

	"clusterd/internal/coord/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleRepeatsUntilUnscheduled(t *testing.T) {
	t.Parallel()
	g := memory.NewGrid()
	x := newMember(t, g, "x", nil)
	y := newMember(t, g, "y", nil)
	startMembers(t, x, y)
	ctx := context.Background()

	sc, err := NewSchedule(x, "ticker", "every:30ms", &once{Key: "ticks"})
	require.NoError(t, err)
	require.NoError(t, sc.Start(ctx))
	require.NoError(t, sc.Start(ctx), "second start under the same code is a no-op")
	require.Eventually(t, func() bool { return rec.count("ticks") >= 3 }, 3*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, x.Scheduled(), int64(1))

	require.NoError(t, sc.Unschedule(ctx))
	code, err := sc.ExpirationCode(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, code)

	// An entry already past its expiry check may still finish.
	time.Sleep(100 * time.Millisecond)
	settled := rec.count("ticks")
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, settled, rec.count("ticks"))
	assert.EqualValues(t, 0, x.Scheduled())

	// A fresh start under the new code runs again.
	require.NoError(t, sc.Start(ctx))
	require.Eventually(t, func() bool { return rec.count("ticks") > settled }, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, sc.Unschedule(ctx))
}

func TestStaleEntryIsNoOp(t *testing.T) {
	t.Parallel()
	x := newMember(t, memory.NewGrid(), "x", nil)
	ctx := context.Background()

	env, err := x.reg.Encode(&once{Key: "never"})
	require.NoError(t, err)
	e := &ScheduleEntry{Name: "old", Code: 0, Spec: "every:1m", Task: env}
	e.SetScheduler(x)
	e.SetCoordinator(x.coord)
	_, err = x.coord.AtomicLong(expirationName("old")).IncrementAndGet(ctx)
	require.NoError(t, err)

	require.NoError(t, e.Run(ctx))
	assert.True(t, e.Stale())
	assert.False(t, e.RescheduleAfterRun())
	assert.Equal(t, 0, rec.count("never"))
	assert.Equal(t, "old#0", e.TaskID())
	assert.Equal(t, time.Minute, e.Interval())
}

func TestNewScheduleValidates(t *testing.T) {
	t.Parallel()
	x := newMember(t, memory.NewGrid(), "x", nil)

	_, err := NewSchedule(x, "", "1m", &once{})
	assert.Error(t, err)
	_, err = NewSchedule(x, "bad", "whenever", &once{})
	assert.Error(t, err)
	_, err = NewSchedule(x, "unregistered", "1m", unregistered{})
	assert.Error(t, err)
	_, err = NewSchedule(x, "nil", "1m", nil)
	assert.ErrorIs(t, err, ErrNilTask)

	sc, err := NewSchedule(x, "nightly", "0 3 * * *", &once{}, WithStartupSpread())
	require.NoError(t, err)
	assert.Equal(t, SpecCron, sc.Spec().Kind)
	assert.Equal(t, "nightly", sc.Name())
}

func TestStartupJitterIsBounded(t *testing.T) {
	t.Parallel()
	for i := 0; i < 50; i++ {
		j := startupJitter(10*time.Millisecond, "tag")
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.Less(t, j, 10*time.Millisecond)
		assert.Less(t, startupJitter(time.Hour, "tag"), maxStartupSpread)
	}
	assert.Zero(t, startupJitter(0, "tag"))
}
