package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"clusterd/internal/coord"
	logx "clusterd/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T, path, id string) *Coordinator {
	t.Helper()
	c, err := Open(Config{
		Path:         path,
		LeaseTTL:     300 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		Member:       coord.Member{ID: id, Meta: map[string]string{"role": "test"}},
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c
}

// crash stops background work without releasing anything, like a killed
// process.
func (c *Coordinator) crash() {
	c.mu.Lock()
	c.shutdown = true
	sup := c.sup
	c.mu.Unlock()
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(context.Background())
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{}, logx.Nop())
	assert.Error(t, err)
}

func TestLockExclusiveAcrossProcesses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "coord.db")
	a, b := openTest(t, path, "a"), openTest(t, path, "b")

	la, lb := a.Lock("k"), b.Lock("k")
	ok, err := la.TryLock(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = la.TryLock(ctx, 0)
	assert.ErrorIs(t, err, coord.ErrLockHeld)

	// Renewal keeps the lease alive past its TTL.
	ok, err = lb.TryLock(ctx, 500*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, lb.Unlock(ctx), coord.ErrNotLockOwner)

	require.NoError(t, la.Unlock(ctx))
	ok, err = lb.TryLock(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeaseExpiresAfterCrash(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "coord.db")
	a, b := openTest(t, path, "a"), openTest(t, path, "b")

	require.NoError(t, a.Lock("leader").Lock(ctx))
	a.crash()

	ok, err := b.Lock("leader").TryLock(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "lease of a crashed holder must expire")
}

func TestLostSignalledWhenLeaseTaken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := openTest(t, filepath.Join(t.TempDir(), "coord.db"), "a")

	la := a.Lock("leader")
	require.NoError(t, la.Lock(ctx))
	lost := la.Lost()
	_, err := a.db.ExecContext(ctx, `UPDATE locks SET owner = 'someone-else' WHERE key = 'leader'`)
	require.NoError(t, err)

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("lost not signalled")
	}
	assert.ErrorIs(t, la.Unlock(ctx), coord.ErrNotLockOwner)
}

func TestAtomicLongAcrossProcesses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "coord.db")
	a, b := openTest(t, path, "a"), openTest(t, path, "b")

	ok, err := a.AtomicLong("n").CompareAndSet(ctx, 0, 5)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.AtomicLong("n").CompareAndSet(ctx, 0, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	var wg sync.WaitGroup
	for _, c := range []*Coordinator{a, b} {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, _ = c.AtomicLong("n").IncrementAndGet(ctx)
			}
		}(c)
	}
	wg.Wait()
	v, err := a.AtomicLong("n").Get(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 45, v)

	old, err := b.AtomicLong("n").GetAndAdd(ctx, -45)
	require.NoError(t, err)
	assert.EqualValues(t, 45, old)
}

func TestQueueHandsEachElementOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "coord.db")
	a, b := openTest(t, path, "a"), openTest(t, path, "b")

	const total = 30
	for i := 0; i < total; i++ {
		require.NoError(t, a.Queue("q").Offer(ctx, []byte{byte(i)}))
	}
	head, ok, err := b.Queue("q").Peek(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0}, head)

	var mu sync.Mutex
	seen := map[byte]int{}
	var wg sync.WaitGroup
	for _, c := range []*Coordinator{a, b} {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			for {
				v, ok, err := c.Queue("q").Poll(ctx, 0)
				if err != nil || !ok {
					return
				}
				mu.Lock()
				seen[v[0]]++
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	assert.Len(t, seen, total)
	for k, n := range seen {
		assert.Equal(t, 1, n, "element %d", k)
	}

	start := time.Now()
	_, ok, err = a.Queue("q").Poll(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestMapSetAndTopic(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	path := filepath.Join(t.TempDir(), "coord.db")
	a, b := openTest(t, path, "a"), openTest(t, path, "b")

	require.NoError(t, a.Map("m").Put(ctx, "x", []byte("1")))
	added, err := b.Map("m").PutIfAbsent(ctx, "x", []byte("2"))
	require.NoError(t, err)
	assert.False(t, added)
	v, ok, err := b.Map("m").Get(ctx, "x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", string(v))
	deleted, err := b.Map("m").Delete(ctx, "x")
	require.NoError(t, err)
	assert.True(t, deleted)

	added, err = a.Set("s").Add(ctx, []byte("id"))
	require.NoError(t, err)
	assert.True(t, added)
	has, err := b.Set("s").Contains(ctx, []byte("id"))
	require.NoError(t, err)
	assert.True(t, has)

	msgs, unsubscribe, err := b.Topic("t").Subscribe(ctx, 4)
	require.NoError(t, err)
	defer unsubscribe()
	require.NoError(t, a.Topic("t").Publish(ctx, []byte("hi")))
	select {
	case m := <-msgs:
		assert.Equal(t, "hi", string(m.Payload))
		assert.Equal(t, "a", m.Publisher)
	case <-time.After(2 * time.Second):
		t.Fatal("no topic message")
	}
}

func TestMembershipTracksJoinAndLeave(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "coord.db")
	a := openTest(t, path, "a")
	require.NoError(t, a.Init(ctx))

	events := make(chan coord.MembershipEvent, 8)
	a.AddMembershipListener(func(ev coord.MembershipEvent) { events <- ev })

	b := openTest(t, path, "b")
	require.NoError(t, b.Init(ctx))

	members, err := a.Members(ctx)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "test", members[1].Meta["role"])

	expect := func(typ coord.MembershipEventType) {
		t.Helper()
		select {
		case ev := <-events:
			assert.Equal(t, typ, ev.Type)
			assert.Equal(t, "b", ev.Member.ID)
		case <-time.After(2 * time.Second):
			t.Fatalf("no %s event", typ)
		}
	}
	expect(coord.MemberAdded)

	require.NoError(t, b.Shutdown(ctx))
	expect(coord.MemberRemoved)
}
