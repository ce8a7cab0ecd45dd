package coord_test

import (
	"context"
	"testing"
	"time"

	"clusterd/internal/coord"
	"clusterd/internal/coord/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type job struct {
	Name  string            `json:"name"`
	Every time.Duration     `json:"every"`
	Tags  map[string]string `json:"tags,omitempty"`
}

func TestTypedSetComparesByValue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := memory.NewGrid()
	a := coord.NewSet[job](g.Join(), "jobs")
	b := coord.NewSet[job](g.Join(), "jobs")

	v := job{Name: "sync", Every: time.Second, Tags: map[string]string{"z": "1", "a": "2"}}
	added, err := a.Add(ctx, v)
	require.NoError(t, err)
	require.True(t, added)

	same := job{Name: "sync", Every: time.Second, Tags: map[string]string{"a": "2", "z": "1"}}
	ok, err := b.Contains(ctx, same)
	require.NoError(t, err)
	assert.True(t, ok, "equal values must encode identically")

	added, err = b.Add(ctx, same)
	require.NoError(t, err)
	assert.False(t, added)

	got, err := b.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []job{v}, got)
}

func TestTypedQueueAndMap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := memory.NewGrid()
	n := g.Join()

	q := coord.NewQueue[job](n, "q")
	require.NoError(t, q.Offer(ctx, job{Name: "one"}))
	head, ok, err := q.Peek(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "one", head.Name)
	polled, ok, err := q.Poll(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "one", polled.Name)

	m := coord.NewMap[[]job](n, "m")
	require.NoError(t, m.Put(ctx, "1000", []job{{Name: "a"}, {Name: "b"}}))
	list, ok, err := m.Get(ctx, "1000")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, list, 2)
}

func TestTypedDecodeFailureIsSerializationError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := memory.NewGrid()
	n := g.Join()
	require.NoError(t, n.Map("m").Put(ctx, "k", []byte("{not json")))

	_, ok, err := coord.NewMap[job](n, "m").Get(ctx, "k")
	assert.False(t, ok)
	assert.ErrorIs(t, err, coord.ErrSerialization)
}

func TestTypedTopic(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := memory.NewGrid()
	sub := coord.NewTopic[job](g.Join(), "t")
	pub := coord.NewTopic[job](g.Join(), "t")

	ch, unsubscribe, err := sub.Subscribe(ctx, 2)
	require.NoError(t, err)
	defer unsubscribe()
	require.NoError(t, pub.Publish(ctx, job{Name: "x"}))

	select {
	case v := <-ch:
		assert.Equal(t, "x", v.Name)
	case <-time.After(time.Second):
		t.Fatal("no message")
	}
}
