package task

import (
	"context"
	"testing"
	"time"

	"clusterd/internal/coord"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type probe struct {
	Target string            `json:"target"`
	Labels map[string]string `json:"labels,omitempty"`
}

func (probe) IsReady() bool                 { return true }
func (probe) Run(ctx context.Context) error { return nil }

type repeating struct {
	Name  string        `json:"name"`
	Left  int           `json:"left"`
	Every time.Duration `json:"every"`

	sched Scheduler
	coord coord.Coordinator
}

func (r *repeating) IsReady() bool                      { return true }
func (r *repeating) Run(ctx context.Context) error      { r.Left--; return nil }
func (r *repeating) RescheduleAfterRun() bool           { return r.Left > 0 }
func (r *repeating) Interval() time.Duration            { return r.Every }
func (r *repeating) SetScheduler(s Scheduler)           { r.sched = s }
func (r *repeating) SetCoordinator(c coord.Coordinator) { r.coord = c }
func (r *repeating) TaskID() string                     { return r.Name }

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register("probe", probe{}))
	require.NoError(t, r.Register("repeating", &repeating{}))
	return r
}

func TestIdentityIsValueBased(t *testing.T) {
	t.Parallel()
	r := newRegistry(t)

	a, err := r.Encode(probe{Target: "10.0.0.1", Labels: map[string]string{"b": "2", "a": "1"}})
	require.NoError(t, err)
	b, err := r.Encode(probe{Target: "10.0.0.1", Labels: map[string]string{"a": "1", "b": "2"}})
	require.NoError(t, err)
	c, err := r.Encode(probe{Target: "10.0.0.2"})
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
	assert.Contains(t, a.ID, "probe:")

	decoded, caps, err := r.Decode(a)
	require.NoError(t, err)
	assert.Equal(t, Capabilities{}, caps)
	again, err := r.Identity(decoded)
	require.NoError(t, err)
	assert.Equal(t, a.ID, again, "identity must survive a round trip")
}

func TestIdentifierOverridesDigest(t *testing.T) {
	t.Parallel()
	r := newRegistry(t)
	x, err := r.Encode(&repeating{Name: "sweep", Left: 3})
	require.NoError(t, err)
	y, err := r.Encode(&repeating{Name: "sweep", Left: 1})
	require.NoError(t, err)
	assert.Equal(t, "repeating:sweep", x.ID)
	assert.Equal(t, x.ID, y.ID)
}

func TestCapabilitiesResolvedPerKind(t *testing.T) {
	t.Parallel()
	r := newRegistry(t)
	env, err := r.Encode(&repeating{Name: "n", Left: 2, Every: time.Second})
	require.NoError(t, err)

	got, caps, err := r.Decode(env)
	require.NoError(t, err)
	assert.Equal(t, Capabilities{Reschedulable: true, SchedulerAware: true, CoordinationAware: true, Identifier: true}, caps)

	rep, ok := got.(*repeating)
	require.True(t, ok)
	assert.Equal(t, 2, rep.Left)
	assert.Equal(t, time.Second, rep.Interval())

	Inject(got, caps, nil, nil)
	assert.Nil(t, rep.sched)
}

func TestUnregisteredIsSerializationError(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	_, err := r.Encode(probe{})
	assert.ErrorIs(t, err, coord.ErrSerialization)
	assert.ErrorIs(t, err, ErrUnregistered)

	_, _, err = r.Decode(Envelope{Kind: "nope", Data: []byte(`{}`)})
	assert.ErrorIs(t, err, coord.ErrSerialization)

	r.MustRegister("probe", probe{})
	_, _, err = r.Decode(Envelope{Kind: "probe", Data: []byte(`{"target":`)})
	assert.ErrorIs(t, err, coord.ErrSerialization)
}

func TestRegisterConflicts(t *testing.T) {
	t.Parallel()
	r := newRegistry(t)
	assert.NoError(t, r.Register("probe", probe{}), "re-registering the same type is allowed")
	assert.Error(t, r.Register("probe", &repeating{}))
	assert.Error(t, r.Register("other", probe{}))
	assert.Error(t, r.Register(" ", probe{}))
	assert.Equal(t, []string{"probe", "repeating"}, r.Kinds())
}
