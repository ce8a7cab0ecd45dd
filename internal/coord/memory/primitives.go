package memory

import (
	"context"
	"sort"
	"time"

	"clusterd/internal/coord"
	"clusterd/internal/eventbus"
)

var closedCh = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

type lock struct {
	node  *Node
	key   string
	token string
}

func (l *lock) Key() string { return l.key }

// acquire tries once. When the lock is held by someone else it returns the
// channel that closes on release.
func (l *lock) acquire(ctx context.Context) (bool, <-chan struct{}, error) {
	g, err := l.node.begin(ctx, "lock "+l.key)
	if err != nil {
		return false, nil, err
	}
	defer g.mu.Unlock()
	st := g.locks[l.key]
	if st == nil {
		g.locks[l.key] = &lockState{
			token:    l.token,
			memberID: l.node.member.ID,
			lost:     make(chan struct{}),
			released: make(chan struct{}),
		}
		return true, nil, nil
	}
	if st.token == l.token {
		return false, nil, coord.ErrLockHeld
	}
	return false, st.released, nil
}

func (l *lock) Lock(ctx context.Context) error {
	for {
		ok, wait, err := l.acquire(ctx)
		if err != nil || ok {
			return err
		}
		select {
		case <-ctx.Done():
			return coord.Interrupted("lock "+l.key, ctx.Err())
		case <-wait:
		}
	}
}

func (l *lock) TryLock(ctx context.Context, timeout time.Duration) (bool, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		ok, wait, err := l.acquire(ctx)
		if err != nil || ok {
			return ok, err
		}
		if deadline == nil {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, coord.Interrupted("lock "+l.key, ctx.Err())
		case <-deadline:
			return false, nil
		case <-wait:
		}
	}
}

func (l *lock) Unlock(ctx context.Context) error {
	g, err := l.node.begin(ctx, "unlock "+l.key)
	if err != nil {
		return err
	}
	defer g.mu.Unlock()
	st := g.locks[l.key]
	if st == nil || st.token != l.token {
		return coord.ErrNotLockOwner
	}
	delete(g.locks, l.key)
	close(st.released)
	return nil
}

func (l *lock) Lost() <-chan struct{} {
	g := l.node.grid
	g.mu.Lock()
	defer g.mu.Unlock()
	if st := g.locks[l.key]; st != nil && st.token == l.token {
		return st.lost
	}
	return closedCh
}

type atomicLong struct {
	node *Node
	name string
}

func (a *atomicLong) Name() string { return a.name }

// update applies fn to the current value under the grid lock.
func (a *atomicLong) update(ctx context.Context, fn func(cur int64) int64) (old, cur int64, err error) {
	g, err := a.node.begin(ctx, "long "+a.name)
	if err != nil {
		return 0, 0, err
	}
	defer g.mu.Unlock()
	old = g.longs[a.name]
	cur = fn(old)
	g.longs[a.name] = cur
	return old, cur, nil
}

func (a *atomicLong) Get(ctx context.Context) (int64, error) {
	_, v, err := a.update(ctx, func(cur int64) int64 { return cur })
	return v, err
}

func (a *atomicLong) Set(ctx context.Context, v int64) error {
	_, _, err := a.update(ctx, func(int64) int64 { return v })
	return err
}

func (a *atomicLong) CompareAndSet(ctx context.Context, expect, update int64) (bool, error) {
	old, _, err := a.update(ctx, func(cur int64) int64 {
		if cur == expect {
			return update
		}
		return cur
	})
	return err == nil && old == expect, err
}

func (a *atomicLong) AddAndGet(ctx context.Context, delta int64) (int64, error) {
	_, v, err := a.update(ctx, func(cur int64) int64 { return cur + delta })
	return v, err
}

func (a *atomicLong) GetAndAdd(ctx context.Context, delta int64) (int64, error) {
	v, _, err := a.update(ctx, func(cur int64) int64 { return cur + delta })
	return v, err
}

func (a *atomicLong) IncrementAndGet(ctx context.Context) (int64, error) {
	return a.AddAndGet(ctx, 1)
}

func (a *atomicLong) DecrementAndGet(ctx context.Context) (int64, error) {
	return a.AddAndGet(ctx, -1)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

type rawMap struct {
	node *Node
	name string
}

func (m *rawMap) Name() string { return m.name }

func (m *rawMap) entries(g *Grid) map[string][]byte {
	e := g.maps[m.name]
	if e == nil {
		e = map[string][]byte{}
		g.maps[m.name] = e
	}
	return e
}

func (m *rawMap) Get(ctx context.Context, key string) ([]byte, bool, error) {
	g, err := m.node.begin(ctx, "map "+m.name)
	if err != nil {
		return nil, false, err
	}
	defer g.mu.Unlock()
	v, ok := m.entries(g)[key]
	return clone(v), ok, nil
}

func (m *rawMap) Put(ctx context.Context, key string, value []byte) error {
	g, err := m.node.begin(ctx, "map "+m.name)
	if err != nil {
		return err
	}
	defer g.mu.Unlock()
	m.entries(g)[key] = clone(value)
	return nil
}

func (m *rawMap) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	g, err := m.node.begin(ctx, "map "+m.name)
	if err != nil {
		return false, err
	}
	defer g.mu.Unlock()
	e := m.entries(g)
	if _, ok := e[key]; ok {
		return false, nil
	}
	e[key] = clone(value)
	return true, nil
}

func (m *rawMap) Delete(ctx context.Context, key string) (bool, error) {
	g, err := m.node.begin(ctx, "map "+m.name)
	if err != nil {
		return false, err
	}
	defer g.mu.Unlock()
	e := m.entries(g)
	_, ok := e[key]
	delete(e, key)
	return ok, nil
}

func (m *rawMap) Keys(ctx context.Context) ([]string, error) {
	g, err := m.node.begin(ctx, "map "+m.name)
	if err != nil {
		return nil, err
	}
	defer g.mu.Unlock()
	e := m.entries(g)
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *rawMap) Len(ctx context.Context) (int, error) {
	g, err := m.node.begin(ctx, "map "+m.name)
	if err != nil {
		return 0, err
	}
	defer g.mu.Unlock()
	return len(m.entries(g)), nil
}

func (m *rawMap) Clear(ctx context.Context) error {
	g, err := m.node.begin(ctx, "map "+m.name)
	if err != nil {
		return err
	}
	defer g.mu.Unlock()
	delete(g.maps, m.name)
	return nil
}

type rawQueue struct {
	node *Node
	name string
}

func (q *rawQueue) Name() string { return q.name }

func (q *rawQueue) state(g *Grid) *queueState {
	st := g.queues[q.name]
	if st == nil {
		st = &queueState{signal: make(chan struct{})}
		g.queues[q.name] = st
	}
	return st
}

func (q *rawQueue) Offer(ctx context.Context, value []byte) error {
	g, err := q.node.begin(ctx, "queue "+q.name)
	if err != nil {
		return err
	}
	defer g.mu.Unlock()
	st := q.state(g)
	st.items = append(st.items, clone(value))
	close(st.signal)
	st.signal = make(chan struct{})
	return nil
}

// take pops the head, or returns the channel signalled by the next Offer.
func (q *rawQueue) take(ctx context.Context) ([]byte, bool, <-chan struct{}, error) {
	g, err := q.node.begin(ctx, "queue "+q.name)
	if err != nil {
		return nil, false, nil, err
	}
	defer g.mu.Unlock()
	st := q.state(g)
	if len(st.items) == 0 {
		return nil, false, st.signal, nil
	}
	v := st.items[0]
	st.items[0] = nil
	st.items = st.items[1:]
	return v, true, nil, nil
}

func (q *rawQueue) Poll(ctx context.Context, timeout time.Duration) ([]byte, bool, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		v, ok, wait, err := q.take(ctx)
		if err != nil || ok {
			return v, ok, err
		}
		if deadline == nil {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, coord.Interrupted("poll "+q.name, ctx.Err())
		case <-deadline:
			return nil, false, nil
		case <-wait:
		}
	}
}

func (q *rawQueue) Peek(ctx context.Context) ([]byte, bool, error) {
	g, err := q.node.begin(ctx, "queue "+q.name)
	if err != nil {
		return nil, false, err
	}
	defer g.mu.Unlock()
	st := q.state(g)
	if len(st.items) == 0 {
		return nil, false, nil
	}
	return clone(st.items[0]), true, nil
}

func (q *rawQueue) Len(ctx context.Context) (int, error) {
	g, err := q.node.begin(ctx, "queue "+q.name)
	if err != nil {
		return 0, err
	}
	defer g.mu.Unlock()
	return len(q.state(g).items), nil
}

func (q *rawQueue) Clear(ctx context.Context) error {
	g, err := q.node.begin(ctx, "queue "+q.name)
	if err != nil {
		return err
	}
	defer g.mu.Unlock()
	q.state(g).items = nil
	return nil
}

type rawSet struct {
	node *Node
	name string
}

func (s *rawSet) Name() string { return s.name }

func (s *rawSet) members(g *Grid) map[string][]byte {
	m := g.sets[s.name]
	if m == nil {
		m = map[string][]byte{}
		g.sets[s.name] = m
	}
	return m
}

func (s *rawSet) Add(ctx context.Context, value []byte) (bool, error) {
	g, err := s.node.begin(ctx, "set "+s.name)
	if err != nil {
		return false, err
	}
	defer g.mu.Unlock()
	m := s.members(g)
	if _, ok := m[string(value)]; ok {
		return false, nil
	}
	m[string(value)] = clone(value)
	return true, nil
}

func (s *rawSet) Remove(ctx context.Context, value []byte) (bool, error) {
	g, err := s.node.begin(ctx, "set "+s.name)
	if err != nil {
		return false, err
	}
	defer g.mu.Unlock()
	m := s.members(g)
	_, ok := m[string(value)]
	delete(m, string(value))
	return ok, nil
}

func (s *rawSet) Contains(ctx context.Context, value []byte) (bool, error) {
	g, err := s.node.begin(ctx, "set "+s.name)
	if err != nil {
		return false, err
	}
	defer g.mu.Unlock()
	_, ok := s.members(g)[string(value)]
	return ok, nil
}

func (s *rawSet) Members(ctx context.Context) ([][]byte, error) {
	g, err := s.node.begin(ctx, "set "+s.name)
	if err != nil {
		return nil, err
	}
	defer g.mu.Unlock()
	m := s.members(g)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		out = append(out, clone(m[k]))
	}
	return out, nil
}

func (s *rawSet) Len(ctx context.Context) (int, error) {
	g, err := s.node.begin(ctx, "set "+s.name)
	if err != nil {
		return 0, err
	}
	defer g.mu.Unlock()
	return len(s.members(g)), nil
}

func (s *rawSet) Clear(ctx context.Context) error {
	g, err := s.node.begin(ctx, "set "+s.name)
	if err != nil {
		return err
	}
	defer g.mu.Unlock()
	delete(g.sets, s.name)
	return nil
}

// rawTopic fans out through one eventbus.Bus per topic name, shared by every
// node on the grid.
type rawTopic struct {
	node *Node
	name string
}

func (t *rawTopic) Name() string { return t.name }

func (t *rawTopic) bus(ctx context.Context) (eventbus.Bus, error) {
	g, err := t.node.begin(ctx, "topic "+t.name)
	if err != nil {
		return nil, err
	}
	defer g.mu.Unlock()
	b := g.topics[t.name]
	if b == nil {
		b = eventbus.New()
		g.topics[t.name] = b
	}
	return b, nil
}

func (t *rawTopic) Publish(ctx context.Context, payload []byte) error {
	b, err := t.bus(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	b.Publish(eventbus.Event{Type: t.name, Time: now, Data: coord.Message{
		Topic:     t.name,
		Payload:   clone(payload),
		Publisher: t.node.member.ID,
		At:        now,
	}})
	return nil
}

func (t *rawTopic) Subscribe(ctx context.Context, buffer int) (<-chan coord.Message, func(), error) {
	b, err := t.bus(ctx)
	if err != nil {
		return nil, nil, err
	}
	if buffer <= 0 {
		buffer = 8
	}
	events, unsubscribe := b.Subscribe(buffer)
	out := make(chan coord.Message, buffer)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				unsubscribe()
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				m, _ := e.Data.(coord.Message)
				select {
				case out <- m:
				default:
				}
			}
		}
	}()
	return out, unsubscribe, nil
}
