// Package memory is an in-process coordination backend. A Grid holds the
// shared state; each Join returns a Node, the Coordinator of one simulated
// member. Several nodes on one grid behave like members of one cluster, which
// is how the scheduler and leader tests exercise cross-member behaviour.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"clusterd/internal/coord"
	"clusterd/internal/eventbus"

	"github.com/google/uuid"
)

// Grid is the shared state behind every Node joined to it.
type Grid struct {
	mu sync.Mutex

	locks  map[string]*lockState
	longs  map[string]int64
	maps   map[string]map[string][]byte
	queues map[string]*queueState
	sets   map[string]map[string][]byte
	topics map[string]eventbus.Bus

	members   map[string]*Node
	joinSeq   uint64
	listeners map[string]listenerReg

	unavailable bool
}

type listenerReg struct {
	owner string
	fn    coord.MembershipListener
}

type lockState struct {
	token    string
	memberID string
	lost     chan struct{}
	released chan struct{}
}

type queueState struct {
	items  [][]byte
	signal chan struct{}
}

func NewGrid() *Grid {
	return &Grid{
		locks:     map[string]*lockState{},
		longs:     map[string]int64{},
		maps:      map[string]map[string][]byte{},
		queues:    map[string]*queueState{},
		sets:      map[string]map[string][]byte{},
		topics:    map[string]eventbus.Bus{},
		members:   map[string]*Node{},
		listeners: map[string]listenerReg{},
	}
}

// SetUnavailable makes every primitive fail with coord.ErrUnavailable until
// it is switched back. It simulates a backend outage.
func (g *Grid) SetUnavailable(v bool) {
	g.mu.Lock()
	g.unavailable = v
	g.mu.Unlock()
}

// Option configures a Node.
type Option func(*Node)

func WithID(id string) Option     { return func(n *Node) { n.member.ID = id } }
func WithAddr(addr string) Option { return func(n *Node) { n.member.Addr = addr } }
func WithMeta(k, v string) Option {
	return func(n *Node) {
		if n.member.Meta == nil {
			n.member.Meta = map[string]string{}
		}
		n.member.Meta[k] = v
	}
}

// Join returns a new member handle. The member becomes visible on Init, which
// also happens implicitly on first use.
func (g *Grid) Join(opts ...Option) *Node {
	n := &Node{grid: g, member: coord.Member{ID: uuid.NewString()}}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Kill drops a member as if its process died: its locks are released with
// Lost signalled and REMOVED is delivered, without a clean Shutdown.
func (g *Grid) Kill(memberID string) {
	g.mu.Lock()
	n := g.members[memberID]
	g.mu.Unlock()
	if n != nil {
		n.leave()
	}
}

func (g *Grid) check(op string) error {
	if g.unavailable {
		return coord.Unavailable(op, nil)
	}
	return nil
}

func (g *Grid) memberList() []coord.Member {
	nodes := make([]*Node, 0, len(g.members))
	for _, n := range g.members {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].joinSeq < nodes[j].joinSeq })
	out := make([]coord.Member, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.member)
	}
	return out
}

// notify delivers ev to every listener outside the grid lock.
func (g *Grid) notify(ev coord.MembershipEvent) {
	g.mu.Lock()
	fns := make([]coord.MembershipListener, 0, len(g.listeners))
	for _, l := range g.listeners {
		fns = append(fns, l.fn)
	}
	g.mu.Unlock()
	for _, fn := range fns {
		func() {
			defer func() { _ = recover() }()
			fn(ev)
		}()
	}
}

// releaseLocksOf frees every lock held by memberID. Call with g.mu held.
func (g *Grid) releaseLocksOf(memberID string) {
	for key, st := range g.locks {
		if st.memberID != memberID {
			continue
		}
		close(st.lost)
		close(st.released)
		delete(g.locks, key)
	}
}

// Node is one member's coord.Coordinator on a Grid.
type Node struct {
	grid   *Grid
	member coord.Member

	mu       sync.Mutex
	joined   bool
	shutdown bool
	joinSeq  uint64
}

var _ coord.Coordinator = (*Node)(nil)

func (n *Node) Init(ctx context.Context) error {
	n.mu.Lock()
	if n.shutdown {
		n.mu.Unlock()
		return coord.ErrShutdown
	}
	if n.joined {
		n.mu.Unlock()
		return nil
	}
	g := n.grid
	g.mu.Lock()
	if err := g.check("init"); err != nil {
		g.mu.Unlock()
		n.mu.Unlock()
		return err
	}
	g.joinSeq++
	n.joinSeq = g.joinSeq
	g.members[n.member.ID] = n
	g.mu.Unlock()
	n.joined = true
	n.mu.Unlock()

	g.notify(coord.MembershipEvent{Type: coord.MemberAdded, Member: n.member, At: time.Now()})
	return nil
}

// ensure runs the implicit Init every primitive relies on.
func (n *Node) ensure(ctx context.Context) error {
	n.mu.Lock()
	joined, down := n.joined, n.shutdown
	n.mu.Unlock()
	if down {
		return coord.ErrShutdown
	}
	if joined {
		return nil
	}
	return n.Init(ctx)
}

func (n *Node) Shutdown(ctx context.Context) error {
	n.leave()
	return nil
}

func (n *Node) leave() {
	n.mu.Lock()
	if n.shutdown {
		n.mu.Unlock()
		return
	}
	n.shutdown = true
	wasJoined := n.joined
	n.mu.Unlock()
	if !wasJoined {
		return
	}

	g := n.grid
	g.mu.Lock()
	delete(g.members, n.member.ID)
	g.releaseLocksOf(n.member.ID)
	for id, l := range g.listeners {
		if l.owner == n.member.ID {
			delete(g.listeners, id)
		}
	}
	g.mu.Unlock()

	g.notify(coord.MembershipEvent{Type: coord.MemberRemoved, Member: n.member, At: time.Now()})
}

func (n *Node) IsRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.joined && !n.shutdown
}

func (n *Node) LocalMember() coord.Member { return n.member }

func (n *Node) Members(ctx context.Context) ([]coord.Member, error) {
	if err := n.ensure(ctx); err != nil {
		return nil, err
	}
	g := n.grid
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check("members"); err != nil {
		return nil, err
	}
	return g.memberList(), nil
}

func (n *Node) AddMembershipListener(l coord.MembershipListener) string {
	id := uuid.NewString()
	g := n.grid
	g.mu.Lock()
	g.listeners[id] = listenerReg{owner: n.member.ID, fn: l}
	g.mu.Unlock()
	return id
}

func (n *Node) RemoveMembershipListener(id string) bool {
	g := n.grid
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.listeners[id]; !ok {
		return false
	}
	delete(g.listeners, id)
	return true
}

func (n *Node) Lock(key string) coord.Lock {
	return &lock{node: n, key: key, token: uuid.NewString()}
}

func (n *Node) AtomicLong(name string) coord.AtomicLong { return &atomicLong{node: n, name: name} }
func (n *Node) Map(name string) coord.RawMap            { return &rawMap{node: n, name: name} }
func (n *Node) Queue(name string) coord.RawQueue        { return &rawQueue{node: n, name: name} }
func (n *Node) Set(name string) coord.RawSet            { return &rawSet{node: n, name: name} }
func (n *Node) Topic(name string) coord.RawTopic        { return &rawTopic{node: n, name: name} }

// begin runs the implicit Init and takes the grid lock. The caller must
// unlock g.mu when err is nil.
func (n *Node) begin(ctx context.Context, op string) (*Grid, error) {
	if err := n.ensure(ctx); err != nil {
		return nil, err
	}
	g := n.grid
	g.mu.Lock()
	if err := g.check(op); err != nil {
		g.mu.Unlock()
		return nil, err
	}
	return g, nil
}
