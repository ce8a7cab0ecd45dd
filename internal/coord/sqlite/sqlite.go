// Package sqlite implements coord.Coordinator on a shared SQLite database
// file. Every process that opens the same file is a member of one cluster.
//
// Locks are leases renewed in the background; a member that stops renewing
// loses its locks after LeaseTTL. Membership is tracked the same way through
// heartbeats in the members table.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"clusterd/internal/coord"
	"clusterd/internal/runtime/supervisor"
	logx "clusterd/pkg/logx"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Config struct {
	Path        string
	BusyTimeout time.Duration

	// LeaseTTL bounds how long a lock or a membership survives without
	// renewal. Zero means 15s.
	LeaseTTL time.Duration
	// HeartbeatInterval defaults to LeaseTTL/3.
	HeartbeatInterval time.Duration
	// PollInterval paces blocking waits (locks, queues, topics). Zero means
	// 50ms.
	PollInterval time.Duration
	// TopicRetention is how long published messages are kept for slow
	// subscribers. Zero means one minute.
	TopicRetention time.Duration

	Member coord.Member
}

func (c Config) withDefaults() Config {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 15 * time.Second
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LeaseTTL {
		c.HeartbeatInterval = c.LeaseTTL / 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.TopicRetention <= 0 {
		c.TopicRetention = time.Minute
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if strings.TrimSpace(c.Member.ID) == "" {
		c.Member.ID = uuid.NewString()
	}
	return c
}

type Coordinator struct {
	cfg Config
	db  *sql.DB
	log logx.Logger

	mu        sync.Mutex
	joined    bool
	shutdown  bool
	sup       *supervisor.Supervisor
	held      map[*lock]struct{}
	listeners map[string]coord.MembershipListener
	known     map[string]coord.Member

	opCount    atomic.Uint64
	pruneEvery uint64
}

var _ coord.Coordinator = (*Coordinator)(nil)

// Open opens (creating if needed) the database and applies migrations. The
// member joins on Init.
func Open(cfg Config, log logx.Logger) (*Coordinator, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// One connection per process; cross-process contention is handled by
	// busy_timeout.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	c := &Coordinator{
		cfg:        cfg,
		db:         db,
		log:        log.With(logx.String("comp", "coord.sqlite"), logx.String("member", cfg.Member.ID)),
		held:       map[*lock]struct{}{},
		listeners:  map[string]coord.MembershipListener{},
		known:      map[string]coord.Member{},
		pruneEvery: 200,
	}
	if err := c.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, string(b))
	return err
}

func nowMS() int64 { return time.Now().UnixMilli() }

// wrap maps driver errors onto the coord error kinds.
func (c *Coordinator) wrap(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return coord.Interrupted(op, err)
	}
	return coord.Unavailable(op, err)
}

func (c *Coordinator) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return coord.ErrShutdown
	}
	if c.joined {
		return nil
	}

	meta, err := json.Marshal(c.cfg.Member.Meta)
	if err != nil {
		return coord.Serialization("member meta", err)
	}
	now := nowMS()
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO members(id, addr, meta, joined_at, last_seen) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET addr=excluded.addr, meta=excluded.meta, last_seen=excluded.last_seen`,
		c.cfg.Member.ID, c.cfg.Member.Addr, string(meta), now, now,
	)
	if err != nil {
		return c.wrap(ctx, "join", err)
	}
	alive, err := c.aliveMembers(ctx)
	if err != nil {
		return err
	}
	for _, m := range alive {
		c.known[m.ID] = m
	}

	c.sup = supervisor.NewSupervisor(context.Background(), supervisor.WithLogger(c.log))
	c.sup.Go("heartbeat", c.heartbeatLoop)
	c.sup.Go("membership", c.watchLoop)
	c.joined = true
	c.log.Info("joined", logx.String("path", c.cfg.Path), logx.Int("members", len(alive)))
	return nil
}

// begin runs the implicit Init every primitive relies on.
func (c *Coordinator) begin(ctx context.Context) error {
	c.mu.Lock()
	joined, down := c.joined, c.shutdown
	c.mu.Unlock()
	if down {
		return coord.ErrShutdown
	}
	if joined {
		return nil
	}
	return c.Init(ctx)
}

func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	joined := c.joined
	sup := c.sup
	held := c.held
	c.held = map[*lock]struct{}{}
	c.mu.Unlock()

	for l := range held {
		l.drop()
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	if joined {
		_, _ = c.db.ExecContext(ctx, `DELETE FROM locks WHERE member = ?`, c.cfg.Member.ID)
		_, _ = c.db.ExecContext(ctx, `DELETE FROM members WHERE id = ?`, c.cfg.Member.ID)
		c.log.Info("left")
	}
	return c.db.Close()
}

func (c *Coordinator) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined && !c.shutdown
}

// lifetime is the context background goroutines of this member run under.
func (c *Coordinator) lifetime() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sup == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return c.sup.Context()
}

func (c *Coordinator) LocalMember() coord.Member { return c.cfg.Member }

func (c *Coordinator) Members(ctx context.Context) ([]coord.Member, error) {
	if err := c.begin(ctx); err != nil {
		return nil, err
	}
	return c.aliveMembers(ctx)
}

func (c *Coordinator) aliveMembers(ctx context.Context) ([]coord.Member, error) {
	cutoff := nowMS() - c.cfg.LeaseTTL.Milliseconds()
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, addr, meta FROM members WHERE last_seen >= ? ORDER BY joined_at, id`, cutoff)
	if err != nil {
		return nil, c.wrap(ctx, "members", err)
	}
	defer rows.Close()
	var out []coord.Member
	for rows.Next() {
		var (
			m    coord.Member
			meta sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Addr, &meta); err != nil {
			return nil, c.wrap(ctx, "members", err)
		}
		if meta.Valid && meta.String != "" && meta.String != "null" {
			_ = json.Unmarshal([]byte(meta.String), &m.Meta)
		}
		out = append(out, m)
	}
	return out, c.wrap(ctx, "members", rows.Err())
}

func (c *Coordinator) AddMembershipListener(l coord.MembershipListener) string {
	id := uuid.NewString()
	c.mu.Lock()
	c.listeners[id] = l
	c.mu.Unlock()
	return id
}

func (c *Coordinator) RemoveMembershipListener(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.listeners[id]; !ok {
		return false
	}
	delete(c.listeners, id)
	return true
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) error {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		res, err := c.db.ExecContext(ctx, `UPDATE members SET last_seen = ? WHERE id = ?`, nowMS(), c.cfg.Member.ID)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("heartbeat failed", logx.Err(err))
			}
			continue
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Pruned by a peer after a stall; rejoin.
			meta, _ := json.Marshal(c.cfg.Member.Meta)
			now := nowMS()
			_, _ = c.db.ExecContext(ctx,
				`INSERT OR IGNORE INTO members(id, addr, meta, joined_at, last_seen) VALUES(?,?,?,?,?)`,
				c.cfg.Member.ID, c.cfg.Member.Addr, string(meta), now, now)
			c.log.Warn("membership row was pruned, rejoined")
		}
	}
}

// watchLoop diffs the alive set against what this member saw last and turns
// the difference into membership events.
func (c *Coordinator) watchLoop(ctx context.Context) error {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		alive, err := c.aliveMembers(ctx)
		if err != nil {
			continue
		}
		_, _ = c.db.ExecContext(ctx, `DELETE FROM members WHERE last_seen < ?`, nowMS()-c.cfg.LeaseTTL.Milliseconds())
		c.applyMembers(alive)
	}
}

func (c *Coordinator) applyMembers(alive []coord.Member) {
	now := time.Now()
	var events []coord.MembershipEvent

	c.mu.Lock()
	seen := make(map[string]coord.Member, len(alive))
	for _, m := range alive {
		seen[m.ID] = m
		if _, ok := c.known[m.ID]; !ok {
			events = append(events, coord.MembershipEvent{Type: coord.MemberAdded, Member: m, At: now})
		}
	}
	for id, m := range c.known {
		if _, ok := seen[id]; !ok {
			events = append(events, coord.MembershipEvent{Type: coord.MemberRemoved, Member: m, At: now})
		}
	}
	c.known = seen
	fns := make([]coord.MembershipListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		fns = append(fns, l)
	}
	c.mu.Unlock()

	for _, ev := range events {
		c.log.Debug("membership changed", logx.String("type", ev.Type.String()), logx.String("peer", ev.Member.String()))
		for _, fn := range fns {
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.log.Error("membership listener panic", logx.Any("panic", r))
					}
				}()
				fn(ev)
			}()
		}
	}
}

func (c *Coordinator) Lock(key string) coord.Lock {
	return &lock{c: c, key: key, token: uuid.NewString()}
}

func (c *Coordinator) AtomicLong(name string) coord.AtomicLong { return &atomicLong{c: c, name: name} }
func (c *Coordinator) Map(name string) coord.RawMap            { return &rawMap{c: c, name: name} }
func (c *Coordinator) Queue(name string) coord.RawQueue        { return &rawQueue{c: c, name: name} }
func (c *Coordinator) Set(name string) coord.RawSet            { return &rawSet{c: c, name: name} }
func (c *Coordinator) Topic(name string) coord.RawTopic        { return &rawTopic{c: c, name: name} }

// sleep waits d, returning ErrInterrupted when ctx ends first.
func sleep(ctx context.Context, op string, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return coord.Interrupted(op, ctx.Err())
	case <-t.C:
		return nil
	}
}
