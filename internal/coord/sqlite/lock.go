package sqlite

import (
	"context"
	"sync"
	"time"

	"clusterd/internal/coord"
	logx "clusterd/pkg/logx"
)

var closedCh = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// lock is a lease row keyed by the lock name. The owner column carries the
// handle token, so only the handle that acquired the lease can renew or
// release it.
type lock struct {
	c     *Coordinator
	key   string
	token string

	mu   sync.Mutex
	held bool
	lost chan struct{}
	stop context.CancelFunc
	done chan struct{}
}

func (l *lock) Key() string { return l.key }

func (l *lock) acquire(ctx context.Context) (bool, error) {
	if err := l.c.begin(ctx); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, coord.ErrLockHeld
	}

	now := nowMS()
	res, err := l.c.db.ExecContext(ctx,
		`INSERT INTO locks(key, owner, member, expires_at) VALUES(?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET owner=excluded.owner, member=excluded.member, expires_at=excluded.expires_at
		 WHERE locks.expires_at < ?`,
		l.key, l.token, l.c.cfg.Member.ID, now+l.c.cfg.LeaseTTL.Milliseconds(), now,
	)
	if err != nil {
		return false, l.c.wrap(ctx, "lock "+l.key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	l.held = true
	l.lost = make(chan struct{})
	l.done = make(chan struct{})
	rctx, cancel := context.WithCancel(l.c.lifetime())
	l.stop = cancel
	go l.renew(rctx, l.lost, l.done)

	l.c.mu.Lock()
	l.c.held[l] = struct{}{}
	l.c.mu.Unlock()
	return true, nil
}

func (l *lock) Lock(ctx context.Context) error {
	for {
		ok, err := l.acquire(ctx)
		if err != nil || ok {
			return err
		}
		if err := sleep(ctx, "lock "+l.key, l.c.cfg.PollInterval); err != nil {
			return err
		}
	}
}

func (l *lock) TryLock(ctx context.Context, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := l.acquire(ctx)
		if err != nil || ok {
			return ok, err
		}
		left := time.Until(deadline)
		if left <= 0 {
			return false, nil
		}
		if err := sleep(ctx, "lock "+l.key, min(left, l.c.cfg.PollInterval)); err != nil {
			return false, err
		}
	}
}

func (l *lock) Unlock(ctx context.Context) error {
	if err := l.c.begin(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return coord.ErrNotLockOwner
	}
	l.held = false
	stop, done, lost := l.stop, l.done, l.lost
	l.mu.Unlock()

	stop()
	<-done
	l.forget()

	res, err := l.c.db.ExecContext(ctx, `DELETE FROM locks WHERE key = ? AND owner = ?`, l.key, l.token)
	if err != nil {
		return l.c.wrap(ctx, "unlock "+l.key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// The lease expired before we released it.
		close(lost)
		return coord.ErrNotLockOwner
	}
	return nil
}

func (l *lock) Lost() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return l.lost
	}
	return closedCh
}

func (l *lock) forget() {
	l.c.mu.Lock()
	delete(l.c.held, l)
	l.c.mu.Unlock()
}

// drop ends the hold locally and signals Lost. Used on shutdown, where the
// rows are deleted per member afterwards.
func (l *lock) drop() {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return
	}
	l.held = false
	stop, done, lost := l.stop, l.done, l.lost
	l.mu.Unlock()
	stop()
	<-done
	close(lost)
}

func (l *lock) markLost(lost chan struct{}) {
	l.mu.Lock()
	if !l.held || l.lost != lost {
		l.mu.Unlock()
		return
	}
	l.held = false
	close(lost)
	l.mu.Unlock()
	l.forget()
	l.c.log.Warn("lock lease lost", logx.String("key", l.key))
}

// renew extends the lease every heartbeat. The hold is lost when the row no
// longer carries our token, or when renewals keep failing for a whole TTL.
func (l *lock) renew(ctx context.Context, lost chan struct{}, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(l.c.cfg.HeartbeatInterval)
	defer t.Stop()
	lastOK := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		now := nowMS()
		res, err := l.c.db.ExecContext(ctx,
			`UPDATE locks SET expires_at = ? WHERE key = ? AND owner = ?`,
			now+l.c.cfg.LeaseTTL.Milliseconds(), l.key, l.token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if time.Since(lastOK) >= l.c.cfg.LeaseTTL {
				l.markLost(lost)
				return
			}
			continue
		}
		if n, _ := res.RowsAffected(); n == 0 {
			l.markLost(lost)
			return
		}
		lastOK = time.Now()
	}
}
