package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"clusterd/internal/coord"
)

type atomicLong struct {
	c    *Coordinator
	name string
}

func (a *atomicLong) Name() string { return a.name }

func (a *atomicLong) Get(ctx context.Context) (int64, error) {
	if err := a.c.begin(ctx); err != nil {
		return 0, err
	}
	var v int64
	err := a.c.db.QueryRowContext(ctx, `SELECT value FROM longs WHERE name = ?`, a.name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, a.c.wrap(ctx, "long "+a.name, err)
}

func (a *atomicLong) Set(ctx context.Context, v int64) error {
	if err := a.c.begin(ctx); err != nil {
		return err
	}
	_, err := a.c.db.ExecContext(ctx,
		`INSERT INTO longs(name, value) VALUES(?,?) ON CONFLICT(name) DO UPDATE SET value=excluded.value`,
		a.name, v)
	return a.c.wrap(ctx, "long "+a.name, err)
}

func (a *atomicLong) CompareAndSet(ctx context.Context, expect, update int64) (bool, error) {
	if err := a.c.begin(ctx); err != nil {
		return false, err
	}
	var (
		res sql.Result
		err error
	)
	if expect == 0 {
		// A missing row reads as zero.
		res, err = a.c.db.ExecContext(ctx,
			`INSERT INTO longs(name, value) VALUES(?,?)
			 ON CONFLICT(name) DO UPDATE SET value=excluded.value WHERE longs.value = 0`,
			a.name, update)
	} else {
		res, err = a.c.db.ExecContext(ctx,
			`UPDATE longs SET value = ? WHERE name = ? AND value = ?`, update, a.name, expect)
	}
	if err != nil {
		return false, a.c.wrap(ctx, "long "+a.name, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (a *atomicLong) AddAndGet(ctx context.Context, delta int64) (int64, error) {
	if err := a.c.begin(ctx); err != nil {
		return 0, err
	}
	var v int64
	err := a.c.db.QueryRowContext(ctx,
		`INSERT INTO longs(name, value) VALUES(?,?)
		 ON CONFLICT(name) DO UPDATE SET value = longs.value + excluded.value
		 RETURNING value`,
		a.name, delta).Scan(&v)
	return v, a.c.wrap(ctx, "long "+a.name, err)
}

func (a *atomicLong) GetAndAdd(ctx context.Context, delta int64) (int64, error) {
	v, err := a.AddAndGet(ctx, delta)
	return v - delta, err
}

func (a *atomicLong) IncrementAndGet(ctx context.Context) (int64, error) {
	return a.AddAndGet(ctx, 1)
}

func (a *atomicLong) DecrementAndGet(ctx context.Context) (int64, error) {
	return a.AddAndGet(ctx, -1)
}

type rawMap struct {
	c    *Coordinator
	name string
}

func (m *rawMap) Name() string { return m.name }

func (m *rawMap) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := m.c.begin(ctx); err != nil {
		return nil, false, err
	}
	var v []byte
	err := m.c.db.QueryRowContext(ctx,
		`SELECT value FROM map_entries WHERE name = ? AND key = ?`, m.name, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, m.c.wrap(ctx, "map "+m.name, err)
	}
	return v, true, nil
}

func (m *rawMap) Put(ctx context.Context, key string, value []byte) error {
	if err := m.c.begin(ctx); err != nil {
		return err
	}
	_, err := m.c.db.ExecContext(ctx,
		`INSERT INTO map_entries(name, key, value) VALUES(?,?,?)
		 ON CONFLICT(name, key) DO UPDATE SET value=excluded.value`,
		m.name, key, value)
	return m.c.wrap(ctx, "map "+m.name, err)
}

func (m *rawMap) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	if err := m.c.begin(ctx); err != nil {
		return false, err
	}
	res, err := m.c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO map_entries(name, key, value) VALUES(?,?,?)`, m.name, key, value)
	if err != nil {
		return false, m.c.wrap(ctx, "map "+m.name, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (m *rawMap) Delete(ctx context.Context, key string) (bool, error) {
	if err := m.c.begin(ctx); err != nil {
		return false, err
	}
	res, err := m.c.db.ExecContext(ctx, `DELETE FROM map_entries WHERE name = ? AND key = ?`, m.name, key)
	if err != nil {
		return false, m.c.wrap(ctx, "map "+m.name, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (m *rawMap) Keys(ctx context.Context) ([]string, error) {
	if err := m.c.begin(ctx); err != nil {
		return nil, err
	}
	rows, err := m.c.db.QueryContext(ctx, `SELECT key FROM map_entries WHERE name = ? ORDER BY key`, m.name)
	if err != nil {
		return nil, m.c.wrap(ctx, "map "+m.name, err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, m.c.wrap(ctx, "map "+m.name, err)
		}
		keys = append(keys, k)
	}
	return keys, m.c.wrap(ctx, "map "+m.name, rows.Err())
}

func (m *rawMap) Len(ctx context.Context) (int, error) {
	if err := m.c.begin(ctx); err != nil {
		return 0, err
	}
	var n int
	err := m.c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM map_entries WHERE name = ?`, m.name).Scan(&n)
	return n, m.c.wrap(ctx, "map "+m.name, err)
}

func (m *rawMap) Clear(ctx context.Context) error {
	if err := m.c.begin(ctx); err != nil {
		return err
	}
	_, err := m.c.db.ExecContext(ctx, `DELETE FROM map_entries WHERE name = ?`, m.name)
	return m.c.wrap(ctx, "map "+m.name, err)
}

type rawQueue struct {
	c    *Coordinator
	name string
}

func (q *rawQueue) Name() string { return q.name }

func (q *rawQueue) Offer(ctx context.Context, value []byte) error {
	if err := q.c.begin(ctx); err != nil {
		return err
	}
	_, err := q.c.db.ExecContext(ctx, `INSERT INTO queue_items(name, value) VALUES(?,?)`, q.name, value)
	return q.c.wrap(ctx, "queue "+q.name, err)
}

// take removes the head in one statement, so concurrent pollers in other
// processes never receive the same element.
func (q *rawQueue) take(ctx context.Context) ([]byte, bool, error) {
	var v []byte
	err := q.c.db.QueryRowContext(ctx,
		`DELETE FROM queue_items
		 WHERE id = (SELECT id FROM queue_items WHERE name = ? ORDER BY id LIMIT 1)
		 RETURNING value`, q.name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, q.c.wrap(ctx, "poll "+q.name, err)
	}
	return v, true, nil
}

func (q *rawQueue) Poll(ctx context.Context, timeout time.Duration) ([]byte, bool, error) {
	if err := q.c.begin(ctx); err != nil {
		return nil, false, err
	}
	deadline := time.Now().Add(timeout)
	for {
		v, ok, err := q.take(ctx)
		if err != nil || ok {
			return v, ok, err
		}
		left := time.Until(deadline)
		if left <= 0 {
			return nil, false, nil
		}
		if err := sleep(ctx, "poll "+q.name, min(left, q.c.cfg.PollInterval)); err != nil {
			return nil, false, err
		}
	}
}

func (q *rawQueue) Peek(ctx context.Context) ([]byte, bool, error) {
	if err := q.c.begin(ctx); err != nil {
		return nil, false, err
	}
	var v []byte
	err := q.c.db.QueryRowContext(ctx,
		`SELECT value FROM queue_items WHERE name = ? ORDER BY id LIMIT 1`, q.name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, q.c.wrap(ctx, "queue "+q.name, err)
	}
	return v, true, nil
}

func (q *rawQueue) Len(ctx context.Context) (int, error) {
	if err := q.c.begin(ctx); err != nil {
		return 0, err
	}
	var n int
	err := q.c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items WHERE name = ?`, q.name).Scan(&n)
	return n, q.c.wrap(ctx, "queue "+q.name, err)
}

func (q *rawQueue) Clear(ctx context.Context) error {
	if err := q.c.begin(ctx); err != nil {
		return err
	}
	_, err := q.c.db.ExecContext(ctx, `DELETE FROM queue_items WHERE name = ?`, q.name)
	return q.c.wrap(ctx, "queue "+q.name, err)
}

type rawSet struct {
	c    *Coordinator
	name string
}

func (s *rawSet) Name() string { return s.name }

func (s *rawSet) Add(ctx context.Context, value []byte) (bool, error) {
	if err := s.c.begin(ctx); err != nil {
		return false, err
	}
	res, err := s.c.db.ExecContext(ctx, `INSERT OR IGNORE INTO set_members(name, value) VALUES(?,?)`, s.name, value)
	if err != nil {
		return false, s.c.wrap(ctx, "set "+s.name, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *rawSet) Remove(ctx context.Context, value []byte) (bool, error) {
	if err := s.c.begin(ctx); err != nil {
		return false, err
	}
	res, err := s.c.db.ExecContext(ctx, `DELETE FROM set_members WHERE name = ? AND value = ?`, s.name, value)
	if err != nil {
		return false, s.c.wrap(ctx, "set "+s.name, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *rawSet) Contains(ctx context.Context, value []byte) (bool, error) {
	if err := s.c.begin(ctx); err != nil {
		return false, err
	}
	var one int
	err := s.c.db.QueryRowContext(ctx,
		`SELECT 1 FROM set_members WHERE name = ? AND value = ?`, s.name, value).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, s.c.wrap(ctx, "set "+s.name, err)
	}
	return true, nil
}

func (s *rawSet) Members(ctx context.Context) ([][]byte, error) {
	if err := s.c.begin(ctx); err != nil {
		return nil, err
	}
	rows, err := s.c.db.QueryContext(ctx, `SELECT value FROM set_members WHERE name = ? ORDER BY value`, s.name)
	if err != nil {
		return nil, s.c.wrap(ctx, "set "+s.name, err)
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, s.c.wrap(ctx, "set "+s.name, err)
		}
		out = append(out, v)
	}
	return out, s.c.wrap(ctx, "set "+s.name, rows.Err())
}

func (s *rawSet) Len(ctx context.Context) (int, error) {
	if err := s.c.begin(ctx); err != nil {
		return 0, err
	}
	var n int
	err := s.c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM set_members WHERE name = ?`, s.name).Scan(&n)
	return n, s.c.wrap(ctx, "set "+s.name, err)
}

func (s *rawSet) Clear(ctx context.Context) error {
	if err := s.c.begin(ctx); err != nil {
		return err
	}
	_, err := s.c.db.ExecContext(ctx, `DELETE FROM set_members WHERE name = ?`, s.name)
	return s.c.wrap(ctx, "set "+s.name, err)
}

// rawTopic stores publications in topic_messages; subscribers tail the table
// from the id current at subscription time.
type rawTopic struct {
	c    *Coordinator
	name string
}

func (t *rawTopic) Name() string { return t.name }

func (t *rawTopic) Publish(ctx context.Context, payload []byte) error {
	if err := t.c.begin(ctx); err != nil {
		return err
	}
	_, err := t.c.db.ExecContext(ctx,
		`INSERT INTO topic_messages(name, value, publisher, at) VALUES(?,?,?,?)`,
		t.name, payload, t.c.cfg.Member.ID, nowMS())
	if err == nil && t.c.opCount.Add(1)%t.c.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = t.c.db.ExecContext(pctx, `DELETE FROM topic_messages WHERE at < ?`,
			nowMS()-t.c.cfg.TopicRetention.Milliseconds())
		cancel()
	}
	return t.c.wrap(ctx, "publish "+t.name, err)
}

func (t *rawTopic) Subscribe(ctx context.Context, buffer int) (<-chan coord.Message, func(), error) {
	if err := t.c.begin(ctx); err != nil {
		return nil, nil, err
	}
	var last int64
	err := t.c.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM topic_messages WHERE name = ?`, t.name).Scan(&last)
	if err != nil {
		return nil, nil, t.c.wrap(ctx, "subscribe "+t.name, err)
	}
	if buffer <= 0 {
		buffer = 8
	}

	sctx, cancel := context.WithCancel(ctx)
	stopOnShutdown := context.AfterFunc(t.c.lifetime(), cancel)
	out := make(chan coord.Message, buffer)
	go func() {
		defer close(out)
		defer stopOnShutdown()
		tick := time.NewTicker(t.c.cfg.PollInterval)
		defer tick.Stop()
		for {
			select {
			case <-sctx.Done():
				return
			case <-tick.C:
			}
			msgs, err := t.fetch(sctx, last)
			if err != nil {
				continue
			}
			for _, m := range msgs {
				last = m.id
				select {
				case out <- m.msg:
				default:
				}
			}
		}
	}()
	return out, cancel, nil
}

type storedMessage struct {
	id  int64
	msg coord.Message
}

func (t *rawTopic) fetch(ctx context.Context, after int64) ([]storedMessage, error) {
	rows, err := t.c.db.QueryContext(ctx,
		`SELECT id, value, publisher, at FROM topic_messages WHERE name = ? AND id > ? ORDER BY id LIMIT 256`,
		t.name, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storedMessage
	for rows.Next() {
		var (
			sm storedMessage
			at int64
		)
		if err := rows.Scan(&sm.id, &sm.msg.Payload, &sm.msg.Publisher, &at); err != nil {
			return nil, err
		}
		sm.msg.Topic = t.name
		sm.msg.At = time.UnixMilli(at)
		out = append(out, sm)
	}
	return out, rows.Err()
}
