package coord

import (
	"context"
	"encoding/json"
	"time"
)

// Codec turns values into the bytes stored by a backend. Encodings must be
// deterministic: sets and identity checks compare encoded bytes.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(b []byte, v any) error
}

// JSONCodec is the default codec. encoding/json emits struct fields in
// declaration order and sorts map keys, which keeps encodings stable.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

func encode[T any](c Codec, what string, v T) ([]byte, error) {
	b, err := c.Marshal(v)
	if err != nil {
		return nil, Serialization(what, err)
	}
	return b, nil
}

func decode[T any](c Codec, what string, b []byte) (T, error) {
	var v T
	if err := c.Unmarshal(b, &v); err != nil {
		return v, Serialization(what, err)
	}
	return v, nil
}

func codecOrDefault(c []Codec) Codec {
	if len(c) > 0 && c[0] != nil {
		return c[0]
	}
	return JSONCodec{}
}

// Map is a typed view of a RawMap with string keys.
type Map[V any] struct {
	raw   RawMap
	codec Codec
}

func NewMap[V any](c Coordinator, name string, codec ...Codec) *Map[V] {
	return &Map[V]{raw: c.Map(name), codec: codecOrDefault(codec)}
}

func (m *Map[V]) Name() string { return m.raw.Name() }

func (m *Map[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	b, ok, err := m.raw.Get(ctx, key)
	if err != nil || !ok {
		return zero, ok, err
	}
	v, err := decode[V](m.codec, "map "+m.raw.Name()+"["+key+"]", b)
	return v, err == nil, err
}

func (m *Map[V]) Put(ctx context.Context, key string, v V) error {
	b, err := encode(m.codec, "map "+m.raw.Name()+"["+key+"]", v)
	if err != nil {
		return err
	}
	return m.raw.Put(ctx, key, b)
}

func (m *Map[V]) PutIfAbsent(ctx context.Context, key string, v V) (bool, error) {
	b, err := encode(m.codec, "map "+m.raw.Name()+"["+key+"]", v)
	if err != nil {
		return false, err
	}
	return m.raw.PutIfAbsent(ctx, key, b)
}

func (m *Map[V]) Delete(ctx context.Context, key string) (bool, error) {
	return m.raw.Delete(ctx, key)
}

func (m *Map[V]) Keys(ctx context.Context) ([]string, error) { return m.raw.Keys(ctx) }
func (m *Map[V]) Len(ctx context.Context) (int, error)       { return m.raw.Len(ctx) }
func (m *Map[V]) Clear(ctx context.Context) error            { return m.raw.Clear(ctx) }

// Queue is a typed view of a RawQueue.
type Queue[T any] struct {
	raw   RawQueue
	codec Codec
}

func NewQueue[T any](c Coordinator, name string, codec ...Codec) *Queue[T] {
	return &Queue[T]{raw: c.Queue(name), codec: codecOrDefault(codec)}
}

func (q *Queue[T]) Name() string { return q.raw.Name() }

func (q *Queue[T]) Offer(ctx context.Context, v T) error {
	b, err := encode(q.codec, "queue "+q.raw.Name(), v)
	if err != nil {
		return err
	}
	return q.raw.Offer(ctx, b)
}

// Poll returns a decoded element. An element that fails to decode has
// already been removed from the queue; the error wraps ErrSerialization.
func (q *Queue[T]) Poll(ctx context.Context, timeout time.Duration) (T, bool, error) {
	var zero T
	b, ok, err := q.raw.Poll(ctx, timeout)
	if err != nil || !ok {
		return zero, ok, err
	}
	v, err := decode[T](q.codec, "queue "+q.raw.Name(), b)
	return v, err == nil, err
}

func (q *Queue[T]) Peek(ctx context.Context) (T, bool, error) {
	var zero T
	b, ok, err := q.raw.Peek(ctx)
	if err != nil || !ok {
		return zero, ok, err
	}
	v, err := decode[T](q.codec, "queue "+q.raw.Name(), b)
	return v, err == nil, err
}

func (q *Queue[T]) Len(ctx context.Context) (int, error) { return q.raw.Len(ctx) }
func (q *Queue[T]) Clear(ctx context.Context) error      { return q.raw.Clear(ctx) }

// Set is a typed view of a RawSet.
type Set[T any] struct {
	raw   RawSet
	codec Codec
}

func NewSet[T any](c Coordinator, name string, codec ...Codec) *Set[T] {
	return &Set[T]{raw: c.Set(name), codec: codecOrDefault(codec)}
}

func (s *Set[T]) Name() string { return s.raw.Name() }

func (s *Set[T]) Add(ctx context.Context, v T) (bool, error) {
	b, err := encode(s.codec, "set "+s.raw.Name(), v)
	if err != nil {
		return false, err
	}
	return s.raw.Add(ctx, b)
}

func (s *Set[T]) Remove(ctx context.Context, v T) (bool, error) {
	b, err := encode(s.codec, "set "+s.raw.Name(), v)
	if err != nil {
		return false, err
	}
	return s.raw.Remove(ctx, b)
}

func (s *Set[T]) Contains(ctx context.Context, v T) (bool, error) {
	b, err := encode(s.codec, "set "+s.raw.Name(), v)
	if err != nil {
		return false, err
	}
	return s.raw.Contains(ctx, b)
}

// Members returns decoded elements. Elements that fail to decode are
// skipped and reported through the returned error.
func (s *Set[T]) Members(ctx context.Context) ([]T, error) {
	raw, err := s.raw.Members(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	var firstErr error
	for _, b := range raw {
		v, err := decode[T](s.codec, "set "+s.raw.Name(), b)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, v)
	}
	return out, firstErr
}

func (s *Set[T]) Len(ctx context.Context) (int, error) { return s.raw.Len(ctx) }
func (s *Set[T]) Clear(ctx context.Context) error      { return s.raw.Clear(ctx) }

// Topic is a typed view of a RawTopic.
type Topic[T any] struct {
	raw   RawTopic
	codec Codec
}

func NewTopic[T any](c Coordinator, name string, codec ...Codec) *Topic[T] {
	return &Topic[T]{raw: c.Topic(name), codec: codecOrDefault(codec)}
}

func (t *Topic[T]) Name() string { return t.raw.Name() }

func (t *Topic[T]) Publish(ctx context.Context, v T) error {
	b, err := encode(t.codec, "topic "+t.raw.Name(), v)
	if err != nil {
		return err
	}
	return t.raw.Publish(ctx, b)
}

// Subscribe decodes messages in a goroutine that lives until cancel is
// called or ctx is done. Undecodable messages are dropped.
func (t *Topic[T]) Subscribe(ctx context.Context, buffer int) (<-chan T, func(), error) {
	msgs, cancel, err := t.raw.Subscribe(ctx, buffer)
	if err != nil {
		return nil, nil, err
	}
	if buffer <= 0 {
		buffer = 8
	}
	out := make(chan T, buffer)
	go func() {
		defer close(out)
		for m := range msgs {
			v, err := decode[T](t.codec, "topic "+t.raw.Name(), m.Payload)
			if err != nil {
				continue
			}
			select {
			case out <- v:
			case <-ctx.Done():
				cancel()
				return
			}
		}
	}()
	return out, cancel, nil
}
