package task

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"clusterd/internal/coord"
)

var ErrUnregistered = errors.New("task kind not registered")

// Envelope is the transferable form of a task.
type Envelope struct {
	Kind string          `json:"kind"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

type kindInfo struct {
	kind string
	typ  reflect.Type
	ptr  bool
	caps Capabilities
}

// Registry maps kinds to Go types. Every member that may run a task must
// register its kind under the same name.
type Registry struct {
	mu     sync.RWMutex
	byKind map[string]kindInfo
	byType map[reflect.Type]string
}

func NewRegistry() *Registry {
	return &Registry{byKind: map[string]kindInfo{}, byType: map[reflect.Type]string{}}
}

// Register binds kind to the dynamic type of proto. proto may be a struct
// value or a pointer to one; decoded tasks have the same shape.
func (r *Registry) Register(kind string, proto Task) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return errors.New("task kind is required")
	}
	if proto == nil {
		return fmt.Errorf("task kind %q: nil prototype", kind)
	}
	rt := reflect.TypeOf(proto)
	info := kindInfo{kind: kind, typ: rt, caps: capabilitiesOf(proto)}
	if rt.Kind() == reflect.Pointer {
		info.ptr = true
		info.typ = rt.Elem()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byKind[kind]; ok && prev.typ != info.typ {
		return fmt.Errorf("task kind %q already registered for %s", kind, prev.typ)
	}
	if prev, ok := r.byType[rt]; ok && prev != kind {
		return fmt.Errorf("type %s already registered as %q", rt, prev)
	}
	r.byKind[kind] = info
	r.byType[rt] = kind
	return nil
}

func (r *Registry) MustRegister(kind string, proto Task) {
	if err := r.Register(kind, proto); err != nil {
		panic(err)
	}
}

// Kinds lists registered kinds in order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byKind))
	for k := range r.byKind {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) lookupType(t Task) (kindInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, ok := r.byType[reflect.TypeOf(t)]
	if !ok {
		return kindInfo{}, false
	}
	return r.byKind[kind], true
}

// Encode wraps t in an envelope. The envelope ID is the identity key.
func (r *Registry) Encode(t Task) (Envelope, error) {
	info, ok := r.lookupType(t)
	if !ok {
		return Envelope{}, coord.Serialization(fmt.Sprintf("task %T", t), ErrUnregistered)
	}
	data, err := json.Marshal(t)
	if err != nil {
		return Envelope{}, coord.Serialization("task "+info.kind, err)
	}
	return Envelope{Kind: info.kind, ID: identity(info.kind, t, data), Data: data}, nil
}

// Identity returns the identity key of t without keeping the encoding.
func (r *Registry) Identity(t Task) (string, error) {
	env, err := r.Encode(t)
	return env.ID, err
}

// Decode rebuilds the task held by env.
func (r *Registry) Decode(env Envelope) (Task, Capabilities, error) {
	r.mu.RLock()
	info, ok := r.byKind[env.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, Capabilities{}, coord.Serialization("task "+env.Kind, ErrUnregistered)
	}

	v := reflect.New(info.typ)
	if err := json.Unmarshal(env.Data, v.Interface()); err != nil {
		return nil, Capabilities{}, coord.Serialization("task "+env.Kind, err)
	}
	if !info.ptr {
		v = v.Elem()
	}
	t, ok := v.Interface().(Task)
	if !ok {
		return nil, Capabilities{}, coord.Serialization("task "+env.Kind, fmt.Errorf("%s is not a Task", v.Type()))
	}
	return t, info.caps, nil
}

// identity is kind plus TaskID when the task names itself, otherwise kind
// plus the digest of its encoding. encoding/json writes struct fields in
// declaration order and sorts map keys, so equal values share a digest.
func identity(kind string, t Task, data []byte) string {
	if id, ok := t.(Identifier); ok {
		return kind + ":" + id.TaskID()
	}
	sum := sha256.Sum256(data)
	return kind + ":" + hex.EncodeToString(sum[:])
}
