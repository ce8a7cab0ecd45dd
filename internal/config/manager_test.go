package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
member:
  id: node-a
  meta:
    zone: lab
coordination:
  driver: sqlite
  path: /tmp/cluster.db
  lease_ttl: 15s
scheduler:
  enabled: true
  poll_interval: 250ms
  heartbeat: every:30s
executor:
  workers: 3
  policy: greedy
leader:
  enabled: true
logging:
  level: debug
  console: true
http:
  enabled: true
  addr: 127.0.0.1:9464
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "clusterd.yaml", sampleYAML)
	m := NewManager(p)
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.Member.ID)
	assert.Equal(t, "lab", cfg.Member.Meta["zone"])
	assert.Equal(t, "sqlite", cfg.Coordination.Driver)
	assert.Equal(t, "250ms", cfg.Scheduler.PollInterval)
	assert.Equal(t, 3, cfg.Executor.Workers)
	assert.True(t, cfg.HTTP.Enabled)
	assert.Same(t, cfg, m.Get())
}

func TestLoadJSON(t *testing.T) {
	p := writeFile(t, t.TempDir(), "clusterd.json", `{"scheduler":{"enabled":true,"name":"ops"},"logging":{"level":"info"}}`)
	cfg, err := NewManager(p).Load()
	require.NoError(t, err)
	assert.Equal(t, "ops", cfg.Scheduler.Name)
}

func TestDecodeIsStrict(t *testing.T) {
	cases := map[string]struct {
		name, body string
	}{
		"unknown json field": {"c.json", `{"schedular":{}}`},
		"trailing json":      {"c.json", `{} {}`},
		"unknown yaml field": {"c.yaml", "scheduler:\n  enabeld: true\n"},
		"two yaml documents": {"c.yml", "logging: {}\n---\nhttp: {}\n"},
		"bad yaml":           {"c.yaml", "scheduler: [\n"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(tc.name, []byte(tc.body))
			assert.Error(t, err)
		})
	}

	cfg, err := Decode("empty.yaml", nil)
	require.NoError(t, err)
	assert.Equal(t, Config{}, *cfg)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(&Config{}))

	bad := &Config{
		Coordination: CoordinationConfig{Driver: "sqlite", LeaseTTL: "soon"},
		Scheduler:    SchedulerConfig{PollInterval: "-1s"},
		Executor:     ExecutorConfig{Policy: "lazy", Workers: -1},
	}
	err := Validate(bad)
	require.Error(t, err)
	for _, want := range []string{"coordination.path", "coordination.lease_ttl", "scheduler.poll_interval", "executor.policy", "executor.workers"} {
		assert.ErrorContains(t, err, want)
	}

	assert.ErrorContains(t, Validate(&Config{Coordination: CoordinationConfig{Driver: "zookeeper"}}), "coordination.driver")
	assert.Error(t, Validate(nil))
}

func TestSummarizeConfigChange(t *testing.T) {
	a := &Config{HTTP: HTTPConfig{Enabled: true, Token: "one"}, Logging: LoggingConfig{Level: "info"}}
	b := &Config{HTTP: HTTPConfig{Enabled: true, Token: "two"}, Logging: LoggingConfig{Level: "debug"}, Member: MemberConfig{Meta: map[string]string{"a": "b"}}}

	changed, attrs := SummarizeConfigChange(a, b)
	assert.Equal(t, []string{"http", "logging", "member"}, changed)
	assert.NotEmpty(t, attrs)

	changed, _ = SummarizeConfigChange(a, a)
	assert.Empty(t, changed)
	assert.True(t, RestartSections["coordination"])
	assert.False(t, RestartSections["logging"])
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "clusterd.yaml", "logging:\n  level: info\n")
	m := NewManager(p)
	m.SetDebounce(20 * time.Millisecond)
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Logging.Level == "forbidden" {
			return errors.New("level not allowed")
		}
		return nil
	})
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// The watcher is registered asynchronously; keep rewriting until the
	// change is observed.
	require.Eventually(t, func() bool {
		writeFile(t, dir, "clusterd.yaml", "logging:\n  level: debug\n")
		select {
		case cfg := <-sub:
			return cfg.Logging.Level == "debug"
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "debug", m.Get().Logging.Level)

	writeFile(t, dir, "clusterd.yaml", "logging:\n  level: forbidden\n")
	writeFile(t, dir, "other.yaml", "ignored: true\n")
	writeFile(t, dir, "clusterd.yaml", "scheduler:\n  poll_interval: nope\n")
	select {
	case cfg := <-sub:
		t.Fatalf("rejected config published: %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, "debug", m.Get().Logging.Level)
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewManager("unused.yaml")
	sub := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	assert.Same(t, second, <-sub)

	m.Unsubscribe(sub)
	_, ok := <-sub
	assert.False(t, ok)
	m.publish(first)
}

func TestParseDurationField(t *testing.T) {
	d, err := ParseDurationField("x", " 1m ")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = ParseDurationOrDefault("x", "", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	_, err = ParseDurationField("x", "-3s")
	assert.ErrorContains(t, err, ">= 0")
}

func TestFieldErrors(t *testing.T) {
	_, err := ParseDurationField("leader.prestart", "soon")
	var fe *FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "leader.prestart", fe.Path)
	assert.ErrorIs(t, err, ErrInvalidDuration)

	err = Validate(&Config{Executor: ExecutorConfig{QueueSize: -1}})
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "executor.queue_size", fe.Path)
	assert.EqualError(t, fe, "executor.queue_size: must be >= 0")
}
