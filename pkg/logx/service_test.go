package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu    sync.Mutex
	lines [][]byte
}

func (c *captureSink) Send(_ context.Context, _ Level, line []byte) error {
	c.mu.Lock()
	c.lines = append(c.lines, line)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}

func TestRemoteSinkForwardsOnlyAboveMinLevel(t *testing.T) {
	sink := &captureSink{}
	svc, log := New(Config{
		Level:  "debug",
		Remote: RemoteConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	}, sink)
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("ignored")
	log.Warn("forwarded", String("member", "m1"))

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	var rec map[string]any
	require.NoError(t, json.Unmarshal(sink.lines[0], &rec))
	sink.mu.Unlock()
	require.Equal(t, "forwarded", rec["message"])
	require.Equal(t, "m1", rec["member"])
}

func TestRemoteSinkRateLimited(t *testing.T) {
	sink := &captureSink{}
	svc, log := New(Config{
		Level:  "info",
		Remote: RemoteConfig{Enabled: true, MinLevel: "warn", RatePerSec: 2},
	}, sink)
	t.Cleanup(func() { _ = svc.Close() })

	for i := 0; i < 20; i++ {
		log.Error("burst", Int("i", i))
	}
	require.Eventually(t, func() bool { return sink.count() >= 2 }, time.Second, 10*time.Millisecond)
	require.LessOrEqual(t, sink.count(), 3)
	require.GreaterOrEqual(t, svc.Dropped(), uint64(17))
}

func TestWithFieldsAreAppliedInOrder(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "a"))
	log.Info("hello", String("comp", "b"))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "b", rec["comp"])
	require.Contains(t, rec["caller"], "service_test.go")
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var log Logger
	require.True(t, log.IsZero())
	log.Error("nothing happens")
	require.False(t, Nop().IsZero())
}
