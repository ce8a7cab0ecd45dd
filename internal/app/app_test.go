package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"clusterd/internal/coord"
	"clusterd/internal/coord/memory"
	"clusterd/internal/lifecycle"
	logx "clusterd/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const appYAML = `
member:
  id: node-a
  addr: 127.0.0.1:7000
coordination:
  driver: memory
scheduler:
  enabled: true
  poll_interval: 20ms
  heartbeat: every:1s
  janitor: every:1s
executor:
  workers: 2
leader:
  enabled: true
  election: janitor
  poll_interval: 50ms
logging:
  level: warn
  console: false
http:
  enabled: true
  addr: 127.0.0.1:0
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "clusterd.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func httpGet(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestAppLifecycle(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	g := memory.NewGrid()
	a, err := New(writeConfig(t, appYAML), Options{Grid: g})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	stopped := false
	defer func() {
		if !stopped {
			_ = a.Stop(context.Background(), StopAppStop)
		}
	}()

	require.NoError(t, a.Health(ctx))
	assert.Equal(t, lifecycle.Running, a.Scheduler().Status())

	hb := coord.NewMap[HeartbeatRecord](a.Coordinator(), heartbeatsMap)
	require.Eventually(t, func() bool {
		rec, ok, err := hb.Get(ctx, "node-a")
		return err == nil && ok && rec.Runs >= 1 && rec.Addr == "127.0.0.1:7000"
	}, 10*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool { return a.sel.IsLeader() }, 5*time.Second, 20*time.Millisecond)

	doc, err := a.Status(ctx)
	require.NoError(t, err)
	st := doc.(Status)
	assert.Equal(t, "node-a", st.Member.ID)
	assert.Equal(t, "memory", st.Driver)
	require.Len(t, st.Members, 1)
	require.NotNil(t, st.Scheduler)
	require.NotNil(t, st.Leader)
	assert.Equal(t, "janitor", st.Leader.Election)
	assert.Empty(t, st.Errors)

	require.Eventually(t, func() bool { return a.HTTPAddr() != "" }, 5*time.Second, 10*time.Millisecond)
	base := "http://" + a.HTTPAddr()

	code, _ := httpGet(t, base+"/healthz")
	assert.Equal(t, http.StatusOK, code)

	code, body := httpGet(t, base+"/status")
	require.Equal(t, http.StatusOK, code)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Equal(t, "memory", got["driver"])

	code, body = httpGet(t, base+"/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "clusterd_scheduler_scheduled")
	assert.Contains(t, body, "clusterd_members 1")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	stopped = true

	assert.False(t, a.Coordinator().IsRunning())
	assert.Equal(t, lifecycle.Stopped, a.Scheduler().Status())
	select {
	case <-a.Done():
	default:
		t.Fatal("app context still live after Stop")
	}
	assert.NoError(t, a.Err())
}

func TestAppRejectsInvalidConfig(t *testing.T) {
	_, err := New(writeConfig(t, "scheduler:\n  heartbeat: every:soon\n"), Options{})
	assert.ErrorContains(t, err, "scheduler.heartbeat")

	_, err = New(writeConfig(t, "coordination:\n  driver: zookeeper\n"), Options{})
	assert.ErrorContains(t, err, "coordination.driver")
}

func TestAppDisabledSchedulerIsHealthy(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	a, err := New(writeConfig(t, "logging:\n  level: error\n"), Options{})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	assert.NoError(t, a.Health(ctx))
	assert.Nil(t, a.sel)

	doc, err := a.Status(ctx)
	require.NoError(t, err)
	assert.Nil(t, doc.(Status).Scheduler)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(stopCtx, StopSIGTERM))
	assert.ErrorContains(t, a.Health(ctx), "coordinator not running")
}

func TestListMembersSkipsObservers(t *testing.T) {
	ctx := context.Background()
	g := memory.NewGrid()
	n := g.Join(memory.WithID("worker-1"))
	require.NoError(t, n.Init(ctx))
	defer n.Shutdown(ctx)

	cfg, err := decodeYAML("coordination:\n  driver: memory\n")
	require.NoError(t, err)
	members, err := ListMembers(ctx, cfg, Options{Grid: g}, logx.Nop())
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "worker-1", members[0].ID)

	all, err := n.Members(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1, "observer must leave on return")
}

func TestTailPrintsForwardedLines(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := memory.NewGrid()
	n := g.Join(memory.WithID("worker-1"))
	require.NoError(t, n.Init(ctx))
	defer n.Shutdown(context.Background())

	cfg, err := decodeYAML("{}")
	require.NoError(t, err)

	w := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- Tail(ctx, cfg, Options{Grid: g}, logx.Nop(), w) }()

	sink := topicSink(n)
	require.Eventually(t, func() bool {
		_ = sink.Send(ctx, logx.LevelWarn, []byte(`{"message":"disk slow"}`))
		return strings.Contains(w.String(), "disk slow")
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, w.String(), "worker-1")
	assert.Contains(t, w.String(), "WARN")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Tail did not return")
	}
}
