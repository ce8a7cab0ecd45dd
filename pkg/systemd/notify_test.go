package systemd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) send(_ bool, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestStateNotifications(t *testing.T) {
	r := &recorder{}
	n := &Notifier{send: r.send, watchdog: func(bool) (time.Duration, error) { return 0, nil }}

	ok, err := n.Ready()
	require.NoError(t, err)
	assert.True(t, ok)
	_, _ = n.Status("members=%d", 3)
	_, _ = n.Stopping()

	assert.Equal(t, []string{daemon.SdNotifyReady, "STATUS=members=3", daemon.SdNotifyStopping}, r.states)
}

func TestNotifyErrorIsWrapped(t *testing.T) {
	n := &Notifier{send: func(bool, string) (bool, error) { return false, errors.New("socket gone") }}
	_, err := n.Ready()
	assert.ErrorContains(t, err, "READY=1")
}

func TestWatchdogDisabledReturns(t *testing.T) {
	n := &Notifier{send: (&recorder{}).send, watchdog: func(bool) (time.Duration, error) { return 0, nil }}
	assert.Zero(t, n.WatchdogInterval())
	assert.NoError(t, n.Watchdog(context.Background(), nil))
}

func TestWatchdogPingsOnlyWhileHealthy(t *testing.T) {
	r := &recorder{}
	n := &Notifier{send: r.send, watchdog: func(bool) (time.Duration, error) { return 20 * time.Millisecond, nil }}
	assert.Equal(t, 10*time.Millisecond, n.WatchdogInterval())

	var mu sync.Mutex
	healthy := true
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- n.Watchdog(ctx, func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			if !healthy {
				return errors.New("stuck")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return r.count(daemon.SdNotifyWatchdog) >= 2 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	healthy = false
	mu.Unlock()
	time.Sleep(15 * time.Millisecond)
	pings := r.count(daemon.SdNotifyWatchdog)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, pings, r.count(daemon.SdNotifyWatchdog))

	cancel()
	require.NoError(t, <-done)
}

func TestOutsideSystemdIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	ok, err := New().Ready()
	require.NoError(t, err)
	assert.False(t, ok)
}
