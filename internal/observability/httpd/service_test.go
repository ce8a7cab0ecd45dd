package httpd

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logx "clusterd/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSources(healthy *bool) Sources {
	return Sources{
		Health: func(ctx context.Context) error {
			if !*healthy {
				return errors.New("scheduler stopped")
			}
			return nil
		},
		Status: func(ctx context.Context) (any, error) {
			return map[string]any{"member": "m1", "scheduled": 3}, nil
		},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "clusterd_members 1\n")
		}),
	}
}

func get(t *testing.T, h http.Handler, target string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRoutes(t *testing.T) {
	healthy := true
	s := New(Config{Enabled: true, Pprof: true}, testSources(&healthy), logx.Nop())
	h := s.router(s.cfg)

	rr := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())

	healthy = false
	rr = get(t, h, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "scheduler stopped")

	rr = get(t, h, "/status")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"member":"m1","scheduled":3}`, rr.Body.String())

	rr = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "clusterd_members 1")

	rr = get(t, h, "/debug/pprof/")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "goroutine")

	rr = get(t, h, "/debug/pprof/goroutine?debug=1")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestPprofDisabledAndCustomPrefix(t *testing.T) {
	healthy := true
	s := New(Config{Enabled: true}, testSources(&healthy), logx.Nop())
	assert.Equal(t, http.StatusNotFound, get(t, s.router(s.cfg), "/debug/pprof/").Code)

	cfg := Config{Enabled: true, Pprof: true, PprofPrefix: "ops/prof"}
	rr := get(t, s.router(cfg), "/ops/prof/goroutine?debug=1")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestTokenAuth(t *testing.T) {
	healthy := true
	s := New(Config{Enabled: true, Token: "s3cret"}, testSources(&healthy), logx.Nop())
	h := s.router(Config{Enabled: true, Token: "s3cret"})

	rr := get(t, h, "/status")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "Bearer", rr.Header().Get("WWW-Authenticate"))

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/status?token=wrong").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/status?token=s3cret").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/status", "Authorization", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/status", "Authorization", "Bearer nope").Code)
}

func TestServeLifecycle(t *testing.T) {
	healthy := true
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, testSources(&healthy), logx.Nop())
	s.Start(context.Background())

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("listener never bound")
	}
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Reconfigure(ctx, Config{Enabled: false})
	assert.Nil(t, s.Supervisor())
	assert.Empty(t, s.Addr())
}

func TestRefusesInsecureBind(t *testing.T) {
	healthy := true
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, testSources(&healthy), logx.Nop())
	err := s.serveOnce(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "insecure"))
}

func TestLoopbackDetection(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:9464": true,
		"localhost:80":   true,
		"[::1]:9464":     true,
		":9464":          false,
		"0.0.0.0:9464":   false,
		"10.0.0.5:9464":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}

func TestNeedsRestart(t *testing.T) {
	base := Config{Enabled: true, Addr: "127.0.0.1:1"}
	assert.False(t, needsRestart(base, base))
	changed := base
	changed.Token = "x"
	assert.True(t, needsRestart(base, changed))
	changed = base
	changed.PprofPrefix = "/debug/pprof"
	assert.False(t, needsRestart(base, changed), "prefixes are compared normalized")
}
