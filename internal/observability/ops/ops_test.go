package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"cinebot/internal/eventbus"
	"cinebot/internal/runtime/supervisor"
	logx "cinebot/pkg/logx"
)

func TestMetricsObserve(t *testing.T) {
	t.Parallel()
	m := NewMetrics()
	m.Observe(eventbus.Event{Type: eventbus.PostPublished, Data: map[string]any{"surface": "primary", "reason": "auto"}})
	m.Observe(eventbus.Event{Type: eventbus.PostPublished, Data: map[string]any{"surface": "primary", "reason": "auto"}})
	m.Observe(eventbus.Event{Type: eventbus.PostFailed, Data: map[string]any{"surface": "primary", "reason": "vote"}})
	m.Observe(eventbus.Event{Type: eventbus.TaskFired, Data: map[string]any{"ok": true}})
	m.Observe(eventbus.Event{Type: eventbus.RequestHandled, Data: map[string]any{"outcome": "published"}})
	m.Observe(eventbus.Event{Type: eventbus.QuotaChanged, Data: map[string]any{"key": "daily_item_quota", "value": 6}})

	require.Equal(t, 2.0, testutil.ToFloat64(m.posts.WithLabelValues("primary", "auto")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("primary", "vote")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.fired.WithLabelValues("true")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("published")))
	require.Equal(t, 6.0, testutil.ToFloat64(m.quota.WithLabelValues("daily_item_quota")))
}

func TestMetricsRunConsumesBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	m := NewMetrics()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx, bus)
	}()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.MirrorSent})
		return testutil.ToFloat64(m.mirrors) > 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestHandlerAuthAndHealth(t *testing.T) {
	t.Parallel()
	h := NewHealth()
	h.AddCheck("storage", func(context.Context) error { return nil })
	sup := supervisor.New(context.Background())
	t.Cleanup(sup.Cancel)
	h.AddSupervisor("app", func() *supervisor.Supervisor { return sup })
	s := New(Config{}, nil, h, logx.Nop())

	srv := httptest.NewServer(s.Handler(Config{Token: "s3cret"}))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/healthz", http.NoBody)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var rep Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, rep.OK)
	require.Equal(t, "ok", rep.Checks["storage"])
	require.Contains(t, rep.Supervisors, "app")

	resp, err = http.Get(srv.URL + "/metrics?token=s3cret")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// pprof is off unless asked for.
	resp, err = http.Get(srv.URL + "/debug/pprof/?token=s3cret")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthFailingCheck(t *testing.T) {
	t.Parallel()
	h := NewHealth()
	h.AddCheck("storage", func(context.Context) error { return errors.New("database is locked") })
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "database is locked")
}

func TestServiceReconfigure(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s := New(Config{}, nil, nil, logx.Nop())

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Pprof: true})
	require.Eventually(t, func() bool { return s.Addr() != "" }, 3*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/debug/pprof/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	s.Reconfigure(ctx, Config{Enabled: false})
	require.Empty(t, s.Addr())
	require.Nil(t, s.Supervisor())
}

func TestLoopbackDetection(t *testing.T) {
	t.Parallel()
	require.True(t, isLoopbackAddr("127.0.0.1:9102"))
	require.True(t, isLoopbackAddr("localhost:80"))
	require.True(t, isLoopbackAddr("[::1]:80"))
	require.False(t, isLoopbackAddr(":9102"))
	require.False(t, isLoopbackAddr("0.0.0.0:9102"))
}
