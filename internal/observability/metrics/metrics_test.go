package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikvm/Microservice/internal/task/engine"
	"github.com/ikvm/Microservice/pkg/logx"
)

func TestObservers(t *testing.T) {
	m := New()
	m.TaskAdmitted(engine.KindPayload, engine.LaneNormal, 10*time.Millisecond)
	m.TaskFinished(engine.KindPayload, engine.OutcomeTimeout, time.Second)
	m.SlotsChanged(3, 1, 4)
	m.ObserveSend("orders", "sent", 2, time.Millisecond)
	m.ObserveDispatch("orders/create/new", "ok", time.Millisecond)
	m.ObserveMasterState("billing", "Active", true)
	m.ObserveMasterState("billing", "Inactive", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksAdmitted.WithLabelValues("payload", "normal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksFinished.WithLabelValues("payload", "timeout")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.slotsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendsTotal.WithLabelValues("orders", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.masterState.WithLabelValues("billing", "Inactive")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.masterState.WithLabelValues("billing", "Active")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.masterActive.WithLabelValues("billing")))
}

func get(t *testing.T, h http.Handler, path string, header map[string]string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestServerEndpoints(t *testing.T) {
	m := New()
	m.ObserveDispatch("k", "error", time.Millisecond)
	s := NewServer(ServerConfig{}, m, logx.Nop())
	s.SetStatus(func() any { return map[string]int{"active": 2} })
	h := s.Handler(ServerConfig{Token: "secret", Pprof: true})

	code, _ := get(t, h, "/metrics", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := get(t, h, "/metrics", map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, `microservice_commands_dispatch_total{outcome="error"} 1`))

	code, body = get(t, h, "/status?token=secret", nil)
	require.Equal(t, http.StatusOK, code)
	var st map[string]int
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	assert.Equal(t, 2, st["active"])

	code, _ = get(t, h, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	s.SetHealth(func() error { return errors.New("engine stopped") })
	code, body = get(t, h, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "engine stopped")

	code, _ = get(t, h, "/debug/pprof/cmdline?token=secret", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestLoopbackDetection(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:9464"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.False(t, isLoopbackAddr(":9464"))
	assert.False(t, isLoopbackAddr("0.0.0.0:9464"))
	assert.Equal(t, "/debug/pprof/", normalizePrefix(""))
	assert.Equal(t, "/dbg/", normalizePrefix("dbg"))
}

func TestServerLifecycle(t *testing.T) {
	s := NewServer(ServerConfig{Enabled: true, Addr: "127.0.0.1:0"}, New(), logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 5*time.Millisecond)
	addr := s.Addr()
	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// a rate change keeps the listener
	s.Reconfigure(ctx, ServerConfig{Enabled: true, Addr: "127.0.0.1:0", BlockProfileRate: 0})
	assert.Equal(t, addr, s.Addr())

	s.Reconfigure(ctx, ServerConfig{Enabled: false})
	assert.Empty(t, s.Addr())
}

func TestServerRefusesInsecureBind(t *testing.T) {
	err := NewServer(ServerConfig{}, New(), logx.Nop()).serve(context.Background(), ServerConfig{Addr: "0.0.0.0:0"})
	assert.ErrorIs(t, err, errInsecureBind)
}
