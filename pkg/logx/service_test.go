package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

type captureSink struct {
	mu    sync.Mutex
	lines [][]byte
}

func (c *captureSink) SendLog(_ context.Context, _ string, line []byte) error {
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

func TestNewWriterEmitsStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "engine"))
	l.Info("task admitted", Int("slot", 3), Err(nil))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "engine", m["comp"])
	assert.Equal(t, float64(3), m["slot"])
	assert.Equal(t, "task admitted", m["message"])
	assert.NotContains(t, m, "err")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Info("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, l.Enabled(LevelInfo))
	assert.True(t, l.Enabled(LevelError))
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	assert.False(t, l.Enabled(LevelError))
	l.With(String("k", "v")).Error("nothing happens")
	assert.False(t, Nop().Enabled(LevelError))
}

func TestCtxAddsSpanIDs(t *testing.T) {
	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled,
	}))

	var buf bytes.Buffer
	NewWriter(&buf, "info").Ctx(ctx).Info("dispatched")
	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, tid.String(), m["trace_id"])
	assert.Equal(t, sid.String(), m["span_id"])

	buf.Reset()
	NewWriter(&buf, "info").Ctx(context.Background()).Info("plain")
	assert.NotContains(t, buf.String(), "trace_id")
}

func TestRemoteSinkReceivesWarnings(t *testing.T) {
	svc, log := New(Config{Level: "debug", Remote: RemoteConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100}})
	defer svc.Close()

	sink := &captureSink{}
	svc.SetRemoteSink(sink)

	log.Info("not forwarded")
	log.Warn("forwarded", String("k", "v"))

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), svc.RemoteStats().Forwarded)
}

func TestApplyFollowsLevelChanges(t *testing.T) {
	svc, log := New(Config{Level: "error"})
	defer svc.Close()
	derived := log.With(String("comp", "engine"))
	assert.False(t, derived.Enabled(LevelInfo))

	svc.Apply(Config{Level: "debug"})
	assert.True(t, derived.Enabled(LevelDebug))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelWarn, ParseLevel("warning", LevelInfo))
	assert.Equal(t, LevelInfo, ParseLevel("bogus", LevelInfo))
}
