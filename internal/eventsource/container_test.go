package eventsource

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikvm/Microservice/internal/storage"
	"github.com/ikvm/Microservice/pkg/logx"
)

type flakySink struct {
	mu       sync.Mutex
	failures int
	calls    int
	events   []storage.Event
}

func (f *flakySink) AppendEvent(_ context.Context, e storage.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("unavailable")
	}
	f.events = append(f.events, e)
	return nil
}

func (f *flakySink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestSyncWriteRetries(t *testing.T) {
	sink := &flakySink{failures: 3}
	c := New(Config{}, "node-1", logx.Nop(), sink)
	var delays []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error { delays = append(delays, d); return nil }

	require.NoError(t, c.Write(context.Background(), "task.failed", "rec-1", map[string]string{"err": "boom"}, true))
	assert.Equal(t, 4, sink.calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}, delays)
	require.Len(t, sink.events, 1)
	assert.Equal(t, "node-1", sink.events[0].Originator)
	assert.JSONEq(t, `{"err":"boom"}`, string(sink.events[0].Data))
}

func TestSyncWriteGivesUp(t *testing.T) {
	sink := &flakySink{failures: 100}
	c := New(Config{}, "node-1", logx.Nop(), sink)
	c.sleep = noSleep

	err := c.Write(context.Background(), "k", "", nil, true)
	require.Error(t, err)
	assert.Equal(t, 11, sink.calls, "first attempt plus ten retries")
	assert.EqualValues(t, 1, c.Stats().Failed)
}

func TestAsyncWriteAndOverload(t *testing.T) {
	sink := &flakySink{}
	c := New(Config{QueueSize: 2}, "node-1", logx.Nop(), sink)

	require.NoError(t, c.Write(context.Background(), "a", "", nil, false))
	require.NoError(t, c.Write(context.Background(), "b", "", nil, false))
	assert.ErrorIs(t, c.Write(context.Background(), "c", "", nil, false), ErrOverloaded)

	c.Start(context.Background())
	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop(context.Background()))

	st := c.Stats()
	assert.EqualValues(t, 2, st.Written)
	assert.EqualValues(t, 1, st.Dropped)
	assert.ErrorIs(t, c.Write(context.Background(), "d", "", nil, false), ErrStopped)
}
