package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerLetsOneTrialThrough(t *testing.T) {
	cs := newCircuitStore(SenderConfig{CircuitTrip: 2, CircuitBaseDelay: time.Second, CircuitMaxDelay: 8 * time.Second})
	now := time.Unix(1_700_000_000, 0)

	cs.record(now, "orders", true)
	ok, _ := cs.allow(now, "orders")
	require.True(t, ok)

	cs.record(now, "orders", true)
	ok, retryAt := cs.allow(now, "orders")
	require.False(t, ok)
	assert.Equal(t, now.Add(time.Second), retryAt)
	assert.Equal(t, 1, cs.openCount(now))

	later := now.Add(time.Second)
	ok, _ = cs.allow(later, "orders")
	assert.True(t, ok, "trial after cooldown")
	ok, _ = cs.allow(later, "orders")
	assert.False(t, ok, "second sender waits for the trial")

	// failed trial doubles the cooldown
	cs.record(later, "orders", true)
	_, retryAt = cs.allow(later, "orders")
	assert.Equal(t, later.Add(2*time.Second), retryAt)

	ok, _ = cs.allow(retryAt, "orders")
	require.True(t, ok)
	cs.record(retryAt, "orders", false)
	ok, _ = cs.allow(retryAt, "orders")
	assert.True(t, ok)
	assert.Zero(t, cs.openCount(retryAt))
}

func TestBreakerForgetsOldFailures(t *testing.T) {
	cs := newCircuitStore(SenderConfig{CircuitTrip: 2, CircuitResetAfter: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	cs.record(now, "c", true)
	cs.record(now.Add(2*time.Minute), "c", true)
	ok, _ := cs.allow(now.Add(2*time.Minute), "c")
	assert.True(t, ok)
}

func TestNilBreakerAllowsEverything(t *testing.T) {
	cs := newCircuitStore(SenderConfig{CircuitTrip: -1})
	require.Nil(t, cs)
	ok, _ := cs.allow(time.Now(), "c")
	assert.True(t, ok)
	cs.record(time.Now(), "c", true)
	assert.Zero(t, cs.openCount(time.Now()))
}
