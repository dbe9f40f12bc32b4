package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	b := New()
	a, ua := b.Subscribe(1)
	c, uc := b.Subscribe(1)
	defer ua()
	defer uc()

	b.Publish(Event{Type: TaskTimeout, Data: "tsk"})

	ea := <-a
	ec := <-c
	assert.Equal(t, TaskTimeout, ea.Type)
	assert.Equal(t, "tsk", ec.Data)
	assert.False(t, ea.Time.IsZero())
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	unsub()

	var got []string
	for e := range ch {
		got = append(got, e.Type)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0])

	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "c"})
	unsub()
}

func TestSubscribeFiltersByType(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(4, TaskFailed, TaskShed)
	defer unsub()

	b.Publish(Event{Type: CommandRegistered})
	b.Publish(Event{Type: TaskShed})
	b.Publish(Event{Type: ConfigReloaded})
	b.Publish(Event{Type: TaskFailed})

	assert.Equal(t, TaskShed, (<-ch).Type)
	assert.Equal(t, TaskFailed, (<-ch).Type)
	assert.Empty(t, ch)
	assert.Zero(t, b.Dropped())
}

func TestDroppedCountsFullBuffers(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	for range 3 {
		b.Publish(Event{Type: TaskTimeout})
	}
	assert.Equal(t, uint64(2), b.Dropped())
}
