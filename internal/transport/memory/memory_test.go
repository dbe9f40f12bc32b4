package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikvm/Microservice/internal/transport"
)

func TestBroadcastToEveryInstance(t *testing.T) {
	hub := NewHub()
	a, b := New(hub, "a"), New(hub, "b")
	ctx := context.Background()

	ra, err := a.Subscribe(ctx, "neg")
	require.NoError(t, err)
	rb, err := b.Subscribe(ctx, "neg")
	require.NoError(t, err)

	m := transport.NewMessage("a", transport.Header{ChannelID: "neg", MessageType: "job"}, []byte("x"))
	require.NoError(t, a.Send(ctx, m))

	for _, r := range []transport.Receiver{ra, rb} {
		batch, err := r.ReceiveBatch(ctx, 10, time.Second)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Equal(t, m.ID, batch[0].ID)
	}
}

func TestReceiveBatchRespectsMax(t *testing.T) {
	f := New(nil, "")
	ctx := context.Background()
	r, err := f.Subscribe(ctx, "in")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, f.Send(ctx, transport.NewMessage("x", transport.Header{ChannelID: "in"}, nil)))
	}
	batch, err := r.ReceiveBatch(ctx, 3, time.Second)
	require.NoError(t, err)
	assert.Len(t, batch, 3)

	batch, err = r.ReceiveBatch(ctx, 3, time.Second)
	require.NoError(t, err)
	assert.Len(t, batch, 2)

	batch, err = r.ReceiveBatch(ctx, 3, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestNoRecipientAndClose(t *testing.T) {
	hub := NewHub()
	f := New(hub, "a")
	ctx := context.Background()
	err := f.Send(ctx, transport.NewMessage("a", transport.Header{ChannelID: "nobody"}, nil))
	assert.ErrorIs(t, err, transport.ErrNoRecipient)

	r, err := f.Subscribe(ctx, "c")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = r.ReceiveBatch(ctx, 1, time.Second)
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.ErrorIs(t, f.Send(ctx, transport.NewMessage("a", transport.Header{ChannelID: "c"}, nil)), transport.ErrClosed)
}
