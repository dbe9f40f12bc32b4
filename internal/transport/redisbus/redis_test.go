package redisbus

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/ikvm/Microservice/internal/transport"
)

func TestClassifyMapsRedisFaults(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}

	assert.ErrorIs(t, classify(context.DeadlineExceeded), transport.ErrTimeout)
	assert.ErrorIs(t, classify(refused), transport.ErrReinitialize)
	assert.ErrorIs(t, classify(io.EOF), transport.ErrReinitialize)
	assert.ErrorIs(t, classify(redis.ErrClosed), transport.ErrClosed)

	other := errors.New("WRONGTYPE")
	assert.Equal(t, other, classify(other))
	assert.Equal(t, transport.DispositionFail, transport.Classify(classify(other)))
}

func TestTopicPrefix(t *testing.T) {
	f := New(NewClient(Config{Addr: "127.0.0.1:0"}), "svc:")
	defer f.Close()
	assert.Equal(t, "svc:orders", f.topic("orders"))
	assert.Equal(t, "redis", f.Name())
}
