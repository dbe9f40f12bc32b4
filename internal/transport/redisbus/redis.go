// Package redisbus is a fabric over Redis pub/sub. Each channel id maps to
// the Redis channel Prefix+id, so every subscribed instance sees every message.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ikvm/Microservice/internal/transport"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewClient creates a Redis client with conservative timeouts.
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     10,
	})
}

type Fabric struct {
	client *redis.Client
	prefix string
}

func New(client *redis.Client, prefix string) *Fabric {
	return &Fabric{client: client, prefix: prefix}
}

func (f *Fabric) Name() string { return "redis" }

func (f *Fabric) topic(channelID string) string { return f.prefix + channelID }

func (f *Fabric) Send(ctx context.Context, m *transport.Message) error {
	b, err := transport.Encode(m)
	if err != nil {
		return err
	}
	n, err := f.client.Publish(ctx, f.topic(m.ChannelID), b).Result()
	if err != nil {
		return fmt.Errorf("redis publish to %s: %w", m.ChannelID, classify(err))
	}
	if n == 0 {
		return fmt.Errorf("redis publish to %s: %w", m.ChannelID, transport.ErrNoRecipient)
	}
	return nil
}

func (f *Fabric) Subscribe(ctx context.Context, channelID string) (transport.Receiver, error) {
	ps := f.client.Subscribe(ctx, f.topic(channelID))
	// Wait for the subscription confirmation so messages sent right after
	// Subscribe returns are not missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channelID, classify(err))
	}
	return &receiver{ps: ps, ch: ps.Channel()}, nil
}

// Reinitialize checks the connection; the client pool redials on demand.
func (f *Fabric) Reinitialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return f.client.Ping(ctx).Err()
}

func (f *Fabric) Close() error { return f.client.Close() }

type receiver struct {
	ps *redis.PubSub
	ch <-chan *redis.Message
}

func (r *receiver) ReceiveBatch(ctx context.Context, maxN int, wait time.Duration) ([]*transport.Message, error) {
	if maxN <= 0 {
		maxN = 1
	}
	t := time.NewTimer(wait)
	defer t.Stop()

	var batch []*transport.Message
	for len(batch) < maxN {
		var rm *redis.Message
		var ok bool
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-t.C:
				return nil, nil
			case rm, ok = <-r.ch:
			}
		} else {
			select {
			case rm, ok = <-r.ch:
			default:
				return batch, nil
			}
		}
		if !ok {
			if len(batch) > 0 {
				return batch, nil
			}
			return nil, transport.ErrClosed
		}
		m, err := transport.Decode([]byte(rm.Payload))
		if err != nil {
			// Foreign traffic on our channel is skipped.
			continue
		}
		batch = append(batch, m)
	}
	return batch, nil
}

func (r *receiver) Close() error { return r.ps.Close() }

// classify maps go-redis errors onto the transport fault taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %v", transport.ErrClosed, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", transport.ErrTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return fmt.Errorf("%w: %v", transport.ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", transport.ErrReinitialize, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", transport.ErrReinitialize, err)
	}
	return err
}
