// Package memory is an in-process broadcast fabric. A Hub is the shared
// medium; each service instance attaches its own Fabric to it. Closing a
// Fabric detaches its subscriptions, which is how tests simulate a crash.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ikvm/Microservice/internal/transport"
)

const defaultQueue = 1024

// Hub fans messages out to every receiver subscribed to a channel.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*receiver]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[*receiver]struct{}{}}
}

func (h *Hub) add(channel string, r *receiver) {
	h.mu.Lock()
	set := h.subs[channel]
	if set == nil {
		set = map[*receiver]struct{}{}
		h.subs[channel] = set
	}
	set[r] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(channel string, r *receiver) {
	h.mu.Lock()
	if set := h.subs[channel]; set != nil {
		delete(set, r)
		if len(set) == 0 {
			delete(h.subs, channel)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) publish(m *transport.Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.subs[m.ChannelID]
	if len(set) == 0 {
		return transport.ErrNoRecipient
	}
	full := 0
	for r := range set {
		if !r.offer(m.Clone()) {
			full++
		}
	}
	if full == len(set) {
		return transport.ErrThrottled
	}
	return nil
}

// Fabric is one instance's view of a Hub.
type Fabric struct {
	hub  *Hub
	name string

	mu        sync.Mutex
	closed    bool
	receivers map[*receiver]struct{}
}

// New attaches a fabric to hub. A nil hub gets a private one.
func New(hub *Hub, name string) *Fabric {
	if hub == nil {
		hub = NewHub()
	}
	if name == "" {
		name = "memory"
	}
	return &Fabric{hub: hub, name: name, receivers: map[*receiver]struct{}{}}
}

func (f *Fabric) Name() string { return f.name }

func (f *Fabric) Send(ctx context.Context, m *transport.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	return f.hub.publish(m)
}

func (f *Fabric) Subscribe(_ context.Context, channelID string) (transport.Receiver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, transport.ErrClosed
	}
	r := &receiver{
		fabric:  f,
		channel: channelID,
		ch:      make(chan *transport.Message, defaultQueue),
		done:    make(chan struct{}),
	}
	f.receivers[r] = struct{}{}
	f.hub.add(channelID, r)
	return r, nil
}

// Close detaches every receiver; pending messages are discarded.
func (f *Fabric) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	rs := make([]*receiver, 0, len(f.receivers))
	for r := range f.receivers {
		rs = append(rs, r)
	}
	f.receivers = nil
	f.mu.Unlock()

	for _, r := range rs {
		r.detach()
	}
	return nil
}

type receiver struct {
	fabric  *Fabric
	channel string
	ch      chan *transport.Message
	once    sync.Once
	done    chan struct{}
}

func (r *receiver) offer(m *transport.Message) bool {
	select {
	case <-r.done:
		return true
	default:
	}
	select {
	case r.ch <- m:
		return true
	default:
		return false
	}
}

func (r *receiver) detach() {
	r.once.Do(func() {
		r.fabric.hub.remove(r.channel, r)
		close(r.done)
	})
}

func (r *receiver) ReceiveBatch(ctx context.Context, maxN int, wait time.Duration) ([]*transport.Message, error) {
	if maxN <= 0 {
		maxN = 1
	}
	var first *transport.Message
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, transport.ErrClosed
	case <-t.C:
		return nil, nil
	case first = <-r.ch:
	}

	batch := []*transport.Message{first}
	for len(batch) < maxN {
		select {
		case m := <-r.ch:
			batch = append(batch, m)
		default:
			return batch, nil
		}
	}
	return batch, nil
}

func (r *receiver) Close() error {
	r.fabric.mu.Lock()
	if r.fabric.receivers != nil {
		delete(r.fabric.receivers, r)
	}
	r.fabric.mu.Unlock()
	r.detach()
	return nil
}
