// Package eventbus is the in-process observer channel used to announce task
// lifecycle, command registration and election changes to interested
// components without coupling them.
package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the runtime.
const (
	TaskShed           = "task.shed"
	TaskTimeout        = "task.timeout"
	TaskKilled         = "task.killed"
	TaskFailed         = "task.failed"
	CommandRegistered  = "command.registered"
	CommandRemoved     = "command.removed"
	MasterStateChanged = "masterjob.state"
	ConfigReloaded     = "config.reloaded"
)

const defaultBuffer = 8

// Event is a lightweight in-memory signal.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and the bus counts it as dropped.
type Bus interface {
	Publish(e Event)
	// Subscribe returns a channel receiving events of the given types, or
	// of every type when none are named. unsubscribe closes the channel.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{}
}

// Nop returns a bus that discards everything.
func Nop() Bus { return nopBus{} }

type subscriber struct {
	ch    chan Event
	types []string
}

func (s *subscriber) wants(typ string) bool {
	return len(s.types) == 0 || slices.Contains(s.types, typ)
}

type memBus struct {
	// subs is replaced on every change, so Publish reads it without
	// holding mu while sending.
	mu      sync.Mutex
	subs    atomic.Pointer[[]*subscriber]
	dropped atomic.Uint64
	// sending is held shared by Publish and exclusively before a close.
	sending sync.RWMutex
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.sending.RLock()
	defer b.sending.RUnlock()
	p := b.subs.Load()
	if p == nil {
		return
	}
	for _, s := range *p {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer), types: slices.Clone(types)}
	b.update(func(cur []*subscriber) []*subscriber { return append(cur, s) })

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.update(func(cur []*subscriber) []*subscriber {
				return slices.DeleteFunc(cur, func(x *subscriber) bool { return x == s })
			})
			b.sending.Lock()
			close(s.ch)
			b.sending.Unlock()
		})
	}
}

func (b *memBus) update(fn func([]*subscriber) []*subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var cur []*subscriber
	if p := b.subs.Load(); p != nil {
		cur = slices.Clone(*p)
	}
	next := fn(cur)
	b.subs.Store(&next)
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

type nopBus struct{}

func (nopBus) Publish(Event)   {}
func (nopBus) Dropped() uint64 { return 0 }

func (nopBus) Subscribe(int, ...string) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}
