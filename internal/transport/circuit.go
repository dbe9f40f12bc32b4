package transport

import (
	"sync"
	"time"
)

const (
	defaultCircuitTrip  = 5
	defaultCircuitBase  = 5 * time.Second
	defaultCircuitMax   = 2 * time.Minute
	defaultCircuitReset = 5 * time.Minute
)

type breakerState uint8

const (
	breakerClosed breakerState = iota
	breakerOpen
	// one trial send is in flight until openUntil; other sends are rejected
	breakerTrial
)

// breaker guards one channel. It opens after trip consecutive failures
// for a cooldown that doubles with every further failure, then lets a
// single trial send through. A success closes it.
type breaker struct {
	state     breakerState
	fails     int
	openUntil time.Time
	lastFail  time.Time
}

type circuitStore struct {
	mu       sync.Mutex
	channels map[string]*breaker

	trip       int
	base       time.Duration
	ceiling    time.Duration
	resetAfter time.Duration
}

// newCircuitStore returns nil when CircuitTrip is negative; a nil store
// lets everything through.
func newCircuitStore(cfg SenderConfig) *circuitStore {
	if cfg.CircuitTrip < 0 {
		return nil
	}
	pick := func(v, def time.Duration) time.Duration {
		if v > 0 {
			return v
		}
		return def
	}
	trip := cfg.CircuitTrip
	if trip == 0 {
		trip = defaultCircuitTrip
	}
	return &circuitStore{
		channels:   map[string]*breaker{},
		trip:       trip,
		base:       pick(cfg.CircuitBaseDelay, defaultCircuitBase),
		ceiling:    pick(cfg.CircuitMaxDelay, defaultCircuitMax),
		resetAfter: pick(cfg.CircuitResetAfter, defaultCircuitReset),
	}
}

// get must be called with mu held. A breaker idle for resetAfter since its
// last failure forgets its history.
func (s *circuitStore) get(now time.Time, channel string) *breaker {
	b, ok := s.channels[channel]
	if !ok {
		b = &breaker{}
		s.channels[channel] = b
	}
	if b.state != breakerTrial && !b.lastFail.IsZero() && now.Sub(b.lastFail) > s.resetAfter {
		*b = breaker{}
	}
	return b
}

// allow reports whether a send to channel may proceed. When it may not,
// retryAt is the earliest time the channel is worth trying again.
func (s *circuitStore) allow(now time.Time, channel string) (ok bool, retryAt time.Time) {
	if s == nil {
		return true, time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.get(now, channel)
	switch b.state {
	case breakerOpen:
		if now.Before(b.openUntil) {
			return false, b.openUntil
		}
		b.state = breakerTrial
		b.openUntil = now.Add(s.base)
		return true, time.Time{}
	case breakerTrial:
		// a trial that never reported back is replaced once it is stale
		if !now.Before(b.openUntil) {
			b.openUntil = now.Add(s.base)
			return true, time.Time{}
		}
		return false, b.openUntil
	default:
		return true, time.Time{}
	}
}

func (s *circuitStore) record(now time.Time, channel string, failed bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.get(now, channel)
	if !failed {
		*b = breaker{}
		return
	}
	b.fails++
	b.lastFail = now
	if b.fails < s.trip && b.state == breakerClosed {
		return
	}
	cooldown := s.base
	for n := b.fails - s.trip; n > 0 && cooldown < s.ceiling; n-- {
		cooldown *= 2
	}
	b.state = breakerOpen
	b.openUntil = now.Add(min(cooldown, s.ceiling))
}

// openCount counts channels that currently reject sends.
func (s *circuitStore) openCount(now time.Time) int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.channels {
		if b.state != breakerClosed && now.Before(b.openUntil) {
			n++
		}
	}
	return n
}
