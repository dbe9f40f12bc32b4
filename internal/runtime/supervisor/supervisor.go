// Package supervisor runs the service's background loops (sweep, schedule
// poll, fabric listeners) under a shared context with panic recovery and
// restart-on-failure.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ikvm/Microservice/pkg/logx"
)

const (
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	// a run that lasted this long resets the backoff to its minimum
	stableRun = 30 * time.Second
)

// Supervisor owns a context and every loop started under it. Stop cancels
// the context and waits for the loops to return.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	started atomic.Uint64
	active  atomic.Int64
	wg      sync.WaitGroup
	done    chan struct{}
	waiting sync.Once

	mu       sync.Mutex
	firstErr error
	loops    map[string]*LoopStats
}

type Option func(*Supervisor)

// Counters exposes best-effort goroutine counters.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// LoopStats aggregates runs of every goroutine started under one name.
type LoopStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Runs        uint64    `json:"runs"`
	Restarts    uint64    `json:"restarts"`
	Panics      uint64    `json:"panics"`
	LastStartAt time.Time `json:"last_start_at"`
	LastErr     string    `json:"last_err,omitempty"`
	LastErrAt   time.Time `json:"last_err_at"`
}

// Snapshot is a point-in-time view for the status endpoint.
type Snapshot struct {
	Counters   Counters    `json:"counters"`
	FirstError string      `json:"first_error,omitempty"`
	Loops      []LoopStats `json:"loops"`
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context on the first error from
// a one-shot loop.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		loops:  map[string]*LoopStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error published by a loop.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *Supervisor) publish(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.active.Load(), Started: s.started.Load()}
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.Counters()}
	s.mu.Lock()
	if s.firstErr != nil {
		snap.FirstError = s.firstErr.Error()
	}
	for _, st := range s.loops {
		snap.Loops = append(snap.Loops, *st)
	}
	s.mu.Unlock()
	slices.SortFunc(snap.Loops, func(a, b LoopStats) int { return strings.Compare(a.Name, b.Name) })
	return snap
}

// track applies fn to the stats of name under the lock.
func (s *Supervisor) track(name string, fn func(st *LoopStats)) {
	s.mu.Lock()
	st, ok := s.loops[name]
	if !ok {
		st = &LoopStats{Name: name}
		s.loops[name] = st
	}
	fn(st)
	s.mu.Unlock()
}

// policy describes what happens after a loop returns.
type policy struct {
	restart     bool
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int // <=0 means unlimited
	publish     bool
	cancel      bool
}

// Go runs fn once. A non-nil error (other than context cancellation) is
// published as the supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.spawn(name, fn, policy{publish: true, cancel: s.cancelOnErr})
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type RestartOption func(*policy)

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(lo, hi time.Duration) RestartOption {
	return func(p *policy) {
		if lo > 0 {
			p.minBackoff = lo
		}
		if hi > 0 {
			p.maxBackoff = hi
		}
	}
}

// WithMaxRestarts limits restarts before giving up. The first run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(p *policy) { p.maxRestarts = n } }

// WithPublishFirstError surfaces the first failure through Err while still restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *policy) { p.publish = enabled }
}

// GoRestart runs fn and restarts it on error or panic with jittered
// exponential backoff until the supervisor is cancelled. A clean return stops it.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	p := policy{restart: true, minBackoff: defaultMinBackoff, maxBackoff: defaultMaxBackoff}
	for _, o := range opts {
		o(&p)
	}
	p.maxBackoff = max(p.maxBackoff, p.minBackoff)
	s.spawn(name, fn, p)
}

func (s *Supervisor) spawn(name string, fn func(ctx context.Context) error, p policy) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		s.loop(name, fn, p)
	}()
}

func (s *Supervisor) loop(name string, fn func(ctx context.Context) error, p policy) {
	backoff := p.minBackoff
	for attempt := 0; s.ctx.Err() == nil; attempt++ {
		began := time.Now()
		s.track(name, func(st *LoopStats) {
			st.Runs++
			st.Active++
			st.LastStartAt = began
			if attempt > 0 {
				st.Restarts++
			}
		})
		if attempt == 0 {
			s.log.Debug("loop started", logx.String("name", name))
		}

		err, panicked := s.call(name, fn)
		if err != nil && (errors.Is(err, context.Canceled) || s.ctx.Err() != nil) {
			err = nil
		}
		if err != nil {
			err = fmt.Errorf("%s: %w", name, err)
		}
		s.track(name, func(st *LoopStats) {
			st.Active = max(st.Active-1, 0)
			if panicked {
				st.Panics++
			}
			if err != nil {
				st.LastErr = err.Error()
				st.LastErrAt = time.Now()
			}
		})

		if err == nil {
			s.log.Debug("loop stopped", logx.String("name", name))
			return
		}
		if p.publish {
			s.publish(err)
		}
		if p.cancel {
			s.cancel()
		}
		if !p.restart {
			return
		}
		if p.maxRestarts > 0 && attempt >= p.maxRestarts {
			s.log.Error("loop gave up", logx.String("name", name), logx.Int("restarts", attempt), logx.Err(err))
			return
		}

		if time.Since(began) >= stableRun {
			backoff = p.minBackoff
		}
		wait := jitter(backoff)
		s.log.Warn("loop restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
		if !s.sleep(wait) {
			return
		}
		backoff = min(backoff*2, p.maxBackoff)
	}
}

// call runs fn once, turning a panic into an error.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error, panicked bool) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		s.log.Error("loop panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		err, panicked = fmt.Errorf("panic in %s: %v", name, r), true
	}()
	return fn(s.ctx), false
}

// jitter adds up to 20% to d.
func jitter(d time.Duration) time.Duration {
	if j := d / 5; j > 0 {
		d += rand.N(j + 1)
	}
	return d
}

func (s *Supervisor) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every loop has returned or ctx is done, then reports
// the first published error.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waiting.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}
