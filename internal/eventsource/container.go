// Package eventsource journals runtime facts (election transitions, task
// failures) to one or more storage sinks.
package eventsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ikvm/Microservice/internal/runtime/supervisor"
	"github.com/ikvm/Microservice/internal/storage"
	"github.com/ikvm/Microservice/pkg/logx"
)

var (
	ErrOverloaded = errors.New("event source queue full")
	ErrStopped    = errors.New("event source stopped")
)

// Sink is implemented by storage.Store.
type Sink interface {
	AppendEvent(ctx context.Context, e storage.Event) error
}

type Config struct {
	// QueueSize bounds async writes; beyond it writes are dropped.
	QueueSize int
	// SyncRetries is how many times a sync write is retried per sink.
	SyncRetries int
	// RetryStep is multiplied by the attempt number between retries.
	RetryStep time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 500
	}
	if c.SyncRetries <= 0 {
		c.SyncRetries = 10
	}
	if c.RetryStep <= 0 {
		c.RetryStep = 100 * time.Millisecond
	}
	return c
}

type Stats struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Queued  int    `json:"queued"`
	Sinks   int    `json:"sinks"`
}

type Container struct {
	cfg        Config
	originator string
	sinks      []Sink
	log        logx.Logger

	queue chan storage.Event
	sup   *supervisor.Supervisor
	mu    sync.Mutex

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
	stopped atomic.Bool
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, originator string, log logx.Logger, sinks ...Sink) *Container {
	cfg = cfg.withDefaults()
	return &Container{
		cfg:        cfg,
		originator: originator,
		sinks:      sinks,
		log:        log.With(logx.String("comp", "eventsource")),
		queue:      make(chan storage.Event, cfg.QueueSize),
		sleep:      sleepCtx,
	}
}

// Write journals kind/key/data. Async writes are queued and never block;
// sync writes go to every sink in parallel and are retried with a linear
// backoff before the last error is returned.
func (c *Container) Write(ctx context.Context, kind, key string, data any, sync bool) error {
	if c.stopped.Load() {
		return ErrStopped
	}
	e := storage.Event{ID: uuid.NewString(), At: time.Now(), Originator: c.originator, Kind: kind, Key: key}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("eventsource: encode %s: %w", kind, err)
		}
		e.Data = b
	}
	if len(c.sinks) == 0 {
		return nil
	}
	if sync {
		return c.writeSync(ctx, e)
	}
	select {
	case c.queue <- e:
		return nil
	default:
		c.dropped.Add(1)
		return ErrOverloaded
	}
}

func (c *Container) writeSync(ctx context.Context, e storage.Event) error {
	errs := make([]error, len(c.sinks))
	var wg sync.WaitGroup
	for i, s := range c.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.writeSink(ctx, s, e)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (c *Container) writeSink(ctx context.Context, s Sink, e storage.Event) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = s.AppendEvent(ctx, e); err == nil {
			c.written.Add(1)
			return nil
		}
		if attempt >= c.cfg.SyncRetries || ctx.Err() != nil {
			break
		}
		if serr := c.sleep(ctx, time.Duration(attempt+1)*c.cfg.RetryStep); serr != nil {
			break
		}
	}
	c.failed.Add(1)
	c.log.Error("event source write failed", logx.String("kind", e.Kind), logx.String("key", e.Key), logx.Err(err))
	return err
}

// Start runs the async writer until Stop.
func (c *Container) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sup != nil {
		return
	}
	c.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(c.log))
	c.sup.Go("eventsource.writer", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				c.drain()
				return nil
			case e := <-c.queue:
				c.writeAsync(ctx, e)
			}
		}
	})
}

func (c *Container) writeAsync(ctx context.Context, e storage.Event) {
	for _, s := range c.sinks {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := s.AppendEvent(wctx, e)
		cancel()
		if err != nil {
			c.failed.Add(1)
			c.log.Warn("event source async write failed", logx.String("kind", e.Kind), logx.Err(err))
			continue
		}
		c.written.Add(1)
	}
}

// drain flushes whatever is queued with a short deadline.
func (c *Container) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case e := <-c.queue:
			c.writeAsync(ctx, e)
		default:
			return
		}
	}
}

func (c *Container) Stop(ctx context.Context) error {
	c.stopped.Store(true)
	c.mu.Lock()
	sup := c.sup
	c.sup = nil
	c.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (c *Container) Stats() Stats {
	return Stats{
		Written: c.written.Load(),
		Failed:  c.failed.Load(),
		Dropped: c.dropped.Load(),
		Queued:  len(c.queue),
		Sinks:   len(c.sinks),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
