package logx

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RemoteConfig controls forwarding of log lines to a RemoteSink.
type RemoteConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// RemoteSink receives JSON log lines at or above the configured level.
type RemoteSink interface {
	SendLog(ctx context.Context, level string, line []byte) error
}

type RemoteStats struct {
	Forwarded uint64 `json:"forwarded"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

const remoteQueueSize = 256

type remoteLine struct {
	level string
	line  []byte
}

// forwarder is a zerolog LevelWriter that hands lines to a background
// sender. Writes never block: lines over the rate limit, below the minimum
// level or beyond the queue are counted as dropped.
type forwarder struct {
	mu       sync.Mutex
	sink     RemoteSink
	limiter  *rate.Limiter
	minLevel Level

	queue   chan remoteLine
	start   sync.Once
	cancel  context.CancelFunc
	stopped chan struct{}

	forwarded, dropped, failed atomic.Uint64
}

func newForwarder() *forwarder {
	return &forwarder{
		queue:    make(chan remoteLine, remoteQueueSize),
		minLevel: LevelWarn,
		stopped:  make(chan struct{}),
	}
}

func (f *forwarder) configure(cfg RemoteConfig) {
	rps := max(1, cfg.RatePerSec)
	f.mu.Lock()
	f.minLevel = ParseLevel(cfg.MinLevel, LevelWarn)
	f.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	f.mu.Unlock()
	if cfg.Enabled {
		f.start.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			f.mu.Lock()
			f.cancel = cancel
			f.mu.Unlock()
			go f.run(ctx)
		})
	}
}

func (f *forwarder) setSink(s RemoteSink) {
	f.mu.Lock()
	f.sink = s
	f.mu.Unlock()
}

func (f *forwarder) run(ctx context.Context) {
	defer close(f.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-f.queue:
			f.mu.Lock()
			sink := f.sink
			f.mu.Unlock()
			if sink == nil {
				f.dropped.Add(1)
				continue
			}
			if err := sink.SendLog(ctx, it.level, it.line); err != nil {
				f.failed.Add(1)
				continue
			}
			f.forwarded.Add(1)
		}
	}
}

func (f *forwarder) stop() {
	f.mu.Lock()
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
		<-f.stopped
	}
}

func (f *forwarder) stats() RemoteStats {
	return RemoteStats{Forwarded: f.forwarded.Load(), Dropped: f.dropped.Load(), Failed: f.failed.Load()}
}

func (f *forwarder) Write(p []byte) (int, error) { return f.WriteLevel(zerolog.NoLevel, p) }

func (f *forwarder) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	f.mu.Lock()
	lim, minLevel := f.limiter, f.minLevel
	f.mu.Unlock()
	if level < minLevel || level == zerolog.NoLevel {
		return len(p), nil
	}
	if lim == nil || !lim.Allow() {
		f.dropped.Add(1)
		return len(p), nil
	}
	// p is reused by zerolog once Write returns
	line := bytes.Clone(bytes.TrimSpace(p))
	select {
	case f.queue <- remoteLine{level: level.String(), line: line}:
	default:
		f.dropped.Add(1)
	}
	return len(p), nil
}
