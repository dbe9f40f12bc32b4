package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"

	"github.com/ikvm/Microservice/pkg/logx"
)

// SenderConfig tunes outbound delivery.
type SenderConfig struct {
	Retries       int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64
	// AttemptTimeout bounds a single fabric Send call.
	AttemptTimeout time.Duration

	// RatePerSec <= 0 disables outbound rate limiting.
	RatePerSec float64
	Burst      int

	// CircuitTrip < 0 disables the per-channel breaker; 0 means 5.
	CircuitTrip       int
	CircuitBaseDelay  time.Duration
	CircuitMaxDelay   time.Duration
	CircuitResetAfter time.Duration

	// BoundaryLog logs every outbound message at debug level.
	BoundaryLog bool
}

// Send outcomes reported to a SendObserver.
const (
	OutcomeSent     = "sent"
	OutcomeDropped  = "dropped"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
)

// SendObserver receives one call per Send.
type SendObserver interface {
	ObserveSend(channel, outcome string, attempts int, dur time.Duration)
}

// Sender wraps a Fabric with the fault taxonomy: transient faults retry with
// jittered exponential backoff, connection faults reinitialize the fabric
// first, missing recipients are logged and dropped, anything else fails.
type Sender struct {
	fabric   Fabric
	cfg      SenderConfig
	log      logx.Logger
	limiter  *rate.Limiter
	circuits *circuitStore
	obs      SendObserver
	sleep    func(ctx context.Context, d time.Duration) error
}

type SenderOption func(*Sender)

func WithObserver(o SendObserver) SenderOption { return func(s *Sender) { s.obs = o } }

// WithSleep replaces the backoff wait; tests use it to avoid real delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) SenderOption {
	return func(s *Sender) { s.sleep = fn }
}

func NewSender(f Fabric, cfg SenderConfig, log logx.Logger, opts ...SenderOption) *Sender {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	s := &Sender{
		fabric:   f,
		cfg:      cfg,
		log:      log.With(logx.String("comp", "sender"), logx.String("fabric", f.Name())),
		circuits: newCircuitStore(cfg),
		sleep:    sleepCtx,
	}
	if cfg.RatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(1, cfg.Burst))
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sender) Fabric() Fabric { return s.fabric }

// OpenCircuits reports how many channels are currently short-circuited.
func (s *Sender) OpenCircuits() int { return s.circuits.openCount(time.Now()) }

// Send delivers m, injecting the active trace context into its headers.
func (s *Sender) Send(ctx context.Context, m *Message) error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrBadEnvelope)
	}
	start := time.Now()
	channel := m.ChannelID

	if ok, retryAt := s.circuits.allow(start, channel); !ok {
		s.observe(channel, OutcomeRejected, 0, start)
		return fmt.Errorf("%w: channel %s until %s", ErrCircuitOpen, channel, retryAt.Format(time.RFC3339))
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			s.observe(channel, OutcomeRejected, 0, start)
			return err
		}
	}

	if m.Headers == nil {
		m.Headers = map[string]string{}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(m.Headers))

	var err error
	attempts := 0
	for attempt := 0; attempt <= s.cfg.Retries; attempt++ {
		attempts++
		err = s.attempt(ctx, m)
		if err == nil {
			s.circuits.record(time.Now(), channel, false)
			if s.cfg.BoundaryLog {
				s.log.Debug("message sent", logx.String("msg", m.String()), logx.Int("attempts", attempts))
			}
			s.observe(channel, OutcomeSent, attempts, start)
			return nil
		}

		switch Classify(err) {
		case DispositionDrop:
			s.log.Warn("message dropped", logx.String("msg", m.String()), logx.Err(err))
			s.observe(channel, OutcomeDropped, attempts, start)
			return nil
		case DispositionFail:
			s.circuits.record(time.Now(), channel, true)
			s.observe(channel, OutcomeFailed, attempts, start)
			return err
		case DispositionReinitialize:
			if r, ok := s.fabric.(Reinitializer); ok {
				if rerr := r.Reinitialize(ctx); rerr != nil {
					s.log.Warn("fabric reinitialize failed", logx.Err(rerr))
				} else {
					s.log.Info("fabric reinitialized", logx.String("channel", channel))
				}
			}
		}
		if ctx.Err() != nil || attempt == s.cfg.Retries {
			break
		}

		delay := s.backoffDelay(attempt+1, err)
		s.log.Debug("send retry scheduled", logx.String("channel", channel), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		if werr := s.sleep(ctx, delay); werr != nil {
			err = errors.Join(err, werr)
			break
		}
	}

	s.circuits.record(time.Now(), channel, true)
	s.observe(channel, OutcomeFailed, attempts, start)
	return fmt.Errorf("%w (%d attempts): %w", ErrRetryExceeded, attempts, err)
}

func (s *Sender) attempt(ctx context.Context, m *Message) error {
	actx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()
	return s.fabric.Send(actx, m)
}

func (s *Sender) observe(channel, outcome string, attempts int, start time.Time) {
	if s.obs != nil {
		s.obs.ObserveSend(channel, outcome, attempts, time.Since(start))
	}
}

// backoffDelay honours an explicit retry hint when the fault carries one.
func (s *Sender) backoffDelay(retry int, err error) time.Duration {
	maxD := s.cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	j := s.cfg.RetryJitter
	if j <= 0 {
		j = 0.2
	}

	var d time.Duration
	var ra RetryAfterError
	if errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		d = s.cfg.RetryBase
		if d <= 0 {
			d = 500 * time.Millisecond
		}
		for i := 1; i < retry && d < maxD; i++ {
			d *= 2
		}
	}
	if d > 0 {
		d = time.Duration(float64(d) * (1 + (rand.Float64()*2-1)*j))
	}
	return min(max(d, 0), maxD)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
