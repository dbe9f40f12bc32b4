package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ikvm/Microservice/internal/command"
	"github.com/ikvm/Microservice/internal/task/engine"
	"github.com/ikvm/Microservice/internal/transport"
	"github.com/ikvm/Microservice/pkg/logx"
)

var _ engine.TimeoutNotifier = (*command.Registry)(nil)

// listenerIdle is how long a listener waits before re-checking slots when
// the engine has no capacity for another poll.
const listenerIdle = 20 * time.Millisecond

// runListener polls one incoming channel. Each poll is a KindListenerPoll
// record, submitted only while the engine has a free slot, so inbound
// traffic backs off when the service is saturated. A returned error makes
// the supervisor restart the loop, which resubscribes.
func (a *App) runListener(ctx context.Context, ch Channel) error {
	recv, err := a.fabric.Subscribe(ctx, ch.ID)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", ch.ID, err)
	}
	defer recv.Close()

	log := a.log.With(logx.String("channel", ch.ID))
	log.Debug("listener started", logx.Int("batch", ch.BatchSize), logx.Duration("wait", ch.PollWait))

	for ctx.Err() == nil {
		if a.engine.Available() <= 0 {
			if sleepCtx(ctx, listenerIdle) != nil {
				return nil
			}
			continue
		}

		done := make(chan error, 1)
		rec := engine.NewRecord(engine.KindListenerPoll, "listen:"+ch.ID, func(rctx context.Context) error {
			return a.poll(rctx, ch, recv)
		})
		rec.Priority = ch.recordPriority()
		rec.TTL = ch.PollWait + 10*time.Second
		rec.Caller = ch.ID
		rec.Context = ctx
		rec.OnComplete = func(_ *engine.Record, _ bool, err error) { done <- err }

		if err := a.engine.Submit(rec); err != nil {
			if errors.Is(err, engine.ErrStopped) {
				return nil
			}
			if sleepCtx(ctx, ch.PollWait) != nil {
				return nil
			}
			continue
		}

		var perr error
		select {
		case <-ctx.Done():
			return nil
		case perr = <-done:
		}
		if perr == nil || ctx.Err() != nil {
			continue
		}
		switch transport.Classify(perr) {
		case transport.DispositionRetry, transport.DispositionDrop:
			log.Debug("listener poll interrupted", logx.Err(perr))
			if sleepCtx(ctx, listenerIdle) != nil {
				return nil
			}
		case transport.DispositionReinitialize:
			if ri, ok := a.fabric.(transport.Reinitializer); ok {
				if err := ri.Reinitialize(ctx); err != nil {
					log.Warn("fabric reinitialize failed", logx.Err(err))
				}
			}
			return perr
		default:
			if errors.Is(perr, engine.ErrTimeout) || errors.Is(perr, engine.ErrCancelled) || errors.Is(perr, context.Canceled) {
				continue
			}
			return perr
		}
	}
	return nil
}

// poll receives one batch and turns every message into a payload record.
func (a *App) poll(ctx context.Context, ch Channel, recv transport.Receiver) error {
	batch, err := recv.ReceiveBatch(ctx, ch.BatchSize, ch.PollWait)
	if err != nil {
		return err
	}
	for _, m := range batch {
		a.deliver(ctx, ch, m)
	}
	return nil
}

func (a *App) deliver(ctx context.Context, ch Channel, m *transport.Message) {
	a.stats.received.Add(1)
	if a.dedup.Seen(ctx, m.ID) {
		a.stats.duplicates.Add(1)
		a.log.Debug("duplicate message dropped", logx.String("id", m.ID), logx.String("channel", ch.ID))
		return
	}
	if ch.BoundaryLog || a.boundaryAll {
		a.boundary("in", m)
	}
	p := transport.NewPayload(m, ch.ID)
	_ = a.submitPayload(p, engine.KindPayload, ch.recordPriority())
}

// submitPayload schedules dispatch of p. When the engine refuses it the
// payload is nacked by an internal overload record.
func (a *App) submitPayload(p *transport.Payload, kind engine.Kind, priority int) error {
	key := p.Message.Header().Key()
	rec := engine.NewRecord(kind, key, nil)
	rec.Run = func(ctx context.Context) error { return a.process(ctx, p, rec.ID) }
	rec.Priority = priority
	rec.Caller = p.Source
	// a timeout reaches the command handling p through the registry
	rec.Callback, rec.CallbackID = a.commands, rec.ID
	rec.OnComplete = func(r *engine.Record, failed bool, err error) {
		p.Signal(!failed)
		if failed {
			a.log.Debug("payload failed", logx.String("task", r.Debug()), logx.Err(err))
		}
	}
	err := a.engine.Submit(rec)
	if err != nil {
		a.overload(p, err)
	}
	return err
}

func (a *App) overload(p *transport.Payload, cause error) {
	a.stats.overloaded.Add(1)
	key := p.Message.Header().Key()
	rec := engine.NewRecord(engine.KindOverload, "overload:"+key, func(ctx context.Context) error {
		p.Signal(false)
		if a.events != nil {
			_ = a.events.Write(ctx, "payload.overload", key, map[string]string{
				"id":    p.Message.ID,
				"cause": cause.Error(),
			}, false)
		}
		return nil
	})
	rec.Priority = engine.PriorityInternal
	if err := a.engine.Submit(rec); err != nil {
		p.Signal(false)
	}
	a.log.Warn("payload rejected", logx.String("key", key), logx.String("source", p.Source), logx.Err(cause))
}

// process dispatches p and sends the handler's responses. Unsupported
// messages are acknowledged; the dispatcher already counted them.
func (a *App) process(ctx context.Context, p *transport.Payload, taskID string) error {
	req := command.NewRequest(p, a.id)
	req.TaskID = taskID
	err := a.commands.Dispatch(ctx, req)
	for _, m := range req.Responses() {
		if serr := a.SendMessage(ctx, m); serr != nil {
			a.log.Warn("response send failed", logx.String("to", m.Header().Key()), logx.Err(serr))
		}
	}
	if errors.Is(err, command.ErrUnsupported) {
		a.log.Debug("unsupported message", logx.String("key", p.Message.Header().Key()), logx.String("from", p.Message.OriginatorID))
		return nil
	}
	return err
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
