package app

import (
	"context"
	"errors"

	"github.com/ikvm/Microservice/internal/task/engine"
	"github.com/ikvm/Microservice/internal/transport"
	"github.com/ikvm/Microservice/pkg/logx"
)

var ErrNilPayload = errors.New("payload has no message")

// Send routes p. Internal payloads are dispatched locally as
// internal-priority records and never touch the fabric; everything else
// goes through the sender. p is signalled with the outcome.
func (a *App) Send(ctx context.Context, p *transport.Payload) error {
	if p == nil || p.Message == nil {
		return ErrNilPayload
	}
	if p.Route == transport.RouteInternal {
		a.stats.internal.Add(1)
		if a.boundaryAll {
			a.boundary("internal", p.Message)
		}
		return a.submitPayload(p, engine.KindInternal, engine.PriorityInternal)
	}
	err := a.SendMessage(ctx, p.Message)
	p.Signal(err == nil)
	return err
}

// SendMessage stamps m with this instance's id and the outgoing channel's
// priority, then sends it through the fabric sender.
func (a *App) SendMessage(ctx context.Context, m *transport.Message) error {
	if m == nil {
		return ErrNilPayload
	}
	if m.OriginatorID == "" {
		m.OriginatorID = a.id
	}
	ch, declared := a.channels.Get(Outgoing, m.ChannelID)
	if declared && m.ChannelPriority == 0 {
		m.ChannelPriority = ch.Priority
	}
	// The sender already logs every message when boundary logging is global.
	if declared && ch.BoundaryLog && !a.boundaryAll {
		a.boundary("out", m)
	}
	err := a.sender.Send(ctx, m)
	if err != nil {
		a.stats.sendFailed.Add(1)
		return err
	}
	a.stats.sent.Add(1)
	return nil
}

func (a *App) boundary(dir string, m *transport.Message) {
	if !a.log.Enabled(logx.LevelDebug) {
		return
	}
	a.log.Debug("boundary",
		logx.String("dir", dir),
		logx.String("id", m.ID),
		logx.String("key", m.Header().Key()),
		logx.String("from", m.OriginatorID),
		logx.String("correlation", m.CorrelationID),
		logx.Int("priority", m.ChannelPriority),
		logx.Int("bytes", len(m.Body)),
	)
}

// remoteLogSink forwards log lines to the fabric log channel. It uses the
// fabric directly so that sender failures cannot feed back into itself.
type remoteLogSink struct {
	fabric     transport.Fabric
	channel    string
	originator string
}

func (s remoteLogSink) SendLog(ctx context.Context, level string, line []byte) error {
	m := transport.NewMessage(s.originator, transport.Header{
		ChannelID:   s.channel,
		MessageType: "log",
		ActionType:  level,
	}, append([]byte(nil), line...))
	return s.fabric.Send(ctx, m)
}
