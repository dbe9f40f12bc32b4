package command

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ikvm/Microservice/internal/eventbus"
	"github.com/ikvm/Microservice/internal/transport"
	"github.com/ikvm/Microservice/pkg/logx"
)

func request(c, t, a string) *Request {
	m := transport.NewMessage("peer", transport.Header{ChannelID: c, MessageType: t, ActionType: a}, []byte("ping"))
	return NewRequest(transport.NewPayload(m, "test"), "self")
}

func TestDispatchExactReply(t *testing.T) {
	r := NewRegistry(logx.Nop())
	require.NoError(t, r.Register(Exact("orders", "create", "new"), func(ctx context.Context, req *Request) error {
		req.Reply(transport.Header{ChannelID: "orders", MessageType: "create", ActionType: "done"}, []byte("pong"))
		return nil
	}))

	req := request("Orders", "CREATE", "new")
	require.NoError(t, r.Dispatch(context.Background(), req))

	out := req.Responses()
	require.Len(t, out, 1)
	assert.Equal(t, req.Message().ID, out[0].CorrelationID)
	assert.Equal(t, "self", out[0].OriginatorID)
	assert.Equal(t, []byte("pong"), out[0].Body)
	assert.Empty(t, req.Responses())
	assert.Equal(t, "orders/create/new", req.Key.String())
}

func TestResolvePrefersExactThenLongestPrefix(t *testing.T) {
	r := NewRegistry(logx.Nop())
	nop := func(context.Context, *Request) error { return nil }
	require.NoError(t, r.Register(Prefix("orders", ""), nop))
	require.NoError(t, r.Register(Prefix("orders", "create"), nop))
	require.NoError(t, r.Register(Exact("orders", "create", "new"), nop))

	k, ok := r.Resolve(transport.Header{ChannelID: "orders", MessageType: "create", ActionType: "new"}, false)
	require.True(t, ok)
	assert.False(t, k.Partial)

	k, ok = r.Resolve(transport.Header{ChannelID: "orders", MessageType: "create", ActionType: "other"}, false)
	require.True(t, ok)
	assert.Equal(t, "orders/create/|partial", k.String())

	k, ok = r.Resolve(transport.Header{ChannelID: "orders", MessageType: "delete"}, false)
	require.True(t, ok)
	assert.Equal(t, "orders/|partial", k.String())

	_, ok = r.Resolve(transport.Header{ChannelID: "billing"}, false)
	assert.False(t, ok)
	assert.False(t, r.Supports(transport.Header{ChannelID: "ordersx", MessageType: "create"}))
}

func TestDeadLetterRouting(t *testing.T) {
	r := NewRegistry(logx.Nop())
	var got []string
	require.NoError(t, r.Register(Exact("c", "t", "a"), func(context.Context, *Request) error {
		got = append(got, "primary")
		return nil
	}, WithDeadLetter(func(context.Context, *Request) error {
		got = append(got, "dead")
		return nil
	})))
	require.NoError(t, r.Register(Prefix("dl", "").AsDeadLetter(), func(context.Context, *Request) error {
		got = append(got, "dl-prefix")
		return nil
	}))

	req := request("c", "t", "a")
	req.Message().DeadLetter = true
	require.NoError(t, r.Dispatch(context.Background(), req))
	require.NoError(t, r.Dispatch(context.Background(), request("c", "t", "a")))

	dl := request("dl", "x", "y")
	dl.Message().DeadLetter = true
	require.NoError(t, r.Dispatch(context.Background(), dl))
	assert.Equal(t, []string{"dead", "primary", "dl-prefix"}, got)

	err := r.Dispatch(context.Background(), request("dl", "x", "y"))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestExceptionHandling(t *testing.T) {
	boom := errors.New("boom")
	r := NewRegistry(logx.Nop())
	var seen error
	require.NoError(t, r.Register(Exact("c", "t", "swallow"), func(context.Context, *Request) error { return boom },
		WithException(func(_ context.Context, err error, _ *Request) error { seen = err; return nil })))
	require.NoError(t, r.Register(Exact("c", "t", "rethrow"), func(context.Context, *Request) error { return boom },
		WithException(func(context.Context, error, *Request) error { return errors.New("handler failed too") })))
	require.NoError(t, r.Register(Exact("c", "t", "panic"), func(context.Context, *Request) error { panic("bad") }))

	assert.NoError(t, r.Dispatch(context.Background(), request("c", "t", "swallow")))
	assert.Equal(t, boom, seen)
	assert.ErrorIs(t, r.Dispatch(context.Background(), request("c", "t", "rethrow")), boom)

	err := r.Dispatch(context.Background(), request("c", "t", "panic"))
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "bad", pe.Value)

	// A failing handler does not affect other registrations.
	require.NoError(t, r.Register(Exact("c", "t", "ok"), func(context.Context, *Request) error { return nil }))
	assert.NoError(t, r.Dispatch(context.Background(), request("c", "t", "ok")))

	st := r.Stats()
	assert.EqualValues(t, 4, st.Dispatched)
	assert.EqualValues(t, 3, st.Errors)
	assert.EqualValues(t, 0, st.Active)
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry(logx.Nop())
	nop := func(context.Context, *Request) error { return nil }

	assert.ErrorIs(t, r.Register(Key{}, nop), ErrInvalidKey)
	assert.ErrorIs(t, r.Register(Prefix("", "type"), nop), ErrPartialKeyChannel)
	assert.ErrorIs(t, r.Register(Exact("c", "t", "a"), nil), ErrNilAction)
	require.NoError(t, r.Register(Exact("c", "t", "a"), nop))
	assert.ErrorIs(t, r.Register(Exact("C", "T", "A"), nop), ErrDuplicateKey)
	// Same header as dead letter is a distinct registration.
	assert.NoError(t, r.Register(Exact("c", "t", "a").AsDeadLetter(), nop))
}

func TestUnsupportedCounted(t *testing.T) {
	r := NewRegistry(logx.Nop())
	err := r.Dispatch(context.Background(), request("nobody", "home", ""))
	var ue *UnsupportedError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "nobody", ue.Header.ChannelID)
	st := r.Stats()
	assert.EqualValues(t, 1, st.Unsupported)
	assert.EqualValues(t, 1, st.Errors)
}

func TestUnregisterPublishesChanges(t *testing.T) {
	bus := eventbus.New()
	r := NewRegistry(logx.Nop(), WithBus(bus))
	ch, stop := r.Subscribe(16)
	defer stop()

	nop := func(context.Context, *Request) error { return nil }
	require.NoError(t, r.Register(Exact("c", "t", "a"), nop, WithOwner("job")))
	require.NoError(t, r.Register(Prefix("c", "x"), nop, WithOwner("job")))
	require.NoError(t, r.Register(Exact("c", "t", "b"), nop))

	assert.Equal(t, 2, r.UnregisterOwner("job"))
	assert.True(t, r.Unregister(Exact("c", "t", "b")))
	assert.False(t, r.Unregister(Exact("c", "t", "b")))
	assert.Empty(t, r.Keys())

	var added, removed int
	for i := 0; i < 6; i++ {
		ev := <-ch
		c := ev.Data.(Change)
		if c.Removed {
			removed++
			assert.Equal(t, eventbus.CommandRemoved, ev.Type)
		} else {
			added++
		}
	}
	assert.Equal(t, 3, added)
	assert.Equal(t, 3, removed)
}

func TestDispatchContinuesSenderTrace(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	var got trace.SpanContext
	r := NewRegistry(logx.Nop())
	require.NoError(t, r.Register(Exact("orders", "create", ""), func(ctx context.Context, _ *Request) error {
		got = trace.SpanContextFromContext(ctx)
		return nil
	}))

	req := request("orders", "create", "")
	req.Message().Headers = map[string]string{
		"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
	}
	require.NoError(t, r.Dispatch(context.Background(), req))
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", got.TraceID().String())
}

func TestTimeoutReachesMatchedRegistration(t *testing.T) {
	r := NewRegistry(logx.Nop())
	started := make(chan struct{})
	release := make(chan struct{})
	timedOut := make(chan string, 2)
	require.NoError(t, r.Register(Prefix("jobs", ""), func(context.Context, *Request) error {
		close(started)
		<-release
		return nil
	}, WithTimeout(func(_ context.Context, req *Request) {
		timedOut <- req.TaskID
	})))

	req := request("jobs", "rebuild", "")
	req.TaskID = "task-7"
	errc := make(chan error, 1)
	go func() { errc <- r.Dispatch(context.Background(), req) }()
	<-started

	r.TaskTimedOut(context.Background(), "task-7")
	r.TaskTimedOut(context.Background(), "task-7")
	r.TaskTimedOut(context.Background(), "unknown")
	assert.Equal(t, "task-7", <-timedOut)
	assert.Empty(t, timedOut)

	close(release)
	require.NoError(t, <-errc)
	// finished requests are no longer tracked
	r.TaskTimedOut(context.Background(), "task-7")
	assert.Empty(t, timedOut)

	st := r.Stats()
	assert.Equal(t, uint64(1), st.Timeouts)
	require.Len(t, st.Commands, 1)
	assert.Equal(t, uint64(1), st.Commands[0].Timeouts)
}

func TestOwnedRegistrarTagsRegistrations(t *testing.T) {
	r := NewRegistry(logx.Nop())
	nop := func(context.Context, *Request) error { return nil }
	reg := r.Owned("billing")
	require.NoError(t, reg.Register(Exact("inv", "create", ""), nop))
	require.NoError(t, reg.Register(Prefix("inv", "void"), nop, WithOwner("ignored")))
	require.NoError(t, r.Register(Exact("other", "x", ""), nop))

	assert.Equal(t, 2, r.UnregisterOwner("billing"))
	assert.Len(t, r.Keys(), 1)
}
