package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikvm/Microservice/pkg/logx"
)

type scriptedFabric struct {
	mu      sync.Mutex
	errs    []error
	sent    []*Message
	reinits int
}

func (f *scriptedFabric) Name() string { return "scripted" }

func (f *scriptedFabric) Send(_ context.Context, m *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *scriptedFabric) Subscribe(context.Context, string) (Receiver, error) { return nil, nil }
func (f *scriptedFabric) Close() error                                        { return nil }

func (f *scriptedFabric) Reinitialize(context.Context) error {
	f.mu.Lock()
	f.reinits++
	f.mu.Unlock()
	return nil
}

type outcomeRecorder struct {
	outcomes []string
	attempts []int
}

func (o *outcomeRecorder) ObserveSend(_, outcome string, attempts int, _ time.Duration) {
	o.outcomes = append(o.outcomes, outcome)
	o.attempts = append(o.attempts, attempts)
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestSender(f Fabric, cfg SenderConfig, obs SendObserver) *Sender {
	return NewSender(f, cfg, logx.Nop(), WithSleep(noSleep), WithObserver(obs))
}

func msg() *Message {
	return NewMessage("me", Header{ChannelID: "out", MessageType: "t", ActionType: "a"}, []byte("{}"))
}

func TestSenderRetriesTransientFaults(t *testing.T) {
	f := &scriptedFabric{errs: []error{ErrTimeout, Throttled(time.Second), nil}}
	obs := &outcomeRecorder{}
	s := newTestSender(f, SenderConfig{Retries: 3}, obs)

	require.NoError(t, s.Send(context.Background(), msg()))
	assert.Len(t, f.sent, 1)
	assert.Equal(t, []string{OutcomeSent}, obs.outcomes)
	assert.Equal(t, []int{3}, obs.attempts)
}

func TestSenderReinitializesOnConnectionFault(t *testing.T) {
	f := &scriptedFabric{errs: []error{ErrReinitialize, nil}}
	s := newTestSender(f, SenderConfig{Retries: 2}, &outcomeRecorder{})

	require.NoError(t, s.Send(context.Background(), msg()))
	assert.Equal(t, 1, f.reinits)
}

func TestSenderDropsWhenNoRecipient(t *testing.T) {
	f := &scriptedFabric{errs: []error{ErrNoRecipient}}
	obs := &outcomeRecorder{}
	s := newTestSender(f, SenderConfig{Retries: 2}, obs)

	require.NoError(t, s.Send(context.Background(), msg()))
	assert.Empty(t, f.sent)
	assert.Equal(t, []string{OutcomeDropped}, obs.outcomes)
}

func TestSenderPropagatesUnknownFaults(t *testing.T) {
	boom := errors.New("boom")
	f := &scriptedFabric{errs: []error{boom}}
	s := newTestSender(f, SenderConfig{Retries: 5}, &outcomeRecorder{})

	err := s.Send(context.Background(), msg())
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrRetryExceeded)
}

func TestSenderRetryExceededAndCircuit(t *testing.T) {
	f := &scriptedFabric{errs: []error{ErrTimeout, ErrTimeout, ErrTimeout, ErrTimeout}}
	s := newTestSender(f, SenderConfig{Retries: 1, CircuitTrip: 2, CircuitBaseDelay: time.Minute}, &outcomeRecorder{})

	err := s.Send(context.Background(), msg())
	require.ErrorIs(t, err, ErrRetryExceeded)
	assert.ErrorIs(t, err, ErrTimeout)

	err = s.Send(context.Background(), msg())
	require.ErrorIs(t, err, ErrRetryExceeded)
	assert.Equal(t, 1, s.OpenCircuits())

	err = s.Send(context.Background(), msg())
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestSenderInjectsHeaders(t *testing.T) {
	f := &scriptedFabric{}
	s := newTestSender(f, SenderConfig{}, nil)
	m := msg()
	require.NoError(t, s.Send(context.Background(), m))
	assert.NotNil(t, m.Headers)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Disposition
	}{
		{ErrNoRecipient, DispositionDrop},
		{Throttled(time.Second), DispositionRetry},
		{context.DeadlineExceeded, DispositionRetry},
		{ErrReinitialize, DispositionReinitialize},
		{errors.New("x"), DispositionFail},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.err), c.err.Error())
	}
}

func TestHeaderKeys(t *testing.T) {
	h := Header{ChannelID: "Orders", MessageType: "Invoice", ActionType: "Create"}
	assert.Equal(t, "orders/invoice/create", h.Key())
	assert.Equal(t, "orders/invoice/create", h.PartialKey())
	assert.Equal(t, "orders/", Header{ChannelID: "Orders"}.PartialKey())
	assert.Equal(t, "orders/invoice/", Header{ChannelID: "orders", MessageType: "invoice"}.PartialKey())
}

func TestDecodeRejectsIncompleteEnvelope(t *testing.T) {
	_, err := Decode([]byte(`{"id":""}`))
	assert.ErrorIs(t, err, ErrBadEnvelope)

	b, err := Encode(msg())
	require.NoError(t, err)
	m, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "out", m.ChannelID)
}

func TestPayloadSignalOnce(t *testing.T) {
	p := NewPayload(msg(), "out")
	var calls []bool
	p.OnSignal(func(ok bool) { calls = append(calls, ok) })
	p.Signal(true)
	p.Signal(false)
	assert.Equal(t, []bool{true}, calls)
}
