package masterjob

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikvm/Microservice/internal/command"
	"github.com/ikvm/Microservice/internal/eventbus"
	"github.com/ikvm/Microservice/internal/task/scheduler"
	"github.com/ikvm/Microservice/internal/transport"
	"github.com/ikvm/Microservice/pkg/logx"
)

type zeroRand struct{}

func (zeroRand) Int64N(int64) int64 { return 0 }

// loopback queues every send and delivers it to all live peers on pump,
// including the sender, like a broadcast fabric.
type loopback struct {
	mu    sync.Mutex
	queue []*transport.Message
	peers map[string]*peer
	fail  bool
}

func (l *loopback) Send(_ context.Context, m *transport.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return transport.ErrTimeout
	}
	l.queue = append(l.queue, m)
	return nil
}

func (l *loopback) pump(t *testing.T) {
	t.Helper()
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		m := l.queue[0]
		l.queue = l.queue[1:]
		targets := make([]*peer, 0, len(l.peers))
		for _, p := range l.peers {
			targets = append(targets, p)
		}
		l.mu.Unlock()
		for _, p := range targets {
			req := command.NewRequest(transport.NewPayload(m.Clone(), "loopback"), p.id)
			require.NoError(t, p.reg.Dispatch(context.Background(), req))
		}
	}
}

func (l *loopback) drop(id string) {
	l.mu.Lock()
	delete(l.peers, id)
	l.mu.Unlock()
}

type fakeSchedules struct {
	mu  sync.Mutex
	reg map[string]*scheduler.Schedule
}

func (f *fakeSchedules) Register(s *scheduler.Schedule) (*scheduler.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.reg[s.ID]; ok {
		return nil, scheduler.ErrDuplicate
	}
	f.reg[s.ID] = s
	return s, nil
}

func (f *fakeSchedules) Unregister(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.reg[id]
	delete(f.reg, id)
	return ok
}

func (f *fakeSchedules) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.reg[id]
	return ok
}

type peer struct {
	id    string
	job   *Job
	reg   *command.Registry
	sched *fakeSchedules
}

func newPeer(t *testing.T, net *loopback, id string, cfg Config) *peer {
	t.Helper()
	p := &peer{id: id, reg: command.NewRegistry(logx.Nop()), sched: &fakeSchedules{reg: map[string]*scheduler.Schedule{}}}
	if cfg.Name == "" {
		cfg.Name = "billing"
	}
	cfg.ChannelID = "negotiation"
	cfg.Rand = zeroRand{}
	job, err := New(cfg, id, Deps{Sender: net, Schedules: p.sched, Commands: p.reg, Logger: logx.Nop()})
	require.NoError(t, err)
	p.job = job
	require.NoError(t, job.Start(context.Background()))
	net.mu.Lock()
	net.peers[id] = p
	net.mu.Unlock()
	return p
}

func round(t *testing.T, net *loopback, peers ...*peer) {
	t.Helper()
	for _, p := range peers {
		_, err := p.job.Tick(context.Background())
		require.NoError(t, err)
		net.pump(t)
	}
}

func activeCount(peers ...*peer) (int, *peer) {
	n := 0
	var act *peer
	for _, p := range peers {
		if p.job.IsActive() {
			n++
			act = p
		}
	}
	return n, act
}

func TestThreePeersConverge(t *testing.T) {
	net := &loopback{peers: map[string]*peer{}}
	a := newPeer(t, net, "a", Config{})
	b := newPeer(t, net, "b", Config{})
	c := newPeer(t, net, "c", Config{})

	for i := 0; i < 8; i++ {
		round(t, net, a, b, c)
	}

	n, act := activeCount(a, b, c)
	require.Equal(t, 1, n)
	for _, p := range []*peer{a, b, c} {
		if p == act {
			continue
		}
		st := p.job.Snapshot()
		assert.Equal(t, Inactive.String(), st.State)
		assert.Equal(t, act.id, st.Master)
	}
	st := act.job.Snapshot()
	assert.Len(t, st.Standbys, 2)
	assert.Contains(t, st.Summary, "Status=Active")
}

func TestFailoverAfterMasterCrash(t *testing.T) {
	net := &loopback{peers: map[string]*peer{}}
	a := newPeer(t, net, "a", Config{MaxPolls: 3})
	b := newPeer(t, net, "b", Config{MaxPolls: 3})
	c := newPeer(t, net, "c", Config{MaxPolls: 3})
	for i := 0; i < 8; i++ {
		round(t, net, a, b, c)
	}
	n, act := activeCount(a, b, c)
	require.Equal(t, 1, n)

	// Crash: no ResyncMaster is sent.
	net.drop(act.id)
	rest := []*peer{}
	for _, p := range []*peer{a, b, c} {
		if p != act {
			rest = append(rest, p)
		}
	}

	// Three unanswered polls, then the fourth tick starts a new attempt.
	for i := 0; i < 3; i++ {
		round(t, net, rest...)
	}
	for _, p := range rest {
		assert.NotEqual(t, Starting, p.job.State())
	}
	round(t, net, rest...)
	for _, p := range rest {
		assert.Equal(t, Starting, p.job.State())
	}

	for i := 0; i < 6; i++ {
		round(t, net, rest...)
	}
	n, winner := activeCount(rest...)
	require.Equal(t, 1, n)
	assert.NotEqual(t, act.id, winner.id)
}

func TestActivationSideEffects(t *testing.T) {
	net := &loopback{peers: map[string]*peer{}}
	var calls []string
	cfg := Config{Commands: []DutyCommand{{
		Key:    command.Exact("billing", "invoice", "run"),
		Action: func(context.Context, *command.Request) error { return nil },
	}}}
	p := newPeer(t, net, "solo", cfg)
	sub, err := p.job.MasterJobRegister(time.Minute, func(context.Context, *scheduler.Schedule) error { return nil },
		WithName("invoice-run"),
		WithActivate(func(*scheduler.Schedule) error { calls = append(calls, "up"); return errors.New("hook failed") }),
		WithDeactivate(func(*scheduler.Schedule) error { calls = append(calls, "down"); return nil }),
	)
	require.NoError(t, err)

	for i := 0; i < 8 && !p.job.IsActive(); i++ {
		round(t, net, p)
	}
	require.True(t, p.job.IsActive())
	assert.True(t, p.sched.has(sub.ID), "sub-job scheduled despite hook failure")
	assert.True(t, p.reg.Supports(transport.Header{ChannelID: "billing", MessageType: "invoice", ActionType: "run"}))

	require.NoError(t, p.job.Stop(context.Background()))
	assert.Equal(t, []string{"up", "down"}, calls)
	assert.False(t, p.sched.has(sub.ID))
	assert.False(t, p.reg.Supports(transport.Header{ChannelID: "billing", MessageType: "invoice", ActionType: "run"}))
	assert.Empty(t, p.sched.reg, "tick schedule removed")

	net.mu.Lock()
	require.NotEmpty(t, net.queue)
	last := net.queue[len(net.queue)-1]
	net.mu.Unlock()
	assert.Equal(t, string(ResyncMaster), last.ActionType)
}

func TestCompetingMastersLowerIDWins(t *testing.T) {
	net := &loopback{peers: map[string]*peer{}}
	a := newPeer(t, net, "a", Config{})
	b := newPeer(t, net, "b", Config{})
	for _, p := range []*peer{a, b} {
		p.job.mu.Lock()
		p.job.state = Active
		p.job.mu.Unlock()
	}

	require.NoError(t, b.job.Receive(context.Background(), transport.NewMessage("a", transport.Header{ActionType: string(IAmMaster)}, nil)))
	assert.Equal(t, Inactive, b.job.State())
	assert.Equal(t, "a", b.job.Snapshot().Master)

	require.NoError(t, a.job.Receive(context.Background(), transport.NewMessage("b", transport.Header{ActionType: string(IAmMaster)}, nil)))
	assert.Equal(t, Active, a.job.State())
}

func TestYieldRuleAndResync(t *testing.T) {
	net := &loopback{peers: map[string]*peer{}}
	p := newPeer(t, net, "p", Config{})
	set := func(s State) {
		p.job.mu.Lock()
		p.job.state = s
		p.job.mu.Unlock()
	}
	msg := func(a Action) *transport.Message {
		return transport.NewMessage("other", transport.Header{ActionType: string(a)}, nil)
	}
	ctx := context.Background()

	set(Requesting2)
	require.NoError(t, p.job.Receive(ctx, msg(RequestingControl1)))
	assert.Equal(t, Requesting2, p.job.State(), "a later stage does not yield to an earlier request")
	require.NoError(t, p.job.Receive(ctx, msg(RequestingControl2)))
	assert.Equal(t, Inactive, p.job.State())

	require.NoError(t, p.job.Receive(ctx, msg(ResyncMaster)))
	assert.Equal(t, Starting, p.job.State())

	set(VerifyingComms)
	require.NoError(t, p.job.Receive(ctx, msg(IAmMaster)))
	assert.Equal(t, VerifyingComms, p.job.State(), "peers are ignored until our own echo arrives")
	require.NoError(t, p.job.Receive(ctx, transport.NewMessage("p", transport.Header{ActionType: string(WhoIsMaster)}, nil)))
	assert.Equal(t, Starting, p.job.State())
}

func TestTickKeepsStateOnSendFailure(t *testing.T) {
	net := &loopback{peers: map[string]*peer{}}
	bus := eventbus.New()
	ch, stop := bus.Subscribe(8)
	defer stop()
	job, err := New(Config{Name: "x", ChannelID: "neg", Rand: zeroRand{}}, "me", Deps{
		Sender: net, Schedules: &fakeSchedules{reg: map[string]*scheduler.Schedule{}}, Commands: command.NewRegistry(logx.Nop()), Bus: bus, Logger: logx.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, job.Start(context.Background()))
	job.mu.Lock()
	job.state = Starting
	job.mu.Unlock()

	net.fail = true
	_, err = job.Tick(context.Background())
	assert.ErrorIs(t, err, transport.ErrTimeout)
	assert.Equal(t, Starting, job.State())

	net.fail = false
	next, err := job.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, next)
	assert.Equal(t, Requesting1, job.State())

	ev := <-ch
	tr := ev.Data.(Transition)
	assert.Equal(t, Starting, tr.From)
	assert.Equal(t, Requesting1, tr.To)
}
