package masterjob

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ikvm/Microservice/internal/command"
	"github.com/ikvm/Microservice/internal/eventbus"
	"github.com/ikvm/Microservice/internal/task/scheduler"
	"github.com/ikvm/Microservice/internal/transport"
	"github.com/ikvm/Microservice/pkg/logx"
)

var (
	ErrNoName      = errors.New("master job needs a name")
	ErrNoChannel   = errors.New("master job needs a negotiation channel")
	ErrNotStarted  = errors.New("master job not started")
	ErrStarted     = errors.New("master job already started")
	ErrNilSubJob   = errors.New("master sub-job action is nil")
	ErrMissingDeps = errors.New("master job dependencies missing")
)

type Sender interface {
	Send(ctx context.Context, m *transport.Message) error
}

type Schedules interface {
	Register(s *scheduler.Schedule) (*scheduler.Schedule, error)
	Unregister(id string) bool
}

type Commands interface {
	Register(key command.Key, action command.Handler, opts ...command.Option) error
	Unregister(key command.Key) bool
	UnregisterOwner(owner string) int
}

// Observer is told about every state change, e.g. to export a gauge.
type Observer interface {
	ObserveMasterState(job string, state string, active bool)
}

type Deps struct {
	Sender    Sender
	Schedules Schedules
	Commands  Commands
	Bus       eventbus.Bus
	Observer  Observer
	Logger    logx.Logger
}

type subJob struct {
	schedule   *scheduler.Schedule
	activate   func(*scheduler.Schedule) error
	deactivate func(*scheduler.Schedule) error
}

type SubOption func(*subJob)

func WithName(name string) SubOption { return func(s *subJob) { s.schedule.Name = name } }

func WithInitialWait(d time.Duration) SubOption {
	return func(s *subJob) { s.schedule.InitialWait = d }
}

func WithInitialTime(t time.Time) SubOption {
	return func(s *subJob) { s.schedule.InitialTime = t }
}

// WithActivate runs fn before the sub-job is scheduled on activation.
// A failure is logged and the sub-job is still scheduled.
func WithActivate(fn func(*scheduler.Schedule) error) SubOption {
	return func(s *subJob) { s.activate = fn }
}

func WithDeactivate(fn func(*scheduler.Schedule) error) SubOption {
	return func(s *subJob) { s.deactivate = fn }
}

// Job is one peer's view of the election for a single duty.
type Job struct {
	cfg  Config
	self string
	deps Deps
	log  logx.Logger

	negotiationKey command.Key
	dutyOwner      string

	mu         sync.Mutex
	state      State
	gen        uint64
	master     string
	masterSeen time.Time
	polls      int
	lastPoll   time.Time
	standbys   map[string]time.Time
	subs       []*subJob
	tick       *scheduler.Schedule
	started    bool
}

// New returns a job for the peer identified by self. The job starts in
// VerifyingComms and does nothing until Start.
func New(cfg Config, self string, deps Deps) (*Job, error) {
	if cfg.Name == "" {
		return nil, ErrNoName
	}
	if cfg.ChannelID == "" {
		return nil, ErrNoChannel
	}
	if deps.Sender == nil || deps.Schedules == nil || deps.Commands == nil {
		return nil, ErrMissingDeps
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	cfg = cfg.withDefaults()
	return &Job{
		cfg:            cfg,
		self:           self,
		deps:           deps,
		log:            deps.Logger.With(logx.String("comp", "masterjob"), logx.String("job", cfg.Name)),
		negotiationKey: command.Prefix(cfg.ChannelID, cfg.MessageType),
		dutyOwner:      "masterjob:" + cfg.Name,
		state:          VerifyingComms,
		standbys:       map[string]time.Time{},
	}, nil
}

func (j *Job) Name() string { return j.cfg.Name }

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) IsActive() bool { return j.State() == Active }

// MasterJobRegister adds a sub-job that is only scheduled while this peer
// is the active master. frequency 0 makes it a one-shot per activation.
func (j *Job) MasterJobRegister(frequency time.Duration, action func(ctx context.Context, s *scheduler.Schedule) error, opts ...SubOption) (*scheduler.Schedule, error) {
	if action == nil {
		return nil, ErrNilSubJob
	}
	sj := &subJob{schedule: scheduler.NewSchedule(j.cfg.Name+"/sub", frequency, action)}
	for _, o := range opts {
		o(sj)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.subs = append(j.subs, sj)
	if j.state == Active {
		j.activateSubLocked(sj)
	}
	return sj.schedule, nil
}

// Start registers the negotiation handler and tick schedule.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return ErrStarted
	}
	if err := j.deps.Commands.Register(j.negotiationKey, j.Handle, command.WithOwner(j.dutyOwner+":negotiation")); err != nil {
		return fmt.Errorf("masterjob %s: register negotiation: %w", j.cfg.Name, err)
	}
	tick := scheduler.NewSchedule("masterjob:"+j.cfg.Name, j.cfg.Frequency, func(ctx context.Context, s *scheduler.Schedule) error {
		next, err := j.Tick(ctx)
		s.SetFrequency(next)
		return err
	})
	tick.InitialWait = j.cfg.InitialWait
	tick.TTL = 2 * j.cfg.SendTimeout
	if _, err := j.deps.Schedules.Register(tick); err != nil {
		j.deps.Commands.Unregister(j.negotiationKey)
		return fmt.Errorf("masterjob %s: register tick: %w", j.cfg.Name, err)
	}
	j.tick = tick
	j.started = true
	j.log.Info("master job started", logx.String("self", j.self), logx.String("channel", j.cfg.ChannelID))
	return nil
}

// Stop releases mastership and removes the job's registrations. When the
// job was active, the ResyncMaster broadcast is awaited before the tick
// schedule is removed, bounded by SendTimeout.
func (j *Job) Stop(ctx context.Context) error {
	j.mu.Lock()
	if !j.started {
		j.mu.Unlock()
		return ErrNotStarted
	}
	wasActive := j.state == Active
	if wasActive {
		j.deactivateLocked()
		j.setLocked(Inactive)
	}
	j.mu.Unlock()

	var err error
	if wasActive {
		err = j.send(ctx, ResyncMaster)
		if err != nil {
			j.log.Warn("resync broadcast failed on stop", logx.Err(err))
		}
	}

	j.mu.Lock()
	if j.tick != nil {
		j.deps.Schedules.Unregister(j.tick.ID)
		j.tick = nil
	}
	j.deps.Commands.Unregister(j.negotiationKey)
	j.started = false
	j.mu.Unlock()
	j.log.Info("master job stopped", logx.Bool("was_active", wasActive))
	return err
}

// Tick performs one outgoing negotiation step and returns the interval
// until the next one. The state advances only if the send succeeded and no
// incoming message changed the state while it was in flight.
func (j *Job) Tick(ctx context.Context) (time.Duration, error) {
	j.mu.Lock()
	from := j.state
	gen := j.gen
	j.lastPoll = time.Now()
	j.mu.Unlock()

	err := j.send(ctx, tickAction(from))

	j.mu.Lock()
	defer j.mu.Unlock()
	next := j.cfg.DefaultWindow.pick(j.cfg.Rand)
	if err != nil {
		return next, err
	}
	if j.gen != gen {
		return next, nil
	}
	switch from {
	case Starting:
		j.setLocked(Requesting1)
	case Inactive:
		if j.polls == 0 {
			next = j.cfg.FirstInactiveWindow.pick(j.cfg.Rand)
		}
		j.polls++
		if j.polls > j.cfg.MaxPolls {
			j.log.Info("master not heard, starting negotiation", logx.Int("polls", j.polls-1), logx.String("last_master", j.master))
			j.master, j.polls = "", 0
			j.setLocked(Starting)
		}
	case Requesting1:
		j.setLocked(Requesting2)
	case Requesting2:
		j.setLocked(TakingControl)
	case TakingControl:
		j.setLocked(Active)
		j.activateLocked()
	case Active:
		next = j.cfg.ActiveWindow.pick(j.cfg.Rand)
		j.master, j.masterSeen = j.self, time.Now()
	}
	return next, nil
}

func tickAction(s State) Action {
	switch s {
	case Requesting1:
		return RequestingControl1
	case Requesting2:
		return RequestingControl2
	case TakingControl:
		return TakingControlNow
	case Active:
		return IAmMaster
	default:
		return WhoIsMaster
	}
}

// Handle is the negotiation command handler.
func (j *Job) Handle(ctx context.Context, req *command.Request) error {
	m := req.Message()
	if m == nil {
		return nil
	}
	return j.Receive(ctx, m)
}

// Receive applies an incoming negotiation message and sends any replies.
func (j *Job) Receive(ctx context.Context, m *transport.Message) error {
	action, ok := ParseAction(m.ActionType)
	if !ok {
		j.log.Debug("unknown negotiation action", logx.String("action", m.ActionType), logx.String("from", m.OriginatorID))
		return nil
	}
	out := j.apply(m.OriginatorID, action)
	var errs []error
	for _, a := range out {
		if err := j.send(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// apply mutates the state table and returns the actions to send.
func (j *Job) apply(from string, action Action) []Action {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.started {
		return nil
	}
	if from == j.self {
		// Our own broadcast came back: the channel works.
		if j.state == VerifyingComms {
			j.setLocked(Starting)
		}
		return nil
	}
	if j.state == VerifyingComms {
		return nil
	}
	now := time.Now()

	switch action {
	case IAmStandby:
		if j.state == Active {
			j.standbys[from] = now
		}
	case IAmMaster:
		if j.state == Active {
			// Two masters: the lower id keeps the duty.
			if j.self < from {
				return []Action{IAmMaster}
			}
			j.log.Warn("yielding to competing master", logx.String("master", from))
			j.deactivateLocked()
			j.followLocked(from, now)
			return []Action{IAmStandby, ResyncMaster}
		}
		j.followLocked(from, now)
		return []Action{IAmStandby}
	case ResyncMaster:
		if j.state == Active {
			return j.syncMasterLocked(now)
		}
		j.master, j.masterSeen = "", now
		j.polls = 0
		j.setLocked(Starting)
		j.gen++
	case WhoIsMaster:
		if j.state == Active {
			return j.syncMasterLocked(now)
		}
	case RequestingControl1, RequestingControl2, TakingControlNow:
		if j.state == Active {
			return j.syncMasterLocked(now)
		}
		if stage, _ := action.stage(); j.state <= stage && j.state != Inactive {
			j.polls = 0
			j.setLocked(Inactive)
		}
	}
	return nil
}

func (j *Job) followLocked(master string, now time.Time) {
	j.master, j.masterSeen = master, now
	j.polls = 0
	j.setLocked(Inactive)
	j.gen++
}

func (j *Job) syncMasterLocked(now time.Time) []Action {
	j.master, j.masterSeen = j.self, now
	return []Action{IAmMaster}
}

func (j *Job) setLocked(to State) {
	from := j.state
	if from == to {
		return
	}
	j.state = to
	j.gen++
	j.log.Debug("master job state", logx.String("from", from.String()), logx.String("to", to.String()))
	if to == Active || from == Active {
		j.log.Info("master job mastership changed", logx.Bool("active", to == Active), logx.String("self", j.self))
	}
	j.deps.Bus.Publish(eventbus.Event{Type: eventbus.MasterStateChanged, Data: Transition{
		Job: j.cfg.Name, Self: j.self, From: from, To: to, Master: j.master, At: time.Now(),
	}})
	if j.deps.Observer != nil {
		j.deps.Observer.ObserveMasterState(j.cfg.Name, to.String(), to == Active)
	}
}

// activateLocked schedules sub-jobs and registers duty commands.
func (j *Job) activateLocked() {
	for _, sj := range j.subs {
		j.activateSubLocked(sj)
	}
	for _, dc := range j.cfg.Commands {
		opts := append([]command.Option{command.WithOwner(j.dutyOwner)}, dc.Options...)
		if err := j.deps.Commands.Register(dc.Key, dc.Action, opts...); err != nil {
			j.log.Error("duty command registration failed", logx.String("key", dc.Key.String()), logx.Err(err))
		}
	}
	j.master, j.masterSeen = j.self, time.Now()
}

func (j *Job) activateSubLocked(sj *subJob) {
	if sj.activate != nil {
		if err := guard(func() error { return sj.activate(sj.schedule) }); err != nil {
			j.log.Error("sub-job activate hook failed", logx.String("sub", sj.schedule.Name), logx.Err(err))
		}
	}
	if _, err := j.deps.Schedules.Register(sj.schedule); err != nil {
		j.log.Error("sub-job schedule failed", logx.String("sub", sj.schedule.Name), logx.Err(err))
	}
}

func (j *Job) deactivateLocked() {
	for _, sj := range j.subs {
		if sj.deactivate != nil {
			if err := guard(func() error { return sj.deactivate(sj.schedule) }); err != nil {
				j.log.Error("sub-job deactivate hook failed", logx.String("sub", sj.schedule.Name), logx.Err(err))
			}
		}
		j.deps.Schedules.Unregister(sj.schedule.ID)
	}
	clear(j.standbys)
	j.deps.Commands.UnregisterOwner(j.dutyOwner)
}

func guard(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}

func (j *Job) send(ctx context.Context, a Action) error {
	ctx, cancel := context.WithTimeout(ctx, j.cfg.SendTimeout)
	defer cancel()
	m := transport.NewMessage(j.self, transport.Header{
		ChannelID:   j.cfg.ChannelID,
		MessageType: j.cfg.MessageType,
		ActionType:  string(a),
	}, nil)
	m.ChannelPriority = j.cfg.ChannelPriority
	if err := j.deps.Sender.Send(ctx, m); err != nil {
		return fmt.Errorf("masterjob %s: send %s: %w", j.cfg.Name, a, err)
	}
	return nil
}

func (j *Job) Snapshot() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := Status{
		Name:        j.cfg.Name,
		Self:        j.self,
		State:       j.state.String(),
		Active:      j.state == Active,
		Master:      j.master,
		MasterSeen:  j.masterSeen,
		Polls:       j.polls,
		LastPoll:    j.lastPoll,
		Channel:     j.cfg.ChannelID,
		MessageType: j.cfg.MessageType,
	}
	for id, seen := range j.standbys {
		st.Standbys = append(st.Standbys, Standby{ID: id, LastSeen: seen})
	}
	sort.Slice(st.Standbys, func(a, b int) bool { return st.Standbys[a].ID < st.Standbys[b].ID })
	for _, sj := range j.subs {
		st.SubJobs = append(st.SubJobs, sj.schedule.Name)
	}
	st.Summary = fmt.Sprintf("Status=%s Channel=%s/%d Type=%s Master=%s", st.State, st.Channel, j.cfg.ChannelPriority, st.MessageType, st.Master)
	return st
}
