package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "github.com/ikvm/Microservice/internal/runtime/supervisor"
	"github.com/ikvm/Microservice/internal/task/engine"
	"github.com/ikvm/Microservice/pkg/logx"
)

var (
	ErrNoAction        = errors.New("schedule has no action")
	ErrDuplicate       = errors.New("schedule already registered")
	ErrBadFrequency    = errors.New("schedule frequency must not be negative")
	ErrUnknownTimezone = errors.New("unknown timezone")
)

type Config struct {
	// PollInterval is how often due schedules are checked.
	PollInterval time.Duration
	// Timezone is the IANA zone for cron specs; empty means local.
	Timezone string
	// StartupSpread randomizes the first run of interval schedules added with AddSchedule.
	StartupSpread bool
}

// Submitter is the part of the task engine the registry needs.
type Submitter interface {
	Submit(r *engine.Record) error
}

type Service struct {
	mu        sync.Mutex
	cfg       Config
	loc       *time.Location
	log       logx.Logger
	engine    Submitter
	schedules map[string]*Schedule

	sup *rtsup.Supervisor

	lastSubmitWarn map[string]time.Time
}

func New(cfg Config, log logx.Logger, eng Submitter) (*Service, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrUnknownTimezone, cfg.Timezone, err)
		}
		loc = l
	}
	return &Service{
		cfg:            cfg,
		loc:            loc,
		log:            log.With(logx.String("comp", "scheduler")),
		engine:         eng,
		schedules:      map[string]*Schedule{},
		lastSubmitWarn: map[string]time.Time{},
	}, nil
}

// Register adds s and computes its first run.
func (s *Service) Register(sch *Schedule) (*Schedule, error) {
	if sch == nil || sch.Action == nil {
		return nil, ErrNoAction
	}
	if sch.Frequency < 0 {
		return nil, ErrBadFrequency
	}
	if sch.ID == "" {
		sch.ID = uuid.NewString()
	}
	now := time.Now()

	sch.mu.Lock()
	sch.frequency = sch.Frequency
	sch.shouldPoll = true
	switch {
	case !sch.InitialTime.IsZero():
		sch.nextRun = sch.InitialTime
	case sch.InitialWait > 0:
		sch.nextRun = now.Add(sch.InitialWait)
	case sch.Cron != nil:
		sch.nextRun = sch.Cron.Next(now)
	default:
		sch.nextRun = now
	}
	sch.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[sch.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, sch.ID)
	}
	sch.mu.Lock()
	sch.gen++
	sch.mu.Unlock()
	s.schedules[sch.ID] = sch
	s.log.Debug("schedule registered", logx.String("name", sch.Name), logx.String("id", sch.ID), logx.Time("next", sch.NextRun()))
	return sch, nil
}

// Unregister removes a schedule. A run already submitted completes normally.
func (s *Service) Unregister(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[id]
	if !ok {
		return false
	}
	s.removeLocked(sch)
	return true
}

// unregisterGen removes sch only if it is still the registration gen.
func (s *Service) unregisterGen(sch *Schedule, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch.mu.Lock()
	current := sch.gen == gen
	sch.mu.Unlock()
	if cur, ok := s.schedules[sch.ID]; ok && cur == sch && current {
		s.removeLocked(sch)
	}
}

func (s *Service) removeLocked(sch *Schedule) {
	id := sch.ID
	delete(s.schedules, id)
	sch.SetShouldPoll(false)
	delete(s.lastSubmitWarn, id)
	s.log.Debug("schedule unregistered", logx.String("name", sch.Name), logx.String("id", id))
}

func (s *Service) Get(id string) (*Schedule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[id]
	return sch, ok
}

// AddSchedule registers fn under a cron, duration or HH:MM spec.
func (s *Service) AddSchedule(name, spec string, ttl time.Duration, fn func(ctx context.Context) error) (*Schedule, error) {
	ps, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}
	sch := NewSchedule(name, 0, func(ctx context.Context, _ *Schedule) error { return fn(ctx) })
	sch.TTL = ttl
	switch ps.Kind {
	case SpecCron:
		cs, err := ps.CronSchedule(s.loc)
		if err != nil {
			return nil, err
		}
		sch.Cron = cs
	case SpecInterval:
		sch.Frequency = ps.Every
		sch.InitialWait = ps.Every
		if s.cfg.StartupSpread {
			sch.InitialWait += startupSpread(ps.Every)
		}
	}
	return s.Register(sch)
}

// Poll submits every due schedule that is not already executing and
// returns how many were submitted.
func (s *Service) Poll(now time.Time) int {
	s.mu.Lock()
	due := make([]*Schedule, 0, len(s.schedules))
	gens := make(map[*Schedule]uint64, len(s.schedules))
	for _, sch := range s.schedules {
		sch.mu.Lock()
		if sch.shouldPoll && !sch.executing && !now.Before(sch.nextRun) {
			sch.executing = true
			due = append(due, sch)
			gens[sch] = sch.gen
		}
		sch.mu.Unlock()
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].NextRun().Before(due[j].NextRun()) })

	n := 0
	for _, sch := range due {
		if err := s.submit(sch, gens[sch]); err != nil {
			sch.mu.Lock()
			sch.executing = false
			sch.mu.Unlock()
			if s.shouldWarn(sch.ID, now) {
				s.log.Warn("schedule submit failed", logx.String("name", sch.Name), logx.Err(err))
			}
			continue
		}
		n++
	}
	return n
}

func (s *Service) submit(sch *Schedule, gen uint64) error {
	rec := engine.NewRecord(engine.KindSchedule, sch.Name, func(ctx context.Context) error {
		return sch.Action(ctx, sch)
	})
	rec.Caller = "schedule:" + sch.ID
	rec.Priority = sch.Priority
	rec.TTL = sch.TTL
	rec.LongRunning = sch.LongRunning
	rec.OnComplete = func(_ *engine.Record, failed bool, err error) { s.complete(sch, gen, failed, err) }
	return s.engine.Submit(rec)
}

// complete records a finished run. A run from an earlier registration of
// sch updates the counters but leaves the current registration alone.
func (s *Service) complete(sch *Schedule, gen uint64, failed bool, err error) {
	now := time.Now()
	sch.mu.Lock()
	current := sch.gen == gen
	sch.executing = false
	sch.runs++
	sch.lastRun = now
	sch.lastErr = ""
	if failed {
		sch.failures++
		if err != nil {
			sch.lastErr = err.Error()
		}
	}
	oneShot := sch.oneShot()
	if !oneShot && current {
		sch.nextRun = sch.nextAfterLocked(now)
	}
	sch.mu.Unlock()

	if failed {
		s.log.Warn("schedule run failed", logx.String("name", sch.Name), logx.Err(err))
	}
	if oneShot && current {
		s.unregisterGen(sch, gen)
	}
}

func (s *Service) shouldWarn(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastSubmitWarn[id]; ok && now.Sub(last) < 30*time.Second {
		return false
	}
	s.lastSubmitWarn[id] = now
	return true
}

// Start runs the poll loop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	sup, every := s.sup, s.cfg.PollInterval
	s.mu.Unlock()

	sup.GoRestart("scheduler.poll", func(ctx context.Context) error {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case now := <-t.C:
				s.Poll(now)
			}
		}
	})
	s.log.Info("scheduler started", logx.Duration("poll", every), logx.String("tz", s.loc.String()))
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// Snapshot lists registered schedules by next run.
func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	out := make([]ScheduleInfo, 0, len(s.schedules))
	for _, sch := range s.schedules {
		out = append(out, sch.info())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(out[j].NextRun) })
	return out
}
