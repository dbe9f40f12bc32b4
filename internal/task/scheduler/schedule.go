package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Schedule is a periodic or one-shot action. Exported fields are read by
// the registry at registration; change the frequency later with SetFrequency.
type Schedule struct {
	ID   string
	Name string

	// Frequency 0 with no Cron makes the schedule one-shot: it runs once
	// and deregisters itself.
	Frequency   time.Duration
	InitialWait time.Duration
	// InitialTime, when set, overrides InitialWait for the first run.
	InitialTime time.Time
	// Cron, when set, computes every run after the first.
	Cron cron.Schedule

	Priority    int
	TTL         time.Duration
	LongRunning bool

	Action func(ctx context.Context, s *Schedule) error

	mu sync.Mutex
	// gen counts registrations; a run only acts on the registration that
	// submitted it.
	gen        uint64
	frequency  time.Duration
	shouldPoll bool
	nextRun    time.Time
	executing  bool
	runs       uint64
	failures   uint64
	lastRun    time.Time
	lastErr    string
}

// NewSchedule returns a schedule with a fresh id that polls once registered.
func NewSchedule(name string, frequency time.Duration, action func(ctx context.Context, s *Schedule) error) *Schedule {
	return &Schedule{ID: uuid.NewString(), Name: name, Frequency: frequency, Action: action}
}

// SetFrequency changes the interval used after the current run.
func (s *Schedule) SetFrequency(d time.Duration) {
	s.mu.Lock()
	s.frequency = d
	s.mu.Unlock()
}

func (s *Schedule) CurrentFrequency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frequency
}

// SetShouldPoll pauses or resumes the schedule without deregistering it.
func (s *Schedule) SetShouldPoll(v bool) {
	s.mu.Lock()
	s.shouldPoll = v
	s.mu.Unlock()
}

func (s *Schedule) ShouldPoll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shouldPoll
}

func (s *Schedule) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// RunNow makes the schedule due on the next poll.
func (s *Schedule) RunNow() {
	s.mu.Lock()
	s.nextRun = time.Time{}
	s.mu.Unlock()
}

func (s *Schedule) oneShot() bool {
	return s.frequency <= 0 && s.Cron == nil
}

// nextAfterLocked computes the run following one that finished at t.
func (s *Schedule) nextAfterLocked(t time.Time) time.Time {
	if s.Cron != nil {
		return s.Cron.Next(t)
	}
	return t.Add(s.frequency)
}

func (s *Schedule) info() ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ScheduleInfo{
		ID:         s.ID,
		Name:       s.Name,
		Frequency:  s.frequency,
		Cron:       s.Cron != nil,
		NextRun:    s.nextRun,
		LastRun:    s.lastRun,
		Executing:  s.executing,
		ShouldPoll: s.shouldPoll,
		Runs:       s.runs,
		Failures:   s.failures,
		LastErr:    s.lastErr,
	}
}

type ScheduleInfo struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Frequency  time.Duration `json:"frequency"`
	Cron       bool          `json:"cron"`
	NextRun    time.Time     `json:"next_run"`
	LastRun    time.Time     `json:"last_run"`
	Executing  bool          `json:"executing"`
	ShouldPoll bool          `json:"should_poll"`
	Runs       uint64        `json:"runs"`
	Failures   uint64        `json:"failures"`
	LastErr    string        `json:"last_err,omitempty"`
}
