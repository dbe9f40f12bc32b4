package engine

import (
	"context"
	"time"
)

// PriorityInternal marks follow-up work generated inside the process. Such
// records start immediately and never consume a slot.
const PriorityInternal = -1

// Config controls slot capacity and the sweep.
type Config struct {
	// Slots is the normal concurrency budget.
	Slots int
	// ReservedSlots is an extra pool only long-running records may use.
	ReservedSlots int

	// DefaultTTL applies when Record.TTL is 0.
	DefaultTTL    time.Duration
	SweepInterval time.Duration
	// KillAfter is how long a cancelled record may keep its slot before the
	// engine marks it killed and reclaims the slot. 0 disables killing.
	KillAfter time.Duration

	QueueSize int
	// MaxQueueDelay sheds records queued longer than this. 0 disables shedding.
	MaxQueueDelay time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Slots <= 0 {
		c.Slots = 8
	}
	if c.ReservedSlots < 0 {
		c.ReservedSlots = 0
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.KillAfter < 0 {
		c.KillAfter = 0
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Kind says where a record came from.
type Kind int

const (
	KindNotSet Kind = iota
	KindPayload
	KindSchedule
	KindListenerPoll
	KindOverload
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindPayload:
		return "payload"
	case KindSchedule:
		return "schedule"
	case KindListenerPoll:
		return "listener_poll"
	case KindOverload:
		return "overload"
	case KindInternal:
		return "internal"
	default:
		return "notset"
	}
}

// State is the record lifecycle. It only moves forward.
type State int

const (
	StateCreated State = iota
	StateQueued
	StateExecuting
	StateCompleted
	StateCancelled
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateKilled:
		return "killed"
	default:
		return "created"
	}
}

func (s State) terminal() bool { return s >= StateCompleted }

// Lane is the capacity pool a running record occupies.
type Lane int

const (
	LaneNone Lane = iota
	LaneNormal
	LaneReserved
	LaneInternal
)

func (l Lane) String() string {
	switch l {
	case LaneNormal:
		return "normal"
	case LaneReserved:
		return "reserved"
	case LaneInternal:
		return "internal"
	default:
		return "none"
	}
}

// TimeoutNotifier is told, best effort, when a record carrying its
// callback id is cancelled.
type TimeoutNotifier interface {
	TaskTimedOut(ctx context.Context, callbackID string)
}

// Observer receives engine measurements. Implementations must be cheap.
type Observer interface {
	TaskAdmitted(kind Kind, lane Lane, queueDelay time.Duration)
	TaskFinished(kind Kind, outcome string, dur time.Duration)
	SlotsChanged(active, pending, available int)
}

// Outcomes reported to Observer.TaskFinished and in history.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeShed      = "shed"
	OutcomeKilled    = "killed"
)

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Kind       string        `json:"kind"`
	Outcome    string        `json:"outcome"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	Finished   time.Time     `json:"finished"`
}

// TaskEvent is published on the event bus for abnormal terminations.
type TaskEvent struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Priority int    `json:"priority"`
	Slot     int    `json:"slot"`
	Error    string `json:"error,omitempty"`
}

// RecordInfo describes an executing record.
type RecordInfo struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Kind        string        `json:"kind"`
	Priority    int           `json:"priority"`
	Slot        int           `json:"slot"`
	Lane        string        `json:"lane"`
	LongRunning bool          `json:"long_running"`
	Cancelled   bool          `json:"cancelled"`
	Age         time.Duration `json:"age"`
}

type Counters struct {
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	TimedOut  uint64 `json:"timed_out"`
	Cancelled uint64 `json:"cancelled"`
	Shed      uint64 `json:"shed"`
	Killed    uint64 `json:"killed"`
	Rejected  uint64 `json:"rejected"`
}

type Snapshot struct {
	Slots          int           `json:"slots"`
	ReservedSlots  int           `json:"reserved_slots"`
	Active         int           `json:"active"`
	ActiveReserved int           `json:"active_reserved"`
	ActiveInternal int           `json:"active_internal"`
	Pending        int           `json:"pending"`
	Available      int           `json:"available"`
	Counters       Counters      `json:"counters"`
	Running        []RecordInfo  `json:"running"`
	History        []HistoryItem `json:"history"`
}
