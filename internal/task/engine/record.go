package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one unit of work tracked by the engine, from submission to
// completion. The exported fields are set by the submitter before Submit
// and not touched afterwards.
type Record struct {
	ID     string
	Kind   Kind
	Name   string
	Caller string

	// Priority: lower runs first. PriorityInternal bypasses slots.
	Priority int
	// TTL: 0 means the engine default.
	TTL         time.Duration
	LongRunning bool

	Run        func(ctx context.Context) error
	OnComplete func(r *Record, failed bool, err error)

	Callback   TimeoutNotifier
	CallbackID string

	// Context is the parent for the work context; nil means Background.
	Context context.Context

	created  time.Time
	queuedAt time.Time
	tick     uint64
	index    int // heap position, -1 when not queued

	completeOnce sync.Once

	mu          sync.Mutex
	state       State
	slot        int
	lane        Lane
	executeAt   time.Time
	cancelledAt time.Time
	killed      bool
	cancel      context.CancelFunc
	failed      bool
	err         error
}

// NewRecord creates a record with a fresh id.
func NewRecord(kind Kind, name string, run func(ctx context.Context) error) *Record {
	return &Record{
		ID:      uuid.NewString(),
		Kind:    kind,
		Name:    name,
		Run:     run,
		created: time.Now(),
		index:   -1,
		slot:    -1,
	}
}

func (r *Record) Created() time.Time { return r.created }

func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Slot is the admitted slot number, or -1.
func (r *Record) Slot() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slot
}

func (r *Record) Lane() Lane {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lane
}

// ExecuteAt reports when the record was admitted.
func (r *Record) ExecuteAt() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.executeAt, !r.executeAt.IsZero()
}

// ExpireTime is admission time plus TTL. Long-running and unstarted records
// have none.
func (r *Record) ExpireTime() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expireTimeLocked()
}

func (r *Record) expireTimeLocked() (time.Time, bool) {
	if r.executeAt.IsZero() || r.LongRunning {
		return time.Time{}, false
	}
	return r.executeAt.Add(r.TTL), true
}

func (r *Record) HasExpired(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.expireTimeLocked()
	return ok && now.After(exp)
}

func (r *Record) IsCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.cancelledAt.IsZero()
}

func (r *Record) CancelledAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelledAt
}

func (r *Record) IsKilled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.killed
}

// Err is the terminal error, valid once the record has completed.
func (r *Record) Err() (failed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed, r.err
}

// Cancel requests cooperative cancellation. Only the first call has effect
// and only while the record is queued or executing. The callback, if any,
// is notified; a panicking callback is ignored.
func (r *Record) Cancel() bool {
	r.mu.Lock()
	if !r.cancelledAt.IsZero() || r.state.terminal() {
		r.mu.Unlock()
		return false
	}
	r.cancelledAt = time.Now()
	cancel := r.cancel
	cb, cbID := r.Callback, r.CallbackID
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cb != nil && cbID != "" {
		func() {
			defer func() { _ = recover() }()
			cb.TaskTimedOut(context.Background(), cbID)
		}()
	}
	return true
}

// Debug renders the record for logs and status output.
func (r *Record) Debug() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp := "none"
	if t, ok := r.expireTimeLocked(); ok {
		exp = t.Format(time.RFC3339)
	}
	return fmt.Sprintf("%s %s/%s prio=%d slot=%d lane=%s state=%s long=%t expires=%s caller=%q",
		r.ID, r.Kind, r.Name, r.Priority, r.slot, r.lane, r.state, r.LongRunning, exp, r.Caller)
}

// setState moves forward only; terminal states are final.
func (r *Record) setStateLocked(s State) bool {
	if r.state.terminal() || s < r.state {
		return false
	}
	r.state = s
	return true
}

func (r *Record) info(now time.Time) RecordInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RecordInfo{
		ID:          r.ID,
		Name:        r.Name,
		Kind:        r.Kind.String(),
		Priority:    r.Priority,
		Slot:        r.slot,
		Lane:        r.lane.String(),
		LongRunning: r.LongRunning,
		Cancelled:   !r.cancelledAt.IsZero(),
		Age:         now.Sub(r.executeAt),
	}
}
