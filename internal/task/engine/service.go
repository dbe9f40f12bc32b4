package engine

import (
	"container/heap"
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ikvm/Microservice/internal/eventbus"
	rtsup "github.com/ikvm/Microservice/internal/runtime/supervisor"
	"github.com/ikvm/Microservice/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is the slot-bounded task scheduler. A single mutex guards the
// pending heaps, the active set and the free-slot lists; work runs on its
// own goroutine and never holds the lock.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	obs Observer

	running  bool
	sup      *rtsup.Supervisor
	sweepNow chan struct{}

	pending     recordHeap // short-lived records
	pendingLong recordHeap // long-running records
	active      map[string]*Record
	freeNormal  []int
	freeReserve []int
	internal    int
	tick        uint64

	wg sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem

	submitted, completed, failed, timedOut atomic.Uint64
	cancelled, shed, killed, rejected      atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
	lastShedWarnAt      atomic.Int64
}

type Option func(*Service)

func WithObserver(o Observer) Option { return func(s *Service) { s.obs = o } }

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("comp", "engine")),
		bus:    bus,
		active: map[string]*Record{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply updates TTL, kill, shedding and queue limits. Slot counts take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg.DefaultTTL = cfg.DefaultTTL
	s.cfg.KillAfter = cfg.KillAfter
	s.cfg.QueueSize = cfg.QueueSize
	s.cfg.MaxQueueDelay = cfg.MaxQueueDelay
	s.cfg.HistorySize = cfg.HistorySize
	if !s.running {
		s.cfg = cfg
	}
	running := s.running
	s.mu.Unlock()

	if running && (prev.Slots != cfg.Slots || prev.ReservedSlots != cfg.ReservedSlots) {
		s.log.Warn("slot capacity change requires restart",
			logx.Int("slots", prev.Slots), logx.Int("want_slots", cfg.Slots),
			logx.Int("reserved", prev.ReservedSlots), logx.Int("want_reserved", cfg.ReservedSlots))
	}
}

// Start allocates slots and runs the sweep loop under a supervisor.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.freeNormal = s.freeNormal[:0]
	for i := s.cfg.Slots - 1; i >= 0; i-- {
		s.freeNormal = append(s.freeNormal, i)
	}
	s.freeReserve = s.freeReserve[:0]
	for i := s.cfg.Slots + s.cfg.ReservedSlots - 1; i >= s.cfg.Slots; i-- {
		s.freeReserve = append(s.freeReserve, i)
	}
	s.sweepNow = make(chan struct{}, 1)
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	sup, interval, wake := s.sup, s.cfg.SweepInterval, s.sweepNow
	s.mu.Unlock()

	sup.GoRestart("engine.sweep", func(ctx context.Context) error {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case now := <-t.C:
				s.Sweep(now)
			case <-wake:
				s.Sweep(time.Now())
			}
		}
	}, rtsup.WithPublishFirstError(true))

	s.log.Info("task engine started",
		logx.Int("slots", s.cfg.Slots), logx.Int("reserved", s.cfg.ReservedSlots),
		logx.Duration("ttl", s.cfg.DefaultTTL), logx.Duration("sweep", interval))
}

// Stop refuses new work, sheds the backlog, cancels running records and
// waits for them until ctx expires.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	sup := s.sup
	s.sup = nil
	var dropped []*Record
	for s.pending.Len() > 0 {
		dropped = append(dropped, heap.Pop(&s.pending).(*Record))
	}
	for s.pendingLong.Len() > 0 {
		dropped = append(dropped, heap.Pop(&s.pendingLong).(*Record))
	}
	running := make([]*Record, 0, len(s.active))
	for _, r := range s.active {
		running = append(running, r)
	}
	s.mu.Unlock()

	if sup != nil {
		_ = sup.Stop(ctx)
	}
	for _, r := range dropped {
		r.mu.Lock()
		r.setStateLocked(StateCancelled)
		r.mu.Unlock()
		s.complete(r, ErrStopped, OutcomeCancelled)
	}
	for _, r := range running {
		r.mu.Lock()
		// shutdown cancels without the timeout callback
		if r.cancelledAt.IsZero() {
			r.cancelledAt = time.Now()
		}
		cancel := r.cancel
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("task engine stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Int("still_running", len(running)))
		return ctx.Err()
	}
}

// Submit hands r to the engine. Once Submit returns nil the engine owns r
// and fires OnComplete exactly once.
func (s *Service) Submit(r *Record) error {
	if r == nil || r.Run == nil {
		return ErrNilRecord
	}
	now := time.Now()

	r.mu.Lock()
	if r.state != StateCreated {
		r.mu.Unlock()
		return ErrResubmitted
	}
	r.mu.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.rejected.Add(1)
		return ErrStopped
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.created.IsZero() {
		r.created = now
	}
	if r.TTL <= 0 {
		r.TTL = s.cfg.DefaultTTL
	}
	s.tick++
	r.tick = s.tick
	r.queuedAt = now
	r.index = -1

	if r.Priority == PriorityInternal {
		s.startLocked(r, LaneInternal, -1, now)
		s.submitted.Add(1)
		s.mu.Unlock()
		return nil
	}

	if s.pending.Len()+s.pendingLong.Len() >= s.cfg.QueueSize {
		s.mu.Unlock()
		s.rejected.Add(1)
		if s.shouldWarn(&s.lastQueueFullWarnAt, now) {
			s.log.Warn("task rejected: queue full", logx.String("task", r.Name), logx.String("kind", r.Kind.String()))
		}
		return ErrQueueFull
	}

	r.mu.Lock()
	r.setStateLocked(StateQueued)
	r.mu.Unlock()
	if r.LongRunning {
		heap.Push(&s.pendingLong, r)
	} else {
		heap.Push(&s.pending, r)
	}
	s.submitted.Add(1)
	s.admitLocked(now)
	s.mu.Unlock()
	return nil
}

// Cancel cancels a queued or executing record. Queued records complete
// immediately with ErrCancelled. Cancelling twice is harmless.
func (s *Service) Cancel(id string) error {
	s.mu.Lock()
	if r, ok := s.active[id]; ok {
		s.mu.Unlock()
		r.Cancel()
		return nil
	}
	var found *Record
	for _, h := range []*recordHeap{&s.pending, &s.pendingLong} {
		for _, r := range *h {
			if r.ID == id {
				found = r
				break
			}
		}
		if found != nil {
			h.remove(found)
			break
		}
	}
	s.mu.Unlock()

	if found == nil {
		return ErrNotFound
	}
	found.Cancel()
	found.mu.Lock()
	found.setStateLocked(StateCancelled)
	found.mu.Unlock()
	s.complete(found, ErrCancelled, OutcomeCancelled)
	return nil
}

// Available is the number of free normal slots not already claimed by the
// backlog. Listeners poll only while it is positive.
func (s *Service) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.availableLocked()
}

func (s *Service) availableLocked() int {
	if !s.running {
		return 0
	}
	return max(0, len(s.freeNormal)-s.pending.Len())
}

// Sweep enforces TTLs, kills records that ignore cancellation and sheds
// stale backlog. It runs on the sweep loop and may be called directly.
func (s *Service) Sweep(now time.Time) {
	var expired, killed, stale []*Record

	s.mu.Lock()
	killAfter, maxDelay := s.cfg.KillAfter, s.cfg.MaxQueueDelay
	for id, r := range s.active {
		r.mu.Lock()
		cancelledAt := r.cancelledAt
		exp, hasExp := r.expireTimeLocked()
		r.mu.Unlock()

		switch {
		case cancelledAt.IsZero() && hasExp && now.After(exp):
			expired = append(expired, r)
		case !cancelledAt.IsZero() && killAfter > 0 && now.Sub(cancelledAt) > killAfter:
			r.mu.Lock()
			r.killed = true
			r.setStateLocked(StateKilled)
			r.mu.Unlock()
			delete(s.active, id)
			s.releaseLocked(r)
			killed = append(killed, r)
		}
	}
	if maxDelay > 0 {
		for _, h := range []*recordHeap{&s.pending, &s.pendingLong} {
			var drop []*Record
			for _, r := range *h {
				if now.Sub(r.queuedAt) > maxDelay {
					drop = append(drop, r)
				}
			}
			for _, r := range drop {
				h.remove(r)
				r.mu.Lock()
				r.setStateLocked(StateCancelled)
				r.mu.Unlock()
			}
			stale = append(stale, drop...)
		}
	}
	if len(killed) > 0 {
		s.admitLocked(now)
	}
	s.mu.Unlock()

	for _, r := range expired {
		if !r.Cancel() {
			continue
		}
		s.log.Warn("task timed out", logx.String("task", r.Debug()))
		s.publish(eventbus.TaskTimeout, r, ErrTimeout)
		s.complete(r, ErrTimeout, OutcomeTimeout)
	}
	for _, r := range killed {
		s.log.Error("task killed", logx.String("task", r.Debug()))
		s.publish(eventbus.TaskKilled, r, ErrKilled)
		if !s.complete(r, ErrKilled, OutcomeKilled) {
			// OnComplete already fired for the timeout
			s.account(r, ErrKilled, OutcomeKilled)
		}
	}
	for _, r := range stale {
		if s.shouldWarn(&s.lastShedWarnAt, now) {
			s.log.Warn("task shed: overload", logx.String("task", r.Name), logx.Duration("queued", now.Sub(r.queuedAt)), logx.Int("shed_batch", len(stale)))
		}
		s.publish(eventbus.TaskShed, r, ErrOverloadShed)
		s.complete(r, ErrOverloadShed, OutcomeShed)
	}
}

// admitLocked fills free capacity. Long-running records take reserved
// slots first; normal slots go to the best record across both heaps.
func (s *Service) admitLocked(now time.Time) {
	for {
		if len(s.freeReserve) > 0 && s.pendingLong.Len() > 0 {
			r := heap.Pop(&s.pendingLong).(*Record)
			slot := s.freeReserve[len(s.freeReserve)-1]
			s.freeReserve = s.freeReserve[:len(s.freeReserve)-1]
			s.startLocked(r, LaneReserved, slot, now)
			continue
		}
		if len(s.freeNormal) == 0 {
			break
		}
		a, b := s.pending.peek(), s.pendingLong.peek()
		var r *Record
		switch {
		case a == nil && b == nil:
		case b == nil || (a != nil && before(a, b)):
			r = heap.Pop(&s.pending).(*Record)
		default:
			r = heap.Pop(&s.pendingLong).(*Record)
		}
		if r == nil {
			break
		}
		slot := s.freeNormal[len(s.freeNormal)-1]
		s.freeNormal = s.freeNormal[:len(s.freeNormal)-1]
		s.startLocked(r, LaneNormal, slot, now)
	}
	s.observeSlotsLocked()
}

func (s *Service) startLocked(r *Record, lane Lane, slot int, now time.Time) {
	parent := r.Context
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	r.mu.Lock()
	r.setStateLocked(StateExecuting)
	r.lane = lane
	r.slot = slot
	r.executeAt = now
	r.cancel = cancel
	r.mu.Unlock()

	if lane == LaneInternal {
		s.internal++
	}
	s.active[r.ID] = r
	if s.obs != nil {
		s.obs.TaskAdmitted(r.Kind, lane, now.Sub(r.queuedAt))
	}

	s.wg.Add(1)
	go s.execute(ctx, r)
}

func (s *Service) releaseLocked(r *Record) {
	r.mu.Lock()
	lane, slot := r.lane, r.slot
	r.mu.Unlock()
	switch lane {
	case LaneNormal:
		s.freeNormal = append(s.freeNormal, slot)
	case LaneReserved:
		s.freeReserve = append(s.freeReserve, slot)
	case LaneInternal:
		s.internal--
	}
}

func (s *Service) execute(ctx context.Context, r *Record) {
	defer s.wg.Done()

	err := runGuarded(ctx, r)

	r.mu.Lock()
	// the submitter's own context ending counts as a cancellation, not a failure
	if r.cancelledAt.IsZero() && errors.Is(err, context.Canceled) && r.Context != nil && r.Context.Err() != nil {
		r.cancelledAt = time.Now()
	}
	cancelled := !r.cancelledAt.IsZero()
	if cancelled {
		r.setStateLocked(StateCancelled)
	} else {
		r.setStateLocked(StateCompleted)
	}
	cancelFn := r.cancel
	r.mu.Unlock()
	if cancelFn != nil {
		cancelFn()
	}

	s.mu.Lock()
	// A killed record already gave its slot back.
	if cur, ok := s.active[r.ID]; ok && cur == r {
		delete(s.active, r.ID)
		s.releaseLocked(r)
		if s.running {
			s.admitLocked(time.Now())
		}
	}
	s.mu.Unlock()

	outcome := OutcomeCompleted
	switch {
	case cancelled && (err == nil || errors.Is(err, context.Canceled)):
		err, outcome = ErrCancelled, OutcomeCancelled
	case err != nil:
		outcome = OutcomeFailed
		var pe *PanicError
		if errors.As(err, &pe) {
			s.log.Error("task panicked", logx.String("task", r.Name), logx.Any("panic", pe.Value), logx.Stack(pe.Stack))
		}
		s.publish(eventbus.TaskFailed, r, err)
	}
	s.complete(r, err, outcome)
}

func runGuarded(ctx context.Context, r *Record) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p, Stack: string(debug.Stack())}
		}
	}()
	return r.Run(ctx)
}

// complete fires OnComplete exactly once per record and reports whether
// this call was the one that fired it.
func (s *Service) complete(r *Record, err error, outcome string) bool {
	fired := false
	r.completeOnce.Do(func() {
		fired = true
		failed := err != nil
		r.mu.Lock()
		r.failed, r.err = failed, err
		r.mu.Unlock()

		s.account(r, err, outcome)

		if r.OnComplete != nil {
			func() {
				defer func() {
					if p := recover(); p != nil {
						s.log.Error("task completion callback panicked", logx.String("task", r.Name), logx.Any("panic", p))
					}
				}()
				r.OnComplete(r, failed, err)
			}()
		}
	})
	return fired
}

// account counts outcome and records it in history and the observer. A
// record that timed out and is later killed is accounted twice, once per
// outcome.
func (s *Service) account(r *Record, err error, outcome string) {
	r.mu.Lock()
	executeAt := r.executeAt
	r.mu.Unlock()

	switch outcome {
	case OutcomeCompleted:
		s.completed.Add(1)
	case OutcomeFailed:
		s.failed.Add(1)
	case OutcomeTimeout:
		s.timedOut.Add(1)
	case OutcomeCancelled:
		s.cancelled.Add(1)
	case OutcomeShed:
		s.shed.Add(1)
	case OutcomeKilled:
		s.killed.Add(1)
	}

	now := time.Now()
	var dur, queueDelay time.Duration
	if !executeAt.IsZero() {
		dur = now.Sub(executeAt)
		queueDelay = executeAt.Sub(r.queuedAt)
	} else {
		queueDelay = now.Sub(r.queuedAt)
	}
	item := HistoryItem{ID: r.ID, Name: r.Name, Kind: r.Kind.String(), Outcome: outcome, QueueDelay: queueDelay, Duration: dur, Finished: now}
	if err != nil {
		item.Error = err.Error()
	}
	s.pushHistory(item)
	if s.obs != nil {
		s.obs.TaskFinished(r.Kind, outcome, dur)
	}
	if dur >= 750*time.Millisecond {
		s.log.Info("task finished", logx.String("task", r.Name), logx.String("outcome", outcome), logx.Duration("dur", dur))
	} else {
		s.log.Trace("task finished", logx.String("task", r.Name), logx.String("outcome", outcome), logx.Duration("dur", dur))
	}
}

func (s *Service) publish(typ string, r *Record, err error) {
	ev := TaskEvent{ID: r.ID, Name: r.Name, Kind: r.Kind.String(), Priority: r.Priority, Slot: r.Slot()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func (s *Service) pushHistory(it HistoryItem) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, it)
	if n := s.cfg.HistorySize; n > 0 && len(s.history) > n {
		s.history = append([]HistoryItem(nil), s.history[len(s.history)-n:]...)
	}
}

func (s *Service) observeSlotsLocked() {
	if s.obs != nil {
		s.obs.SlotsChanged(len(s.active), s.pending.Len()+s.pendingLong.Len(), s.availableLocked())
	}
}

// Counters returns lifetime totals.
func (s *Service) Counters() Counters {
	return Counters{
		Submitted: s.submitted.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		TimedOut:  s.timedOut.Load(),
		Cancelled: s.cancelled.Load(),
		Shed:      s.shed.Load(),
		Killed:    s.killed.Load(),
		Rejected:  s.rejected.Load(),
	}
}

func (s *Service) Snapshot() Snapshot {
	now := time.Now()
	s.mu.Lock()
	snap := Snapshot{
		Slots:          s.cfg.Slots,
		ReservedSlots:  s.cfg.ReservedSlots,
		Active:         len(s.active),
		ActiveInternal: s.internal,
		ActiveReserved: s.cfg.ReservedSlots - len(s.freeReserve),
		Pending:        s.pending.Len() + s.pendingLong.Len(),
		Available:      s.availableLocked(),
	}
	if !s.running {
		snap.ActiveReserved = 0
	}
	for _, r := range s.active {
		snap.Running = append(snap.Running, r.info(now))
	}
	s.mu.Unlock()

	snap.Counters = s.Counters()
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

// Wake asks the sweep loop to run now.
func (s *Service) Wake() {
	s.mu.Lock()
	ch := s.sweepNow
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Service) shouldWarn(last *atomic.Int64, now time.Time) bool {
	n := now.UnixNano()
	prev := last.Load()
	if prev != 0 && time.Duration(n-prev) < warnThrottleEvery {
		return false
	}
	return last.CompareAndSwap(prev, n)
}
