package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ikvm/Microservice/internal/eventbus"
	"github.com/ikvm/Microservice/internal/transport"
	"github.com/ikvm/Microservice/pkg/logx"
)

type Handler func(ctx context.Context, req *Request) error

// ExceptionHandler receives a failed action's error. Returning nil
// swallows it; returning an error lets the original error propagate.
type ExceptionHandler func(ctx context.Context, err error, req *Request) error

// TimeoutHandler is told that the task running req was cancelled for
// exceeding its TTL. It runs while the handler may still be executing.
type TimeoutHandler func(ctx context.Context, req *Request)

type Option func(*entry)

func WithDeadLetter(h Handler) Option { return func(e *entry) { e.deadLetter = h } }

func WithException(h ExceptionHandler) Option { return func(e *entry) { e.exception = h } }

// WithTimeout installs the action run when a dispatched request's task
// times out.
func WithTimeout(h TimeoutHandler) Option { return func(e *entry) { e.timeout = h } }

// WithOwner tags the registration so UnregisterOwner can remove a group.
func WithOwner(owner string) Option { return func(e *entry) { e.owner = owner } }

// Change is published when a registration is added or removed.
type Change struct {
	Key     Key
	Owner   string
	Removed bool
}

// Dispatch outcomes reported to an Observer.
const (
	OutcomeOK          = "ok"
	OutcomeError       = "error"
	OutcomeHandled     = "handled"
	OutcomeUnsupported = "unsupported"
)

type Observer interface {
	ObserveDispatch(key, outcome string, dur time.Duration)
	SetActive(n int64)
}

type entry struct {
	key        Key
	owner      string
	action     Handler
	deadLetter Handler
	exception  ExceptionHandler
	timeout    TimeoutHandler

	calls    atomic.Uint64
	errors   atomic.Uint64
	timeouts atomic.Uint64
	active   atomic.Int64
}

// inflight is a dispatched request whose registration wants timeouts.
type inflight struct {
	e        *entry
	req      *Request
	notified atomic.Bool
}

// execute runs the composed handler. failed is true whenever the primary
// or dead-letter action failed, even if the exception action absorbed it.
func (e *entry) execute(ctx context.Context, req *Request, deadLetter bool) (err error, failed bool) {
	action := e.action
	if deadLetter && e.deadLetter != nil {
		action = e.deadLetter
	}
	err = guard(func() error { return action(ctx, req) })
	if err == nil {
		return nil, false
	}
	if e.exception == nil {
		return err, true
	}
	if xerr := guard(func() error { return e.exception(ctx, err, req) }); xerr != nil {
		return err, true
	}
	return nil, true
}

func guard(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p}
		}
	}()
	return fn()
}

// Registry is safe for concurrent registration and dispatch.
type Registry struct {
	mu       sync.RWMutex
	exact    map[string]*entry
	partials map[string]*entry

	log    logx.Logger
	bus    eventbus.Bus
	obs    Observer
	tracer trace.Tracer

	// inflight maps Request.TaskID to requests awaiting a possible timeout.
	inflight sync.Map

	active      atomic.Int64
	dispatched  atomic.Uint64
	errors      atomic.Uint64
	unsupported atomic.Uint64
	timeouts    atomic.Uint64
}

type RegistryOption func(*Registry)

func WithObserver(o Observer) RegistryOption { return func(r *Registry) { r.obs = o } }

// WithBus publishes registration changes on bus instead of a private one.
func WithBus(b eventbus.Bus) RegistryOption { return func(r *Registry) { r.bus = b } }

func NewRegistry(log logx.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		exact:    map[string]*entry{},
		partials: map[string]*entry{},
		log:      log.With(logx.String("comp", "commands")),
		bus:      eventbus.New(),
		tracer:   otel.Tracer("github.com/ikvm/Microservice/internal/command"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register binds action to key. Invalid or duplicate keys fail fast.
func (r *Registry) Register(key Key, action Handler, opts ...Option) error {
	if key.IsZero() {
		return ErrInvalidKey
	}
	if key.Partial && key.ChannelID == "" {
		return fmt.Errorf("%w: %s", ErrPartialKeyChannel, key)
	}
	if action == nil {
		return fmt.Errorf("%w: %s", ErrNilAction, key)
	}
	e := &entry{key: key, action: action}
	for _, o := range opts {
		o(e)
	}

	id := key.id()
	r.mu.Lock()
	table := r.tableLocked(key)
	if _, dup := table[id]; dup {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	table[id] = e
	r.mu.Unlock()

	r.log.Debug("command registered", logx.String("key", key.String()), logx.String("owner", e.owner))
	r.bus.Publish(eventbus.Event{Type: eventbus.CommandRegistered, Data: Change{Key: key, Owner: e.owner}})
	return nil
}

func (r *Registry) tableLocked(key Key) map[string]*entry {
	if key.Partial {
		return r.partials
	}
	return r.exact
}

// Registrar is the registration half of a Registry, handed to code that
// contributes handlers.
type Registrar interface {
	Register(key Key, action Handler, opts ...Option) error
}

// Owned returns a Registrar that tags every registration with owner, so
// the group can be removed with UnregisterOwner.
func (r *Registry) Owned(owner string) Registrar {
	return ownedRegistrar{reg: r, owner: owner}
}

type ownedRegistrar struct {
	reg   *Registry
	owner string
}

func (o ownedRegistrar) Register(key Key, action Handler, opts ...Option) error {
	return o.reg.Register(key, action, append(opts, WithOwner(o.owner))...)
}

// Unregister removes key. Removing an unknown key is a no-op.
func (r *Registry) Unregister(key Key) bool {
	r.mu.Lock()
	table := r.tableLocked(key)
	e, ok := table[key.id()]
	if ok {
		delete(table, key.id())
	}
	r.mu.Unlock()
	if ok {
		r.published(e, true)
	}
	return ok
}

// UnregisterOwner removes every registration tagged with owner.
func (r *Registry) UnregisterOwner(owner string) int {
	if owner == "" {
		return 0
	}
	var removed []*entry
	r.mu.Lock()
	for _, table := range []map[string]*entry{r.exact, r.partials} {
		for id, e := range table {
			if e.owner == owner {
				delete(table, id)
				removed = append(removed, e)
			}
		}
	}
	r.mu.Unlock()
	for _, e := range removed {
		r.published(e, true)
	}
	return len(removed)
}

func (r *Registry) published(e *entry, removed bool) {
	typ := eventbus.CommandRegistered
	if removed {
		typ = eventbus.CommandRemoved
		r.log.Debug("command unregistered", logx.String("key", e.key.String()))
	}
	r.bus.Publish(eventbus.Event{Type: typ, Data: Change{Key: e.key, Owner: e.owner, Removed: removed}})
}

// Subscribe delivers Change values as bus events.
func (r *Registry) Subscribe(buffer int) (<-chan eventbus.Event, func()) {
	return r.bus.Subscribe(buffer)
}

// Resolve finds the registration for h. Exact keys win; among partial
// keys the longest matching prefix wins, so overlapping prefixes resolve
// deterministically. Dead-letter registrations only match dead-letter
// messages and are preferred for them.
func (r *Registry) Resolve(h transport.Header, deadLetter bool) (Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.resolveLocked(h, deadLetter)
	if e == nil {
		return Key{}, false
	}
	return e.key, true
}

func (r *Registry) resolveLocked(h transport.Header, deadLetter bool) *entry {
	full := h.Key()
	if deadLetter {
		if e := r.exact[full+"|dlq"]; e != nil {
			return e
		}
	}
	if e := r.exact[full]; e != nil {
		return e
	}

	var best *entry
	bestLen := -1
	for _, e := range r.partials {
		if e.key.DeadLetter && !deadLetter {
			continue
		}
		p := e.key.PartialKey()
		if !strings.HasPrefix(full, p) {
			continue
		}
		switch {
		case len(p) > bestLen:
		case len(p) == bestLen && e.key.DeadLetter && !best.key.DeadLetter:
		default:
			continue
		}
		best, bestLen = e, len(p)
	}
	return best
}

// Supports reports whether a non-dead-letter message with header h has a handler.
func (r *Registry) Supports(h transport.Header) bool {
	_, ok := r.Resolve(h, false)
	return ok
}

// Keys lists registrations in a stable order.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	out := make([]Key, 0, len(r.exact)+len(r.partials))
	for _, e := range r.exact {
		out = append(out, e.key)
	}
	for _, e := range r.partials {
		out = append(out, e.key)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id() < out[j].id() })
	return out
}

// Dispatch runs the handler for req. Unsupported messages return an
// *UnsupportedError. A handler failure is counted once and returned unless
// an exception action absorbed it.
func (r *Registry) Dispatch(ctx context.Context, req *Request) error {
	m := req.Message()
	if m == nil {
		return fmt.Errorf("%w: empty request", ErrInvalidKey)
	}
	h := m.Header()
	start := time.Now()

	r.mu.RLock()
	e := r.resolveLocked(h, m.DeadLetter)
	r.mu.RUnlock()

	if e == nil {
		r.unsupported.Add(1)
		r.errors.Add(1)
		r.observe(h.Key(), OutcomeUnsupported, start)
		return &UnsupportedError{Header: h, DeadLetter: m.DeadLetter}
	}
	req.Key = e.key

	// Continue the sender's trace when the message carries one.
	if len(m.Headers) > 0 && !trace.SpanContextFromContext(ctx).IsValid() {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(m.Headers))
	}
	ctx, span := r.tracer.Start(ctx, "command.dispatch", trace.WithAttributes(
		attribute.String("command.key", h.Key()),
		attribute.String("command.registration", e.key.String()),
		attribute.Bool("command.dead_letter", m.DeadLetter),
		attribute.String("message.id", m.ID),
	))
	defer span.End()

	r.dispatched.Add(1)
	e.calls.Add(1)
	if r.obs != nil {
		r.obs.SetActive(r.active.Add(1))
	} else {
		r.active.Add(1)
	}
	e.active.Add(1)
	defer func() {
		e.active.Add(-1)
		n := r.active.Add(-1)
		if r.obs != nil {
			r.obs.SetActive(n)
		}
	}()

	if e.timeout != nil && req.TaskID != "" {
		r.inflight.Store(req.TaskID, &inflight{e: e, req: req})
		defer r.inflight.Delete(req.TaskID)
	}

	err, failed := e.execute(ctx, req, m.DeadLetter)
	outcome := OutcomeOK
	if failed {
		r.errors.Add(1)
		e.errors.Add(1)
		outcome = OutcomeHandled
		if err != nil {
			outcome = OutcomeError
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler failed")
			log := r.log.Ctx(ctx)
			var pe *PanicError
			if errors.As(err, &pe) {
				log.Error("command handler panicked", logx.String("key", h.Key()), logx.Any("panic", pe.Value))
			} else {
				log.Debug("command failed", logx.String("key", h.Key()), logx.String("msg", m.ID), logx.Err(err))
			}
		}
	}
	r.observe(e.key.String(), outcome, start)
	return err
}

// TaskTimedOut runs the timeout action of the registration handling the
// request with the given task id. Unknown or finished tasks are ignored,
// and each request is notified at most once.
func (r *Registry) TaskTimedOut(ctx context.Context, taskID string) {
	v, ok := r.inflight.Load(taskID)
	if !ok {
		return
	}
	in := v.(*inflight)
	if !in.notified.CompareAndSwap(false, true) {
		return
	}
	r.timeouts.Add(1)
	in.e.timeouts.Add(1)
	r.log.Warn("command timed out", logx.String("key", in.e.key.String()), logx.String("task", taskID))
	if err := guard(func() error { in.e.timeout(ctx, in.req); return nil }); err != nil {
		r.log.Error("command timeout action failed", logx.String("key", in.e.key.String()), logx.Err(err))
	}
}

func (r *Registry) observe(key, outcome string, start time.Time) {
	if r.obs != nil {
		r.obs.ObserveDispatch(key, outcome, time.Since(start))
	}
}

type KeyStats struct {
	Key      string `json:"key"`
	Owner    string `json:"owner,omitempty"`
	Calls    uint64 `json:"calls"`
	Errors   uint64 `json:"errors"`
	Timeouts uint64 `json:"timeouts"`
	Active   int64  `json:"active"`
}

type Stats struct {
	Active      int64      `json:"active"`
	Dispatched  uint64     `json:"dispatched"`
	Errors      uint64     `json:"errors"`
	Unsupported uint64     `json:"unsupported"`
	Timeouts    uint64     `json:"timeouts"`
	Commands    []KeyStats `json:"commands"`
}

func (r *Registry) Stats() Stats {
	st := Stats{
		Active:      r.active.Load(),
		Dispatched:  r.dispatched.Load(),
		Errors:      r.errors.Load(),
		Unsupported: r.unsupported.Load(),
		Timeouts:    r.timeouts.Load(),
	}
	r.mu.RLock()
	for _, table := range []map[string]*entry{r.exact, r.partials} {
		for _, e := range table {
			st.Commands = append(st.Commands, KeyStats{
				Key:      e.key.String(),
				Owner:    e.owner,
				Calls:    e.calls.Load(),
				Errors:   e.errors.Load(),
				Timeouts: e.timeouts.Load(),
				Active:   e.active.Load(),
			})
		}
	}
	r.mu.RUnlock()
	sort.Slice(st.Commands, func(i, j int) bool { return st.Commands[i].Key < st.Commands[j].Key })
	return st
}
