package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/ikvm/Microservice/internal/command"
	"github.com/ikvm/Microservice/internal/config"
	"github.com/ikvm/Microservice/internal/eventbus"
	"github.com/ikvm/Microservice/internal/eventsource"
	"github.com/ikvm/Microservice/internal/storage"
	"github.com/ikvm/Microservice/internal/task/scheduler"
	"github.com/ikvm/Microservice/internal/transport"
	"github.com/ikvm/Microservice/pkg/logx"
)

var (
	ErrAlreadyStarted     = errors.New("app already started")
	ErrNoConfigFile       = errors.New("app was not loaded from a config file")
	ErrDuplicateComponent = errors.New("component already added")
)

// Component is anything added to the container. What the container does
// with it depends on which capability interfaces it implements.
type Component interface {
	Name() string
}

// Initializer receives the container's shared dependencies before any
// other capability is used.
type Initializer interface {
	Init(ctx context.Context, deps Deps) error
}

// Startable components are started after the engine and scheduler and
// stopped before them, in reverse order of addition.
type Startable interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// CommandSource registers handlers on the dispatcher. Everything it
// registers is owned by the component and removed when it shuts down.
type CommandSource interface {
	RegisterCommands(reg command.Registrar) error
}

// Schedulable contributes periodic schedules.
type Schedulable interface {
	Schedules() []*scheduler.Schedule
}

// Outbound is how components emit messages.
type Outbound interface {
	Send(ctx context.Context, p *transport.Payload) error
	SendMessage(ctx context.Context, m *transport.Message) error
}

type Deps struct {
	Logger     logx.Logger
	Originator string
	Outbound   Outbound
	Bus        eventbus.Bus
	// Store is nil when storage is disabled.
	Store    storage.Store
	Events   *eventsource.Container
	Settings *config.Resolver
}

// Add queues components for Start. Components cannot be added once the
// app is running.
func (a *App) Add(cs ...Component) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return ErrAlreadyStarted
	}
	for _, c := range cs {
		if c == nil {
			continue
		}
		for _, have := range a.components {
			if have.Name() == c.Name() {
				return fmt.Errorf("%w: %s", ErrDuplicateComponent, c.Name())
			}
		}
		a.components = append(a.components, c)
	}
	return nil
}

func (a *App) deps() Deps {
	return Deps{
		Logger:     a.log,
		Originator: a.id,
		Outbound:   a,
		Bus:        a.bus,
		Store:      a.store,
		Events:     a.events,
		Settings:   a.settings,
	}
}

// startComponents runs every capability in the order init, commands,
// start, schedules. On failure the components already started are
// stopped again.
func (a *App) startComponents(ctx context.Context) error {
	deps := a.deps()
	for _, c := range a.components {
		log := a.log.With(logx.String("component", c.Name()))
		if in, ok := c.(Initializer); ok {
			d := deps
			d.Logger = a.rootLog.With(logx.String("comp", c.Name()))
			if err := in.Init(ctx, d); err != nil {
				return fmt.Errorf("component %s: init: %w", c.Name(), err)
			}
		}
		if cs, ok := c.(CommandSource); ok {
			owner := componentOwner(c)
			a.compOwners = append(a.compOwners, owner)
			if err := cs.RegisterCommands(a.commands.Owned(owner)); err != nil {
				return fmt.Errorf("component %s: commands: %w", c.Name(), err)
			}
		}
		if st, ok := c.(Startable); ok {
			if err := st.Start(ctx); err != nil {
				return fmt.Errorf("component %s: start: %w", c.Name(), err)
			}
			a.running = append(a.running, st)
		}
		if sc, ok := c.(Schedulable); ok {
			for _, s := range sc.Schedules() {
				if _, err := a.sched.Register(s); err != nil {
					return fmt.Errorf("component %s: schedule %s: %w", c.Name(), s.Name, err)
				}
				a.compSchedules = append(a.compSchedules, s.ID)
			}
		}
		log.Debug("component started")
	}
	return nil
}

// componentOwner is the registry owner tag for c's commands.
func componentOwner(c Component) string { return "component:" + c.Name() }

func (a *App) stopComponents(ctx context.Context) {
	for _, id := range a.compSchedules {
		a.sched.Unregister(id)
	}
	a.compSchedules = nil
	for _, owner := range a.compOwners {
		if n := a.commands.UnregisterOwner(owner); n > 0 {
			a.log.Debug("component commands removed", logx.String("owner", owner), logx.Int("count", n))
		}
	}
	a.compOwners = nil
	for i := len(a.running) - 1; i >= 0; i-- {
		if err := a.running[i].Stop(ctx); err != nil {
			a.log.Warn("component stop failed", logx.Err(err))
		}
	}
	a.running = nil
}
