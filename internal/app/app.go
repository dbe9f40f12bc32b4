package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ikvm/Microservice/internal/command"
	"github.com/ikvm/Microservice/internal/config"
	"github.com/ikvm/Microservice/internal/eventbus"
	"github.com/ikvm/Microservice/internal/eventsource"
	"github.com/ikvm/Microservice/internal/masterjob"
	"github.com/ikvm/Microservice/internal/observability/metrics"
	"github.com/ikvm/Microservice/internal/observability/tracing"
	"github.com/ikvm/Microservice/internal/runtime/supervisor"
	"github.com/ikvm/Microservice/internal/storage"
	"github.com/ikvm/Microservice/internal/task/engine"
	"github.com/ikvm/Microservice/internal/task/scheduler"
	"github.com/ikvm/Microservice/internal/transport"
	"github.com/ikvm/Microservice/internal/transport/memory"
	"github.com/ikvm/Microservice/pkg/logx"
)

type Option func(*options)

type options struct {
	logger    *logx.Logger
	hub       *memory.Hub
	fabric    transport.Fabric
	rand      masterjob.Rand
	envPrefix *string
}

// WithLogger replaces the config-driven logging service.
func WithLogger(l logx.Logger) Option { return func(o *options) { o.logger = &l } }

// WithHub shares an in-memory hub between apps in one process.
func WithHub(h *memory.Hub) Option { return func(o *options) { o.hub = h } }

// WithFabric bypasses fabric.driver.
func WithFabric(f transport.Fabric) Option { return func(o *options) { o.fabric = f } }

// WithRand sets the jitter source of master jobs declared in config.
func WithRand(r masterjob.Rand) Option { return func(o *options) { o.rand = r } }

// WithEnvPrefix sets the environment prefix of the settings resolver.
// The default is the upper-cased service name followed by "_".
func WithEnvPrefix(p string) Option { return func(o *options) { o.envPrefix = &p } }

type App struct {
	mu       sync.Mutex
	started  bool
	stopping bool

	cfgm *config.Source
	cfg  *config.Config
	id   string
	name string
	opts options

	rootLog logx.Logger
	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus

	store    storage.Store
	events   *eventsource.Container
	settings *config.Resolver

	fabric   transport.Fabric
	sender   *transport.Sender
	commands *command.Registry
	engine   *engine.Service
	sched    *scheduler.Service

	metrics       *metrics.Metrics
	metricsSrv    *metrics.Server
	traceShutdown func()

	channels    *channelRegistry
	dedup       *dedup
	boundaryAll bool

	jobs         []*masterjob.Job
	cfgSchedules map[string]string

	components    []Component
	running       []Startable
	compSchedules []string
	compOwners    []string

	sup          *supervisor.Supervisor
	listenCancel context.CancelFunc
	startedAt    time.Time
	stopTimeout  time.Duration
	stats        counters
}

// NewFromFile loads path and builds the app. Started apps watch the file
// and apply hot-reloadable sections.
func NewFromFile(ctx context.Context, path string, opts ...Option) (*App, error) {
	cfgm := config.NewSource(path)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a, err := New(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm
	return a, nil
}

// New wires every component from cfg. Storage and the fabric are opened
// here; nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	a := &App{
		cfg:          cfg,
		name:         cfg.Service.Name,
		id:           strings.TrimSpace(cfg.Service.ID),
		opts:         o,
		bus:          eventbus.New(),
		metrics:      metrics.New(),
		channels:     newChannelRegistry(),
		cfgSchedules: map[string]string{},
		boundaryAll:  cfg.Fabric.BoundaryLog,
	}
	if a.id == "" {
		a.id = uuid.NewString()
	}

	if o.logger != nil {
		a.rootLog = *o.logger
	} else {
		a.logs, a.rootLog = logx.New(mapLogConfig(cfg))
	}
	a.rootLog = a.rootLog.With(logx.String("svc", a.name), logx.String("self", shortID(a.id)))
	a.log = a.rootLog.With(logx.String("comp", "app"))

	var err error
	if a.stopTimeout, err = parseDurationOrDefault("service.stop_timeout", cfg.Service.StopTimeout, 3*time.Second); err != nil {
		return nil, err
	}

	// Storage (optional)
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if enabled {
		st, err := storage.Open(ctx, sc, a.rootLog.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
		a.events = eventsource.New(eventsource.Config{}, a.id, a.rootLog, st)
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}
	fail := func(err error) (*App, error) {
		if a.store != nil {
			_ = a.store.Close()
		}
		if a.fabric != nil {
			_ = a.fabric.Close()
		}
		return nil, err
	}

	prefix := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(a.name)) + "_"
	if o.envPrefix != nil {
		prefix = *o.envPrefix
	}
	a.settings = config.NewResolver(prefix, cfg.Settings)

	// Fabric
	if o.fabric != nil {
		a.fabric = o.fabric
	} else if a.fabric, err = openFabric(ctx, cfg, a.id, o.hub, a.rootLog); err != nil {
		return fail(err)
	}
	senderCfg, err := mapSenderConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.sender = transport.NewSender(a.fabric, senderCfg, a.rootLog, transport.WithObserver(a.metrics))

	a.commands = command.NewRegistry(a.rootLog, command.WithObserver(a.metrics), command.WithBus(a.bus))

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.engine = engine.New(engCfg, a.rootLog.With(logx.String("comp", "engine")), a.bus, engine.WithObserver(a.metrics))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	if a.sched, err = scheduler.New(schedCfg, a.rootLog, a.engine); err != nil {
		return fail(err)
	}

	for _, cc := range cfg.Channels {
		ch, err := mapChannel(cc)
		if err != nil {
			return fail(err)
		}
		if err := a.channels.Add(ch); err != nil {
			return fail(err)
		}
	}

	dedupWindow, err := parseDurationField("fabric.dedup_window", cfg.Fabric.DedupWindow)
	if err != nil {
		return fail(err)
	}
	a.dedup = newDedup(dedupWindow, a.store, a.log)

	for _, mc := range cfg.MasterJobs {
		mjc, err := mapMasterJobConfig(mc)
		if err != nil {
			return fail(err)
		}
		if _, err := a.AddMasterJob(mjc); err != nil {
			return fail(err)
		}
	}

	mcfg, err := mapMetricsConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.metricsSrv = metrics.NewServer(mcfg, a.metrics, a.rootLog.With(logx.String("comp", "metrics")))
	return a, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (a *App) ID() string                    { return a.id }
func (a *App) Commands() *command.Registry   { return a.commands }
func (a *App) Engine() *engine.Service       { return a.engine }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Bus() eventbus.Bus             { return a.bus }
func (a *App) Settings() *config.Resolver    { return a.settings }
func (a *App) Metrics() *metrics.Metrics     { return a.metrics }
func (a *App) Logger() logx.Logger           { return a.rootLog }

// MasterJobs returns the jobs in registration order.
func (a *App) MasterJobs() []*masterjob.Job {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*masterjob.Job(nil), a.jobs...)
}

// AddMasterJob creates a master job negotiating on cfg.ChannelID. The
// channel is added as incoming when not declared. Sub-jobs and duty
// commands must be attached before Start.
func (a *App) AddMasterJob(cfg masterjob.Config) (*masterjob.Job, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil, ErrAlreadyStarted
	}
	if cfg.Rand == nil {
		cfg.Rand = a.opts.rand
	}
	job, err := masterjob.New(cfg, a.id, masterjob.Deps{
		Sender:    messageSender{a},
		Schedules: a.sched,
		Commands:  a.commands,
		Bus:       a.bus,
		Observer:  a.metrics,
		Logger:    a.rootLog,
	})
	if err != nil {
		return nil, err
	}
	if _, ok := a.channels.Get(Incoming, cfg.ChannelID); !ok {
		if err := a.channels.Add(Channel{
			ID:        cfg.ChannelID,
			Direction: Incoming,
			Priority:  cfg.ChannelPriority,
			BatchSize: 10,
			PollWait:  time.Second,
		}); err != nil {
			return nil, err
		}
	}
	a.jobs = append(a.jobs, job)
	return job, nil
}

// messageSender adapts App to masterjob.Sender.
type messageSender struct{ a *App }

func (s messageSender) Send(ctx context.Context, m *transport.Message) error {
	return s.a.SendMessage(ctx, m)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Err()
}

// Start brings the runtime up in dependency order: event source, engine,
// scheduler, configured schedules, components, master jobs, listeners and
// finally the metrics server and config watch.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	a.started = true
	a.startedAt = time.Now()
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	jobs := append([]*masterjob.Job(nil), a.jobs...)
	a.mu.Unlock()
	run := a.sup.Context()

	shutdown, err := tracing.InitTracer(run, a.name, a.id, mapTracingConfig(a.cfg))
	if err != nil {
		a.log.Warn("tracing disabled", logx.Err(err))
		shutdown = func() {}
	}
	a.traceShutdown = shutdown

	if a.events != nil {
		a.events.Start(run)
	}
	a.startEventLog(run)

	a.engine.Start(run)
	a.sched.Start(run)

	if a.logs != nil && strings.TrimSpace(a.cfg.Fabric.LogChannel) != "" {
		a.logs.SetRemoteSink(remoteLogSink{fabric: a.fabric, channel: a.cfg.Fabric.LogChannel, originator: a.id})
	}

	for _, sc := range a.cfg.Schedules {
		if err := a.addConfigSchedule(sc); err != nil {
			return a.abortStart(err)
		}
	}
	if err := a.startComponents(run); err != nil {
		return a.abortStart(err)
	}
	for _, j := range jobs {
		if err := j.Start(run); err != nil {
			return a.abortStart(err)
		}
	}

	lctx, lcancel := context.WithCancel(run)
	a.listenCancel = lcancel
	for _, ch := range a.channels.List(Incoming) {
		a.sup.GoRestart("listener:"+ch.ID, func(c context.Context) error {
			return a.runListener(lctx, ch)
		}, supervisor.WithRestartBackoff(250*time.Millisecond, 10*time.Second))
	}

	a.metricsSrv.SetStatus(func() any { return a.Statistics() })
	a.metricsSrv.SetHealth(a.Err)
	a.metricsSrv.Start(run)

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.rootLog)
		a.cfgm.SetValidator(a.validateReload)
		a.startConfigReload()
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started",
		logx.String("id", a.id),
		logx.String("fabric", a.fabric.Name()),
		logx.Int("listeners", len(a.channels.List(Incoming))),
		logx.Int("master_jobs", len(jobs)),
	)
	return nil
}

func (a *App) abortStart(err error) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.stopTimeout)
	defer cancel()
	_ = a.Stop(ctx, StopFatalError)
	return err
}

func (a *App) addConfigSchedule(sc config.ScheduleConfig) error {
	ttl, err := parseDurationField("schedules."+sc.Name+".ttl", sc.TTL)
	if err != nil {
		return err
	}
	h := transport.Header{ChannelID: sc.Channel, MessageType: sc.Type, ActionType: sc.Action}
	body := []byte(sc.Body)
	s, err := a.sched.AddSchedule(sc.Name, sc.Spec, ttl, func(ctx context.Context) error {
		return a.SendMessage(ctx, transport.NewMessage(a.id, h, body))
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", sc.Name, err)
	}
	a.cfgSchedules[sc.Name] = s.ID
	return nil
}

// startEventLog journals election transitions (sync) and abnormal task
// terminations (async) to the event source, and logs the journaled events
// at debug level.
func (a *App) startEventLog(run context.Context) {
	events, unsub := a.bus.Subscribe(256, eventbus.MasterStateChanged,
		eventbus.TaskFailed, eventbus.TaskTimeout, eventbus.TaskKilled, eventbus.TaskShed)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				if a.events == nil {
					continue
				}
				switch e.Type {
				case eventbus.MasterStateChanged:
					if t, ok := e.Data.(masterjob.Transition); ok {
						if err := a.events.Write(c, "masterjob.transition", t.Job, t, true); err != nil && c.Err() == nil {
							a.log.Warn("transition not journaled", logx.String("job", t.Job), logx.Err(err))
						}
					}
				case eventbus.TaskFailed, eventbus.TaskTimeout, eventbus.TaskKilled, eventbus.TaskShed:
					if t, ok := e.Data.(engine.TaskEvent); ok {
						_ = a.events.Write(c, e.Type, t.Name, t, false)
					}
				}
			}
		}
	})
}

// Stop shuts the runtime down in reverse start order. Each step is bounded
// by service.stop_timeout and the caller's deadline.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.mu.Lock()
	sup := a.sup
	jobs := append([]*masterjob.Job(nil), a.jobs...)
	stopping := a.stopping
	a.stopping = true
	a.mu.Unlock()
	if sup == nil || stopping {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, bound time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", bound))

		stepCtx := ctx
		if bound > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				bound = min(bound, max(time.Until(dl), 0))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, bound)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	limit := a.stopTimeout
	step("metrics", limit, func(c context.Context) error { a.metricsSrv.Stop(c); return nil })
	step("listeners", limit, func(context.Context) error {
		if a.listenCancel != nil {
			a.listenCancel()
		}
		return nil
	})
	for i := len(jobs) - 1; i >= 0; i-- {
		j := jobs[i]
		step("masterjob:"+j.Name(), limit, func(c context.Context) error {
			if err := j.Stop(c); err != nil && !errors.Is(err, masterjob.ErrNotStarted) {
				return err
			}
			return nil
		})
	}
	step("components", limit, func(c context.Context) error { a.stopComponents(c); return nil })
	step("scheduler", limit, func(c context.Context) error {
		a.mu.Lock()
		for name, id := range a.cfgSchedules {
			a.sched.Unregister(id)
			delete(a.cfgSchedules, name)
		}
		a.mu.Unlock()
		return a.sched.Stop(c)
	})
	step("engine", limit, a.engine.Stop)

	// Cancel the run context last so in-flight handlers could finish above.
	sup.Cancel()
	step("supervisor", limit, sup.Wait)
	if a.events != nil {
		step("eventsource", limit, a.events.Stop)
	}
	step("fabric", limit, func(context.Context) error { return a.fabric.Close() })
	if a.store != nil {
		step("storage", limit, func(context.Context) error { return a.store.Close() })
	}
	if a.traceShutdown != nil {
		a.traceShutdown()
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
