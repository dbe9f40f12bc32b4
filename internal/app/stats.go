package app

import (
	"sync/atomic"
	"time"

	"github.com/ikvm/Microservice/internal/command"
	"github.com/ikvm/Microservice/internal/eventsource"
	"github.com/ikvm/Microservice/internal/masterjob"
	"github.com/ikvm/Microservice/internal/runtime/supervisor"
	"github.com/ikvm/Microservice/internal/task/engine"
	"github.com/ikvm/Microservice/internal/task/scheduler"
	"github.com/ikvm/Microservice/pkg/logx"
)

type counters struct {
	received   atomic.Uint64
	duplicates atomic.Uint64
	overloaded atomic.Uint64
	internal   atomic.Uint64
	sent       atomic.Uint64
	sendFailed atomic.Uint64
}

type TrafficStats struct {
	Received     uint64 `json:"received"`
	Duplicates   uint64 `json:"duplicates"`
	Overloaded   uint64 `json:"overloaded"`
	Internal     uint64 `json:"internal"`
	Sent         uint64 `json:"sent"`
	SendFailed   uint64 `json:"send_failed"`
	OpenCircuits int    `json:"open_circuits"`
	BusDropped   uint64 `json:"bus_dropped"`
}

type ChannelInfo struct {
	ID        string `json:"id"`
	Direction string `json:"direction"`
	Priority  int    `json:"priority"`
}

// Statistics is the JSON document served on /status.
type Statistics struct {
	Service    string                   `json:"service"`
	ID         string                   `json:"id"`
	Fabric     string                   `json:"fabric"`
	StartedAt  time.Time                `json:"started_at"`
	Uptime     string                   `json:"uptime"`
	Engine     engine.Snapshot          `json:"engine"`
	Commands   command.Stats            `json:"commands"`
	Schedules  []scheduler.ScheduleInfo `json:"schedules"`
	MasterJobs []masterjob.Status       `json:"master_jobs,omitempty"`
	Channels   []ChannelInfo            `json:"channels"`
	Traffic    TrafficStats             `json:"traffic"`
	Events     *eventsource.Stats       `json:"events,omitempty"`
	Supervisor *supervisor.Snapshot     `json:"supervisor,omitempty"`
	RemoteLogs *logx.RemoteStats        `json:"remote_logs,omitempty"`
}

func (a *App) Statistics() Statistics {
	st := Statistics{
		Service:   a.name,
		ID:        a.id,
		Fabric:    a.fabric.Name(),
		Engine:    a.engine.Snapshot(),
		Commands:  a.commands.Stats(),
		Schedules: a.sched.Snapshot(),
		Traffic: TrafficStats{
			Received:     a.stats.received.Load(),
			Duplicates:   a.stats.duplicates.Load(),
			Overloaded:   a.stats.overloaded.Load(),
			Internal:     a.stats.internal.Load(),
			Sent:         a.stats.sent.Load(),
			SendFailed:   a.stats.sendFailed.Load(),
			OpenCircuits: a.sender.OpenCircuits(),
			BusDropped:   a.bus.Dropped(),
		},
	}
	for _, d := range []Direction{Incoming, Outgoing} {
		for _, c := range a.channels.List(d) {
			st.Channels = append(st.Channels, ChannelInfo{ID: c.ID, Direction: d.String(), Priority: c.Priority})
		}
	}

	a.mu.Lock()
	jobs := append([]*masterjob.Job(nil), a.jobs...)
	sup := a.sup
	st.StartedAt = a.startedAt
	a.mu.Unlock()

	if !st.StartedAt.IsZero() {
		st.Uptime = time.Since(st.StartedAt).Round(time.Second).String()
	}
	for _, j := range jobs {
		st.MasterJobs = append(st.MasterJobs, j.Snapshot())
	}
	if a.events != nil {
		es := a.events.Stats()
		st.Events = &es
	}
	if sup != nil {
		ss := sup.Snapshot()
		st.Supervisor = &ss
	}
	if a.logs != nil && a.cfg.Logging.Remote.Enabled {
		rs := a.logs.RemoteStats()
		st.RemoteLogs = &rs
	}
	return st
}
