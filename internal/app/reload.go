package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ikvm/Microservice/internal/config"
	"github.com/ikvm/Microservice/internal/eventbus"
	"github.com/ikvm/Microservice/pkg/logx"
)

// Sections that are read once at startup.
var restartSections = []string{"service", "fabric", "channels", "master_jobs", "storage", "tracing", "scheduler"}

// validateReload rejects a reloaded config that could not be applied.
func (a *App) validateReload(_ context.Context, cfg *config.Config) error {
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMetricsConfig(cfg); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	for _, sc := range cfg.Schedules {
		if _, err := parseDurationField("schedules."+sc.Name+".ttl", sc.TTL); err != nil {
			return err
		}
	}
	_, _, err := mapStorageConfig(cfg)
	return err
}

// startConfigReload applies hot-reloadable sections as the config source
// commits revisions: logging, engine limits, metrics server, settings and
// configured schedules.
func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe()
	a.sup.Go0("config.reload", func(c context.Context) {
		defer sub.Close()
		lastApplied := a.cfg
		for {
			select {
			case <-c.Done():
				return
			case rev, ok := <-sub.C:
				if !ok {
					return
				}
				a.applyConfig(c, lastApplied, rev.Config)
				lastApplied = rev.Config
			}
		}
	})
}

// ReloadConfig re-reads the config file now instead of waiting for the
// file watcher. It reports whether a changed revision was applied.
func (a *App) ReloadConfig(ctx context.Context) (bool, error) {
	if a.cfgm == nil {
		return false, ErrNoConfigFile
	}
	return a.cfgm.Reload(ctx)
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, schedChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		if slices.Contains(restartSections, s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	if a.logs != nil {
		a.logs.Apply(mapLogConfig(newCfg))
	}
	if engCfg, err := mapEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(engCfg)
	}
	if mc, err := mapMetricsConfig(newCfg); err != nil {
		a.log.Warn("invalid metrics config; keeping previous", logx.Err(err))
	} else {
		a.metricsSrv.Reconfigure(ctx, mc)
	}
	a.settings.SetSettings(newCfg.Settings)

	if len(schedChanged) > 0 {
		a.mu.Lock()
		defer a.mu.Unlock()
		byName := make(map[string]config.ScheduleConfig, len(newCfg.Schedules))
		for _, sc := range newCfg.Schedules {
			byName[sc.Name] = sc
		}
		for _, name := range schedChanged {
			if id, ok := a.cfgSchedules[name]; ok {
				a.sched.Unregister(id)
				delete(a.cfgSchedules, name)
			}
			sc, ok := byName[name]
			if !ok {
				continue
			}
			if err := a.addConfigSchedule(sc); err != nil {
				a.log.Warn("schedule not applied", logx.String("schedule", name), logx.Err(err))
			}
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: sections})
	a.log.Info("config reloaded", fields...)
}
