package config

import (
	"reflect"
	"sort"
	"strings"

	logx "github.com/ikvm/Microservice/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens,
// passwords or DSNs), and (3) the names of schedules that were added,
// removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	if oldCfg.Service != newCfg.Service {
		changed = append(changed, "service")
		attrs = append(attrs,
			logx.String("service.name", newCfg.Service.Name),
			logx.Bool("service.id_set", strings.TrimSpace(newCfg.Service.ID) != ""),
		)
	}

	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.slots", newCfg.Engine.Slots),
			logx.Int("engine.reserved_slots", newCfg.Engine.ReservedSlots),
			logx.Int("engine.queue_size", newCfg.Engine.QueueSize),
			logx.String("engine.default_ttl", strings.TrimSpace(newCfg.Engine.DefaultTTL)),
			logx.String("engine.kill_after", strings.TrimSpace(newCfg.Engine.KillAfter)),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.poll_interval", strings.TrimSpace(newCfg.Scheduler.PollInterval)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	// Fabric (never log the redis password)
	if !reflect.DeepEqual(oldCfg.Fabric, newCfg.Fabric) {
		changed = append(changed, "fabric")
		attrs = append(attrs,
			logx.String("fabric.driver", strings.TrimSpace(newCfg.Fabric.Driver)),
			logx.Int("fabric.kafka_brokers", len(newCfg.Fabric.Kafka.Brokers)),
			logx.Bool("fabric.redis_password_set", newCfg.Fabric.Redis.Password != ""),
			logx.Int("fabric.sender.retries", newCfg.Fabric.Sender.Retries),
			logx.Float64("fabric.sender.rate_per_sec", newCfg.Fabric.Sender.RatePerSec),
			logx.String("fabric.dedup_window", strings.TrimSpace(newCfg.Fabric.DedupWindow)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		changed = append(changed, "channels")
		attrs = append(attrs, logx.Int("channels.count", len(newCfg.Channels)))
	}

	if !reflect.DeepEqual(oldCfg.MasterJobs, newCfg.MasterJobs) {
		changed = append(changed, "master_jobs")
		attrs = append(attrs, logx.Int("master_jobs.count", len(newCfg.MasterJobs)))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.remote_enabled", newCfg.Logging.Remote.Enabled),
		)
	}

	// Metrics (never log token)
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(newCfg.Metrics.Addr)),
			logx.Bool("metrics.token_set", strings.TrimSpace(newCfg.Metrics.Token) != ""),
			logx.Bool("metrics.pprof", newCfg.Metrics.Pprof),
		)
	}

	if oldCfg.Tracing != newCfg.Tracing {
		changed = append(changed, "tracing")
		attrs = append(attrs,
			logx.Bool("tracing.enabled", strings.TrimSpace(newCfg.Tracing.Endpoint) != ""),
			logx.Float64("tracing.sample_ratio", newCfg.Tracing.SampleRatio),
		)
	}

	// Storage. Nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Settings, newCfg.Settings) {
		changed = append(changed, "settings")
		attrs = append(attrs, logx.Int("settings.count", len(newCfg.Settings)))
	}

	schedChanged := diffSchedules(oldCfg.Schedules, newCfg.Schedules)
	if len(schedChanged) > 0 {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.Int("schedules.changed_count", len(schedChanged)),
			logx.Int("schedules.count", len(newCfg.Schedules)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, schedChanged
}

func diffSchedules(oldL, newL []ScheduleConfig) []string {
	oldM := make(map[string]ScheduleConfig, len(oldL))
	for _, s := range oldL {
		oldM[s.Name] = s
	}
	newM := make(map[string]ScheduleConfig, len(newL))
	for _, s := range newL {
		newM[s.Name] = s
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, okO := oldM[name]
		n, okN := newM[name]
		if okO != okN || o != n {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
