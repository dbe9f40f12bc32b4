package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/ikvm/Microservice/internal/config"
	"github.com/ikvm/Microservice/internal/masterjob"
	"github.com/ikvm/Microservice/internal/observability/metrics"
	"github.com/ikvm/Microservice/internal/observability/tracing"
	"github.com/ikvm/Microservice/internal/storage"
	"github.com/ikvm/Microservice/internal/task/engine"
	"github.com/ikvm/Microservice/internal/task/scheduler"
	"github.com/ikvm/Microservice/internal/transport"
	"github.com/ikvm/Microservice/internal/transport/kafkabus"
	"github.com/ikvm/Microservice/internal/transport/redisbus"
	"github.com/ikvm/Microservice/pkg/logx"
)

var (
	parseDurationField     = config.ParseDurationField
	parseDurationOrDefault = config.ParseDurationOrDefault
)

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	out := engine.Config{
		Slots:         ec.Slots,
		ReservedSlots: ec.ReservedSlots,
		QueueSize:     ec.QueueSize,
		HistorySize:   ec.HistorySize,
	}
	var err error
	if out.DefaultTTL, err = parseDurationOrDefault("engine.default_ttl", ec.DefaultTTL, 30*time.Second); err != nil {
		return engine.Config{}, err
	}
	if out.SweepInterval, err = parseDurationOrDefault("engine.sweep_interval", ec.SweepInterval, time.Second); err != nil {
		return engine.Config{}, err
	}
	if out.KillAfter, err = parseDurationField("engine.kill_after", ec.KillAfter); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = parseDurationField("engine.max_queue_delay", ec.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	poll, err := parseDurationOrDefault("scheduler.poll_interval", cfg.Scheduler.PollInterval, 100*time.Millisecond)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		PollInterval:  poll,
		Timezone:      strings.TrimSpace(cfg.Scheduler.Timezone),
		StartupSpread: cfg.Scheduler.StartupSpread,
	}, nil
}

func mapSenderConfig(cfg *config.Config) (transport.SenderConfig, error) {
	sc := cfg.Fabric.Sender
	out := transport.SenderConfig{
		Retries:     sc.Retries,
		RetryJitter: 0.2,
		RatePerSec:  sc.RatePerSec,
		Burst:       sc.Burst,
		CircuitTrip: sc.CircuitTrip,
		BoundaryLog: cfg.Fabric.BoundaryLog,
	}
	if out.Retries == 0 {
		out.Retries = 3
	}
	fields := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"fabric.sender.retry_base", sc.RetryBase, 200 * time.Millisecond, &out.RetryBase},
		{"fabric.sender.retry_max_delay", sc.RetryMaxDelay, 5 * time.Second, &out.RetryMaxDelay},
		{"fabric.sender.attempt_timeout", sc.AttemptTimeout, 10 * time.Second, &out.AttemptTimeout},
		{"fabric.sender.circuit_base_delay", sc.CircuitBaseDelay, time.Second, &out.CircuitBaseDelay},
		{"fabric.sender.circuit_max_delay", sc.CircuitMaxDelay, 30 * time.Second, &out.CircuitMaxDelay},
		{"fabric.sender.circuit_reset_after", sc.CircuitResetAfter, time.Minute, &out.CircuitResetAfter},
	}
	for _, f := range fields {
		d, err := parseDurationOrDefault(f.path, f.raw, f.def)
		if err != nil {
			return transport.SenderConfig{}, err
		}
		*f.dst = d
	}
	return out, nil
}

func mapRedisConfig(cfg *config.Config) redisbus.Config {
	rc := cfg.Fabric.Redis
	return redisbus.Config{Addr: rc.Addr, Password: rc.Password, DB: rc.DB, Prefix: rc.Prefix}
}

func mapKafkaConfig(cfg *config.Config) (kafkabus.Config, error) {
	kc := cfg.Fabric.Kafka
	out := kafkabus.Config{
		Brokers:     kc.Brokers,
		TopicPrefix: kc.TopicPrefix,
		GroupPrefix: kc.GroupPrefix,
	}
	var err error
	if out.MaxWait, err = parseDurationField("fabric.kafka.max_wait", kc.MaxWait); err != nil {
		return kafkabus.Config{}, err
	}
	if out.WriteTimeout, err = parseDurationField("fabric.kafka.write_timeout", kc.WriteTimeout); err != nil {
		return kafkabus.Config{}, err
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	case "postgres", "mysql":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, false, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: driver, DSN: sc.DSN}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapMetricsConfig(cfg *config.Config) (metrics.ServerConfig, error) {
	mc := cfg.Metrics
	out := metrics.ServerConfig{
		Enabled:              mc.Enabled,
		Addr:                 strings.TrimSpace(mc.Addr),
		Token:                strings.TrimSpace(mc.Token),
		AllowInsecure:        mc.AllowInsecure,
		Pprof:                mc.Pprof,
		PprofPrefix:          mc.PprofPrefix,
		MutexProfileFraction: mc.MutexProfileFraction,
		BlockProfileRate:     mc.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = parseDurationOrDefault("metrics.read_timeout", mc.ReadTimeout, 5*time.Second); err != nil {
		return metrics.ServerConfig{}, err
	}
	if out.WriteTimeout, err = parseDurationField("metrics.write_timeout", mc.WriteTimeout); err != nil {
		return metrics.ServerConfig{}, err
	}
	if out.IdleTimeout, err = parseDurationOrDefault("metrics.idle_timeout", mc.IdleTimeout, 60*time.Second); err != nil {
		return metrics.ServerConfig{}, err
	}
	return out, nil
}

func mapTracingConfig(cfg *config.Config) tracing.Config {
	return tracing.Config{
		Endpoint:    strings.TrimSpace(cfg.Tracing.Endpoint),
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Remote: logx.RemoteConfig{
			Enabled:    cfg.Logging.Remote.Enabled && strings.TrimSpace(cfg.Fabric.LogChannel) != "",
			MinLevel:   cfg.Logging.Remote.MinLevel,
			RatePerSec: cfg.Logging.Remote.RatePerSec,
		},
	}
}

func mapMasterJobConfig(mc config.MasterJobConfig) (masterjob.Config, error) {
	path := "master_jobs." + mc.Name
	out := masterjob.Config{
		Name:            mc.Name,
		ChannelID:       mc.Channel,
		MessageType:     mc.MessageType,
		ChannelPriority: mc.Priority,
		MaxPolls:        mc.MaxPolls,
	}
	var err error
	if out.Frequency, err = parseDurationField(path+".frequency", mc.Frequency); err != nil {
		return masterjob.Config{}, err
	}
	if out.InitialWait, err = parseDurationField(path+".initial_wait", mc.InitialWait); err != nil {
		return masterjob.Config{}, err
	}
	if out.SendTimeout, err = parseDurationField(path+".send_timeout", mc.SendTimeout); err != nil {
		return masterjob.Config{}, err
	}
	return out, nil
}

func mapChannel(cc config.ChannelConfig) (Channel, error) {
	wait, err := parseDurationOrDefault("channels."+cc.ID+".poll_wait", cc.PollWait, time.Second)
	if err != nil {
		return Channel{}, err
	}
	dir := Incoming
	if cc.Direction == "outgoing" {
		dir = Outgoing
	}
	batch := cc.BatchSize
	if batch <= 0 {
		batch = 10
	}
	return Channel{
		ID:          cc.ID,
		Direction:   dir,
		Priority:    cc.Priority,
		BatchSize:   batch,
		PollWait:    wait,
		BoundaryLog: cc.BoundaryLog,
	}, nil
}
