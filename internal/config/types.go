package config

// Config is the whole service configuration. Unknown keys are rejected.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Service    ServiceConfig     `json:"service"`
	Engine     EngineConfig      `json:"engine"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	Fabric     FabricConfig      `json:"fabric"`
	Channels   []ChannelConfig   `json:"channels,omitempty"`
	MasterJobs []MasterJobConfig `json:"master_jobs,omitempty"`
	Schedules  []ScheduleConfig  `json:"schedules,omitempty"`
	Logging    LoggingConfig     `json:"logging"`
	Metrics    MetricsConfig     `json:"metrics,omitempty"`
	Tracing    TracingConfig     `json:"tracing,omitempty"`
	Storage    *StorageConfig    `json:"storage,omitempty"`

	// Settings are free-form named values read through a Resolver.
	Settings map[string]string `json:"settings,omitempty"`
}

// ServiceConfig identifies this instance. An empty ID gets a fresh uuid at
// startup, so every restart is a new peer for negotiation purposes.
type ServiceConfig struct {
	Name string `json:"name"`
	ID   string `json:"id,omitempty"`
	// StopTimeout bounds each shutdown step.
	StopTimeout string `json:"stop_timeout,omitempty"`
}

// EngineConfig controls the task engine.
//
// Defaults (when fields are omitted/zero):
//   - slots: 8
//   - reserved_slots: 0
//   - queue_size: 1024
//   - default_ttl: "30s"
//   - sweep_interval: "1s"
//   - kill_after: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type EngineConfig struct {
	Slots         int    `json:"slots,omitempty"`
	ReservedSlots int    `json:"reserved_slots,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	DefaultTTL    string `json:"default_ttl,omitempty"`
	SweepInterval string `json:"sweep_interval,omitempty"`
	KillAfter     string `json:"kill_after,omitempty"`
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

type SchedulerConfig struct {
	PollInterval  string `json:"poll_interval,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
	StartupSpread bool   `json:"startup_spread,omitempty"`
}

// FabricConfig selects and tunes the messaging fabric.
//
// Driver values: "memory" (default, single process), "redis", "kafka".
type FabricConfig struct {
	Driver string       `json:"driver,omitempty"`
	Redis  RedisConfig  `json:"redis,omitempty"`
	Kafka  KafkaConfig  `json:"kafka,omitempty"`
	Sender SenderConfig `json:"sender,omitempty"`

	// DedupWindow drops inbound messages whose id was seen within the
	// window. "0s" disables dedup.
	DedupWindow string `json:"dedup_window,omitempty"`
	// BoundaryLog logs every inbound and outbound message at debug level.
	BoundaryLog bool `json:"boundary_log,omitempty"`
	// LogChannel receives warn+ log lines when logging.remote is enabled.
	LogChannel string `json:"log_channel,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

type KafkaConfig struct {
	Brokers      []string `json:"brokers,omitempty"`
	TopicPrefix  string   `json:"topic_prefix,omitempty"`
	GroupPrefix  string   `json:"group_prefix,omitempty"`
	MaxWait      string   `json:"max_wait,omitempty"`
	WriteTimeout string   `json:"write_timeout,omitempty"`
}

type SenderConfig struct {
	Retries           int     `json:"retries,omitempty"`
	RetryBase         string  `json:"retry_base,omitempty"`
	RetryMaxDelay     string  `json:"retry_max_delay,omitempty"`
	AttemptTimeout    string  `json:"attempt_timeout,omitempty"`
	RatePerSec        float64 `json:"rate_per_sec,omitempty"`
	Burst             int     `json:"burst,omitempty"`
	CircuitTrip       int     `json:"circuit_trip,omitempty"`
	CircuitBaseDelay  string  `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay   string  `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter string  `json:"circuit_reset_after,omitempty"`
}

// ChannelConfig declares a channel this instance listens on ("incoming")
// or sends to ("outgoing").
type ChannelConfig struct {
	ID        string `json:"id"`
	Direction string `json:"direction"`
	// Priority is copied onto messages and drives task priority; higher
	// channel priority means earlier admission.
	Priority    int    `json:"priority,omitempty"`
	BatchSize   int    `json:"batch_size,omitempty"`
	PollWait    string `json:"poll_wait,omitempty"`
	BoundaryLog bool   `json:"boundary_log,omitempty"`
}

type MasterJobConfig struct {
	Name        string `json:"name"`
	Channel     string `json:"channel"`
	MessageType string `json:"message_type,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	Frequency   string `json:"frequency,omitempty"`
	InitialWait string `json:"initial_wait,omitempty"`
	MaxPolls    int    `json:"max_polls,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

// ScheduleConfig declares a schedule that sends a message when due.
// Spec accepts a cron expression, a Go duration or HH:MM.
type ScheduleConfig struct {
	Name    string `json:"name"`
	Spec    string `json:"spec"`
	TTL     string `json:"ttl,omitempty"`
	Channel string `json:"channel"`
	Type    string `json:"message_type,omitempty"`
	Action  string `json:"action_type,omitempty"`
	Body    string `json:"body,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Remote  LoggingRemote `json:"remote,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingRemote struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// MetricsConfig controls the observability HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type TracingConfig struct {
	Endpoint    string  `json:"endpoint,omitempty"`
	Insecure    bool    `json:"insecure,omitempty"`
	SampleRatio float64 `json:"sample_ratio,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/state.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres/mysql (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"`
}
