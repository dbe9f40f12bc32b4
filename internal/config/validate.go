package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks structure and duration syntax. Semantic checks that need
// running components (e.g. timezone lookup) belong to the validator hook.
func (c *Config) Validate() error {
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(c.Service.Name) == "" {
		errs = append(errs, errors.New("service.name is required"))
	}
	dur("service.stop_timeout", c.Service.StopTimeout)
	dur("engine.default_ttl", c.Engine.DefaultTTL)
	dur("engine.sweep_interval", c.Engine.SweepInterval)
	dur("engine.kill_after", c.Engine.KillAfter)
	dur("engine.max_queue_delay", c.Engine.MaxQueueDelay)
	if c.Engine.Slots < 0 || c.Engine.ReservedSlots < 0 || c.Engine.QueueSize < 0 {
		errs = append(errs, errors.New("engine: slots, reserved_slots and queue_size must be >= 0"))
	}
	dur("scheduler.poll_interval", c.Scheduler.PollInterval)

	switch strings.ToLower(strings.TrimSpace(c.Fabric.Driver)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Fabric.Redis.Addr) == "" {
			errs = append(errs, errors.New("fabric.redis.addr is required for the redis driver"))
		}
	case "kafka":
		if len(c.Fabric.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("fabric.kafka.brokers is required for the kafka driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("fabric.driver: unknown driver %q", c.Fabric.Driver))
	}
	dur("fabric.kafka.max_wait", c.Fabric.Kafka.MaxWait)
	dur("fabric.kafka.write_timeout", c.Fabric.Kafka.WriteTimeout)
	dur("fabric.sender.retry_base", c.Fabric.Sender.RetryBase)
	dur("fabric.sender.retry_max_delay", c.Fabric.Sender.RetryMaxDelay)
	dur("fabric.sender.attempt_timeout", c.Fabric.Sender.AttemptTimeout)
	dur("fabric.sender.circuit_base_delay", c.Fabric.Sender.CircuitBaseDelay)
	dur("fabric.sender.circuit_max_delay", c.Fabric.Sender.CircuitMaxDelay)
	dur("fabric.sender.circuit_reset_after", c.Fabric.Sender.CircuitResetAfter)
	dur("fabric.dedup_window", c.Fabric.DedupWindow)

	for i, ch := range c.Channels {
		path := fmt.Sprintf("channels[%d]", i)
		if strings.TrimSpace(ch.ID) == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", path))
		}
		switch ch.Direction {
		case "incoming", "outgoing":
		default:
			errs = append(errs, fmt.Errorf("%s.direction must be incoming or outgoing", path))
		}
		dur(path+".poll_wait", ch.PollWait)
	}

	names := map[string]bool{}
	for i, mj := range c.MasterJobs {
		path := fmt.Sprintf("master_jobs[%d]", i)
		if mj.Name == "" || mj.Channel == "" {
			errs = append(errs, fmt.Errorf("%s: name and channel are required", path))
		}
		if names[mj.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate name %q", path, mj.Name))
		}
		names[mj.Name] = true
		dur(path+".frequency", mj.Frequency)
		dur(path+".initial_wait", mj.InitialWait)
		dur(path+".send_timeout", mj.SendTimeout)
	}

	for i, sc := range c.Schedules {
		path := fmt.Sprintf("schedules[%d]", i)
		if sc.Name == "" || sc.Spec == "" || sc.Channel == "" {
			errs = append(errs, fmt.Errorf("%s: name, spec and channel are required", path))
		}
		dur(path+".ttl", sc.TTL)
	}

	dur("metrics.read_timeout", c.Metrics.ReadTimeout)
	dur("metrics.write_timeout", c.Metrics.WriteTimeout)
	dur("metrics.idle_timeout", c.Metrics.IdleTimeout)
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be within [0,1]"))
	}
	if c.Storage != nil {
		dur("storage.busy_timeout", c.Storage.BusyTimeout)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
