package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const defaultConfigYAML = `# microservice config
# Durations accept Go syntax: 500ms, 30s, 2m.

service:
  name: "billing"
  # id: ""            # empty: fresh uuid on every start
  stop_timeout: "3s"

engine:
  slots: 8
  reserved_slots: 1
  queue_size: 1024
  default_ttl: "30s"

scheduler:
  poll_interval: "100ms"
  timezone: "UTC"

fabric:
  driver: "memory"    # memory | redis | kafka
  dedup_window: "1m"
  # redis:
  #   addr: "localhost:6379"
  #   prefix: "ms:"
  # kafka:
  #   brokers: ["localhost:9092"]
  #   topic_prefix: "ms."
  sender:
    retries: 3
    retry_base: "50ms"
    attempt_timeout: "5s"

channels:
  - id: "billing.in"
    direction: "incoming"
    priority: 5
  - id: "billing.out"
    direction: "outgoing"

master_jobs:
  - name: "invoice-run"
    channel: "billing.master"
    frequency: "5s"
    initial_wait: "2s"

schedules:
  - name: "heartbeat"
    spec: "30s"
    channel: "billing.out"
    message_type: "heartbeat"

logging:
  level: "info"
  console: true

metrics:
  enabled: false
  addr: "127.0.0.1:9464"

# storage:
#   driver: "sqlite"  # none | file | sqlite | postgres | mysql
#   path: "./data/state.db"

# tracing:
#   endpoint: "localhost:4318"
#   insecure: true

settings:
  invoice.batch: "100"
`

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample config file",
		Long: `Write a sample configuration to the --config path.
Fails if the file already exists unless --force is passed.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			dest := cfgFile
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("mkdir: %w", err)
			}
			if !force {
				if _, err := os.Stat(dest); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", dest)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat %s: %w", dest, err)
				}
			}
			if err := os.WriteFile(dest, []byte(defaultConfigYAML), 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("config written to %s\n", dest)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config file")
	return cmd
}
