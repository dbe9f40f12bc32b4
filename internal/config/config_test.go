package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikvm/Microservice/pkg/logx"
)

const sampleYAML = `
service:
  name: billing
  stop_timeout: 5s
engine:
  slots: 4
  default_ttl: 10s
fabric:
  driver: memory
  dedup_window: 1m
channels:
  - id: billing.in
    direction: incoming
    priority: 2
  - id: billing.out
    direction: outgoing
master_jobs:
  - name: reconcile
    channel: billing.master
    frequency: 20s
schedules:
  - name: heartbeat
    spec: 30s
    channel: billing.out
    message_type: heartbeat
logging:
  level: info
  console: true
settings:
  invoice.batch: "50"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	src := NewSource(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := src.Load()
	require.NoError(t, err)
	rev := src.Current()
	assert.Same(t, cfg, rev.Config)
	assert.Equal(t, uint64(1), rev.Seq)
	assert.Equal(t, Fingerprint(cfg), rev.Fingerprint)

	assert.Equal(t, "billing", cfg.Service.Name)
	assert.Equal(t, 4, cfg.Engine.Slots)
	require.Len(t, cfg.Channels, 2)
	assert.Equal(t, 2, cfg.Channels[0].Priority)
	require.Len(t, cfg.MasterJobs, 1)
	assert.Equal(t, "billing.master", cfg.MasterJobs[0].Channel)
	assert.Equal(t, "50", cfg.Settings["invoice.batch"])
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	src := NewSource(writeFile(t, "config.yaml", sampleYAML+"telegram:\n  token: x\n"))
	_, err := src.Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram")
}

func TestParseRejectsTrailingJSON(t *testing.T) {
	src := NewSource(writeFile(t, "config.json", `{"service":{"name":"a"}}{}`))
	_, err := src.Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing data")
}

func TestDecodeExpandsEnv(t *testing.T) {
	t.Setenv("MS_TEST_REDIS_PASSWORD", "s3cret")
	doc := `
service: {name: billing}
fabric:
  driver: redis
  redis:
    addr: "localhost:6379"
    password: "${MS_TEST_REDIS_PASSWORD}"
settings:
  literal: "$HOME stays"
`
	cfg, err := Decode("c.yaml", []byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Fabric.Redis.Password)
	assert.Equal(t, "$HOME stays", cfg.Settings["literal"])

	_, err = Decode("c.json", []byte(`{"service":{"name":"${MS_TEST_SURELY_UNSET}"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MS_TEST_SURELY_UNSET")
}

func TestDecodeEmptyYAML(t *testing.T) {
	cfg, err := Decode("c.yml", []byte("# nothing yet\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Service.Name)
}

func TestReloadCommitsChangedRevisions(t *testing.T) {
	path := writeFile(t, "config.yaml", sampleYAML)
	src := NewSource(path)
	_, err := src.Load()
	require.NoError(t, err)
	sub := src.Subscribe()

	applied, err := src.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, applied, "unchanged content is not a new revision")

	for _, slots := range []string{"6", "7"} {
		body := strings.Replace(sampleYAML, "slots: 4", "slots: "+slots, 1)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		applied, err = src.Reload(context.Background())
		require.NoError(t, err)
		assert.True(t, applied)
	}

	// only the newest revision is pending
	rev := <-sub.C
	assert.Equal(t, uint64(3), rev.Seq)
	assert.Equal(t, 7, rev.Config.Engine.Slots)
	select {
	case extra := <-sub.C:
		t.Fatalf("unexpected revision %d", extra.Seq)
	default:
	}

	src.SetValidator(func(context.Context, *Config) error { return errors.New("nope") })
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))
	applied, err = src.Reload(context.Background())
	require.Error(t, err)
	assert.False(t, applied)
	assert.Equal(t, 7, src.Current().Config.Engine.Slots)

	sub.Close()
	sub.Close()
	_, ok := <-sub.C
	assert.False(t, ok)
}

func TestParseDurationField(t *testing.T) {
	d, err := ParseDurationField("x", " ")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = ParseDurationField("engine.default_ttl", "-1s")
	assert.ErrorContains(t, err, "engine.default_ttl")

	d, err = ParseDurationOrDefault("x", "0s", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Service:  ServiceConfig{Name: "svc"},
			Channels: []ChannelConfig{{ID: "in", Direction: "incoming"}},
		}
	}
	require.NoError(t, base().Validate())

	cases := map[string]func(c *Config){
		"missing name":     func(c *Config) { c.Service.Name = "" },
		"bad direction":    func(c *Config) { c.Channels[0].Direction = "both" },
		"bad duration":     func(c *Config) { c.Engine.DefaultTTL = "soon" },
		"negative slots":   func(c *Config) { c.Engine.Slots = -1 },
		"unknown driver":   func(c *Config) { c.Fabric.Driver = "nats" },
		"redis no addr":    func(c *Config) { c.Fabric.Driver = "redis" },
		"master no chan":   func(c *Config) { c.MasterJobs = []MasterJobConfig{{Name: "m"}} },
		"sample ratio":     func(c *Config) { c.Tracing.SampleRatio = 2 },
		"schedule no spec": func(c *Config) { c.Schedules = []ScheduleConfig{{Name: "s", Channel: "in"}} },
		"duplicate master job": func(c *Config) {
			c.MasterJobs = []MasterJobConfig{{Name: "m", Channel: "a"}, {Name: "m", Channel: "b"}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{
		Service:   ServiceConfig{Name: "svc"},
		Metrics:   MetricsConfig{Token: "secret-a"},
		Schedules: []ScheduleConfig{{Name: "a", Spec: "1m"}, {Name: "b", Spec: "1m"}},
	}
	newCfg := &Config{
		Service:   ServiceConfig{Name: "svc"},
		Metrics:   MetricsConfig{Token: "secret-b"},
		Schedules: []ScheduleConfig{{Name: "a", Spec: "2m"}, {Name: "c", Spec: "1m"}},
		Storage:   &StorageConfig{Driver: "postgres", DSN: "postgres://u:p@h/db"},
	}

	changed, attrs, scheds := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"metrics", "schedules", "storage"}, changed)
	assert.Equal(t, []string{"a", "b", "c"}, scheds)
	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("config changed", attrs...)
	assert.Contains(t, buf.String(), `"metrics.token_set":true`)
	assert.NotContains(t, buf.String(), "secret-b")
	assert.NotContains(t, buf.String(), "u:p@h")

	changed, _, scheds = SummarizeConfigChange(newCfg, newCfg)
	assert.Empty(t, changed)
	assert.Empty(t, scheds)
}

func TestResolver(t *testing.T) {
	r := NewResolver("BILLING_", map[string]string{"batch": "10", "poll": "2s", "on": "true"})
	env := map[string]string{}
	r.lookupEnv = func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	n, err := r.Int("batch", 1)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	// cached until flushed
	env["BILLING_BATCH"] = "20"
	n, _ = r.Int("batch", 1)
	assert.Equal(t, 10, n)
	r.Flush()
	n, _ = r.Int("batch", 1)
	assert.Equal(t, 20, n)

	r.Override("batch", "30")
	n, _ = r.Int("batch", 1)
	assert.Equal(t, 30, n)
	r.Override("batch", "")
	n, _ = r.Int("batch", 1)
	assert.Equal(t, 20, n)

	d, err := r.Duration("poll", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)
	b, err := r.Bool("on", false)
	require.NoError(t, err)
	assert.True(t, b)
	assert.Equal(t, "dflt", r.String("missing", "dflt"))

	env["BILLING_INVOICE_MAX_ROWS"] = "x"
	_, err = r.Int("invoice.max-rows", 5)
	assert.Error(t, err)
}
