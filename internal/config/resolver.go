package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Resolver looks up named settings. Resolution order: explicit overrides,
// then the environment (SETTINGS_PREFIX + upper-cased name with dots and
// dashes as underscores), then the config's settings map. Results are
// cached until Flush.
type Resolver struct {
	envPrefix string
	lookupEnv func(string) (string, bool)

	mu        sync.Mutex
	settings  map[string]string
	overrides map[string]string
	cache     map[string]string
}

func NewResolver(envPrefix string, settings map[string]string) *Resolver {
	r := &Resolver{
		envPrefix: envPrefix,
		lookupEnv: os.LookupEnv,
		overrides: map[string]string{},
		cache:     map[string]string{},
	}
	r.SetSettings(settings)
	return r
}

// SetSettings replaces the base values, e.g. after a config reload, and
// flushes the cache.
func (r *Resolver) SetSettings(settings map[string]string) {
	cp := make(map[string]string, len(settings))
	for k, v := range settings {
		cp[k] = v
	}
	r.mu.Lock()
	r.settings = cp
	clear(r.cache)
	r.mu.Unlock()
}

// Override pins name to value until removed with an empty value.
func (r *Resolver) Override(name, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if value == "" {
		delete(r.overrides, name)
	} else {
		r.overrides[name] = value
	}
	delete(r.cache, name)
}

// Flush drops cached values so the next lookup re-reads the environment.
func (r *Resolver) Flush() {
	r.mu.Lock()
	clear(r.cache)
	r.mu.Unlock()
}

func (r *Resolver) envName(name string) string {
	n := strings.NewReplacer(".", "_", "-", "_").Replace(strings.ToUpper(name))
	return r.envPrefix + n
}

// Lookup returns the resolved value and whether any source defined it.
func (r *Resolver) Lookup(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.cache[name]; ok {
		return v, true
	}
	v, ok := r.overrides[name]
	if !ok {
		v, ok = r.lookupEnv(r.envName(name))
	}
	if !ok {
		v, ok = r.settings[name]
	}
	if ok {
		r.cache[name] = v
	}
	return v, ok
}

func (r *Resolver) String(name, def string) string {
	if v, ok := r.Lookup(name); ok {
		return v
	}
	return def
}

func (r *Resolver) Int(name string, def int) (int, error) {
	v, ok := r.Lookup(name)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def, fmt.Errorf("setting %s: %w", name, err)
	}
	return n, nil
}

func (r *Resolver) Bool(name string, def bool) (bool, error) {
	v, ok := r.Lookup(name)
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def, fmt.Errorf("setting %s: %w", name, err)
	}
	return b, nil
}

func (r *Resolver) Duration(name string, def time.Duration) (time.Duration, error) {
	v, ok := r.Lookup(name)
	if !ok {
		return def, nil
	}
	return ParseDurationOrDefault("settings."+name, v, def)
}
