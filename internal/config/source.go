package config

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ikvm/Microservice/pkg/logx"
)

const (
	reloadDebounce   = 250 * time.Millisecond
	validateTimeout  = 5 * time.Second
	watchBackoffBase = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
)

// Revision is one committed config. Seq starts at 1 for the initial load
// and increases on every accepted reload.
type Revision struct {
	Config      *Config
	Seq         uint64
	Fingerprint uint64
}

// Source owns a config file. It parses and validates revisions, commits the
// accepted ones and hands them to subscribers.
type Source struct {
	path string
	log  logx.Logger

	mu       sync.RWMutex
	cur      Revision
	validate func(ctx context.Context, cfg *Config) error

	subsMu sync.Mutex
	subs   map[*Subscription]struct{}
}

func NewSource(path string) *Source {
	return &Source{path: path, log: logx.Nop(), subs: map[*Subscription]struct{}{}}
}

func (s *Source) Path() string { return s.path }

func (s *Source) SetLogger(log logx.Logger) {
	s.log = log.With(logx.String("comp", "config"), logx.String("path", s.path))
}

// SetValidator installs a hook that runs on reloads after Validate and
// before commit. A rejected revision leaves the current one in place.
func (s *Source) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	s.mu.Lock()
	s.validate = fn
	s.mu.Unlock()
}

// Parse reads and validates the file without committing it.
func (s *Source) Parse() (*Config, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(s.path, b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load parses the file and commits it as the first revision.
func (s *Source) Load() (*Config, error) {
	cfg, err := s.Parse()
	if err != nil {
		return nil, err
	}
	s.commit(cfg, Fingerprint(cfg))
	return cfg, nil
}

func (s *Source) commit(cfg *Config, fp uint64) Revision {
	s.mu.Lock()
	s.cur = Revision{Config: cfg, Seq: s.cur.Seq + 1, Fingerprint: fp}
	rev := s.cur
	s.mu.Unlock()
	return rev
}

// Current returns the last committed revision.
func (s *Source) Current() Revision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Reload re-reads the file and publishes it when the content changed and
// the validator accepts it. It reports whether a new revision was committed.
func (s *Source) Reload(ctx context.Context) (bool, error) {
	cfg, err := s.Parse()
	if err != nil {
		return false, err
	}
	fp := Fingerprint(cfg)

	s.mu.RLock()
	same := fp != 0 && fp == s.cur.Fingerprint
	validate := s.validate
	s.mu.RUnlock()
	if same {
		return false, nil
	}
	if validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := validate(vctx, cfg)
		cancel()
		if err != nil {
			return false, fmt.Errorf("config rejected: %w", err)
		}
	}

	rev := s.commit(cfg, fp)
	s.publish(rev)
	s.log.Info("config revision committed", logx.Uint64("seq", rev.Seq), logx.String("fingerprint", fmt.Sprintf("%016x", fp)))
	return true, nil
}

// Subscription receives committed revisions. C holds at most one pending
// revision; a slow reader only ever sees the newest.
type Subscription struct {
	C   <-chan Revision
	c   chan Revision
	src *Source
}

func (s *Source) Subscribe() *Subscription {
	c := make(chan Revision, 1)
	sub := &Subscription{C: c, c: c, src: s}
	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()
	return sub
}

// Close detaches the subscription and closes C. Safe to call twice.
func (sub *Subscription) Close() {
	s := sub.src
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.c)
	}
}

func (s *Source) publish(rev Revision) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for sub := range s.subs {
		select {
		case <-sub.c:
		default:
		}
		sub.c <- rev
	}
}

// Watch reloads the file whenever it changes until ctx is done. Events are
// debounced so editors that write in several steps produce one reload. A
// broken watcher is recreated with jittered exponential backoff.
func (s *Source) Watch(ctx context.Context) error {
	backoff := watchBackoffBase
	for {
		err := s.watchOnce(ctx, func() { backoff = watchBackoffBase })
		if ctx.Err() != nil {
			return nil
		}
		s.log.Warn("config watcher stopped; restarting", logx.Err(err), logx.Duration("backoff", backoff))

		d := backoff + rand.N(backoff/2+1)
		backoff = min(backoff*2, watchBackoffMax)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d):
		}
	}
}

// watchOnce runs one fsnotify watcher on the file's directory. It returns
// when ctx is done or the watcher breaks.
func (s *Source) watchOnce(ctx context.Context, healthy func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	dir, file := filepath.Dir(s.path), filepath.Base(s.path)
	if err := w.Add(dir); err != nil {
		return err
	}
	healthy()

	debounce := time.NewTimer(reloadDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-debounce.C:
			if _, err := s.Reload(ctx); err != nil {
				s.log.Warn("config reload failed", logx.Err(err))
			}
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("event stream closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op != 0 {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("error stream closed")
			}
			if err == fsnotify.ErrEventOverflow {
				// events were lost; the file may have changed
				debounce.Reset(reloadDebounce)
				continue
			}
			s.log.Warn("config watch error", logx.Err(err))
		}
	}
}
