package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ikvm/Microservice/pkg/logx"
)

const (
	fileRecentCap = 1000
	// compaction runs once the journal holds this many times the live keys
	compactFactor = 4
	compactMin    = 256
)

// fileStore keeps two JSON Lines journals next to Path:
//
//	<name>.events.jsonl  append-only event log
//	<name>.dedup.jsonl   dedup marks, rewritten when mostly expired
//
// The newest events are also kept in memory so RecentEvents never rereads
// the log.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	closed bool

	events *os.File
	recent []Event // oldest first, at most fileRecentCap

	dedupPath string
	dedupFile *os.File
	dedup     map[string]time.Time
	journaled int // lines in dedupFile
}

type dedupLine struct {
	Key   string    `json:"key"`
	Until time.Time `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	stem := filepath.Join(dir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))

	s := &fileStore{log: log, dedupPath: stem + ".dedup.jsonl", dedup: map[string]time.Time{}}

	ef, err := os.OpenFile(stem+".events.jsonl", os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	if err := scanLines(ef, func(b []byte) {
		var e Event
		if json.Unmarshal(b, &e) == nil {
			s.remember(e)
		}
	}); err != nil {
		_ = ef.Close()
		return nil, fmt.Errorf("read events: %w", err)
	}
	s.events = ef

	df, err := os.OpenFile(s.dedupPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		_ = ef.Close()
		return nil, err
	}
	now := time.Now()
	_ = scanLines(df, func(b []byte) {
		var d dedupLine
		if json.Unmarshal(b, &d) == nil && d.Key != "" {
			s.journaled++
			if d.Until.After(now) {
				s.dedup[d.Key] = d.Until
			} else {
				delete(s.dedup, d.Key)
			}
		}
	})
	s.dedupFile = df
	log.Debug("file store opened", logx.String("stem", stem), logx.Int("events", len(s.recent)), logx.Int("dedup", len(s.dedup)))
	return s, nil
}

func scanLines(r io.Reader, fn func([]byte)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		fn(sc.Bytes())
	}
	return sc.Err()
}

func (s *fileStore) remember(e Event) {
	if len(s.recent) == fileRecentCap {
		s.recent = append(s.recent[:0], s.recent[1:]...)
	}
	s.recent = append(s.recent, e)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(s.events.Close(), s.dedupFile.Close())
}

func (s *fileStore) AppendEvent(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.events.Write(append(line, '\n')); err != nil {
		return err
	}
	s.remember(e)
	return nil
}

func (s *fileStore) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	n := min(limit, len(s.recent))
	out := make([]Event, 0, n)
	for i := len(s.recent) - 1; i >= len(s.recent)-n; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	line, err := json.Marshal(dedupLine{Key: key, Until: until})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.dedupFile.Write(append(line, '\n')); err != nil {
		return err
	}
	if until.After(time.Now()) {
		s.dedup[key] = until
	} else {
		delete(s.dedup, key)
	}
	s.journaled++
	if s.journaled >= compactMin && s.journaled > compactFactor*len(s.dedup) {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("dedup compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, false, ErrClosed
	}
	until, ok := s.dedup[strings.TrimSpace(key)]
	if !ok || !until.After(time.Now()) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// compactLocked rewrites the dedup journal with only live marks and swaps
// it in with a rename.
func (s *fileStore) compactLocked() error {
	now := time.Now()
	tmp := s.dedupPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for k, until := range s.dedup {
		if !until.After(now) {
			delete(s.dedup, k)
			continue
		}
		if err := enc.Encode(dedupLine{Key: k, Until: until}); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := errors.Join(w.Flush(), f.Close()); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.dedupPath); err != nil {
		return err
	}
	nf, err := os.OpenFile(s.dedupPath, os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	_ = s.dedupFile.Close()
	s.dedupFile = nf
	s.journaled = len(s.dedup)
	return nil
}
