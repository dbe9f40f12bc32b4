package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Remote  RemoteConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultLogFile = "./microservice.log"

// Service owns the active zerolog root and its writers. Loggers obtained
// from it keep working across Apply calls.
type Service struct {
	mu   sync.Mutex
	file *os.File
	fwd  *forwarder

	root atomic.Pointer[zerolog.Logger]
}

// New creates the logging service with cfg applied and returns it with a
// root Logger.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	s := &Service{fwd: newForwarder()}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{root: s} }

// SetRemoteSink installs the remote destination once the fabric is up.
// Until then forwarded lines are dropped.
func (s *Service) SetRemoteSink(sink RemoteSink) { s.fwd.setSink(sink) }

// RemoteStats reports forwarded and dropped remote lines.
func (s *Service) RemoteStats() RemoteStats { return s.fwd.stats() }

// Close stops remote forwarding and closes the log file. Loggers keep
// writing to the console writers, if any, afterwards.
func (s *Service) Close() error {
	s.fwd.stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Apply rebuilds the writers and level from cfg. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	s.fwd.configure(cfg.Remote)
	if cfg.Remote.Enabled {
		writers = append(writers, s.fwd)
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}
