package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	rtsup "github.com/ikvm/Microservice/internal/runtime/supervisor"
	"github.com/ikvm/Microservice/pkg/logx"
)

const (
	defaultAddr     = "127.0.0.1:9464"
	defaultPprof    = "/debug/pprof/"
	shutdownTimeout = 2 * time.Second
)

// errInsecureBind is returned when a non-loopback address has no token.
var errInsecureBind = errors.New("non-loopback metrics addr requires a token or allow_insecure")

// ServerConfig controls the observability HTTP server. A non-loopback Addr
// needs Token or AllowInsecure.
type ServerConfig struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	// Pprof mounts net/http/pprof under PprofPrefix.
	Pprof       bool
	PprofPrefix string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
}

func (c ServerConfig) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return defaultAddr
}

// sameListener reports whether a and b can share one running listener.
func (c ServerConfig) sameListener(o ServerConfig) bool {
	return c.addr() == o.addr() &&
		c.Token == o.Token &&
		c.AllowInsecure == o.AllowInsecure &&
		c.Pprof == o.Pprof &&
		normalizePrefix(c.PprofPrefix) == normalizePrefix(o.PprofPrefix) &&
		c.ReadTimeout == o.ReadTimeout &&
		c.WriteTimeout == o.WriteTimeout &&
		c.IdleTimeout == o.IdleTimeout
}

// Server serves /metrics, /healthz, /status and optionally pprof for one
// microservice instance.
type Server struct {
	log     logx.Logger
	metrics *Metrics

	mu     sync.Mutex
	cfg    ServerConfig
	status func() any
	health func() error
	gen    *generation
	bound  string
}

// generation is one running listener. Reconfigure replaces it as a whole.
type generation struct {
	cfg ServerConfig
	sup *rtsup.Supervisor
}

func NewServer(cfg ServerConfig, m *Metrics, log logx.Logger) *Server {
	return &Server{cfg: cfg, metrics: m, log: log}
}

// SetStatus installs the /status body provider.
func (s *Server) SetStatus(fn func() any) {
	s.mu.Lock()
	s.status = fn
	s.mu.Unlock()
}

// SetHealth installs the /healthz check; a non-nil error reports 503.
func (s *Server) SetHealth(fn func() error) {
	s.mu.Lock()
	s.health = fn
	s.mu.Unlock()
}

// Addr is the bound address, empty when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// Start begins serving the current config. It does nothing when disabled
// or already running.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != nil || !s.cfg.Enabled {
		return
	}
	applyRuntimeRates(s.cfg)
	g := &generation{
		cfg: s.cfg,
		// the metrics endpoint failing never stops the service
		sup: rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	s.gen = g
	g.sup.GoRestart("metrics.http", func(c context.Context) error { return s.serve(c, g.cfg) },
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the listener down and waits for it until ctx is done.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	g := s.gen
	s.gen = nil
	s.mu.Unlock()
	if g == nil {
		return
	}
	if err := g.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("metrics server stop", logx.Err(err))
	}
	s.log.Info("metrics server stopped")
}

// Reconfigure swaps in cfg, restarting the listener only when a
// listener-level setting changed.
func (s *Server) Reconfigure(ctx context.Context, cfg ServerConfig) {
	s.mu.Lock()
	g := s.gen
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case g == nil:
		s.Start(ctx)
	case !cfg.Enabled || !g.cfg.sameListener(cfg):
		s.Stop(ctx)
		s.Start(ctx)
	default:
		applyRuntimeRates(cfg)
	}
}

func applyRuntimeRates(cfg ServerConfig) {
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

// Handler builds the mux for cfg. Exposed for tests.
func (s *Server) Handler(cfg ServerConfig) http.Handler {
	mux := http.NewServeMux()
	auth := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux.Handle("/metrics", auth(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP))
	mux.HandleFunc("/healthz", s.serveHealth)
	mux.HandleFunc("/status", auth(s.serveStatus))

	if cfg.Pprof {
		prefix := normalizePrefix(cfg.PprofPrefix)
		base := strings.TrimSuffix(prefix, "/")
		mux.HandleFunc(prefix, auth(pprofIndexAt(prefix)))
		for name, h := range map[string]http.HandlerFunc{
			"cmdline": hpprof.Cmdline,
			"profile": hpprof.Profile,
			"symbol":  hpprof.Symbol,
			"trace":   hpprof.Trace,
		} {
			mux.HandleFunc(base+"/"+name, auth(h))
		}
	}
	return mux
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	check := s.health
	s.mu.Unlock()
	if check != nil {
		if err := check(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) serveStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	fn := s.status
	s.mu.Unlock()
	var body any = struct{}{}
	if fn != nil {
		body = fn()
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(body)
}

// serve runs one listener until ctx is cancelled. Returning an error makes
// the supervisor retry with backoff.
func (s *Server) serve(ctx context.Context, cfg ServerConfig) error {
	addr := cfg.addr()
	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(addr) {
		return fmt.Errorf("%s: %w", addr, errInsecureBind)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.bound = ln.Addr().String()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.bound = ""
		s.mu.Unlock()
	}()

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.Info("metrics server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", cfg.Pprof), logx.Bool("token_set", cfg.Token != ""))

	select {
	case err := <-errc:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			err = errors.New("metrics server exited unexpectedly")
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			_ = srv.Close()
		}
		<-errc
		return nil
	}
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				got = strings.TrimSpace(ah)
			}
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		return defaultPprof
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprofIndexAt serves pprof.Index under a custom prefix. Index only
// understands paths rooted at /debug/pprof/, so the path is rewritten.
func pprofIndexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = defaultPprof + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	}
}

// isLoopbackAddr is false for an empty host, which binds every interface.
func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
