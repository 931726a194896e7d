// Package httpapi serves the JSON API over the jobs service and the
// notification inbox.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"skillcron/internal/runtime/supervisor"
	logx "skillcron/pkg/logx"
)

const (
	defaultAddr     = "127.0.0.1:8787"
	shutdownTimeout = 2 * time.Second
)

// Config controls the API listener.
//
// A non-loopback Addr requires Token unless AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	// Pprof mounts the runtime profiles under /debug/pprof/.
	Pprof bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return defaultAddr
}

// Deps are the services the routes are built over.
type Deps struct {
	Jobs   Jobs
	Inbox  Inbox
	Notifier Notifier
}

// Server owns at most one listener generation at a time. Reconfigure
// replaces the generation when the config changes.
type Server struct {
	log  logx.Logger
	deps Deps

	mu  sync.Mutex
	cfg Config
	gen *generation
}

// generation is one started listener and the loop that keeps it serving.
type generation struct {
	cfg Config
	sup *supervisor.Supervisor
	// base outlives the generation; the poller is started on it.
	base context.Context

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func (g *generation) bind(srv *http.Server, ln net.Listener) {
	g.mu.Lock()
	g.srv, g.ln = srv, ln
	g.mu.Unlock()
}

func (g *generation) server() *http.Server {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.srv
}

func (g *generation) addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ln == nil {
		return ""
	}
	return g.ln.Addr().String()
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "httpapi"))}
}

func (s *Server) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr is the bound listener address, or "" when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	g := s.gen
	s.mu.Unlock()
	if g == nil {
		return ""
	}
	return g.addr()
}

// Reconfigure applies cfg during a hot reload. The listener is started,
// stopped or replaced as needed.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	g := s.gen
	s.mu.Unlock()

	if g != nil && (!cfg.Enabled || g.cfg != cfg) {
		s.Stop(ctx)
	}
	s.Start(ctx)
}

// Start launches a listener generation if the API is enabled and none is
// running. Bind failures are retried with backoff.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	if s.gen != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	g := &generation{
		cfg:  s.cfg,
		sup:  supervisor.New(ctx, supervisor.WithLogger(s.log)),
		base: ctx,
	}
	s.gen = g
	s.mu.Unlock()

	g.sup.GoRestart("http.serve", func(c context.Context) error { return s.serve(c, g) },
		supervisor.WithPublishFirstError(true),
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop drains in-flight requests until ctx ends, then closes the listener.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	g := s.gen
	s.gen = nil
	s.mu.Unlock()
	if g == nil {
		return
	}

	g.sup.Cancel()
	if srv := g.server(); srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
		}
	}
	if err := g.sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("api stop timed out", logx.Err(err))
		return
	}
	s.log.Info("api stopped")
}

// serve binds once and blocks until the server exits.
func (s *Server) serve(ctx context.Context, g *generation) error {
	cfg := g.cfg
	addr := cfg.addr()
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			s.log.Error("api refused to start: a non-loopback addr needs a token or allow_insecure", logx.String("addr", addr))
			return errors.Newf("insecure bind %s", addr)
		}
		s.log.Warn("api serving without a token on a non-loopback addr", logx.String("addr", addr))
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return errors.Wrapf(err, "listen %s", addr)
	}

	var h http.Handler = NewRouter(g.base, s.deps.Jobs, s.deps.Inbox, s.deps.Notifier, cfg.Token, s.log)
	if cfg.Pprof {
		h = withPprof(h, cfg.Token)
	}
	srv := &http.Server{
		Handler:      h,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	g.bind(srv, ln)
	defer g.bind(nil, nil)

	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	s.log.Info("api listening", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""))
	err = srv.Serve(ln)
	switch {
	case ctx.Err() != nil:
		return context.Canceled
	case err == nil, errors.Is(err, http.ErrServerClosed):
		return errors.New("api server closed unexpectedly")
	default:
		return err
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
