// Package control serves the agent's local HTTP control API: status,
// reconnect, affinity and lifecycle updates, plus optional pprof.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "circlelink/internal/runtime/supervisor"
	logx "circlelink/pkg/logx"
)

const (
	DefaultAddr     = "127.0.0.1:7391"
	shutdownTimeout = 2 * time.Second
)

// ErrInsecureBind is returned by Start for a non-loopback address without a
// token.
var ErrInsecureBind = errors.New("control api: non-loopback addr requires a token")

type Config struct {
	Enabled bool
	Addr    string
	Token   string
	Pprof   bool

	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

// Service runs the control server and rebinds it when its config changes.
type Service struct {
	log     logx.Logger
	backend Backend

	mu  sync.Mutex
	cfg Config
	cur *listener
}

// listener is one bound server. Reconfigure replaces it wholesale.
type listener struct {
	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, backend Backend, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, backend: backend, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor returns the supervisor of the running server, or nil.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return s.cur.sup
}

// Addr returns the bound address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return ""
	}
	return s.cur.ln.Addr().String()
}

// Start binds and serves when enabled. It is a no-op when already serving.
// The server lives until Stop or until ctx ends.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil || !s.cfg.Enabled {
		return nil
	}
	l, err := s.bind(ctx, s.cfg)
	if err != nil {
		s.log.Error("control api not started", logx.Err(err))
		return err
	}
	s.cur = l
	return nil
}

func (s *Service) bind(ctx context.Context, cfg Config) (*listener, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if strings.TrimSpace(cfg.Token) == "" && !IsLoopbackAddr(addr) {
		return nil, fmt.Errorf("%w (%s)", ErrInsecureBind, addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("control api listen %s: %w", addr, err)
	}

	l := &listener{
		ln: ln,
		srv: &http.Server{
			Handler:     Handler(s.backend, HandlerOptions{Token: cfg.Token, Pprof: cfg.Pprof, Log: s.log}),
			ReadTimeout: cfg.ReadTimeout,
			IdleTimeout: cfg.IdleTimeout,
		},
		sup: rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	l.sup.Go("control.serve", func(context.Context) error {
		if err := l.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	l.sup.Go0("control.shutdown", func(c context.Context) {
		<-c.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := l.srv.Shutdown(sctx); err != nil {
			_ = l.srv.Close()
		}
	})

	s.log.Info("control api started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cfg.Token != ""),
		logx.Bool("pprof", cfg.Pprof),
	)
	return l, nil
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	l := s.cur
	s.cur = nil
	s.mu.Unlock()
	if l == nil {
		return
	}
	if err := l.srv.Shutdown(ctx); err != nil {
		_ = l.srv.Close()
	}
	l.sup.Cancel()
	if err := l.sup.Wait(ctx); err != nil {
		s.log.Warn("control api stopped with error", logx.Err(err))
		return
	}
	s.log.Info("control api stopped")
}

// Reconfigure applies cfg, starting, stopping or rebinding the server as
// needed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.cur != nil
	s.cfg = cfg
	s.mu.Unlock()

	if running && (!cfg.Enabled || prev != cfg) {
		s.Stop(ctx)
	}
	if cfg.Enabled && (!running || prev != cfg) {
		_ = s.Start(ctx)
	}
}

// IsLoopbackAddr reports whether addr binds only to a loopback interface.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	switch host = strings.TrimSpace(host); {
	case host == "":
		return false
	case strings.EqualFold(host, "localhost"):
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
