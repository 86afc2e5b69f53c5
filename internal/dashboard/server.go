package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sundial/internal/runtime/supervisor"
	"sundial/pkg/logx"
)

// ServerConfig controls the dashboard HTTP listener.
//
// Binding to a non-loopback address without login logs a warning.
type ServerConfig struct {
	Addr string

	// Gatherer, when set, is exposed at MetricsPath (default "/metrics").
	Gatherer    prometheus.Gatherer
	MetricsPath string

	// Pprof mounts the runtime profiles under /debug/pprof/.
	Pprof bool

	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

// Server runs a Handler on its own listener.
type Server struct {
	mu  sync.Mutex
	log logx.Logger
	cfg ServerConfig
	h   *Handler

	ln  net.Listener
	sup *supervisor.Supervisor
}

func NewServer(cfg ServerConfig, h *Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	return &Server{cfg: cfg, h: h, log: log.With(logx.String("comp", "dashboard"))}
}

// Addr is the bound address, empty until started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start binds the listener and serves in the background. Start is idempotent.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	if !s.h.opts.Login.Enabled && !isLoopbackAddr(s.cfg.Addr) {
		s.log.Warn("dashboard exposed on non-loopback addr without login", logx.String("addr", s.cfg.Addr))
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dashboard listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup.GoRestart("http.serve", s.serveOnce, 500*time.Millisecond, 10*time.Second)

	base := s.h.RequestPath()
	s.log.Info("dashboard started", logx.String("addr", ln.Addr().String()), logx.String("path", base),
		logx.Bool("metrics", s.cfg.Gatherer != nil), logx.Bool("pprof", s.cfg.Pprof), logx.String("hint", "http://"+ln.Addr().String()+base+"/api/get-jobs"))
	return nil
}

// Stop cancels open streams, shuts the server down and waits.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)

	s.mu.Lock()
	if s.ln != nil {
		_ = s.ln.Close()
		s.ln = nil
	}
	s.mu.Unlock()
	s.log.Info("dashboard stopped")
	return err
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	base := s.h.RequestPath()
	mux.Handle(base+"/", s.h)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	if s.cfg.Gatherer != nil {
		mux.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	if s.cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return mux
}

// serveOnce serves on the bound listener, re-binding after a failure.
func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return context.Canceled
	}

	srv := &http.Server{
		Handler:     s.mux(),
		ReadTimeout: s.cfg.ReadTimeout,
		IdleTimeout: s.cfg.IdleTimeout,
		// Profiles and streams outlive ReadTimeout; no WriteTimeout is set.
		// Request contexts end with the supervisor so streams close on Stop.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	err := srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}

	// The listener is gone; bind again before the next attempt.
	addr := ln.Addr().String()
	nl, lerr := net.Listen("tcp", addr)
	s.mu.Lock()
	if lerr == nil {
		s.ln = nl
	}
	s.mu.Unlock()
	if lerr != nil {
		s.log.Error("dashboard rebind failed", logx.String("addr", addr), logx.Err(lerr))
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("dashboard server exited unexpectedly")
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
