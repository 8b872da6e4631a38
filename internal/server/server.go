// Package server is a small memcached text-protocol server used to run the
// demo and the client tests without an external memcached.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/catatsuy/mcdemo/internal/cache"
)

const defaultVersion = "1.6.0-mcdemo"

type Config struct {
	ListenAddr    string
	MaxBytes      int64
	TargetBytes   int64
	MaxEvictPerOp int
	Version       string
	Verbose       bool
	Logger        *slog.Logger
}

type Server struct {
	cfg   Config
	cache *cache.Cache

	mu        sync.RWMutex
	listener  net.Listener
	readyCh   chan struct{}
	readyOnce sync.Once
	closed    bool

	logger *slog.Logger
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Server{
		cfg:     cfg,
		cache:   cache.NewCache(cfg.MaxBytes, cfg.TargetBytes, 48, cfg.MaxEvictPerOp),
		readyCh: make(chan struct{}),
		logger:  logger.With("component", "server"),
	}
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.readyCh
}

func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve accepts connections until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.serveListener(ctx, ln)
}

func (s *Server) serveListener(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })

	s.logger.Info("listening", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				backoff = nextAcceptBackoff(backoff)
				s.logger.Warn("temporary accept error", "err", err, "retry_in", backoff)
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
				}
				continue
			}
			s.logger.Error("accept failed", "err", err)
			return err
		}
		backoff = 0

		go s.handleConn(conn)
	}
}

// nextAcceptBackoff doubles the wait from 5ms up to one second.
func nextAcceptBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return 5 * time.Millisecond
	}
	if next := prev * 2; next < time.Second {
		return next
	}
	return time.Second
}

func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) version() string {
	if s.cfg.Version != "" {
		return s.cfg.Version
	}
	return defaultVersion
}

func (s *Server) logf(msg string, args ...any) {
	if !s.cfg.Verbose {
		return
	}
	s.logger.Debug(msg, args...)
}
