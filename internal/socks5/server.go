// Package socks5 implements a SOCKS5 CONNECT-only forward proxy: wire codec,
// per-connection state machine, and the accept loop that drives them.
package socks5

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/stanxii/ferrous-socks/internal/stats"
)

const (
	// DefaultAddr is used when Server.Addr is empty.
	DefaultAddr = ":1080"

	// DefaultConnectTimeout bounds resolution+policy+connect.
	DefaultConnectTimeout = 3 * time.Second

	// DefaultSessionTimeout bounds a whole connection's lifetime.
	DefaultSessionTimeout = time.Hour

	// DefaultShutdownGrace bounds how long ListenAndServe waits for
	// in-flight sessions to wind down on their own after ctx is cancelled,
	// before returning anyway.
	DefaultShutdownGrace = 5 * time.Second
)

// Server accepts SOCKS5 connections and spawns one session worker per
// connection.
type Server struct {
	Addr           string
	Policy         Policy
	Stats          *stats.Registry
	Resolver       Resolver
	Dialer         Dialer
	Logger         *slog.Logger
	Tracer         trace.Tracer
	ConnectTimeout time.Duration
	SessionTimeout time.Duration
	ShutdownGrace  time.Duration

	wg sync.WaitGroup
}

// ListenAndServe binds the listener and accepts connections until ctx is
// cancelled, at which point it closes the listener, gives in-flight
// sessions up to ShutdownGrace to finish on their own, and returns.
// Cancelling ctx is a shutdown signal, not a per-session deadline: sessions
// still running when the grace period elapses are forced closed when
// ListenAndServe cancels their context on return, and that is reported as a
// shutdown, not a session_timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.Addr
	if addr == "" {
		addr = DefaultAddr
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("socks5 listen: %w", err)
	}

	// Sessions do not see ctx's cancellation directly, so they can finish
	// during drain; their context is cancelled once ListenAndServe returns.
	sessCtx, cancelSessions := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSessions()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logger := s.logger()
	logger.Info("socks5 listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return s.drain(logger)
			}
			logger.Error("accept error", "err", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(sessCtx, conn)
		}()
	}
}

// drain waits for in-flight sessions to finish, bounded by
// shutdownGraceOrDefault, then returns regardless. Sessions still running
// past the grace period are forced closed when ListenAndServe, on return,
// cancels the context they run under.
func (s *Server) drain(logger *slog.Logger) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.shutdownGraceOrDefault()):
		logger.Warn("shutdown grace period elapsed with sessions still in flight")
	}
	return nil
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	id := s.Stats.StartSession(conn.RemoteAddr().String())
	defer s.Stats.FinishSession(id)

	sess := &session{
		conn:           conn,
		connID:         id,
		policy:         s.Policy,
		resolver:       s.resolverOrDefault(),
		dialer:         s.dialerOrDefault(),
		stats:          s.Stats,
		logger:         s.logger(),
		tracer:         s.tracerOrDefault(),
		connectTimeout: s.connectTimeoutOrDefault(),
		sessionTimeout: s.sessionTimeoutOrDefault(),
	}
	sess.run(ctx)
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) tracerOrDefault() trace.Tracer {
	if s.Tracer != nil {
		return s.Tracer
	}
	return noop.NewTracerProvider().Tracer("socks5")
}

func (s *Server) resolverOrDefault() Resolver {
	if s.Resolver != nil {
		return s.Resolver
	}
	return net.DefaultResolver
}

func (s *Server) dialerOrDefault() Dialer {
	if s.Dialer != nil {
		return s.Dialer
	}
	return &net.Dialer{}
}

func (s *Server) connectTimeoutOrDefault() time.Duration {
	if s.ConnectTimeout > 0 {
		return s.ConnectTimeout
	}
	return DefaultConnectTimeout
}

func (s *Server) sessionTimeoutOrDefault() time.Duration {
	if s.SessionTimeout > 0 {
		return s.SessionTimeout
	}
	return DefaultSessionTimeout
}

func (s *Server) shutdownGraceOrDefault() time.Duration {
	if s.ShutdownGrace > 0 {
		return s.ShutdownGrace
	}
	return DefaultShutdownGrace
}
