package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stanxii/ferrous-socks/internal/stats"
)

// Policy is the access-control decision behind spec.md §4.1: total, pure,
// non-blocking.
type Policy interface {
	Permitted(ip net.IP, port uint16) bool
}

// Resolver resolves domain names to IP addresses. net.Resolver satisfies
// this directly; tests substitute a fake to control resolution order
// deterministically.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// Dialer opens the outbound connection. net.Dialer satisfies this directly.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// halfCloseWriter is implemented by connections (like *net.TCPConn) that can
// shut down their write side independently of their read side.
type halfCloseWriter interface {
	CloseWrite() error
}

// session owns one accepted connection end to end: the greeting, the
// request, the policy-gated connect, and the relay. One instance per
// connection; never shared across goroutines except for the two relay
// directions, which only ever touch their own half.
type session struct {
	conn     net.Conn
	policy   Policy
	resolver Resolver
	dialer   Dialer
	stats    *stats.Registry
	logger   *slog.Logger
	tracer   trace.Tracer

	connID         uint64
	connectTimeout time.Duration
	sessionTimeout time.Duration
}

// run bounds the whole connection lifetime by the outer session deadline
// (spec.md §4.3's "(any) outer session deadline elapsed" transition) and
// forces both sockets closed if it fires before serve() returns on its own.
func (s *session) run(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "socks5.session", trace.WithAttributes(
		attribute.Int64("conn_id", int64(s.connID)), //nolint:gosec // session ids don't approach 2^63
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.sessionTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.serve(ctx)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.conn.Close()
		<-done
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.stats.BumpSessionTimeout()
			span.SetStatus(codes.Error, "session timeout")
			s.logger.Error("session_timeout", "conn_id", s.connID)
		} else {
			span.SetStatus(codes.Error, "shutdown")
			s.logger.Info("session_shutdown", "conn_id", s.connID)
		}
	}
}

func (s *session) serve(ctx context.Context) {
	defer s.conn.Close()

	s.logger.Debug("accepted", "conn_id", s.connID, "peer", s.conn.RemoteAddr())

	if err := s.negotiate(); err != nil {
		s.logger.Warn("handshake_failed", "conn_id", s.connID, "err", err)
		return
	}
	s.logger.Debug("handshake_ok", "conn_id", s.connID)

	cmd, req, err := ReadRequest(s.conn)
	switch {
	case errors.Is(err, ErrUnsupportedCommand):
		s.writeReply(ReplyCommandNotSupported, nil)
		s.logger.Warn("request rejected: unsupported command", "conn_id", s.connID, "cmd", cmd)
		return
	case errors.Is(err, ErrUnsupportedAddrType):
		// RFC 1928 allows AddrTypeNotSupported here; the source silently
		// drops the connection instead. We send the reply (spec.md §7/§9
		// open question) rather than replicate that behavior.
		s.writeReply(ReplyAddrTypeNotSupported, nil)
		s.logger.Warn("request rejected: unsupported address type", "conn_id", s.connID, "err", err)
		return
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrBadAddress):
		s.writeReply(ReplyGeneralFailure, nil)
		s.logger.Warn("request parse failed", "conn_id", s.connID, "err", err)
		return
	case err != nil:
		s.logger.Error("io_error", "conn_id", s.connID, "phase", "request", "err", err)
		return
	}

	s.stats.SetRequest(s.connID, stats.RequestInfo{Address: req.Address.String(), Port: req.Port})
	s.logger.Debug("request_parsed", "conn_id", s.connID, "dest", req.Address.String(), "port", req.Port)

	target, bound, code := s.connect(ctx, req)
	if code != ReplySuccess {
		s.writeReply(code, nil)
		s.logReplyFailure(code, req)
		return
	}
	defer target.Close()

	if err := WriteReply(s.conn, ReplySuccess, bound); err != nil {
		s.logger.Error("io_error", "conn_id", s.connID, "phase", "reply", "err", err)
		return
	}
	s.logger.Info("connected", "conn_id", s.connID, "bound", bound.String())

	s.relay(target)
	s.stats.BumpSessionSuccess()
	s.logger.Info("session_ok", "conn_id", s.connID)
}

func (s *session) logReplyFailure(code ReplyCode, req Request) {
	switch code {
	case ReplyNotAllowed:
		s.logger.Warn("denied", "conn_id", s.connID, "dest", req.Address.String(), "port", req.Port)
	case ReplyTTLExpired:
		s.logger.Warn("connect_timeout", "conn_id", s.connID, "dest", req.Address.String(), "port", req.Port)
	default:
		s.logger.Error("io_error", "conn_id", s.connID, "phase", "connect", "code", code)
	}
}

func (s *session) writeReply(code ReplyCode, bound net.Addr) {
	if err := WriteReply(s.conn, code, bound); err != nil {
		s.logger.Error("io_error", "conn_id", s.connID, "phase", "reply", "err", err)
	}
}

// negotiate drives the AwaitGreeting state of spec.md §4.3's table.
func (s *session) negotiate() error {
	methods, err := ReadGreeting(s.conn)
	if err != nil {
		if errors.Is(err, ErrBadGreeting) {
			s.conn.Write([]byte{version, methodNoAccept}) //nolint:errcheck // closing anyway
		}
		s.stats.BumpHandshakeFailed()
		return fmt.Errorf("negotiate: %w", err)
	}

	method := SelectMethod(methods)
	if err := WriteGreetingReply(s.conn, method); err != nil {
		return fmt.Errorf("negotiate: write reply: %w", err)
	}
	if method != methodNoAuth {
		s.stats.BumpHandshakeFailed()
		return ErrNoAcceptableMethod
	}

	s.stats.BumpHandshakeSuccess()
	return nil
}

// connect drives the Connecting state: resolution (if needed), the
// first-permitted-address-wins policy check, and the outbound dial, all
// bounded by connectTimeout. If the deadline elapses first, any connection
// that eventually completes is drained and closed rather than leaked.
func (s *session) connect(ctx context.Context, req Request) (net.Conn, net.Addr, ReplyCode) {
	ctx, span := s.tracer.Start(ctx, "socks5.connect", trace.WithAttributes(
		attribute.String("dest", req.Address.String()),
		attribute.Int("port", int(req.Port)),
	))
	defer span.End()

	cctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	type result struct {
		conn net.Conn
		code ReplyCode
	}
	resc := make(chan result, 1)

	go func() {
		conn, code := s.dialPermitted(cctx, req)
		resc <- result{conn, code}
	}()

	select {
	case r := <-resc:
		if r.code != ReplySuccess {
			span.SetStatus(codes.Error, "connect failed")
			return nil, nil, r.code
		}
		return r.conn, r.conn.LocalAddr(), ReplySuccess
	case <-cctx.Done():
		go func() {
			r := <-resc
			if r.conn != nil {
				r.conn.Close()
			}
		}()
		span.SetStatus(codes.Error, "connect timeout")
		return nil, nil, ReplyTTLExpired
	}
}

// dialPermitted implements §4.3's "Name resolution + policy" rule: for a
// domain, resolve then walk the candidates in order, dialing the first one
// Policy permits; failure to connect to that candidate is NOT retried
// against the rest. For a literal IP there's exactly one candidate.
func (s *session) dialPermitted(ctx context.Context, req Request) (net.Conn, ReplyCode) {
	switch req.Address.Type {
	case AddrIPv4, AddrIPv6:
		ip := req.Address.IP
		if !s.policy.Permitted(ip, req.Port) {
			return nil, ReplyNotAllowed
		}
		return s.dial(ctx, ip, req.Port)

	case AddrDomain:
		ips, err := s.resolver.LookupIP(ctx, "ip", req.Address.Domain)
		if err != nil {
			return nil, ReplyNetworkUnreachable
		}
		if len(ips) == 0 {
			return nil, ReplyNotAllowed
		}
		var chosen net.IP
		for _, ip := range ips {
			if s.policy.Permitted(ip, req.Port) {
				chosen = ip
				break
			}
		}
		if chosen == nil {
			return nil, ReplyNotAllowed
		}
		return s.dial(ctx, chosen, req.Port)

	default:
		return nil, ReplyAddrTypeNotSupported
	}
}

func (s *session) dial(ctx context.Context, ip net.IP, port uint16) (net.Conn, ReplyCode) {
	conn, err := s.dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), strconv.Itoa(int(port))))
	if err != nil {
		return nil, ReplyNetworkUnreachable
	}
	return conn, ReplySuccess
}

// relay runs the two half-duplex copies concurrently and independently, per
// spec.md §4.3/§9: each direction ends on its source's EOF/error, performs a
// write-side shutdown on its destination, and the worker joins both.
func (s *session) relay(target net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.copyHalf(target, s.conn, "inbound->outbound")
	}()
	go func() {
		defer wg.Done()
		s.copyHalf(s.conn, target, "outbound->inbound")
	}()
	wg.Wait()
}

func (s *session) copyHalf(dst, src net.Conn, direction string) {
	_, err := io.Copy(dst, src)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Error("io_error", "conn_id", s.connID, "direction", direction, "err", err)
	}
	if hc, ok := dst.(halfCloseWriter); ok {
		hc.CloseWrite() //nolint:errcheck // relay best-effort half-close
	} else {
		dst.Close() //nolint:errcheck // relay best-effort close
	}
}
