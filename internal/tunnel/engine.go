package tunnel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/nullbind/vlessway/internal/dialer"
	"github.com/nullbind/vlessway/internal/identity"
	"github.com/nullbind/vlessway/internal/logging"
	"github.com/nullbind/vlessway/internal/vless"
	"github.com/nullbind/vlessway/internal/wsconn"
)

const (
	// DefaultHeaderTimeout bounds how long the engine waits for the
	// first (header-bearing) chunk before giving up on a peer that
	// completed the WebSocket handshake but never sends VLESS bytes.
	DefaultHeaderTimeout = 5 * time.Second
	// DefaultIdleTimeout closes a session that exchanges nothing in
	// either direction for this long. Zero disables it.
	DefaultIdleTimeout = 30 * time.Second

	downstreamBufSize = 32 * 1024
)

// Engine holds everything a session needs that isn't
// connection-specific: the identity store, the outbound dialer,
// timeouts, and whether the DNS-over-UDP specialisation is
// wired in.
type Engine struct {
	Identity *identity.Store
	Dialer   *dialer.Dialer

	HeaderTimeout time.Duration
	IdleTimeout   time.Duration

	// DNSEnabled turns on relaying for UDP/port-53 requests. When
	// false, any UDP request is rejected as UnsupportedUDP
	// regardless of destination port.
	DNSEnabled bool
}

// New builds an Engine with the default timeouts.
func New(id *identity.Store, d *dialer.Dialer, dnsEnabled bool) *Engine {
	return &Engine{
		Identity:      id,
		Dialer:        d,
		HeaderTimeout: DefaultHeaderTimeout,
		IdleTimeout:   DefaultIdleTimeout,
		DNSEnabled:    dnsEnabled,
	}
}

// Serve runs one session to completion: Await-Header, Dialing (with
// at most one Fallback-Dialing attempt), then Streaming until either
// side closes or errors. It always leaves stream and any outbound
// socket closed before returning.
//
// onStart, if non-nil, is called once with the session's Stats before
// any blocking work begins, so a caller can register the still-live
// counters (e.g. with a metrics registry) without waiting for Serve
// to return.
func (e *Engine) Serve(ctx context.Context, stream *wsconn.Stream, onStart func(*Stats)) (*Stats, error) {
	stats := &Stats{StartedAt: time.Now()}
	if onStart != nil {
		onStart(stats)
	}

	req, residual, err := e.awaitHeader(stream)
	if err != nil {
		return stats, err
	}

	if req.Command == vless.CmdUDP {
		if !e.DNSEnabled || req.Port != 53 {
			stream.CloseWithStatus(ws.StatusProtocolError, "udp destination not supported")
			return stats, sessionErr(UnsupportedUDP, nil)
		}
		if !e.Identity.Accept(req.Identifier) {
			stream.CloseWithStatus(ws.StatusPolicyViolation, "")
			return stats, sessionErr(AuthRejected, nil)
		}
		err := e.runDNS(ctx, stream, req, residual, stats)
		return stats, err
	}

	if !e.Identity.Accept(req.Identifier) {
		stream.CloseWithStatus(ws.StatusPolicyViolation, "")
		return stats, sessionErr(AuthRejected, nil)
	}

	sess, err := e.dial(ctx, stream, req, residual)
	if err != nil {
		stream.Close()
		return stats, err
	}

	err = sess.run(ctx, stats)
	return stats, err
}

// awaitHeader implements the Await-Header state: read the first
// chunk under HeaderTimeout, parse it as a VLESS request. The
// returned residual slice is whatever payload followed the header
// within that same chunk (possibly empty).
func (e *Engine) awaitHeader(stream *wsconn.Stream) (*vless.Request, []byte, error) {
	if e.HeaderTimeout > 0 {
		stream.SetReadDeadline(time.Now().Add(e.HeaderTimeout))
		defer stream.SetReadDeadline(time.Time{})
	}

	chunk, err := stream.ReadChunk()
	if err != nil {
		stream.Close()
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, nil, sessionErr(Timeout, err)
		}
		return nil, nil, sessionErr(HeaderReadFailed, err)
	}

	req, err := vless.Parse(chunk)
	if err != nil {
		stream.CloseWithStatus(ws.StatusProtocolError, "malformed header")
		return nil, nil, sessionErr(MalformedHeader, err)
	}

	return req, chunk[req.PayloadOffset:], nil
}

// dial implements Dialing with its Fallback-Dialing branch: it
// attempts the primary destination, and on any failure to connect or
// to hand off the residual payload, attempts the configured fallback
// exactly once before giving up.
func (e *Engine) dial(ctx context.Context, stream *wsconn.Stream, req *vless.Request, residual []byte) (*session, error) {
	outbound, err := e.dialAndPrime(ctx, req.Address, req.Port, residual)
	fallbackUsed := false

	if err != nil {
		addr, ok := e.Dialer.FallbackAddress()
		if !ok {
			return nil, sessionErr(DialFailed, err)
		}
		outbound, err = e.dialAndPrime(ctx, addr, req.Port, residual)
		if err != nil {
			return nil, sessionErr(DialFailed, err)
		}
		fallbackUsed = true
	}

	sess := &session{
		engine:            e,
		stream:            stream,
		outbound:          outbound,
		req:               req,
		residual:          residual,
		fallbackUsed:      fallbackUsed,
		fallbackExhausted: fallbackUsed || !e.Dialer.HasFallback(),
	}
	sess.cond = sync.NewCond(&sess.outboundMu)
	return sess, nil
}

func (e *Engine) dialAndPrime(ctx context.Context, address string, port uint16, residual []byte) (net.Conn, error) {
	timeout := e.Dialer.ConnectTimeout
	if timeout <= 0 {
		timeout = dialer.DefaultConnectTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := e.Dialer.Dial(dctx, address, port)
	if err != nil {
		return nil, err
	}
	if len(residual) > 0 {
		if _, err := conn.Write(residual); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// session is a live Streaming-state session: an accepted WebSocket
// stream paired with a (possibly fallback-swapped) outbound socket.
type session struct {
	engine   *Engine
	stream   *wsconn.Stream
	req      *vless.Request
	residual []byte

	outboundMu        sync.Mutex
	cond              *sync.Cond // L is &outboundMu; broadcasts on swapOutbound and markFallbackExhausted
	outbound          net.Conn
	fallbackUsed      bool
	fallbackExhausted bool // true once no further fallback attempt will ever happen

	responseSent atomic.Bool
	hasIncoming  atomic.Bool
}

func (s *session) getOutbound() net.Conn {
	s.outboundMu.Lock()
	defer s.outboundMu.Unlock()
	return s.outbound
}

func (s *session) swapOutbound(conn net.Conn) {
	s.outboundMu.Lock()
	old := s.outbound
	s.outbound = conn
	s.fallbackUsed = true
	s.fallbackExhausted = true
	s.outboundMu.Unlock()
	s.cond.Broadcast()
	old.Close()
}

func (s *session) markFallbackExhausted() {
	s.outboundMu.Lock()
	s.fallbackExhausted = true
	s.outboundMu.Unlock()
	s.cond.Broadcast()
}

// waitForSwapOrGiveUp blocks a pump that just failed a read/write
// against failedConn until either the outbound socket is swapped out
// from under it (returns true — the caller drops what failed and goes
// on against the new socket) or it
// becomes certain no swap is coming (returns false — the failure is
// real and should be treated as fatal). It never blocks indefinitely:
// every path that can decide "no more fallback attempts" — dial-time
// exhaustion, a fallback dial failure, or hasIncoming already being
// true — calls markFallbackExhausted, which wakes any waiter.
func (s *session) waitForSwapOrGiveUp(failedConn net.Conn) bool {
	s.outboundMu.Lock()
	defer s.outboundMu.Unlock()
	for s.outbound == failedConn && !s.fallbackExhausted {
		s.cond.Wait()
	}
	return s.outbound != failedConn
}

func (s *session) closeAll() {
	s.stream.Close()
	s.getOutbound().Close()
}

// run drives the Streaming state: an upstream pump (peer -> outbound,
// in arrival order) and a downstream pump (outbound -> peer, response
// header first) run concurrently until one side ends the session.
func (s *session) run(ctx context.Context, stats *Stats) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- s.upstreamPump(stats) }()
	go func() { errCh <- s.downstreamLoop(ctx, stats) }()

	first := <-errCh
	cancel()
	s.closeAll()
	<-errCh // let the other pump observe the close and exit

	if first == nil || errors.Is(first, io.EOF) {
		return nil
	}
	return sessionErr(TransportError, first)
}

// upstreamPump forwards every subsequent client chunk to whichever
// outbound socket is current, verbatim and in the order received.
// Because ReadChunk never reads ahead of what the caller consumes,
// chunks that arrive while a fallback swap is in flight are simply
// read after the swap completes — no reordering is possible since
// only one goroutine ever calls ReadChunk.
//
// A write failure against a dying primary socket is exactly what a
// fallback attempt is triggered by, so it is not immediately fatal:
// the pump waits to see whether downstreamLoop swaps in a fallback
// connection. If it does, the chunk that failed is discarded rather
// than resent — the peer has effectively not started the session yet
// — and the pump resumes reading against the new outbound socket. If
// no swap is coming, the write failure is genuine and fatal.
func (s *session) upstreamPump(stats *Stats) error {
	for {
		if s.engine.IdleTimeout > 0 {
			s.stream.SetReadDeadline(time.Now().Add(s.engine.IdleTimeout))
		}
		chunk, err := s.stream.ReadChunk()
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			continue
		}
		oc := s.getOutbound()
		if oc == nil {
			return io.ErrClosedPipe
		}
		if s.engine.IdleTimeout > 0 {
			oc.SetWriteDeadline(time.Now().Add(s.engine.IdleTimeout))
		}
		if _, err := oc.Write(chunk); err != nil {
			if !s.waitForSwapOrGiveUp(oc) {
				return err
			}
			continue
		}
		stats.addUp(len(chunk))
	}
}

// downstreamLoop runs downstreamOnce against the current outbound
// socket, and — per the fallback decision refinement — retries once
// against the fallback destination if the outbound side closed
// without ever yielding a byte and no fallback attempt has happened
// yet for this session.
func (s *session) downstreamLoop(ctx context.Context, stats *Stats) error {
	for {
		err := s.downstreamOnce(s.getOutbound(), stats)
		if !s.hasIncoming.Load() && !s.fallbackUsed && s.engine.Dialer.HasFallback() {
			if s.attemptFallback(ctx) {
				continue
			}
		}
		// No further fallback attempt will ever happen for this
		// session; wake anything in upstreamPump still waiting to
		// see whether the outbound socket gets swapped out.
		s.markFallbackExhausted()
		return err
	}
}

func (s *session) attemptFallback(ctx context.Context) bool {
	addr, ok := s.engine.Dialer.FallbackAddress()
	if !ok {
		return false
	}
	if ce := logging.CanLog(zap.InfoLevel, "retrying via fallback destination"); ce != nil {
		ce.Write(zap.String("address", addr), zap.Uint16("port", s.req.Port))
	}
	conn, err := s.engine.dialAndPrime(ctx, addr, s.req.Port, s.residual)
	if err != nil {
		return false
	}
	s.swapOutbound(conn) // also sets fallbackUsed and fallbackExhausted
	return true
}

func (s *session) downstreamOnce(outbound net.Conn, stats *Stats) error {
	buf := make([]byte, downstreamBufSize)
	for {
		if s.engine.IdleTimeout > 0 {
			outbound.SetReadDeadline(time.Now().Add(s.engine.IdleTimeout))
		}
		n, err := outbound.Read(buf)
		if n > 0 {
			s.hasIncoming.Store(true)
			stats.addDown(n)

			var werr error
			if s.responseSent.CompareAndSwap(false, true) {
				header := vless.ResponseHeader(s.req.Version)
				werr = s.stream.WriteChunkWithPrefix(header[:], buf[:n])
			} else {
				if s.engine.IdleTimeout > 0 {
					s.stream.SetWriteDeadline(time.Now().Add(s.engine.IdleTimeout))
				}
				werr = s.stream.WriteChunk(buf[:n])
			}
			if werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
	}
}

// runDNS implements the DNS-over-UDP specialisation: the
// gateway does not stay in the generic Streaming state for these
// sessions since there is no persistent outbound TCP socket, only a
// request/response exchange per client-supplied WS message. Each
// chunk after the header carries exactly one length-prefixed DNS
// message; each reply is framed the same way before being written
// back, response header first.
func (e *Engine) runDNS(ctx context.Context, stream *wsconn.Stream, req *vless.Request, residual []byte, stats *Stats) error {
	conn, err := dialer.DialDNS53(req.Address)
	if err != nil {
		stream.Close()
		return sessionErr(DialFailed, err)
	}
	defer conn.Close()
	defer stream.Close()

	header := vless.ResponseHeader(req.Version)
	sent := false

	relayOne := func(framed []byte) error {
		msg, err := dialer.ReadFramedMessage(bytes.NewReader(framed))
		if err != nil {
			return sessionErr(MalformedHeader, err)
		}
		if err := dialer.ValidateQuery(msg); err != nil {
			return sessionErr(MalformedHeader, err)
		}
		if e.IdleTimeout > 0 {
			conn.SetDeadline(time.Now().Add(e.IdleTimeout))
		}
		reply, err := dialer.RelayQuery(conn, msg)
		if err != nil {
			return sessionErr(TransportError, err)
		}
		stats.addUp(len(msg))
		stats.addDown(len(reply))

		var out bytes.Buffer
		if err := dialer.WriteFramedMessage(&out, reply); err != nil {
			return sessionErr(TransportError, err)
		}
		if !sent {
			sent = true
			return stream.WriteChunkWithPrefix(header[:], out.Bytes())
		}
		return stream.WriteChunk(out.Bytes())
	}

	if len(residual) > 0 {
		if err := relayOne(residual); err != nil {
			return err
		}
	}

	for {
		if e.IdleTimeout > 0 {
			stream.SetReadDeadline(time.Now().Add(e.IdleTimeout))
		}
		chunk, err := stream.ReadChunk()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return sessionErr(TransportError, err)
		}
		if err := relayOne(chunk); err != nil {
			return err
		}
	}
}
