// Package wsconn adapts an inbound WebSocket endpoint into the
// ordered pull-stream / push-sink contract the tunnel engine needs:
// binary chunks in, binary chunks out, with early-data support and
// idempotent close.
//
// It is grounded on advLayer/ws (server.go's gobwas/ws.Upgrader-based
// handshake with a ProtocolCustom early-data callback, and conn.go's
// wsutil.Reader wrapping), restated against net/http's Hijacker-based
// upgrade path (ws.HTTPUpgrader) since the gateway dispatcher is a
// plain net/http.Handler rather than a raw listener.
package wsconn

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// maxChunkLen bounds how much memory a single inbound WebSocket
// message may claim. gobwas/ws frames can declare lengths up to 2^64;
// conn.go discusses this exact hazard when justifying its own
// segmented-read approach. VLESS-over-WS traffic is bounded well
// under this in practice.
const maxChunkLen = 1 << 20

// ErrBadEarlyData is returned when the Sec-WebSocket-Protocol header
// carries early data that fails to decode as base64url.
var ErrBadEarlyData = errors.New("wsconn: malformed early-data header")

// Stream is a single accepted WebSocket connection, adapted to the
// tunnel engine's chunked byte-stream contract.
type Stream struct {
	conn net.Conn
	r    *wsutil.Reader

	earlyData []byte // consumed by the first ReadChunk, then nil

	closeOnce sync.Once
	closeErr  error
}

// Accept upgrades r/w to a WebSocket connection, decoding any
// early-data carried in the Sec-WebSocket-Protocol header (base64url,
// '-'/'_' variant, padding inferred). w must support http.Hijacker, as
// any standard net/http server's ResponseWriter does.
func Accept(w http.ResponseWriter, r *http.Request) (*Stream, error) {
	var earlyDataProto string

	u := ws.HTTPUpgrader{
		Protocol: func(proto string) bool {
			earlyDataProto = proto
			return true
		},
	}

	conn, _, _, err := u.Upgrade(r, w)
	if err != nil {
		return nil, fmt.Errorf("wsconn: upgrade: %w", err)
	}

	var early []byte
	if earlyDataProto != "" {
		early, err = decodeEarlyData(earlyDataProto)
		if err != nil {
			// conn is already a live, upgraded WebSocket connection;
			// release it the same way a malformed post-upgrade header
			// would be released, with a close frame rather than a
			// silent TCP close.
			_ = ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusProtocolError, "malformed early data")))
			conn.Close()
			return nil, ErrBadEarlyData
		}
	}

	rd := wsutil.NewServerSideReader(conn)
	rd.OnIntermediate = wsutil.ControlFrameHandler(conn, ws.StateServerSide)

	return &Stream{conn: conn, r: rd, earlyData: early}, nil
}

func decodeEarlyData(proto string) ([]byte, error) {
	if proto == "" {
		return nil, nil
	}
	// base64.RawURLEncoding already tolerates the '-'/'_' alphabet
	// without padding; some clients still send padded strings, so
	// fall back to the padded URL encoding on failure.
	if bs, err := base64.RawURLEncoding.DecodeString(proto); err == nil {
		return bs, nil
	}
	if bs, err := base64.URLEncoding.DecodeString(proto); err == nil {
		return bs, nil
	}
	return nil, ErrBadEarlyData
}

// ReadChunk returns the next ordered binary chunk from the peer. The
// very first call returns any decoded early data before touching the
// underlying socket. Text frames are treated as a protocol error, and
// that treatment stays consistent for the lifetime of the stream.
func (s *Stream) ReadChunk() ([]byte, error) {
	if len(s.earlyData) > 0 {
		chunk := s.earlyData
		s.earlyData = nil
		return chunk, nil
	}

	for {
		hdr, err := s.r.NextFrame()
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("wsconn: read frame: %w", err)
		}

		if hdr.OpCode.IsControl() {
			// consumed by OnIntermediate as part of NextFrame; loop for data.
			continue
		}

		if hdr.OpCode != ws.OpBinary && hdr.OpCode != ws.OpContinuation {
			return nil, fmt.Errorf("wsconn: unexpected opcode %v, binary frames only", hdr.OpCode)
		}

		if hdr.Length > maxChunkLen {
			return nil, fmt.Errorf("wsconn: frame length %d exceeds limit %d", hdr.Length, maxChunkLen)
		}

		buf := make([]byte, hdr.Length)
		if _, err := io.ReadFull(s.r, buf); err != nil {
			return nil, fmt.Errorf("wsconn: read payload: %w", err)
		}
		return buf, nil
	}
}

// WriteChunk sends one binary WebSocket message containing exactly
// b's bytes, unframed relative to the caller — one send equals one
// message.
func (s *Stream) WriteChunk(b []byte) error {
	return wsutil.WriteServerBinary(s.conn, b)
}

// WriteChunkWithPrefix sends prefix immediately followed by b as a
// single WebSocket binary message, so a response header can precede
// the first downstream payload byte without an extra round trip. If b
// is empty, only prefix is sent.
func (s *Stream) WriteChunkWithPrefix(prefix, b []byte) error {
	if len(b) == 0 {
		return wsutil.WriteServerBinary(s.conn, prefix)
	}
	merged := make([]byte, 0, len(prefix)+len(b))
	merged = append(merged, prefix...)
	merged = append(merged, b...)
	return wsutil.WriteServerBinary(s.conn, merged)
}

// SetReadDeadline sets the deadline for future ReadChunk calls,
// exactly as net.Conn.SetReadDeadline. A zero value clears it.
func (s *Stream) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the deadline for future WriteChunk calls.
func (s *Stream) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

// Close closes the underlying socket. It is safe to call multiple
// times and from multiple goroutines; only the first call's error is
// retained.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// CloseWithStatus sends a WebSocket close frame carrying code and
// reason before closing the socket. Failures to write the close
// frame are ignored — the socket is closed regardless.
func (s *Stream) CloseWithStatus(code ws.StatusCode, reason string) error {
	_ = ws.WriteFrame(s.conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
	return s.Close()
}
