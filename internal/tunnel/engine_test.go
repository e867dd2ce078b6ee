package tunnel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/miekg/dns"

	"github.com/nullbind/vlessway/internal/dialer"
	"github.com/nullbind/vlessway/internal/identity"
	"github.com/nullbind/vlessway/internal/vless"
	"github.com/nullbind/vlessway/internal/wsconn"
)

func TestSessionErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	se := sessionErr(DialFailed, inner)
	if !errors.Is(se, inner) {
		t.Fatalf("errors.Is should see through SessionError.Unwrap")
	}
	var target *SessionError
	if !errors.As(se, &target) || target.Kind != DialFailed {
		t.Fatalf("errors.As did not recover the SessionError, got %#v", target)
	}
}

func TestErrorKindStrings(t *testing.T) {
	kinds := []ErrorKind{MalformedHeader, AuthRejected, UnsupportedUDP, DialFailed, TransportError, HeaderReadFailed, Timeout}
	seen := map[string]bool{}
	for _, k := range kinds {
		s := k.String()
		if s == "" || s == "unknown" {
			t.Fatalf("kind %d stringified to %q", k, s)
		}
		if seen[s] {
			t.Fatalf("duplicate string %q for distinct kinds", s)
		}
		seen[s] = true
	}
}

func TestStats_ConcurrentAdds(t *testing.T) {
	s := &Stats{StartedAt: time.Now()}
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); s.addUp(10) }()
		go func() { defer wg.Done(); s.addDown(5) }()
	}
	wg.Wait()
	if s.BytesUp() != 1000 || s.PacketsUp() != 100 {
		t.Fatalf("unexpected up counters: bytes=%d packets=%d", s.BytesUp(), s.PacketsUp())
	}
	if s.BytesDown() != 500 || s.PacketsDown() != 100 {
		t.Fatalf("unexpected down counters: bytes=%d packets=%d", s.BytesDown(), s.PacketsDown())
	}
}

func mustStore(t *testing.T, uuidStr string) *identity.Store {
	t.Helper()
	s, err := identity.New(uuidStr, nil)
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	return s
}

// buildHeader constructs a minimal wire-format VLESS TCP request for
// address (an IPv4 dotted quad) and port, followed by payload.
func buildHeader(t *testing.T, id [16]byte, address string, port uint16, payload []byte) []byte {
	t.Helper()
	return buildHeaderCmd(t, id, 1, address, port, payload)
}

func buildHeaderCmd(t *testing.T, id [16]byte, cmd byte, address string, port uint16, payload []byte) []byte {
	t.Helper()
	var buf []byte
	buf = append(buf, 0) // version
	buf = append(buf, id[:]...)
	buf = append(buf, 0)   // options length
	buf = append(buf, cmd) // command: TCP=1, UDP=2
	buf = append(buf, byte(port>>8), byte(port))
	buf = append(buf, 1) // address type: IPv4
	ip := net.ParseIP(address).To4()
	if ip == nil {
		t.Fatalf("address %q is not a valid IPv4 literal", address)
	}
	buf = append(buf, ip...)
	buf = append(buf, payload...)
	return buf
}

// TestEngine_TCP_RoundTrip drives a whole session end to end: a real
// WebSocket client sends a VLESS header plus a payload chunk to an
// http.Handler backed by wsconn.Accept and Engine.Serve, whose
// outbound destination is a local TCP echo listener. The client
// should see the 2-byte response header immediately followed by its
// own payload, echoed back.
func TestEngine_TCP_RoundTrip(t *testing.T) {
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer echoLn.Close()
	go func() {
		conn, err := echoLn.Accept()
		if err != nil {
			return
		}
		io.Copy(conn, conn)
	}()

	echoHost, echoPortStr, _ := net.SplitHostPort(echoLn.Addr().String())
	echoPortNum, err := strconv.Atoi(echoPortStr)
	if err != nil {
		t.Fatalf("parse echo port: %v", err)
	}
	echoPort := uint16(echoPortNum)

	id := [16]byte{0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11}
	store := mustStore(t, "11111111-1111-1111-1111-111111111111")
	engine := New(store, dialer.New("", time.Second), false)
	engine.HeaderTimeout = 2 * time.Second
	engine.IdleTimeout = 2 * time.Second

	mux := http.NewServeMux()
	mux.HandleFunc("/tun", func(w http.ResponseWriter, r *http.Request) {
		stream, err := wsconn.Accept(w, r)
		if err != nil {
			t.Errorf("wsconn.Accept: %v", err)
			return
		}
		engine.Serve(context.Background(), stream, nil)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsHost := srv.Listener.Addr().String()
	underlay, err := net.Dial("tcp", wsHost)
	if err != nil {
		t.Fatalf("dial test server: %v", err)
	}
	defer underlay.Close()

	d := ws.Dialer{
		NetDial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return underlay, nil
		},
	}
	if _, _, _, err := d.Dial(context.Background(), "ws://"+wsHost+"/tun"); err != nil {
		t.Fatalf("ws dial: %v", err)
	}

	payload := []byte("hello-through-the-tunnel")
	header := buildHeader(t, id, echoHost, echoPort, payload)
	if err := wsutil.WriteClientBinary(underlay, header); err != nil {
		t.Fatalf("write header: %v", err)
	}

	underlay.SetReadDeadline(time.Now().Add(3 * time.Second))
	got, err := wsutil.ReadServerBinary(underlay)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if len(got) < 2 {
		t.Fatalf("response too short: %v", got)
	}
	if got[0] != 0 || got[1] != 0 {
		t.Fatalf("unexpected response header: % x", got[:2])
	}
	if string(got[2:]) != string(payload) {
		t.Fatalf("echoed payload mismatch: got %q want %q", got[2:], payload)
	}
}

// TestEngine_DNSOverUDP_RoundTrip drives the DNS-over-UDP
// specialisation end to end: a real WebSocket client sends a
// UDP/port-53 VLESS header whose residual carries one length-framed
// DNS query, against an engine with DNSEnabled set, and the fake
// nameserver answers with a fixed A record. The client should see the
// response header immediately followed by one length-framed DNS
// reply carrying that record.
func TestEngine_DNSOverUDP_RoundTrip(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:53")
	if err != nil {
		t.Skipf("binding 127.0.0.1:53 unavailable in this environment: %v", err)
	}
	defer pc.Close()
	go func() {
		buf := make([]byte, 65535)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			var q dns.Msg
			if err := q.Unpack(buf[:n]); err != nil {
				continue
			}
			resp := new(dns.Msg)
			resp.SetReply(&q)
			if len(q.Question) == 1 && q.Question[0].Qtype == dns.TypeA {
				rr, _ := dns.NewRR(q.Question[0].Name + " 60 IN A 203.0.113.9")
				resp.Answer = append(resp.Answer, rr)
			}
			packed, err := resp.Pack()
			if err != nil {
				continue
			}
			pc.WriteTo(packed, addr)
		}
	}()

	id := [16]byte{0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44}
	store := mustStore(t, "44444444-4444-4444-4444-444444444444")
	engine := New(store, dialer.New("", time.Second), true)
	engine.HeaderTimeout = 2 * time.Second
	engine.IdleTimeout = 2 * time.Second

	mux := http.NewServeMux()
	mux.HandleFunc("/tun", func(w http.ResponseWriter, r *http.Request) {
		stream, err := wsconn.Accept(w, r)
		if err != nil {
			t.Errorf("wsconn.Accept: %v", err)
			return
		}
		engine.Serve(context.Background(), stream, nil)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsHost := srv.Listener.Addr().String()
	underlay, err := net.Dial("tcp", wsHost)
	if err != nil {
		t.Fatalf("dial test server: %v", err)
	}
	defer underlay.Close()

	d := ws.Dialer{
		NetDial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return underlay, nil
		},
	}
	if _, _, _, err := d.Dial(context.Background(), "ws://"+wsHost+"/tun"); err != nil {
		t.Fatalf("ws dial: %v", err)
	}

	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn("example.com"), dns.TypeA)
	packedQuery, err := q.Pack()
	if err != nil {
		t.Fatalf("pack query: %v", err)
	}
	var framedQuery bytes.Buffer
	if err := dialer.WriteFramedMessage(&framedQuery, packedQuery); err != nil {
		t.Fatalf("frame query: %v", err)
	}

	header := buildHeaderCmd(t, id, 2, "127.0.0.1", 53, framedQuery.Bytes())
	if err := wsutil.WriteClientBinary(underlay, header); err != nil {
		t.Fatalf("write header: %v", err)
	}

	underlay.SetReadDeadline(time.Now().Add(3 * time.Second))
	got, err := wsutil.ReadServerBinary(underlay)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if len(got) < 2 || got[0] != 0 || got[1] != 0 {
		t.Fatalf("unexpected or missing response header: % x", got)
	}

	replyMsg, err := dialer.ReadFramedMessage(bytes.NewReader(got[2:]))
	if err != nil {
		t.Fatalf("read framed reply: %v", err)
	}
	var r dns.Msg
	if err := r.Unpack(replyMsg); err != nil {
		t.Fatalf("unpack reply: %v", err)
	}
	if len(r.Answer) != 1 {
		t.Fatalf("expected exactly one answer record, got %d", len(r.Answer))
	}
	a, ok := r.Answer[0].(*dns.A)
	if !ok || a.A.String() != "203.0.113.9" {
		t.Fatalf("unexpected answer record: %v", r.Answer[0])
	}
}

// TestEngine_DNSDisabled_UDPIsUnsupported confirms a UDP/port-53
// request is rejected as UnsupportedUDP when the DNS specialisation
// is off, without ever touching a nameserver.
func TestEngine_DNSDisabled_UDPIsUnsupported(t *testing.T) {
	id := [16]byte{0x55, 0x55, 0x55, 0x55, 0x55, 0x55, 0x55, 0x55, 0x55, 0x55, 0x55, 0x55, 0x55, 0x55, 0x55, 0x55}
	store := mustStore(t, "55555555-5555-5555-5555-555555555555")
	engine := New(store, dialer.New("", time.Second), false)
	engine.HeaderTimeout = 2 * time.Second

	mux := http.NewServeMux()
	errCh := make(chan error, 1)
	mux.HandleFunc("/tun", func(w http.ResponseWriter, r *http.Request) {
		stream, err := wsconn.Accept(w, r)
		if err != nil {
			errCh <- err
			return
		}
		_, err = engine.Serve(context.Background(), stream, nil)
		errCh <- err
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsHost := srv.Listener.Addr().String()
	underlay, err := net.Dial("tcp", wsHost)
	if err != nil {
		t.Fatalf("dial test server: %v", err)
	}
	defer underlay.Close()

	d := ws.Dialer{
		NetDial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return underlay, nil
		},
	}
	if _, _, _, err := d.Dial(context.Background(), "ws://"+wsHost+"/tun"); err != nil {
		t.Fatalf("ws dial: %v", err)
	}

	header := buildHeaderCmd(t, id, 2, "127.0.0.1", 53, nil)
	if err := wsutil.WriteClientBinary(underlay, header); err != nil {
		t.Fatalf("write header: %v", err)
	}

	select {
	case err := <-errCh:
		var se *SessionError
		if !errors.As(err, &se) || se.Kind != UnsupportedUDP {
			t.Fatalf("expected UnsupportedUDP, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session to end")
	}
}

// TestSession_UpstreamWriteSurvivesFallbackSwap drives session.run
// directly (bypassing Engine.dial, since the scenario under test is
// the streaming-time fallback refinement, not the dial-time one): the
// outbound starts as one end of a net.Pipe whose peer is closed only
// after the client's first chunk is in flight, so downstreamLoop's
// Read and upstreamPump's Write on the dying primary both unblock at
// the same instant. upstreamPump must survive the swap without
// tearing down the session, but the chunk that was in flight against
// the dying primary must be discarded, not resent — a second chunk
// sent once the swap has settled is the only one that should ever
// reach the fallback destination and come back echoed.
func TestSession_UpstreamWriteSurvivesFallbackSwap(t *testing.T) {
	fallbackLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer fallbackLn.Close()
	go func() {
		conn, err := fallbackLn.Accept()
		if err != nil {
			return
		}
		io.Copy(conn, conn)
	}()

	_, fbPortStr, _ := net.SplitHostPort(fallbackLn.Addr().String())
	fbPort, err := strconv.Atoi(fbPortStr)
	if err != nil {
		t.Fatalf("parse fallback port: %v", err)
	}

	d := dialer.New("127.0.0.1", time.Second)
	store := mustStore(t, "33333333-3333-3333-3333-333333333333")
	engine := New(store, d, false)
	engine.IdleTimeout = 3 * time.Second

	primaryLocal, primaryRemote := net.Pipe()

	runErrCh := make(chan error, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/tun", func(w http.ResponseWriter, r *http.Request) {
		stream, err := wsconn.Accept(w, r)
		if err != nil {
			runErrCh <- err
			return
		}
		sess := &session{
			engine:   engine,
			stream:   stream,
			req:      &vless.Request{Version: 0, Port: uint16(fbPort)},
			outbound: primaryLocal,
		}
		sess.cond = sync.NewCond(&sess.outboundMu)
		stats := &Stats{StartedAt: time.Now()}
		runErrCh <- sess.run(context.Background(), stats)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsHost := srv.Listener.Addr().String()
	underlay, err := net.Dial("tcp", wsHost)
	if err != nil {
		t.Fatalf("dial test server: %v", err)
	}
	defer underlay.Close()

	wd := ws.Dialer{
		NetDial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return underlay, nil
		},
	}
	if _, _, _, err := wd.Dial(context.Background(), "ws://"+wsHost+"/tun"); err != nil {
		t.Fatalf("ws dial: %v", err)
	}

	racingPayload := []byte("race-me-through-fallback")
	if err := wsutil.WriteClientBinary(underlay, racingPayload); err != nil {
		t.Fatalf("write racing payload: %v", err)
	}

	// Give upstreamPump time to read the chunk and block on its Write
	// to primaryLocal (nothing drains the other end yet), and
	// downstreamLoop time to block on its Read of the same pipe, then
	// break the primary connection so both unblock at once.
	time.Sleep(100 * time.Millisecond)
	primaryRemote.Close()

	// Give the refinement swap time to settle (dial the fallback,
	// prime it, broadcast) before sending a second chunk that should
	// be the only one ever forwarded.
	time.Sleep(200 * time.Millisecond)

	settledPayload := []byte("after-the-swap")
	if err := wsutil.WriteClientBinary(underlay, settledPayload); err != nil {
		t.Fatalf("write settled payload: %v", err)
	}

	underlay.SetReadDeadline(time.Now().Add(3 * time.Second))
	got, err := wsutil.ReadServerBinary(underlay)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if len(got) < 2 {
		t.Fatalf("response too short: %v", got)
	}
	if string(got[2:]) != string(settledPayload) {
		t.Fatalf("expected only the post-swap chunk echoed (racing chunk must be discarded), got %q", got[2:])
	}

	underlay.Close()
	select {
	case err := <-runErrCh:
		if err != nil {
			t.Fatalf("session.run returned error after successful fallback: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for session to end")
	}
}

// TestEngine_AuthRejected confirms a session with an unrecognised
// identifier is closed without ever dialing anywhere.
func TestEngine_AuthRejected(t *testing.T) {
	store := mustStore(t, "22222222-2222-2222-2222-222222222222")
	engine := New(store, dialer.New("", time.Second), false)
	engine.HeaderTimeout = time.Second

	mux := http.NewServeMux()
	errCh := make(chan error, 1)
	mux.HandleFunc("/tun", func(w http.ResponseWriter, r *http.Request) {
		stream, err := wsconn.Accept(w, r)
		if err != nil {
			errCh <- err
			return
		}
		_, err = engine.Serve(context.Background(), stream, nil)
		errCh <- err
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsHost := srv.Listener.Addr().String()
	underlay, err := net.Dial("tcp", wsHost)
	if err != nil {
		t.Fatalf("dial test server: %v", err)
	}
	defer underlay.Close()

	d := ws.Dialer{
		NetDial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return underlay, nil
		},
	}
	if _, _, _, err := d.Dial(context.Background(), "ws://"+wsHost+"/tun"); err != nil {
		t.Fatalf("ws dial: %v", err)
	}

	unknown := [16]byte{0xaa}
	header := buildHeader(t, unknown, "127.0.0.1", 1, nil)
	if err := wsutil.WriteClientBinary(underlay, header); err != nil {
		t.Fatalf("write header: %v", err)
	}

	select {
	case err := <-errCh:
		var se *SessionError
		if !errors.As(err, &se) || se.Kind != AuthRejected {
			t.Fatalf("expected AuthRejected, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for session to end")
	}
}

// TestEngine_ClientDisconnectsBeforeHeader_IsHeaderReadFailed confirms
// a peer that completes the WebSocket handshake and then hangs up
// without ever sending a byte is classified as HeaderReadFailed, not
// Timeout (the deadline never fires) and not the wsconn-level
// early-data decode failure this kind used to be mislabeled as.
func TestEngine_ClientDisconnectsBeforeHeader_IsHeaderReadFailed(t *testing.T) {
	store := mustStore(t, "44444444-4444-4444-4444-444444444444")
	engine := New(store, dialer.New("", time.Second), false)
	engine.HeaderTimeout = 3 * time.Second

	mux := http.NewServeMux()
	errCh := make(chan error, 1)
	mux.HandleFunc("/tun", func(w http.ResponseWriter, r *http.Request) {
		stream, err := wsconn.Accept(w, r)
		if err != nil {
			errCh <- err
			return
		}
		_, err = engine.Serve(context.Background(), stream, nil)
		errCh <- err
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsHost := srv.Listener.Addr().String()
	underlay, err := net.Dial("tcp", wsHost)
	if err != nil {
		t.Fatalf("dial test server: %v", err)
	}

	d := ws.Dialer{
		NetDial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return underlay, nil
		},
	}
	if _, _, _, err := d.Dial(context.Background(), "ws://"+wsHost+"/tun"); err != nil {
		t.Fatalf("ws dial: %v", err)
	}

	underlay.Close() // hang up before sending any VLESS bytes

	select {
	case err := <-errCh:
		var se *SessionError
		if !errors.As(err, &se) || se.Kind != HeaderReadFailed {
			t.Fatalf("expected HeaderReadFailed, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for session to end")
	}
}
