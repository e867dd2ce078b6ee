// DNS-over-UDP specialisation: when a VLESS request declares UDP
// command with destination port 53, the engine may relay individual
// DNS messages to a real UDP nameserver instead of treating UDP as
// unsupported. Messages travelling over the WebSocket, in both
// directions, are framed with a 2-byte big-endian length prefix per
// the VLESS UDP convention; the raw UDP datagram exchanged with the
// nameserver carries no such prefix.
//
// Grounded on netLayer/dns.go, which wires github.com/miekg/dns for
// exactly this job (DialDnsAddr dials a UDP or DoT nameserver
// connection for its own DNS-over-VLESS support). We use it here to
// validate that a client-supplied datagram parses as a DNS message
// before relaying it, rather than blindly forwarding opaque bytes.
package dialer

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/miekg/dns"
)

// maxDNSMessageLen is the practical ceiling for a single DNS message
// carried over UDP (RFC 1035 plus EDNS0 extensions never realistically
// approach the 64KiB the 2-byte length prefix can address).
const maxDNSMessageLen = 65535

// DialDNS53 opens a UDP socket to address:53. It does not validate
// that address answers DNS; that's discovered on the first exchange.
func DialDNS53(address string) (*net.UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(address, "53"))
	if err != nil {
		return nil, fmt.Errorf("dialer: resolve dns addr %s: %w", address, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dialer: dial dns %s: %w", address, err)
	}
	return conn, nil
}

// ReadFramedMessage reads one length-prefixed DNS message from r: a
// 2-byte big-endian length followed by that many bytes.
func ReadFramedMessage(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("dialer: short framed message: %w", err)
	}
	return buf, nil
}

// WriteFramedMessage writes msg to w preceded by its 2-byte
// big-endian length, per the VLESS UDP convention.
func WriteFramedMessage(w io.Writer, msg []byte) error {
	if len(msg) > maxDNSMessageLen {
		return fmt.Errorf("dialer: dns message too large: %d bytes", len(msg))
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(msg)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

// ValidateQuery confirms that msg unpacks as a well-formed DNS
// message before it is relayed to a real nameserver. Malformed input
// is rejected rather than forwarded blind.
func ValidateQuery(msg []byte) error {
	m := new(dns.Msg)
	if err := m.Unpack(msg); err != nil {
		return fmt.Errorf("dialer: not a valid dns message: %w", err)
	}
	return nil
}

// RelayQuery sends a single already-framed-off query to a UDP
// nameserver connection and returns its raw (unframed) response.
// Callers set a read/write deadline on conn before calling, if
// desired.
func RelayQuery(conn *net.UDPConn, query []byte) ([]byte, error) {
	if _, err := conn.Write(query); err != nil {
		return nil, fmt.Errorf("dialer: write dns query: %w", err)
	}
	buf := make([]byte, maxDNSMessageLen)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("dialer: read dns response: %w", err)
	}
	return buf[:n], nil
}
