// Package dialer opens the outbound side of a tunnel session: a TCP
// connection to the VLESS-declared destination, plus the configured
// alternate address that the tunnel engine dials once when the primary
// destination fails or yields nothing back. The dialer itself never
// retries.
//
// Dial itself is grounded on netLayer/dial.go, trimmed to what a
// WS-terminated VLESS tunnel actually needs — no sockopt tuning,
// splice hinting, or TLS-outbound layer, since those concerns belong
// to transports this gateway does not implement.
package dialer

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"time"
)

// DefaultConnectTimeout is the recommended per-attempt connect
// timeout, applied independently to the primary and the fallback
// dial.
const DefaultConnectTimeout = 10 * time.Second

// Dialer opens outbound TCP connections and knows about at most one
// configured fallback destination ("proxy IP"), which may itself be a
// comma-separated list of hosts.
type Dialer struct {
	ConnectTimeout time.Duration
	fallbackHosts  []string
}

// New builds a Dialer. fallback is the raw PROXYIP configuration
// value: empty for "no fallback configured", otherwise one host or a
// comma-separated list of hosts to choose from uniformly at random
// per attempt.
func New(fallback string, connectTimeout time.Duration) *Dialer {
	d := &Dialer{ConnectTimeout: connectTimeout}
	if d.ConnectTimeout <= 0 {
		d.ConnectTimeout = DefaultConnectTimeout
	}
	for _, h := range strings.Split(fallback, ",") {
		h = strings.TrimSpace(h)
		if h != "" {
			d.fallbackHosts = append(d.fallbackHosts, h)
		}
	}
	return d
}

// Dial opens a TCP connection to address:port. Numeric IPv4/IPv6
// literals and domain names are both acceptable; DNS resolution is
// net.Dialer's (and ultimately the runtime's) responsibility.
func (d *Dialer) Dial(ctx context.Context, address string, port uint16) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.ConnectTimeout}
	target := net.JoinHostPort(address, strconv.Itoa(int(port)))
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("dialer: dial %s: %w", target, err)
	}
	return conn, nil
}

// FallbackAddress returns the fallback host to use for one attempt,
// chosen uniformly at random when more than one is configured, or ok
// == false if no fallback is configured.
func (d *Dialer) FallbackAddress() (address string, ok bool) {
	if len(d.fallbackHosts) == 0 {
		return "", false
	}
	if len(d.fallbackHosts) == 1 {
		return d.fallbackHosts[0], true
	}
	return d.fallbackHosts[rand.Intn(len(d.fallbackHosts))], true
}

// HasFallback reports whether a fallback destination is configured at
// all, without consuming a random choice.
func (d *Dialer) HasFallback() bool {
	return len(d.fallbackHosts) > 0
}
