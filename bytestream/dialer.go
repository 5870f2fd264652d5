package bytestream

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

// ErrHandshakeFailed indicates a streamhost answered the SOCKS5
// sub-handshake with something other than success.
var ErrHandshakeFailed = errors.New("socks5 handshake failed")

// Dialer establishes the raw connection to one candidate streamhost and
// performs the SOCKS5 sub-handshake against the deterministic session
// address. Implementations are swapped out in tests.
type Dialer interface {
	DialStreamHost(host StreamHost, dst string) (net.Conn, error)
}

// NetDialer is the production Dialer. Forward is used to reach the
// streamhost itself and defaults to the environment-configured proxy chain,
// so a host application talking XMPP through an outer SOCKS5 proxy reaches
// its streamhosts the same way.
type NetDialer struct {
	Forward proxy.Dialer
	Timeout time.Duration
}

// DialStreamHost implements Dialer.
func (d *NetDialer) DialStreamHost(host StreamHost, dst string) (net.Conn, error) {
	forward := d.Forward
	if forward == nil {
		forward = proxy.FromEnvironmentUsing(&net.Dialer{Timeout: d.Timeout})
	}

	addr := net.JoinHostPort(host.Host, strconv.Itoa(host.Port))
	conn, err := forward.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial streamhost %s: %w", addr, err)
	}

	if d.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(d.Timeout))
	}
	if err := socks5Connect(conn, dst); err != nil {
		conn.Close()
		return nil, fmt.Errorf("streamhost %s: %w", addr, err)
	}
	conn.SetDeadline(time.Time{})
	return conn, nil
}

// socks5Connect performs the bytestream variant of the SOCKS5 client
// handshake: an unauthenticated greeting followed by a CONNECT to a
// domain-typed destination (the 40-character hex session address) with
// port zero.
func socks5Connect(conn net.Conn, dst string) error {
	if len(dst) > 255 {
		return fmt.Errorf("destination address too long: %d", len(dst))
	}

	// Greeting: version 5, one method, no authentication.
	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		return err
	}
	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return err
	}
	if reply[0] != 0x05 || reply[1] != 0x00 {
		return ErrHandshakeFailed
	}

	// CONNECT request with a domain-typed destination and port zero.
	req := make([]byte, 0, 7+len(dst))
	req = append(req, 0x05, 0x01, 0x00, 0x03, byte(len(dst)))
	req = append(req, dst...)
	req = append(req, 0x00, 0x00)
	if _, err := conn.Write(req); err != nil {
		return err
	}

	head := make([]byte, 4)
	if _, err := io.ReadFull(conn, head); err != nil {
		return err
	}
	if head[0] != 0x05 || head[1] != 0x00 {
		return ErrHandshakeFailed
	}

	// Drain the bound address so the stream starts clean.
	var bound int
	switch head[3] {
	case 0x01:
		bound = net.IPv4len
	case 0x04:
		bound = net.IPv6len
	case 0x03:
		n := make([]byte, 1)
		if _, err := io.ReadFull(conn, n); err != nil {
			return err
		}
		bound = int(n[0])
	default:
		return ErrHandshakeFailed
	}
	if _, err := io.ReadFull(conn, make([]byte, bound+2)); err != nil {
		return err
	}
	return nil
}
