package bytestream

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xmppstream/stanza"
)

const recvBufferSize = 4096

// streamHostNotifier is the weak back-reference a Socks5 stream holds to
// the Manager that negotiated it. The stream reports which candidate won
// (or that all failed); the manager owns every other lifecycle decision.
type streamHostNotifier interface {
	acknowledgeStreamHost(success bool, host stanza.JID, sid string)
}

// Socks5 is a direct (or relayed) bytestream layered on a dialed TCP
// connection plus the SOCKS5 sub-handshake.
type Socks5 struct {
	streamBase
	hosts    []StreamHost
	dialer   Dialer
	notifier streamHostNotifier

	conn      net.Conn
	connected bool
	activated bool
	closed    bool
	used      *StreamHost

	buf []byte
}

func newSocks5(notifier streamHostNotifier, dialer Dialer, initiator, target stanza.JID, sid string) *Socks5 {
	if dialer == nil {
		dialer = &NetDialer{}
	}
	return &Socks5{
		streamBase: streamBase{
			streamType: S5B,
			initiator:  initiator,
			target:     target,
			sid:        sid,
		},
		dialer:   dialer,
		notifier: notifier,
		buf:      make([]byte, recvBufferSize),
	}
}

// SetStreamHosts replaces the candidate list tried by Connect.
func (s *Socks5) SetStreamHosts(hosts []StreamHost) {
	s.hosts = append([]StreamHost(nil), hosts...)
}

// StreamHosts returns the candidate list.
func (s *Socks5) StreamHosts() []StreamHost { return s.hosts }

// UsedStreamHost returns the candidate that completed the sub-handshake,
// or nil before Connect succeeds.
func (s *Socks5) UsedStreamHost() *StreamHost { return s.used }

// attachConn installs an already-established connection (one held by the
// local relay server). The stream counts as connected but stays unopened
// until the first inbound data arrives.
func (s *Socks5) attachConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.connected = true
}

// Connect tries each candidate streamhost in list order exactly once; the
// first one that completes the sub-handshake becomes the active path. A
// single-entry list is still dialed; it simply starts out as the last
// candidate bookkeeping-wise. The outcome is reported to the negotiating
// manager either way.
func (s *Socks5) Connect() error {
	if s.conn != nil {
		return nil
	}
	if len(s.hosts) == 0 {
		return ErrNoStreamHosts
	}

	dst := SessionAddress(s.sid, s.initiator, s.target)
	for i := range s.hosts {
		host := s.hosts[i]
		logrus.WithFields(logrus.Fields{
			"function":  "Connect",
			"sid":       s.sid,
			"host_jid":  host.JID.Full(),
			"host_addr": host.Host,
			"host_port": host.Port,
			"attempt":   i + 1,
			"of":        len(s.hosts),
		}).Info("Dialing candidate streamhost")

		conn, err := s.dialer.DialStreamHost(host, dst)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Connect",
				"sid":      s.sid,
				"host_jid": host.JID.Full(),
				"error":    err.Error(),
			}).Warn("Candidate streamhost failed")
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.connected = true
		s.used = &s.hosts[i]
		s.open = true
		s.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "Connect",
			"sid":      s.sid,
			"host_jid": host.JID.Full(),
		}).Info("Streamhost sub-handshake complete")

		if h := s.dataHandler(); h != nil {
			h.OnStreamOpen(s)
		}
		if s.notifier != nil {
			s.notifier.acknowledgeStreamHost(true, host.JID, s.sid)
		}
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"sid":      s.sid,
		"tried":    len(s.hosts),
	}).Error("All candidate streamhosts failed")
	if s.notifier != nil {
		s.notifier.acknowledgeStreamHost(false, "", s.sid)
	}
	return ErrAllHostsFailed
}

// Activate marks the relay as activated for this session. It is meaningful
// only for relay-mediated sessions and does not change the open/closed
// state the caller observes.
func (s *Socks5) Activate() {
	s.mu.Lock()
	s.activated = true
	s.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"function": "Activate",
		"sid":      s.sid,
	}).Info("Relay activated")
}

// Activated reports whether the relay activation step has completed.
func (s *Socks5) Activated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activated
}

// Send forwards the whole payload to the underlying connection without
// internal chunking; any size ceiling is the connection's own.
func (s *Socks5) Send(data []byte) error {
	s.mu.Lock()
	conn, open := s.conn, s.open
	s.mu.Unlock()
	if !open {
		return ErrNotOpen
	}
	if conn == nil {
		return ErrNotConnected
	}
	if _, err := conn.Write(data); err != nil {
		s.handleDisconnect()
		return err
	}
	return nil
}

// Recv polls the underlying connection once, blocking up to timeout; a
// negative timeout blocks indefinitely. On the relay path the first inbound
// data flips the stream open and announces it before the data event: the
// handshake's final acknowledgment and the first payload chunk are not
// distinguished at this layer.
func (s *Socks5) Recv(timeout time.Duration) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if timeout >= 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		conn.SetReadDeadline(time.Time{})
	}

	n, err := conn.Read(s.buf)
	if n > 0 {
		s.mu.Lock()
		announce := !s.open
		s.open = true
		s.mu.Unlock()
		h := s.dataHandler()
		if h != nil {
			if announce {
				h.OnStreamOpen(s)
			}
			h.OnStreamData(s, append([]byte(nil), s.buf[:n]...))
		}
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil
		}
		s.handleDisconnect()
		return err
	}
	return nil
}

// Close is idempotent: the first call while connected disconnects the
// underlying connection and fires the close event; later calls, and calls
// on a stream that never reached the connected state, are silent.
func (s *Socks5) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	connected := s.connected
	s.open = false
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if connected {
		if h := s.announceClose(); h != nil {
			h.OnStreamClose(s)
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"sid":      s.sid,
	}).Info("Direct bytestream closed")
	return nil
}

// handleDisconnect reacts to the underlying connection going away: the
// close event fires exactly once, and only if the stream had previously
// reached the connected state. Failed candidate probes never produce a
// spurious close.
func (s *Socks5) handleDisconnect() {
	s.mu.Lock()
	wasConnected := s.connected
	s.closed = true
	s.open = false
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if wasConnected {
		if h := s.announceClose(); h != nil {
			h.OnStreamClose(s)
		}
	}
}
