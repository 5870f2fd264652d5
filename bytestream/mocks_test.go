package bytestream

import (
	"errors"
	"net"
	"sync"

	"github.com/opd-ai/xmppstream/stanza"
)

var errDialRefused = errors.New("connection refused")

// fakeDialer is a scripted Dialer. Hosts listed in fail are refused;
// everything else yields one end of an in-memory pipe, with the peer end
// kept for the test to drive.
type fakeDialer struct {
	fail map[stanza.JID]bool

	mu       sync.Mutex
	attempts []stanza.JID
	peers    []net.Conn
}

func (d *fakeDialer) DialStreamHost(host StreamHost, dst string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts = append(d.attempts, host.JID)
	if d.fail[host.JID] {
		return nil, errDialRefused
	}
	local, remote := net.Pipe()
	d.peers = append(d.peers, remote)
	return local, nil
}

func (d *fakeDialer) attemptOrder() []stanza.JID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]stanza.JID(nil), d.attempts...)
}

func (d *fakeDialer) lastPeer() net.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.peers) == 0 {
		return nil
	}
	return d.peers[len(d.peers)-1]
}

// recordingDataHandler counts stream lifecycle events and keeps every
// delivered chunk.
type recordingDataHandler struct {
	mu     sync.Mutex
	opens  int
	closes int
	chunks [][]byte
}

func (h *recordingDataHandler) OnStreamOpen(s Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opens++
}

func (h *recordingDataHandler) OnStreamData(s Stream, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chunks = append(h.chunks, append([]byte(nil), data...))
}

func (h *recordingDataHandler) OnStreamClose(s Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
}

func (h *recordingDataHandler) openCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opens
}

func (h *recordingDataHandler) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

func (h *recordingDataHandler) allChunks() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.chunks...)
}

// recordingEvents captures Manager negotiation events.
type recordingEvents struct {
	incoming        []string
	incomingStreams []Stream
	outgoing        []Stream
	errs            []sessionError
}

type sessionError struct {
	err error
	sid string
}

func (e *recordingEvents) OnIncomingRequest(sid string, from stanza.JID) {
	e.incoming = append(e.incoming, sid)
}

func (e *recordingEvents) OnIncomingStream(s Stream) {
	e.incomingStreams = append(e.incomingStreams, s)
}

func (e *recordingEvents) OnOutgoingStream(s Stream) {
	e.outgoing = append(e.outgoing, s)
}

func (e *recordingEvents) OnStreamError(err error, sid string) {
	e.errs = append(e.errs, sessionError{err: err, sid: sid})
}

// fakeNotifier records candidate outcome reports from a Socks5 stream.
type fakeNotifier struct {
	calls []notifyCall
}

type notifyCall struct {
	success bool
	host    stanza.JID
	sid     string
}

func (n *fakeNotifier) acknowledgeStreamHost(success bool, host stanza.JID, sid string) {
	n.calls = append(n.calls, notifyCall{success: success, host: host, sid: sid})
}
