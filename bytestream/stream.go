package bytestream

import (
	"errors"
	"sync"
	"time"

	"github.com/opd-ai/xmppstream/stanza"
)

// ErrNoChannel indicates the stream has no signaling channel to talk over.
var ErrNoChannel = errors.New("no signaling channel")

// ErrNoHandler indicates an operation that needs a negotiation event
// listener while none is registered.
var ErrNoHandler = errors.New("no negotiation handler registered")

// ErrNotOpen indicates a data operation on a stream that is not open.
var ErrNotOpen = errors.New("stream is not open")

// ErrNotConnected indicates a poll on a stream without an underlying
// connection.
var ErrNotConnected = errors.New("stream is not connected")

// ErrAllHostsFailed indicates every candidate streamhost was tried and none
// completed the sub-handshake.
var ErrAllHostsFailed = errors.New("all candidate streamhosts failed")

// ErrNoStreamHosts indicates an operation that requires a non-empty
// candidate list.
var ErrNoStreamHosts = errors.New("no streamhosts set")

// ErrUnknownSession indicates a session id with no pending negotiation.
var ErrUnknownSession = errors.New("unknown session id")

// StreamType tags the transport variant of a Stream.
type StreamType int

const (
	// S5B is a direct (or relayed) SOCKS5 bytestream.
	S5B StreamType = iota
	// IBB is an in-band bytestream tunneled through the signaling channel.
	IBB
)

func (t StreamType) String() string {
	switch t {
	case S5B:
		return "s5b"
	case IBB:
		return "ibb"
	}
	return "invalid"
}

// StreamHost is a candidate connection target: a relay or one of the peers
// themselves. Candidate lists are ordered by preference.
type StreamHost struct {
	JID  stanza.JID
	Host string
	Port int
}

// DataHandler receives the lifecycle and data events of a single Stream.
// Notifications are one-way, fire-and-forget calls; implementations must
// not assume they may safely re-enter the stream that invoked them beyond
// Send and Close.
type DataHandler interface {
	// OnStreamOpen is invoked once both ends acknowledged readiness.
	OnStreamOpen(s Stream)
	// OnStreamData delivers a received payload chunk.
	OnStreamData(s Stream, data []byte)
	// OnStreamClose is invoked exactly once when the stream reaches its
	// terminal closed state after having been connected.
	OnStreamClose(s Stream)
}

// Stream is one logical bidirectional data channel between an initiator and
// a target. Implementations are InBand and Socks5.
type Stream interface {
	// Type reports the transport variant.
	Type() StreamType
	// SID returns the session id correlating all stanzas of this stream.
	SID() string
	// Initiator returns the identity that offered the stream.
	Initiator() stanza.JID
	// Target returns the identity the stream was offered to.
	Target() stanza.JID
	// IsOpen reports whether data may flow. Once a stream has been open
	// and closes, it never reopens.
	IsOpen() bool
	// SetDataHandler registers the single event listener.
	SetDataHandler(h DataHandler)
	// Connect performs the transport-specific handshake.
	Connect() error
	// Send transmits data. Fails with ErrNotOpen before the open event.
	Send(data []byte) error
	// Recv polls for inbound data once, blocking up to timeout. A negative
	// timeout blocks indefinitely.
	Recv(timeout time.Duration) error
	// Close tears the stream down. Idempotent; the close event fires at
	// most once.
	Close() error
}

// streamBase carries the state common to both transports.
type streamBase struct {
	streamType StreamType
	initiator  stanza.JID
	target     stanza.JID
	sid        string

	mu             sync.Mutex
	open           bool
	closeAnnounced bool
	handler        DataHandler
}

func (b *streamBase) Type() StreamType      { return b.streamType }
func (b *streamBase) SID() string           { return b.sid }
func (b *streamBase) Initiator() stanza.JID { return b.initiator }
func (b *streamBase) Target() stanza.JID    { return b.target }

func (b *streamBase) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

func (b *streamBase) SetDataHandler(h DataHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

func (b *streamBase) dataHandler() DataHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handler
}

func (b *streamBase) setOpen(open bool) {
	b.mu.Lock()
	b.open = open
	b.mu.Unlock()
}

// announceClose returns the handler to notify if the close event has not
// fired yet, and marks it fired.
func (b *streamBase) announceClose() DataHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closeAnnounced {
		return nil
	}
	b.closeAnnounced = true
	return b.handler
}
