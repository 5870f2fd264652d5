package stanza

// Protocol namespaces used by the negotiation and transport payloads. These
// are the stable on-the-wire identifiers of the respective XEPs and double
// as the feature names exchanged during stream-method negotiation.
const (
	// NSSI identifies Stream Initiation (XEP-0095).
	NSSI = "http://jabber.org/protocol/si"
	// NSSIFileTransfer identifies the SI file-transfer profile (XEP-0096).
	NSSIFileTransfer = "http://jabber.org/protocol/si/profile/file-transfer"
	// NSFeatureNeg identifies feature negotiation (XEP-0020).
	NSFeatureNeg = "http://jabber.org/protocol/feature-neg"
	// NSBytestreams identifies SOCKS5 bytestreams (XEP-0065).
	NSBytestreams = "http://jabber.org/protocol/bytestreams"
	// NSIBB identifies in-band bytestreams (XEP-0047).
	NSIBB = "http://jabber.org/protocol/ibb"
	// NSOOB identifies out-of-band data (XEP-0066).
	NSOOB = "jabber:iq:oob"
)

// PayloadKind discriminates the payload types carried by IQ and Message
// envelopes. Handlers are registered on a Channel per kind.
type PayloadKind int

const (
	// KindError is a structured stanza error payload.
	KindError PayloadKind = iota
	// KindSI is a Stream Initiation offer/accept payload.
	KindSI
	// KindBytestreams is a SOCKS5 bytestream negotiation payload.
	KindBytestreams
	// KindIBB is an in-band bytestream frame.
	KindIBB
	// KindOOB is an out-of-band URL payload.
	KindOOB
)

// Payload is implemented by every stanza payload type.
type Payload interface {
	Kind() PayloadKind
}

// IQType is the request/response subtype of an IQ envelope.
type IQType int

const (
	// Get requests information.
	Get IQType = iota
	// Set carries a request with side effects.
	Set
	// Result is the positive reply to a Get or Set.
	Result
	// IQError is the negative reply to a Get or Set.
	IQError
)

var iqTypeNames = map[IQType]string{
	Get:     "get",
	Set:     "set",
	Result:  "result",
	IQError: "error",
}

func (t IQType) String() string {
	if s, ok := iqTypeNames[t]; ok {
		return s
	}
	return "invalid"
}

// IQ is a request/response-bearing signaling envelope. ID correlates a
// request with its reply.
type IQ struct {
	Type    IQType
	To      JID
	From    JID
	ID      string
	Payload Payload
}

// Err returns the structured error payload of an error-typed IQ, or nil.
func (iq *IQ) Err() *Error {
	if iq == nil || iq.Type != IQError {
		return nil
	}
	e, _ := iq.Payload.(*Error)
	return e
}

// Message is a one-way notification envelope; no reply is routed back to
// the sender.
type Message struct {
	To      JID
	From    JID
	Payload Payload
}

// HandlerFunc handles an inbound IQ of a registered kind. It reports whether
// the stanza was consumed; unconsumed stanzas are ignored by the channel.
type HandlerFunc func(iq *IQ) bool

// ReplyFunc receives the single reply to a tracked IQ send.
type ReplyFunc func(iq *IQ)

// MessageFunc handles an inbound one-way Message.
type MessageFunc func(msg *Message)

// Channel is the signaling transport supplied by the host application. All
// methods are expected to be called from a single goroutine; see the
// concurrency notes on the consuming managers.
type Channel interface {
	// LocalJID returns the full JID this channel is bound to.
	LocalJID() JID
	// NextID returns a fresh unique stanza id.
	NextID() string
	// Send transmits an untracked stanza.
	Send(iq *IQ) error
	// SendTracked transmits iq and arranges for reply to be invoked exactly
	// once with the matching result or error stanza.
	SendTracked(iq *IQ, reply ReplyFunc) error
	// SendMessage transmits a one-way notification.
	SendMessage(msg *Message) error
	// RegisterHandler routes inbound IQs carrying payloads of kind to h.
	// Several handlers may share a kind; the channel offers each inbound
	// stanza to them in registration order until one consumes it. The
	// returned func unregisters h.
	RegisterHandler(kind PayloadKind, h HandlerFunc) (unregister func())
	// RegisterMessageHandler routes inbound Messages to h. The returned
	// func unregisters h.
	RegisterMessageHandler(h MessageFunc) (unregister func())
}
