package filetransfer

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xmppstream/bytestream"
	"github.com/opd-ai/xmppstream/si"
	"github.com/opd-ai/xmppstream/stanza"
)

// ErrInvalidFile indicates an offer with an empty name or non-positive
// size.
var ErrInvalidFile = errors.New("file transfer requires a name and a positive size")

// ErrOfferFailed indicates the negotiation manager refused to send the
// offer.
var ErrOfferFailed = errors.New("stream initiation offer not sent")

// ErrUnknownSession indicates a session id with no recorded negotiation.
var ErrUnknownSession = errors.New("unknown file transfer session")

// ErrNoTransport indicates an accept that named no supported transport
// kind.
var ErrNoTransport = errors.New("no transport kind chosen")

// Handler receives every file-transfer lifecycle event. If the application
// leaves a callback uninterested it still must implement it; events with no
// handler registered on the Coordinator are dropped.
type Handler interface {
	// OnFileRequest announces an incoming offer. Reply with AcceptFile or
	// DeclineFile using the supplied session id.
	OnFileRequest(from, to stanza.JID, sid string, file File, types Types)
	// OnStream hands over a negotiated stream of either kind. The receiver
	// is responsible for driving Connect/Recv and must release the stream
	// through Dispose or Cancel.
	OnStream(s bytestream.Stream)
	// OnRequestError surfaces a decline or error for the given session.
	OnRequestError(err error, sid string)
	// OnOOBRequest is consulted when the responder picked the out-of-band
	// kind; return the URL to send, or "" to send nothing.
	OnOOBRequest(from, to stanza.JID, sid string) string
}

// Coordinator is the file-transfer facade over the negotiation and
// transport managers. Zero streams exist before negotiation succeeds; all
// created streams are tracked by session id. Not safe for concurrent use
// from multiple goroutines without external locking.
type Coordinator struct {
	channel   stanza.Channel
	handler   Handler
	siManager *si.Manager
	s5Manager *bytestream.Manager

	ownSI bool
	ownS5 bool

	mu      sync.Mutex
	sidToID map[string]string // incoming offers: sid -> correlation id
}

// NewCoordinator creates the facade. Pass nil for siManager or s5Manager to
// have the coordinator create and own them; an injected manager is left
// wired to whatever handler its creator chose, except that an s5Manager
// without a handler is adopted.
func NewCoordinator(channel stanza.Channel, handler Handler, siManager *si.Manager, s5Manager *bytestream.Manager) *Coordinator {
	c := &Coordinator{
		channel:   channel,
		handler:   handler,
		siManager: siManager,
		s5Manager: s5Manager,
		sidToID:   make(map[string]string),
	}

	if c.siManager == nil {
		c.siManager = si.NewManager(channel)
		c.ownSI = true
	}
	c.siManager.RegisterProfile(stanza.NSSIFileTransfer, &siRequests{c: c})

	if c.s5Manager == nil {
		c.s5Manager = bytestream.NewManager(channel, nil)
		c.ownS5 = true
	}
	if c.s5Manager.Handler() == nil {
		c.s5Manager.SetHandler(&streamEvents{c: c})
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewCoordinator",
		"own_si":   c.ownSI,
		"own_s5":   c.ownS5,
	}).Info("File transfer coordinator created")
	return c
}

// Close unregisters the file-transfer profile and shuts down the managers
// this coordinator owns.
func (c *Coordinator) Close() {
	c.siManager.RemoveProfile(stanza.NSSIFileTransfer)
	if c.ownSI {
		c.siManager.Close()
	}
	if c.ownS5 {
		c.s5Manager.Close()
	}
}

// AddStreamHost appends a candidate host advertised with direct-transport
// offers.
func (c *Coordinator) AddStreamHost(jid stanza.JID, host string, port int) {
	c.s5Manager.AddStreamHost(jid, host, port)
}

// SetStreamHosts replaces the advertised candidate list.
func (c *Coordinator) SetStreamHosts(hosts []bytestream.StreamHost) {
	c.s5Manager.SetStreamHosts(hosts)
}

// SetDialer overrides the dialer used for direct-transport candidates.
func (c *Coordinator) SetDialer(d bytestream.Dialer) {
	c.s5Manager.SetDialer(d)
}

// RegisterServer attaches a local relay server to the direct-transport
// manager.
func (c *Coordinator) RegisterServer(s *bytestream.Server) {
	c.s5Manager.RegisterServer(s)
}

// OfferFile offers a file to a peer, returning the session id of the new
// negotiation. types names the transport kinds the caller is willing to
// use.
func (c *Coordinator) OfferFile(to stanza.JID, file File, types Types, from stanza.JID, sid string) (string, error) {
	if file.Name == "" || file.Size <= 0 {
		return "", ErrInvalidFile
	}

	methods := types.namespaces()
	usedSID := c.siManager.Offer(&siReplies{c: c}, to, stanza.NSSIFileTransfer,
		&file, &StreamMethods{Methods: methods}, file.MimeType, from, sid)
	if usedSID == "" {
		return "", ErrOfferFailed
	}

	logrus.WithFields(logrus.Fields{
		"function":  "OfferFile",
		"to":        to.Full(),
		"file_name": file.Name,
		"file_size": file.Size,
		"sid":       usedSID,
	}).Info("File transfer offered")
	return usedSID, nil
}

// AcceptFile accepts an incoming offer, choosing one transport kind. When
// the in-band kind is chosen the stream is constructed immediately and
// handed to the handler; the direct kind is instead driven by the peer's
// candidate offer arriving through the bytestream manager.
func (c *Coordinator) AcceptFile(to stanza.JID, sid string, chosen Types, from stanza.JID) error {
	c.mu.Lock()
	id, ok := c.sidToID[sid]
	c.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}

	var method string
	switch {
	case chosen&TypeS5B != 0:
		method = stanza.NSBytestreams
	case chosen&TypeIBB != 0:
		method = stanza.NSIBB
		local := from
		if local.IsEmpty() {
			local = c.channel.LocalJID()
		}
		ibb := bytestream.NewInBand(c.channel, to, local, sid)
		if c.handler != nil {
			c.handler.OnStream(ibb)
		}
	case chosen&TypeOOB != 0:
		method = stanza.NSOOB
	default:
		return ErrNoTransport
	}

	c.mu.Lock()
	delete(c.sidToID, sid)
	c.mu.Unlock()
	c.siManager.Accept(to, id, nil, &StreamMethod{Method: method}, from)
	logrus.WithFields(logrus.Fields{
		"function": "AcceptFile",
		"to":       to.Full(),
		"sid":      sid,
		"method":   method,
	}).Info("File transfer accepted")
	return nil
}

// DeclineFile declines an incoming offer with a structured reason.
func (c *Coordinator) DeclineFile(to stanza.JID, sid string, reason si.Reason, text string) error {
	c.mu.Lock()
	id, ok := c.sidToID[sid]
	delete(c.sidToID, sid)
	c.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	c.siManager.Decline(to, id, reason, text)
	logrus.WithFields(logrus.Fields{
		"function": "DeclineFile",
		"to":       to.Full(),
		"sid":      sid,
	}).Info("File transfer declined")
	return nil
}

// Dispose releases a stream handed out by this coordinator. Direct streams
// are routed through the bytestream manager, whose session map must be
// cleaned up; in-band streams are simply closed.
func (c *Coordinator) Dispose(s bytestream.Stream) {
	if s == nil {
		return
	}
	if s5, ok := s.(*bytestream.Socks5); ok {
		c.s5Manager.Dispose(s5)
		return
	}
	s.Close()
}

// Cancel abandons a stream. A direct stream whose negotiation is still
// pending answers the peer with service-unavailable before disposal;
// anything else behaves like Dispose.
func (c *Coordinator) Cancel(s bytestream.Stream) {
	if s == nil {
		return
	}
	if s.Type() == bytestream.S5B {
		c.s5Manager.RejectStream(s.SID(), stanza.ServiceUnavailable)
	}
	c.Dispose(s)
}

// PendingOffers returns the number of outgoing offers awaiting a reply.
func (c *Coordinator) PendingOffers() int {
	return c.siManager.PendingOffers()
}

// siRequests adapts the coordinator to the negotiation manager's inbound
// profile role.
type siRequests struct{ c *Coordinator }

// OnRequest translates an inbound SI offer into a file request event.
func (r *siRequests) OnRequest(from, to stanza.JID, id string, p *si.Payload) {
	c := r.c
	file, ok := p.Info.(*File)
	if !ok || c.handler == nil {
		return
	}

	var types Types
	if sm, ok := p.Feature.(*StreamMethods); ok {
		types = typesFromNamespaces(sm.Methods)
	}

	meta := *file
	if meta.MimeType == "" {
		meta.MimeType = p.MimeType
	}
	if meta.MimeType == "" {
		meta.MimeType = DefaultMimeType
	}

	c.mu.Lock()
	c.sidToID[p.SID] = id
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "OnRequest",
		"from":      from.Full(),
		"sid":       p.SID,
		"file_name": meta.Name,
		"types":     types,
	}).Info("Incoming file transfer request")
	c.handler.OnFileRequest(from, to, p.SID, meta, types)
}

// siReplies adapts the coordinator to the negotiation manager's reply role
// for one outgoing offer.
type siReplies struct{ c *Coordinator }

// OnAccepted inspects the responder's chosen transport kind and starts the
// matching transport path.
func (r *siReplies) OnAccepted(from, to stanza.JID, sid string, p *si.Payload) {
	c := r.c
	if p == nil {
		return
	}
	sm, ok := p.Feature.(*StreamMethod)
	if !ok {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "OnAccepted",
		"from":     from.Full(),
		"sid":      sid,
		"method":   sm.Method,
	}).Info("File transfer offer accepted")

	switch sm.Method {
	case stanza.NSBytestreams:
		if err := c.s5Manager.RequestStream(from, bytestream.ModeTCP, sid, to); err != nil && c.handler != nil {
			c.handler.OnRequestError(err, sid)
		}

	case stanza.NSIBB:
		local := to
		if local.IsEmpty() {
			local = c.channel.LocalJID()
		}
		ibb := bytestream.NewInBand(c.channel, local, from, sid)
		if c.handler != nil {
			c.handler.OnStream(ibb)
		}

	case stanza.NSOOB:
		if c.handler == nil {
			return
		}
		url := c.handler.OnOOBRequest(from, to, sid)
		if url == "" {
			return
		}
		iq := &stanza.IQ{
			Type:    stanza.Set,
			To:      from,
			From:    to,
			ID:      c.channel.NextID(),
			Payload: &OOB{URL: url},
		}
		c.channel.SendTracked(iq, func(*stanza.IQ) {})
	}
}

// OnDeclined surfaces an explicit decline.
func (r *siReplies) OnDeclined(sid string, e *stanza.Error) {
	if r.c.handler != nil {
		r.c.handler.OnRequestError(e, sid)
	}
}

// OnError surfaces a network-level failure or timeout.
func (r *siReplies) OnError(sid string, err error) {
	if r.c.handler != nil {
		r.c.handler.OnRequestError(err, sid)
	}
}

// streamEvents adapts the coordinator to the bytestream manager's
// negotiation event role.
type streamEvents struct{ c *Coordinator }

// OnIncomingRequest accepts the peer's candidate offer for a session this
// coordinator negotiated.
func (e *streamEvents) OnIncomingRequest(sid string, from stanza.JID) {
	if err := e.c.s5Manager.AcceptStream(sid); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "OnIncomingRequest",
			"sid":      sid,
			"from":     from.Full(),
			"error":    err.Error(),
		}).Warn("Failed to accept incoming bytestream")
	}
}

func (e *streamEvents) OnIncomingStream(s bytestream.Stream) {
	if e.c.handler != nil {
		e.c.handler.OnStream(s)
	}
}

func (e *streamEvents) OnOutgoingStream(s bytestream.Stream) {
	if e.c.handler != nil {
		e.c.handler.OnStream(s)
	}
}

func (e *streamEvents) OnStreamError(err error, sid string) {
	if e.c.handler != nil {
		e.c.handler.OnRequestError(err, sid)
	}
}
