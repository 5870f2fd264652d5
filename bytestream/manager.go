package bytestream

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xmppstream/stanza"
)

var errMalformedReply = errors.New("malformed error reply")

// Mode selects the bytestream flavor offered in a candidate-list query.
// Only the stream-oriented mode is supported; datagram offers are rejected
// outright.
type Mode int

const (
	// ModeTCP is the stream-oriented mode.
	ModeTCP Mode = iota
	// ModeUDP is the datagram mode. Offers carrying it are answered with a
	// not-acceptable error.
	ModeUDP
)

var modeNames = map[Mode]string{
	ModeTCP: "tcp",
	ModeUDP: "udp",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return "invalid"
}

// QueryType discriminates bytestream negotiation payloads.
type QueryType int

const (
	// QueryStreamHosts offers an ordered candidate list.
	QueryStreamHosts QueryType = iota
	// QueryStreamHostUsed names the candidate the answering side chose.
	QueryStreamHostUsed
	// QueryActivate asks a relay to start forwarding for a session.
	QueryActivate
)

// Query is the bytestream negotiation stanza payload. Hosts is set for
// QueryStreamHosts; JID names the chosen candidate (QueryStreamHostUsed)
// or the activation counterpart (QueryActivate).
type Query struct {
	Type  QueryType
	SID   string
	Mode  Mode
	Hosts []StreamHost
	JID   stanza.JID
}

// Kind implements stanza.Payload.
func (q *Query) Kind() stanza.PayloadKind { return stanza.KindBytestreams }

// Handler receives the negotiation events of a Manager. If no handler is
// registered the corresponding event is a no-op.
type Handler interface {
	// OnIncomingRequest announces a candidate-list offer from a peer. No
	// socket exists yet; the receiver decides via AcceptStream or
	// RejectStream.
	OnIncomingRequest(sid string, from stanza.JID)
	// OnIncomingStream hands over the stream built by AcceptStream. The
	// receiver must drive Connect.
	OnIncomingStream(s Stream)
	// OnOutgoingStream hands over the stream built after the peer selected
	// one of our offered candidates.
	OnOutgoingStream(s Stream)
	// OnStreamError surfaces remote errors and connectivity failures. sid
	// is empty when the error could not be correlated to a session.
	OnStreamError(err error, sid string)
}

// pendingItem tracks one in-flight candidate negotiation.
type pendingItem struct {
	hosts    []StreamHost
	id       string // correlation id of the offer
	from     stanza.JID
	to       stanza.JID
	incoming bool
}

// Manager negotiates Socks5 streams: it advertises candidate streamhosts,
// tracks in-flight offers, resolves which candidate succeeded, and drives
// relay activation. It owns every stream it creates, keyed by session id;
// release them through Dispose. Not safe for concurrent use from multiple
// goroutines without external locking.
type Manager struct {
	channel stanza.Channel

	mu      sync.Mutex
	handler Handler
	hosts   []StreamHost
	pending map[string]*pendingItem // sid -> negotiation state
	track   map[string]string       // correlation id -> sid
	streams map[string]*Socks5      // sid -> live stream
	server  *Server
	dialer  Dialer

	unregister func()
}

// NewManager creates a bytestream negotiation manager bound to the given
// signaling channel. handler may be nil and set later via SetHandler.
func NewManager(channel stanza.Channel, handler Handler) *Manager {
	m := &Manager{
		channel: channel,
		handler: handler,
		pending: make(map[string]*pendingItem),
		track:   make(map[string]string),
		streams: make(map[string]*Socks5),
	}
	if channel != nil {
		m.unregister = channel.RegisterHandler(stanza.KindBytestreams, m.handleIQ)
	}
	logrus.WithFields(logrus.Fields{
		"function": "NewManager",
	}).Debug("Bytestream manager created")
	return m
}

// SetHandler registers the negotiation event listener.
func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Handler returns the registered negotiation event listener.
func (m *Manager) Handler() Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler
}

// SetDialer overrides the dialer used by streams this manager creates.
func (m *Manager) SetDialer(d Dialer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dialer = d
}

// AddStreamHost appends a candidate host to the advertised list. Order is
// preference: the first host added is probed first by the answering side.
func (m *Manager) AddStreamHost(jid stanza.JID, host string, port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hosts = append(m.hosts, StreamHost{JID: jid, Host: host, Port: port})
}

// SetStreamHosts replaces the advertised candidate list.
func (m *Manager) SetStreamHosts(hosts []StreamHost) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hosts = append([]StreamHost(nil), hosts...)
}

// RegisterServer attaches a local relay server. Sessions whose selected
// candidate is the local identity are served from connections the server
// parked under the deterministic session address.
func (m *Manager) RegisterServer(s *Server) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.server = s
}

// Close detaches the manager from its channel.
func (m *Manager) Close() {
	if m.unregister != nil {
		m.unregister()
		m.unregister = nil
	}
}

// RequestStream offers the advertised candidate list to a peer. The offer
// is not sent when the manager has no channel or no candidates; both are
// local precondition failures with no side effects.
func (m *Manager) RequestStream(to stanza.JID, mode Mode, sid string, from stanza.JID) error {
	if m.channel == nil {
		logrus.WithFields(logrus.Fields{
			"function": "RequestStream",
			"to":       to.Full(),
		}).Warn("No signaling channel, cannot request bytestream")
		return ErrNoChannel
	}

	m.mu.Lock()
	hosts := append([]StreamHost(nil), m.hosts...)
	server := m.server
	m.mu.Unlock()
	if len(hosts) == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "RequestStream",
			"to":       to.Full(),
		}).Warn("No streamhosts set, cannot request bytestream")
		return ErrNoStreamHosts
	}

	if sid == "" {
		sid = stanza.NewID()
	}
	id := m.channel.NextID()

	local := from
	if local.IsEmpty() {
		local = m.channel.LocalJID()
	}
	if server != nil {
		server.RegisterHash(SessionAddress(sid, local, to))
	}

	m.mu.Lock()
	m.pending[sid] = &pendingItem{hosts: hosts, id: id, from: to, to: local, incoming: false}
	m.track[id] = sid
	m.mu.Unlock()

	iq := &stanza.IQ{
		Type:    stanza.Set,
		To:      to,
		From:    from,
		ID:      id,
		Payload: &Query{Type: QueryStreamHosts, SID: sid, Mode: mode, Hosts: hosts},
	}
	err := m.channel.SendTracked(iq, func(reply *stanza.IQ) {
		m.handleOpenReply(id, sid, reply)
	})
	if err != nil {
		m.mu.Lock()
		delete(m.pending, sid)
		delete(m.track, id)
		m.mu.Unlock()
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "RequestStream",
		"to":       to.Full(),
		"sid":      sid,
		"hosts":    len(hosts),
	}).Info("Bytestream candidate offer sent")
	return nil
}

// handleOpenReply resolves the peer's answer to our candidate-list offer.
func (m *Manager) handleOpenReply(id, sid string, reply *stanza.IQ) {
	m.mu.Lock()
	delete(m.track, id)
	item := m.pending[sid]
	handler := m.handler
	server := m.server
	m.mu.Unlock()
	if item == nil || handler == nil {
		return
	}

	switch reply.Type {
	case stanza.Result:
		q, ok := reply.Payload.(*Query)
		if !ok || q.Type != QueryStreamHostUsed {
			return
		}
		chosen := m.findStreamHost(item, reply.From, q.JID)
		if chosen == nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleOpenReply",
				"sid":      sid,
				"chosen":   q.JID.Full(),
			}).Warn("Peer selected a streamhost we never offered")
			return
		}
		m.buildOutgoingStream(item, sid, reply, *chosen, handler, server)

	case stanza.IQError:
		m.mu.Lock()
		delete(m.pending, sid)
		m.mu.Unlock()
		handler.OnStreamError(replyError(reply), sid)
	}
}

// buildOutgoingStream constructs the initiator-side stream once the peer
// named the winning candidate.
func (m *Manager) buildOutgoingStream(item *pendingItem, sid string, reply *stanza.IQ, chosen StreamHost, handler Handler, server *Server) {
	local := reply.To
	if local.IsEmpty() {
		local = m.channel.LocalJID()
	}

	selfProxy := server != nil && chosen.JID == m.channel.LocalJID()

	m.mu.Lock()
	dialer := m.dialer
	m.mu.Unlock()

	s := newSocks5(m, dialer, local, reply.From, sid)
	if selfProxy {
		hash := SessionAddress(sid, local, reply.From)
		conn := server.ConnForHash(hash)
		if conn == nil {
			logrus.WithFields(logrus.Fields{
				"function": "buildOutgoingStream",
				"sid":      sid,
				"hash":     hash,
			}).Error("No parked relay connection for session")
			handler.OnStreamError(ErrUnknownSession, sid)
			return
		}
		s.attachConn(conn)
	} else {
		s.SetStreamHosts([]StreamHost{chosen})
	}

	m.mu.Lock()
	m.streams[sid] = s
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "buildOutgoingStream",
		"sid":        sid,
		"chosen":     chosen.JID.Full(),
		"self_proxy": selfProxy,
	}).Info("Outgoing bytestream ready")
	handler.OnOutgoingStream(s)

	if selfProxy {
		// The relay-held connection needs no activation round trip.
		s.Activate()
		m.mu.Lock()
		delete(m.pending, sid)
		m.mu.Unlock()
	}
}

// acknowledgeStreamHost is invoked by a stream once its candidate loop
// finishes. On the answering side it sends the streamhost-used reply (or an
// item-not-found error); on the offering side a successful connect to a
// third-party relay triggers the activation step.
func (m *Manager) acknowledgeStreamHost(success bool, host stanza.JID, sid string) {
	m.mu.Lock()
	item := m.pending[sid]
	m.mu.Unlock()
	if item == nil || m.channel == nil {
		return
	}

	if item.incoming {
		m.mu.Lock()
		delete(m.pending, sid)
		m.mu.Unlock()

		if success {
			m.channel.Send(&stanza.IQ{
				Type:    stanza.Result,
				To:      item.from,
				From:    item.to,
				ID:      item.id,
				Payload: &Query{Type: QueryStreamHostUsed, SID: sid, JID: host},
			})
		} else {
			m.channel.Send(stanza.NewError(item.from, item.id, stanza.Cancel, stanza.ItemNotFound))
		}
		return
	}

	if !success {
		return
	}
	if host == item.from {
		// The peer connected straight to us; no relay to activate.
		m.mu.Lock()
		delete(m.pending, sid)
		m.mu.Unlock()
		return
	}

	id := m.channel.NextID()
	m.mu.Lock()
	m.track[id] = sid
	m.mu.Unlock()

	iq := &stanza.IQ{
		Type:    stanza.Set,
		To:      host,
		ID:      id,
		Payload: &Query{Type: QueryActivate, SID: sid, JID: item.from},
	}
	logrus.WithFields(logrus.Fields{
		"function": "acknowledgeStreamHost",
		"sid":      sid,
		"relay":    host.Full(),
		"target":   item.from.Full(),
	}).Info("Requesting relay activation")
	m.channel.SendTracked(iq, func(reply *stanza.IQ) {
		m.handleActivateReply(id, sid, reply)
	})
}

func (m *Manager) handleActivateReply(id, sid string, reply *stanza.IQ) {
	m.mu.Lock()
	delete(m.track, id)
	delete(m.pending, sid)
	s := m.streams[sid]
	handler := m.handler
	m.mu.Unlock()

	switch reply.Type {
	case stanza.Result:
		if s != nil {
			s.Activate()
		}
	case stanza.IQError:
		if handler != nil {
			handler.OnStreamError(replyError(reply), sid)
		}
	}
}

// handleIQ dispatches inbound bytestream negotiation stanzas.
func (m *Manager) handleIQ(iq *stanza.IQ) bool {
	q, ok := iq.Payload.(*Query)
	if !ok {
		return false
	}

	m.mu.Lock()
	handler := m.handler
	_, tracked := m.track[iq.ID]
	m.mu.Unlock()
	if handler == nil || tracked {
		return false
	}

	switch iq.Type {
	case stanza.Set:
		if q.Type != QueryStreamHosts {
			return false
		}
		if q.SID == "" || q.Mode == ModeUDP {
			logrus.WithFields(logrus.Fields{
				"function": "handleIQ",
				"from":     iq.From.Full(),
				"mode":     q.Mode.String(),
			}).Warn("Rejecting unacceptable bytestream offer")
			m.reject(iq.From, iq.ID, stanza.NotAcceptable)
			return true
		}
		m.mu.Lock()
		m.pending[q.SID] = &pendingItem{
			hosts:    append([]StreamHost(nil), q.Hosts...),
			id:       iq.ID,
			from:     iq.From,
			to:       iq.To,
			incoming: true,
		}
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "handleIQ",
			"from":     iq.From.Full(),
			"sid":      q.SID,
			"hosts":    len(q.Hosts),
		}).Info("Incoming bytestream offer")
		handler.OnIncomingRequest(q.SID, iq.From)
		return true

	case stanza.IQError:
		handler.OnStreamError(replyError(iq), "")
		return true
	}

	return false
}

// AcceptStream builds the stream for a previously announced incoming offer
// and hands it to the handler, which must drive Connect. The
// streamhost-used reply (or the failure error) goes out when that connect
// loop finishes.
func (m *Manager) AcceptStream(sid string) error {
	m.mu.Lock()
	item := m.pending[sid]
	handler := m.handler
	dialer := m.dialer
	m.mu.Unlock()
	if item == nil || !item.incoming {
		return ErrUnknownSession
	}
	if handler == nil {
		return ErrNoHandler
	}

	local := item.to
	if local.IsEmpty() {
		local = m.channel.LocalJID()
	}
	s := newSocks5(m, dialer, item.from, local, sid)
	s.SetStreamHosts(item.hosts)

	m.mu.Lock()
	m.streams[sid] = s
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "AcceptStream",
		"sid":      sid,
		"from":     item.from.Full(),
	}).Info("Incoming bytestream accepted")
	handler.OnIncomingStream(s)
	return nil
}

// RejectStream answers a pending incoming offer with an error and discards
// its negotiation state. Unknown session ids are a no-op.
func (m *Manager) RejectStream(sid string, cond stanza.Condition) {
	m.mu.Lock()
	item := m.pending[sid]
	if item != nil {
		delete(m.pending, sid)
	}
	m.mu.Unlock()
	if item == nil {
		return
	}
	m.reject(item.from, item.id, cond)
}

// reject sends a structured refusal. Authorization-flavored conditions ride
// an auth-typed error, the rest a cancel-typed one.
func (m *Manager) reject(to stanza.JID, id string, cond stanza.Condition) {
	errType := stanza.Cancel
	if cond == stanza.Forbidden || cond == stanza.NotAcceptable {
		errType = stanza.Auth
	}
	if m.channel != nil {
		m.channel.Send(stanza.NewError(to, id, errType, cond))
	}
}

// Dispose removes the stream from the session map and closes it. It
// reports whether the stream was owned by this manager. All Socks5 streams
// must be released through here so the map and the stream lifetime never
// diverge.
func (m *Manager) Dispose(s *Socks5) bool {
	if s == nil {
		return false
	}
	m.mu.Lock()
	owned, ok := m.streams[s.SID()]
	if ok && owned == s {
		delete(m.streams, s.SID())
		delete(m.pending, s.SID())
	}
	m.mu.Unlock()
	if !ok || owned != s {
		return false
	}
	s.Close()
	logrus.WithFields(logrus.Fields{
		"function": "Dispose",
		"sid":      s.SID(),
	}).Debug("Bytestream disposed")
	return true
}

// findStreamHost resolves the candidate a peer named against the offer we
// actually made.
func (m *Manager) findStreamHost(item *pendingItem, from stanza.JID, hostJID stanza.JID) *StreamHost {
	if item.from != from {
		return nil
	}
	for i := range item.hosts {
		if item.hosts[i].JID == hostJID {
			return &item.hosts[i]
		}
	}
	return nil
}

func replyError(iq *stanza.IQ) error {
	if e := iq.Err(); e != nil {
		return e
	}
	return errMalformedReply
}
