package si

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xmppstream/stanza"
)

// ErrOfferTimeout reports a pending offer that expired before any reply
// arrived. It is only produced when a timeout has been opted into via
// SetOfferTimeout.
var ErrOfferTimeout = errors.New("stream initiation offer timed out")

// Payload is the Stream Initiation stanza payload. Info and Feature are the
// two profile-defined opaque payloads; the file-transfer profile puts its
// file metadata in Info and its feature-negotiation form in Feature.
type Payload struct {
	SID      string
	Profile  string
	MimeType string
	Info     any
	Feature  any
}

// Kind implements stanza.Payload.
func (p *Payload) Kind() stanza.PayloadKind { return stanza.KindSI }

// Reason is a structured decline reason.
type Reason int

const (
	// Declined is a plain refusal by the responder.
	Declined Reason = iota
	// NoValidStreams means none of the offered stream methods is usable.
	NoValidStreams
	// BadProfile means the offered profile is not understood.
	BadProfile
)

// ProfileHandler receives inbound offers for a registered profile.
type ProfileHandler interface {
	// OnRequest is invoked for each inbound offer carrying the handler's
	// profile. id is the correlation id to use with Accept or Decline.
	OnRequest(from, to stanza.JID, id string, p *Payload)
}

// ReplyHandler receives the outcome of an offer placed with Offer. Exactly
// one of the three callbacks fires per offer, at most once.
type ReplyHandler interface {
	// OnAccepted is invoked when the responder accepts the offer. p carries
	// the responder's payloads and may be nil when the reply had none.
	OnAccepted(from, to stanza.JID, sid string, p *Payload)
	// OnDeclined is invoked when the responder explicitly declines.
	OnDeclined(sid string, e *stanza.Error)
	// OnError is invoked for network-level error replies and timeouts.
	OnError(sid string, err error)
}

type trackEntry struct {
	sid     string
	profile string
	handler ReplyHandler
	timer   *clock.Timer
}

// Manager implements the offer/accept/decline handshake over a signaling
// channel. Not safe for concurrent use from multiple goroutines without
// external locking.
type Manager struct {
	channel stanza.Channel

	mu       sync.Mutex
	profiles map[string]ProfileHandler
	track    map[string]*trackEntry

	clk          clock.Clock
	offerTimeout time.Duration

	unregister func()
}

// NewManager creates a Manager bound to the given signaling channel and
// registers its inbound dispatch handler.
func NewManager(channel stanza.Channel) *Manager {
	m := &Manager{
		channel:  channel,
		profiles: make(map[string]ProfileHandler),
		track:    make(map[string]*trackEntry),
		clk:      clock.New(),
	}
	if channel != nil {
		m.unregister = channel.RegisterHandler(stanza.KindSI, m.handleIQ)
	}
	logrus.WithFields(logrus.Fields{
		"function": "NewManager",
	}).Debug("Stream initiation manager created")
	return m
}

// Close detaches the manager from its channel and drops pending state.
func (m *Manager) Close() {
	if m.unregister != nil {
		m.unregister()
		m.unregister = nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.track {
		m.drop(id)
	}
}

// SetClock replaces the clock used for offer expiry. Intended for tests.
func (m *Manager) SetClock(clk clock.Clock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clk = clk
}

// SetOfferTimeout bounds the lifetime of pending offers. Zero restores the
// original unbounded behavior.
func (m *Manager) SetOfferTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offerTimeout = d
}

// RegisterProfile routes inbound offers for the given profile namespace to h.
func (m *Manager) RegisterProfile(profile string, h ProfileHandler) {
	if profile == "" || h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[profile] = h
}

// RemoveProfile stops routing offers for the given profile namespace.
func (m *Manager) RemoveProfile(profile string) {
	if profile == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.profiles, profile)
}

// Offer sends a negotiation offer to the responder and returns the session
// id in use, generating one when sid is empty. An empty return means the
// offer was not sent: the manager has no channel or h is nil. This is
// deliberate best-effort behavior; the caller opted out of the reply path.
func (m *Manager) Offer(h ReplyHandler, to stanza.JID, profile string, info, feature any, mimetype string, from stanza.JID, sid string) string {
	if m.channel == nil || h == nil {
		logrus.WithFields(logrus.Fields{
			"function": "Offer",
			"to":       to.Full(),
			"profile":  profile,
		}).Warn("No channel or reply handler, offer not sent")
		return ""
	}

	id := m.channel.NextID()
	if sid == "" {
		sid = stanza.NewID()
	}

	iq := &stanza.IQ{
		Type: stanza.Set,
		To:   to,
		From: from,
		ID:   id,
		Payload: &Payload{
			SID:      sid,
			Profile:  profile,
			MimeType: mimetype,
			Info:     info,
			Feature:  feature,
		},
	}

	entry := &trackEntry{sid: sid, profile: profile, handler: h}
	m.mu.Lock()
	m.track[id] = entry
	if m.offerTimeout > 0 {
		entry.timer = m.clk.AfterFunc(m.offerTimeout, func() {
			m.expire(id)
		})
	}
	m.mu.Unlock()

	if err := m.channel.SendTracked(iq, func(reply *stanza.IQ) {
		m.handleReply(id, reply)
	}); err != nil {
		m.mu.Lock()
		m.drop(id)
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Offer",
			"to":       to.Full(),
			"sid":      sid,
			"error":    err.Error(),
		}).Error("Failed to send stream initiation offer")
		return ""
	}

	logrus.WithFields(logrus.Fields{
		"function": "Offer",
		"to":       to.Full(),
		"profile":  profile,
		"sid":      sid,
		"id":       id,
	}).Info("Stream initiation offer sent")
	return sid
}

// Accept sends a positive reply to the offer with the given correlation id,
// carrying the responder's own payloads.
func (m *Manager) Accept(to stanza.JID, id string, info, feature any, from stanza.JID) {
	if m.channel == nil {
		return
	}
	iq := &stanza.IQ{
		Type:    stanza.Result,
		To:      to,
		From:    from,
		ID:      id,
		Payload: &Payload{Info: info, Feature: feature},
	}
	if err := m.channel.Send(iq); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Accept",
			"to":       to.Full(),
			"id":       id,
			"error":    err.Error(),
		}).Error("Failed to send stream initiation accept")
	}
}

// Decline sends a negative reply with a structured reason.
func (m *Manager) Decline(to stanza.JID, id string, reason Reason, text string) {
	if m.channel == nil {
		return
	}

	var e *stanza.Error
	switch reason {
	case NoValidStreams:
		e = &stanza.Error{Type: stanza.Cancel, Condition: stanza.BadRequest, App: stanza.AppNoValidStreams}
	case BadProfile:
		e = &stanza.Error{Type: stanza.Cancel, Condition: stanza.BadRequest, App: stanza.AppBadProfile}
	default:
		e = &stanza.Error{Type: stanza.Cancel, Condition: stanza.Forbidden, Text: text}
	}

	iq := &stanza.IQ{Type: stanza.IQError, To: to, ID: id, Payload: e}
	if err := m.channel.Send(iq); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Decline",
			"to":       to.Full(),
			"id":       id,
			"error":    err.Error(),
		}).Error("Failed to send stream initiation decline")
	}
}

// handleIQ dispatches inbound offers to the registered profile handler.
func (m *Manager) handleIQ(iq *stanza.IQ) bool {
	p, ok := iq.Payload.(*Payload)
	if !ok || p.Profile == "" || iq.Type != stanza.Set {
		return false
	}

	m.mu.Lock()
	if _, tracked := m.track[iq.ID]; tracked {
		m.mu.Unlock()
		return false
	}
	h := m.profiles[p.Profile]
	m.mu.Unlock()

	if h == nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleIQ",
			"from":     iq.From.Full(),
			"profile":  p.Profile,
		}).Debug("Ignoring offer for unregistered profile")
		return false
	}

	h.OnRequest(iq.From, iq.To, iq.ID, p)
	return true
}

// handleReply resolves the tracked entry for a reply and fires exactly one
// handler callback. Stale correlation ids are ignored.
func (m *Manager) handleReply(id string, reply *stanza.IQ) {
	m.mu.Lock()
	entry := m.drop(id)
	m.mu.Unlock()
	if entry == nil {
		return
	}

	switch reply.Type {
	case stanza.Result:
		p, _ := reply.Payload.(*Payload)
		entry.handler.OnAccepted(reply.From, reply.To, entry.sid, p)
	case stanza.IQError:
		e := reply.Err()
		if e == nil {
			entry.handler.OnError(entry.sid, errors.New("malformed error reply"))
			return
		}
		if isDecline(e) {
			entry.handler.OnDeclined(entry.sid, e)
		} else {
			entry.handler.OnError(entry.sid, e)
		}
	}
}

// isDecline separates an explicit responder decline from a network-level
// error reply.
func isDecline(e *stanza.Error) bool {
	return e.Condition == stanza.Forbidden || e.App != ""
}

func (m *Manager) expire(id string) {
	m.mu.Lock()
	entry := m.drop(id)
	m.mu.Unlock()
	if entry == nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "expire",
		"id":       id,
		"sid":      entry.sid,
	}).Warn("Pending stream initiation offer expired")
	entry.handler.OnError(entry.sid, ErrOfferTimeout)
}

// drop removes and returns the tracked entry for id. Caller holds m.mu.
func (m *Manager) drop(id string) *trackEntry {
	entry, ok := m.track[id]
	if !ok {
		return nil
	}
	delete(m.track, id)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	return entry
}

// PendingOffers returns the number of offers awaiting a reply.
func (m *Manager) PendingOffers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.track)
}
