package si

import (
	"github.com/opd-ai/xmppstream/stanza"
)

// recordingProfile captures inbound offers for assertions.
type recordingProfile struct {
	requests []profileRequest
}

type profileRequest struct {
	from stanza.JID
	to   stanza.JID
	id   string
	p    *Payload
}

func (r *recordingProfile) OnRequest(from, to stanza.JID, id string, p *Payload) {
	r.requests = append(r.requests, profileRequest{from: from, to: to, id: id, p: p})
}

// recordingReplies captures offer outcomes for assertions.
type recordingReplies struct {
	accepted []acceptedReply
	declined []declinedReply
	errors   []errorReply
}

type acceptedReply struct {
	from stanza.JID
	sid  string
	p    *Payload
}

type declinedReply struct {
	sid string
	e   *stanza.Error
}

type errorReply struct {
	sid string
	err error
}

func (r *recordingReplies) OnAccepted(from, to stanza.JID, sid string, p *Payload) {
	r.accepted = append(r.accepted, acceptedReply{from: from, sid: sid, p: p})
}

func (r *recordingReplies) OnDeclined(sid string, e *stanza.Error) {
	r.declined = append(r.declined, declinedReply{sid: sid, e: e})
}

func (r *recordingReplies) OnError(sid string, err error) {
	r.errors = append(r.errors, errorReply{sid: sid, err: err})
}

// acceptingProfile answers every offer positively through its manager.
type acceptingProfile struct {
	manager *Manager
	local   stanza.JID
	feature any
}

func (a *acceptingProfile) OnRequest(from, to stanza.JID, id string, p *Payload) {
	a.manager.Accept(from, id, nil, a.feature, a.local)
}

// decliningProfile answers every offer with a fixed decline reason.
type decliningProfile struct {
	manager *Manager
	reason  Reason
	text    string
}

func (d *decliningProfile) OnRequest(from, to stanza.JID, id string, p *Payload) {
	d.manager.Decline(from, id, d.reason, d.text)
}
