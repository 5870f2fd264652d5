// Package stanza defines the signaling-channel primitives shared by the
// bytestream negotiation packages: peer identities (JID), IQ and Message
// envelopes, structured stanza errors, and the Channel contract implemented
// by the host application's XMPP layer.
//
// # Overview
//
// The package deliberately carries no wire encoding. Stanza payloads are
// plain Go values tagged with a PayloadKind; serializing them to XML (and
// routing them between peers) is the job of the signaling layer that
// implements Channel. The field sets mirror the XEP-0095/0065/0047 stanza
// shapes so that a real XMPP channel can map them one-to-one.
//
// # Channel
//
// Channel is the single external collaborator every manager in this module
// depends on:
//
//	type Channel interface {
//	    LocalJID() JID
//	    NextID() string
//	    Send(iq *IQ) error
//	    SendTracked(iq *IQ, reply ReplyFunc) error
//	    SendMessage(msg *Message) error
//	    RegisterHandler(kind PayloadKind, h HandlerFunc) (unregister func())
//	    RegisterMessageHandler(h MessageFunc) (unregister func())
//	}
//
// A tracked send must invoke its ReplyFunc exactly once with the matching
// result or error stanza. The xmpptest package provides an in-memory
// implementation for tests and examples.
package stanza
