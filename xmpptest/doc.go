// Package xmpptest provides an in-memory implementation of the stanza.Channel
// contract for tests and examples.
//
// A single Channel acts as a recording fake: everything sent through it is
// retained for assertions and, when no peer is attached, goes nowhere. Pair
// wires two channels back to back so that stanzas sent on one are dispatched
// synchronously to the handlers registered on the other, with tracked replies
// routed back to their ReplyFunc exactly once.
//
//	initiator, target := xmpptest.Pair("romeo@montague.lit/orchard",
//	    "juliet@capulet.lit/balcony")
//
// Delivery is synchronous and single-threaded, matching the cooperative
// event-loop model the negotiation managers are written for.
package xmpptest
