// Package si implements the generic Stream Initiation negotiation
// (XEP-0095): a profile-agnostic two-phase offer/accept/decline handshake
// that precedes the creation of a bytestream transport.
//
// A Manager tracks each outgoing offer by its stanza correlation id and
// delivers the eventual reply to the offering profile exactly once. Inbound
// offers are dispatched to the handler registered for their profile
// namespace; offers for unregistered profiles are ignored.
//
// A decline is a normal negotiation outcome, not an error: replies are
// classified and surfaced through separate ReplyHandler callbacks.
//
// The original implementation never times out a pending offer. Manager
// preserves that behavior by default; SetOfferTimeout opts into expiry,
// which surfaces through OnError with ErrOfferTimeout.
//
// Manager methods must be called from a single goroutine (typically the
// caller's event loop); see the module documentation for the threading
// contract.
package si
