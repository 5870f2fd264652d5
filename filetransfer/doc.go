// Package filetransfer implements the file-transfer profile of Stream
// Initiation: the facade that turns "offer this file" / "accept this
// request" calls into the underlying negotiation and transport machinery.
//
// A Coordinator composes a si.Manager (the generic offer/accept/decline
// handshake) with a bytestream.Manager (SOCKS5 candidate negotiation) and
// an in-band transport factory. The application registers a single Handler
// and receives every lifecycle event through it: incoming file requests,
// ready streams of either kind, and declines or errors.
//
// Streams handed out by the Coordinator are owned by it: release them with
// Dispose (or Cancel), never by simply dropping them, so the coordinator's
// session bookkeeping stays consistent.
//
// Like the rest of the module, a Coordinator expects to be driven from a
// single goroutine.
package filetransfer
