// Package bytestream implements the two bidirectional byte-stream transports
// negotiated between XMPP peers, and the coordinator that negotiates the
// direct one.
//
// # Overview
//
//   - Stream: the abstract endpoint shared by both transports, with a single
//     registered DataHandler for open/data/close events.
//   - InBand: XEP-0047 in-band bytestreams. Payload is fragmented into
//     base64 chunks carried inside signaling-channel stanzas with strict
//     monotonically increasing sequence numbers.
//   - Socks5: XEP-0065 SOCKS5 bytestreams. Wraps a dialed TCP connection,
//     performing the SOCKS5 sub-handshake against each candidate streamhost
//     in preference order until one succeeds.
//   - Manager: negotiates Socks5 streams between two parties: advertises
//     candidate streamhosts, resolves which candidate the peer selected,
//     and drives relay activation.
//   - Server: a minimal local streamhost that parks inbound SOCKS5
//     connections by their deterministic session address.
//
// # Concurrency
//
// The package is written for a single-threaded, poll-driven caller: drive
// each stream by calling Recv from your own event loop, or move one stream
// into a dedicated goroutine before calling Connect. Manager methods must
// not be invoked concurrently from multiple goroutines without external
// locking.
//
// # Ownership
//
// The Manager's session map is the ownership arena for Socks5 streams:
// dispose of them through Manager.Dispose (or the file-transfer
// coordinator's Dispose), never by dropping the last reference, so the map
// and the stream lifetime cannot diverge.
package bytestream
