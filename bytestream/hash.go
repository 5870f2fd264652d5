package bytestream

import (
	"crypto/sha1"
	"encoding/hex"
	"io"

	"github.com/opd-ai/xmppstream/stanza"
)

// SessionAddress derives the deterministic SOCKS5 destination for a
// negotiated session: the hex SHA-1 digest over the concatenation of the
// session id, the initiator's full JID and the target's full JID. Both
// sides of a session, and any relay between them, compute the same value.
func SessionAddress(sid string, initiator, target stanza.JID) string {
	h := sha1.New()
	io.WriteString(h, sid)
	io.WriteString(h, initiator.Full())
	io.WriteString(h, target.Full())
	return hex.EncodeToString(h.Sum(nil))
}
