package filetransfer

import (
	"time"

	"github.com/opd-ai/xmppstream/stanza"
)

// DefaultMimeType is assumed when an offer does not name one.
const DefaultMimeType = "binary/octet-stream"

// Types is the set of transport kinds acceptable for a transfer.
type Types int

const (
	// TypeS5B is a direct/relayed SOCKS5 bytestream.
	TypeS5B Types = 1 << iota
	// TypeIBB is an in-band bytestream tunneled through the signaling
	// channel.
	TypeIBB
	// TypeOOB is an out-of-band URL exchange; no stream object is created
	// for it.
	TypeOOB

	// TypeAll accepts any supported transport kind.
	TypeAll = TypeS5B | TypeIBB | TypeOOB
)

// File is the metadata describing an offered file.
type File struct {
	Name     string
	Size     int64
	Hash     string
	Date     time.Time
	Desc     string
	MimeType string
}

// StreamMethods is the feature-negotiation form offered with a file: the
// transport kinds the offerer can do, named by protocol namespace.
type StreamMethods struct {
	Methods []string
}

// StreamMethod is the feature-negotiation reply: the single transport kind
// the responder chose.
type StreamMethod struct {
	Method string
}

// OOB is the out-of-band URL payload sent when the responder picks the
// out-of-band kind.
type OOB struct {
	URL  string
	Desc string
}

// Kind implements stanza.Payload.
func (o *OOB) Kind() stanza.PayloadKind { return stanza.KindOOB }

// namespaces translates a Types set into its ordered namespace list.
func (t Types) namespaces() []string {
	var out []string
	if t&TypeS5B != 0 {
		out = append(out, stanza.NSBytestreams)
	}
	if t&TypeIBB != 0 {
		out = append(out, stanza.NSIBB)
	}
	if t&TypeOOB != 0 {
		out = append(out, stanza.NSOOB)
	}
	return out
}

// typesFromNamespaces translates offered namespaces back into a Types set,
// ignoring unknown entries for forward compatibility.
func typesFromNamespaces(methods []string) Types {
	var t Types
	for _, ns := range methods {
		switch ns {
		case stanza.NSBytestreams:
			t |= TypeS5B
		case stanza.NSIBB:
			t |= TypeIBB
		case stanza.NSOOB:
			t |= TypeOOB
		}
	}
	return t
}
