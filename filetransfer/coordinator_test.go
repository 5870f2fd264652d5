package filetransfer

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/xmppstream/bytestream"
	"github.com/opd-ai/xmppstream/si"
	"github.com/opd-ai/xmppstream/stanza"
	"github.com/opd-ai/xmppstream/xmpptest"
)

const (
	jidA = stanza.JID("romeo@montague.net/orchard")
	jidB = stanza.JID("juliet@capulet.com/balcony")
)

func testFile() File {
	return File{Name: "sonnet.txt", Size: 1452, Desc: "a poem"}
}

// coordinatorPair wires two coordinators over a back-to-back channel pair.
func coordinatorPair(t *testing.T) (*Coordinator, *Coordinator, *ftHandler, *ftHandler) {
	t.Helper()
	chA, chB := xmpptest.Pair(jidA, jidB)
	hA := &ftHandler{}
	hB := &ftHandler{}
	cA := NewCoordinator(chA, hA, nil, nil)
	cB := NewCoordinator(chB, hB, nil, nil)
	t.Cleanup(func() {
		cA.Close()
		cB.Close()
	})
	return cA, cB, hA, hB
}

func TestOfferFileValidation(t *testing.T) {
	ch := xmpptest.NewChannel(jidA)
	c := NewCoordinator(ch, &ftHandler{}, nil, nil)
	defer c.Close()

	_, err := c.OfferFile(jidB, File{Size: 10}, TypeAll, jidA, "")
	assert.ErrorIs(t, err, ErrInvalidFile, "nameless file accepted")

	_, err = c.OfferFile(jidB, File{Name: "x"}, TypeAll, jidA, "")
	assert.ErrorIs(t, err, ErrInvalidFile, "zero-size file accepted")

	assert.Empty(t, ch.Sent(), "invalid offer still sent stanzas")
}

func TestOfferFileDeliversRequest(t *testing.T) {
	cA, _, _, hB := coordinatorPair(t)

	sid, err := cA.OfferFile(jidB, testFile(), TypeS5B|TypeIBB, jidA, "")
	require.NoError(t, err)
	require.NotEmpty(t, sid)

	require.Len(t, hB.requests, 1)
	req := hB.requests[0]
	assert.Equal(t, jidA, req.from)
	assert.Equal(t, sid, req.sid)
	assert.Equal(t, "sonnet.txt", req.file.Name)
	assert.Equal(t, int64(1452), req.file.Size)
	assert.Equal(t, DefaultMimeType, req.file.MimeType)
	assert.Equal(t, TypeS5B|TypeIBB, req.types)
}

func TestOfferTracking(t *testing.T) {
	cA, _, _, _ := coordinatorPair(t)

	assert.Zero(t, cA.PendingOffers())
	// The synchronous test channel resolves the offer before OfferFile
	// returns, so pending goes back to zero unless the peer stays silent.
	chA := xmpptest.NewChannel("solo@example.org/res")
	solo := NewCoordinator(chA, &ftHandler{}, nil, nil)
	defer solo.Close()

	_, err := solo.OfferFile(jidB, testFile(), TypeAll, "solo@example.org/res", "")
	require.NoError(t, err)
	assert.Equal(t, 1, solo.PendingOffers())
}

func TestAcceptFileUnknownSession(t *testing.T) {
	ch := xmpptest.NewChannel(jidB)
	c := NewCoordinator(ch, &ftHandler{}, nil, nil)
	defer c.Close()

	err := c.AcceptFile(jidA, "never-offered", TypeIBB, jidB)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestInBandTransferEndToEnd(t *testing.T) {
	cA, cB, hA, hB := coordinatorPair(t)

	hB.onRequest = func(from, to stanza.JID, sid string, file File, types Types) {
		require.NoError(t, cB.AcceptFile(from, sid, TypeIBB, jidB))
	}

	sid, err := cA.OfferFile(jidB, testFile(), TypeIBB, jidA, "")
	require.NoError(t, err)

	// Both sides hold an in-band stream for the session now.
	require.Len(t, hA.streams, 1, "offerer stream missing")
	require.Len(t, hB.streams, 1, "responder stream missing")
	sA := hA.streams[0]
	sB := hB.streams[0]
	assert.Equal(t, bytestream.IBB, sA.Type())
	assert.Equal(t, sid, sA.SID())
	assert.Equal(t, sid, sB.SID())

	recA := &streamRecorder{}
	recB := &streamRecorder{}
	sA.SetDataHandler(recA)
	sB.SetDataHandler(recB)

	require.NoError(t, sA.Connect())
	require.True(t, sA.IsOpen(), "offerer stream not open")
	require.True(t, sB.IsOpen(), "responder stream not open")

	require.NoError(t, sA.Send([]byte("shall I compare thee")))
	require.Len(t, recB.chunks, 1)
	assert.Equal(t, "shall I compare thee", string(recB.chunks[0]))

	cA.Dispose(sA)
	assert.False(t, sA.IsOpen())
	assert.Equal(t, 1, recB.closes, "responder close events")
}

func TestS5BTransferEndToEnd(t *testing.T) {
	cA, cB, hA, hB := coordinatorPair(t)

	cA.AddStreamHost(jidA, "192.0.2.1", 7777)
	cB.SetDialer(&scriptedDialer{})

	hB.onRequest = func(from, to stanza.JID, sid string, file File, types Types) {
		require.NoError(t, cB.AcceptFile(from, sid, TypeS5B, jidB))
	}

	sid, err := cA.OfferFile(jidB, testFile(), TypeS5B, jidA, "")
	require.NoError(t, err)

	// The responder's stream arrives first; its connect loop resolves the
	// offerer's side.
	require.Len(t, hB.streams, 1, "responder stream missing")
	sB := hB.streams[0]
	require.Equal(t, bytestream.S5B, sB.Type())
	require.NoError(t, sB.Connect())

	require.Len(t, hA.streams, 1, "offerer stream missing")
	sA := hA.streams[0]
	assert.Equal(t, bytestream.S5B, sA.Type())
	assert.Equal(t, sid, sA.SID())

	// Both are released through the coordinator.
	cB.Cancel(sB)
	cA.Dispose(sA)
	assert.Empty(t, hA.errs, "offerer errors: %v", hA.errs)
}

func TestDeclineFileSurfacesErrorOnce(t *testing.T) {
	cA, cB, hA, hB := coordinatorPair(t)

	hB.onRequest = func(from, to stanza.JID, sid string, file File, types Types) {
		require.NoError(t, cB.DeclineFile(from, sid, si.Declined, "not now"))
	}

	sid, err := cA.OfferFile(jidB, testFile(), TypeAll, jidA, "")
	require.NoError(t, err)

	require.Len(t, hA.errs, 1, "expected exactly one request error")
	assert.Equal(t, sid, hA.errs[0].sid)
	var se *stanza.Error
	require.True(t, errors.As(hA.errs[0].err, &se))
	assert.Equal(t, stanza.Forbidden, se.Condition)
	assert.Empty(t, hA.streams, "declined offer still produced a stream")

	// The session is resolved; a second decline is an unknown session.
	err = cB.DeclineFile(jidA, sid, si.Declined, "")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestOOBAcceptRequestsURL(t *testing.T) {
	chA, chB := xmpptest.Pair(jidA, jidB)
	hA := &ftHandler{oobURL: "https://files.example.org/sonnet.txt"}
	hB := &ftHandler{}
	cA := NewCoordinator(chA, hA, nil, nil)
	cB := NewCoordinator(chB, hB, nil, nil)
	defer cA.Close()
	defer cB.Close()

	hB.onRequest = func(from, to stanza.JID, sid string, file File, types Types) {
		require.NoError(t, cB.AcceptFile(from, sid, TypeOOB, jidB))
	}

	_, err := cA.OfferFile(jidB, testFile(), TypeOOB, jidA, "")
	require.NoError(t, err)

	assert.Equal(t, 1, hA.oobCalls, "URL callback invocations")

	var oob *OOB
	for _, iq := range chA.Sent() {
		if p, ok := iq.Payload.(*OOB); ok {
			oob = p
		}
	}
	require.NotNil(t, oob, "no out-of-band stanza sent")
	assert.Equal(t, "https://files.example.org/sonnet.txt", oob.URL)
	assert.Empty(t, hA.streams, "out-of-band transfers create no stream")
}

func TestAcceptFileNoTransportChosen(t *testing.T) {
	cA, cB, _, hB := coordinatorPair(t)

	var acceptErr error
	hB.onRequest = func(from, to stanza.JID, sid string, file File, types Types) {
		acceptErr = cB.AcceptFile(from, sid, 0, jidB)
	}

	_, err := cA.OfferFile(jidB, testFile(), TypeAll, jidA, "")
	require.NoError(t, err)
	assert.ErrorIs(t, acceptErr, ErrNoTransport)

	// The offer stays answerable after the bad accept.
	require.Len(t, hB.requests, 1)
	sid := hB.requests[0].sid
	assert.NoError(t, cB.DeclineFile(jidA, sid, si.Declined, ""))
}

func TestInjectedManagersAreNotClosed(t *testing.T) {
	ch := xmpptest.NewChannel(jidA)
	siMgr := si.NewManager(ch)
	s5Mgr := bytestream.NewManager(ch, nil)

	c := NewCoordinator(ch, &ftHandler{}, siMgr, s5Mgr)
	c.Close()

	// The injected negotiation manager still works after the coordinator
	// is gone.
	sid := siMgr.Offer(&noopReplies{}, jidB, stanza.NSSI, nil, nil, "", jidA, "")
	assert.NotEmpty(t, sid, "injected manager unusable after coordinator close")
}

type noopReplies struct{}

func (noopReplies) OnAccepted(from, to stanza.JID, sid string, p *si.Payload) {}
func (noopReplies) OnDeclined(sid string, e *stanza.Error)                    {}
func (noopReplies) OnError(sid string, err error)                             {}

// scriptedDialer succeeds against every candidate with an in-memory pipe.
type scriptedDialer struct{}

func (scriptedDialer) DialStreamHost(host bytestream.StreamHost, dst string) (conn net.Conn, err error) {
	local, _ := net.Pipe()
	return local, nil
}
