package filetransfer

import (
	"github.com/opd-ai/xmppstream/bytestream"
	"github.com/opd-ai/xmppstream/stanza"
)

// ftHandler records every coordinator event. onRequest, when set, runs
// inside OnFileRequest so tests can answer offers inline.
type ftHandler struct {
	requests []fileRequest
	streams  []bytestream.Stream
	errs     []requestError
	oobCalls int
	oobURL   string

	onRequest func(from, to stanza.JID, sid string, file File, types Types)
}

type fileRequest struct {
	from  stanza.JID
	sid   string
	file  File
	types Types
}

type requestError struct {
	err error
	sid string
}

func (h *ftHandler) OnFileRequest(from, to stanza.JID, sid string, file File, types Types) {
	h.requests = append(h.requests, fileRequest{from: from, sid: sid, file: file, types: types})
	if h.onRequest != nil {
		h.onRequest(from, to, sid, file, types)
	}
}

func (h *ftHandler) OnStream(s bytestream.Stream) {
	h.streams = append(h.streams, s)
}

func (h *ftHandler) OnRequestError(err error, sid string) {
	h.errs = append(h.errs, requestError{err: err, sid: sid})
}

func (h *ftHandler) OnOOBRequest(from, to stanza.JID, sid string) string {
	h.oobCalls++
	return h.oobURL
}

// streamRecorder collects data events on a negotiated stream.
type streamRecorder struct {
	opens  int
	closes int
	chunks [][]byte
}

func (r *streamRecorder) OnStreamOpen(s bytestream.Stream) { r.opens++ }

func (r *streamRecorder) OnStreamData(s bytestream.Stream, data []byte) {
	r.chunks = append(r.chunks, append([]byte(nil), data...))
}

func (r *streamRecorder) OnStreamClose(s bytestream.Stream) { r.closes++ }
