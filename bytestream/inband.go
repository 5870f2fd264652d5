package bytestream

import (
	"encoding/base64"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xmppstream/stanza"
)

// DefaultBlockSize is the chunk size proposed in an in-band open frame.
const DefaultBlockSize = 4096

// IBBType discriminates in-band bytestream frames.
type IBBType int

const (
	// IBBOpen requests the peer to open the in-band channel.
	IBBOpen IBBType = iota
	// IBBData carries one sequenced payload chunk.
	IBBData
	// IBBClose tears the in-band channel down.
	IBBClose
)

var ibbTypeNames = map[IBBType]string{
	IBBOpen:  "open",
	IBBData:  "data",
	IBBClose: "close",
}

func (t IBBType) String() string {
	if s, ok := ibbTypeNames[t]; ok {
		return s
	}
	return "invalid"
}

// IBBFrame is the in-band bytestream stanza payload. Data frames carry
// their chunk base64-encoded, as it travels on the wire.
type IBBFrame struct {
	Type      IBBType
	SID       string
	Seq       uint16
	BlockSize int
	Data      string
}

// Kind implements stanza.Payload.
func (f *IBBFrame) Kind() stanza.PayloadKind { return stanza.KindIBB }

// InBand is a chunked, sequenced data channel tunneled through the
// signaling channel itself; no raw socket is involved.
//
// Sequence numbers start at zero in each direction, increase by exactly one
// per data frame and wrap from 65535 back to zero. (The original
// implementation expressed the same wire behavior by resetting an internal
// pre-increment counter to minus one.) A gap or repeat on the inbound side
// is a protocol violation that forces the channel closed.
type InBand struct {
	streamBase
	channel   stanza.Channel
	blockSize int

	seq         uint16 // next outgoing sequence number
	expectedSeq uint16 // next inbound sequence number

	unregisterIQ  func()
	unregisterMsg func()
}

// NewInBand creates an in-band stream for the given session and attaches
// its frame handlers to the channel. The stream is not open until Connect
// (initiator side) or an inbound open frame (target side) completes the
// handshake.
func NewInBand(channel stanza.Channel, initiator, target stanza.JID, sid string) *InBand {
	s := &InBand{
		streamBase: streamBase{
			streamType: IBB,
			initiator:  initiator,
			target:     target,
			sid:        sid,
		},
		channel:   channel,
		blockSize: DefaultBlockSize,
	}
	if channel != nil {
		s.unregisterIQ = channel.RegisterHandler(stanza.KindIBB, s.handleIQ)
		s.unregisterMsg = channel.RegisterMessageHandler(s.handleMessage)
	}
	logrus.WithFields(logrus.Fields{
		"function":  "NewInBand",
		"initiator": initiator.Full(),
		"target":    target.Full(),
		"sid":       sid,
	}).Info("In-band bytestream created")
	return s
}

// remote returns the peer at the other end: the target on the initiating
// end, the initiator on the responding end.
func (s *InBand) remote() stanza.JID {
	if s.channel != nil && s.target == s.channel.LocalJID() {
		return s.initiator
	}
	return s.target
}

// BlockSize returns the negotiated chunk size.
func (s *InBand) BlockSize() int { return s.blockSize }

// SetBlockSize overrides the chunk size proposed on Connect. Must be called
// before Connect.
func (s *InBand) SetBlockSize(n int) {
	if n > 0 {
		s.blockSize = n
	}
}

// Connect sends the open frame and returns immediately; the open transition
// happens asynchronously when the peer acknowledges. A loop-back stream
// (target is the local identity) short-circuits to success with no traffic.
func (s *InBand) Connect() error {
	if s.channel == nil {
		return ErrNoChannel
	}
	if s.target == s.channel.LocalJID() {
		// Receiving or loop-back side: nothing to negotiate, the channel
		// counts as ready immediately.
		s.setOpen(true)
		if h := s.dataHandler(); h != nil {
			h.OnStreamOpen(s)
		}
		return nil
	}

	iq := &stanza.IQ{
		Type:    stanza.Set,
		To:      s.target,
		ID:      s.channel.NextID(),
		Payload: &IBBFrame{Type: IBBOpen, SID: s.sid, BlockSize: s.blockSize},
	}
	logrus.WithFields(logrus.Fields{
		"function":   "Connect",
		"sid":        s.sid,
		"target":     s.target.Full(),
		"block_size": s.blockSize,
	}).Info("Sending in-band open frame")
	return s.channel.SendTracked(iq, s.handleOpenReply)
}

func (s *InBand) handleOpenReply(reply *stanza.IQ) {
	switch reply.Type {
	case stanza.Result:
		s.setOpen(true)
		logrus.WithFields(logrus.Fields{
			"function": "handleOpenReply",
			"sid":      s.sid,
		}).Info("In-band bytestream open acknowledged")
		if h := s.dataHandler(); h != nil {
			h.OnStreamOpen(s)
		}
	case stanza.IQError:
		logrus.WithFields(logrus.Fields{
			"function": "handleOpenReply",
			"sid":      s.sid,
			"error":    errText(reply),
		}).Warn("In-band open rejected")
		s.remoteClosed()
	}
}

// handleIQ processes inbound request-bearing frames for this session.
func (s *InBand) handleIQ(iq *stanza.IQ) bool {
	f, ok := iq.Payload.(*IBBFrame)
	if !ok || f.SID != s.sid || iq.Type != stanza.Set {
		return false
	}

	if f.Type == IBBOpen {
		// Acknowledged even when the local side already marked itself
		// ready, so the initiator's handshake always completes.
		s.ack(iq.From, iq.ID)
		if !s.IsOpen() {
			s.setOpen(true)
			logrus.WithFields(logrus.Fields{
				"function":   "handleIQ",
				"sid":        s.sid,
				"from":       iq.From.Full(),
				"block_size": f.BlockSize,
			}).Info("In-band bytestream opened by peer")
			if h := s.dataHandler(); h != nil {
				h.OnStreamOpen(s)
			}
		}
		return true
	}
	if !s.IsOpen() {
		return false
	}

	switch f.Type {
	case IBBClose:
		s.ack(iq.From, iq.ID)
		s.remoteClosed()
		return true

	case IBBData:
		if f.Seq != s.expectedSeq {
			logrus.WithFields(logrus.Fields{
				"function": "handleIQ",
				"sid":      s.sid,
				"seq":      f.Seq,
				"expected": s.expectedSeq,
			}).Error("In-band sequence mismatch, closing channel")
			s.setOpen(false)
			s.detach()
			s.channel.Send(stanza.NewError(iq.From, iq.ID, stanza.Modify, stanza.ItemNotFound))
			return true
		}
		data, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil || len(data) == 0 {
			logrus.WithFields(logrus.Fields{
				"function": "handleIQ",
				"sid":      s.sid,
				"seq":      f.Seq,
			}).Error("Empty or undecodable in-band chunk, closing channel")
			s.setOpen(false)
			s.detach()
			s.channel.Send(stanza.NewError(iq.From, iq.ID, stanza.Modify, stanza.BadRequest))
			return true
		}
		s.ack(iq.From, iq.ID)
		s.expectedSeq++
		if h := s.dataHandler(); h != nil {
			h.OnStreamData(s, data)
		}
		return true
	}

	return false
}

// handleMessage processes data frames carried as one-way notifications.
// There is no reply channel here: a violation closes the channel locally
// without notifying the remote peer.
func (s *InBand) handleMessage(msg *stanza.Message) {
	if msg.From != s.remote() {
		return
	}
	f, ok := msg.Payload.(*IBBFrame)
	if !ok || f.SID != s.sid || f.Type != IBBData {
		return
	}
	if !s.IsOpen() {
		return
	}

	if f.Seq != s.expectedSeq {
		logrus.WithFields(logrus.Fields{
			"function": "handleMessage",
			"sid":      s.sid,
			"seq":      f.Seq,
			"expected": s.expectedSeq,
		}).Error("In-band sequence mismatch on notification, closing channel")
		s.setOpen(false)
		s.detach()
		return
	}
	data, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil || len(data) == 0 {
		s.setOpen(false)
		s.detach()
		return
	}
	s.expectedSeq++
	if h := s.dataHandler(); h != nil {
		h.OnStreamData(s, data)
	}
}

// Send splits data into block-size chunks and dispatches each as a
// sequenced data frame. Dispatch is fire-and-trust: no per-chunk reply is
// awaited here, though every chunk rides a tracked request whose error
// reply closes the channel.
func (s *InBand) Send(data []byte) error {
	if !s.IsOpen() {
		return ErrNotOpen
	}
	if s.channel == nil {
		return ErrNoChannel
	}

	for pos := 0; pos < len(data); pos += s.blockSize {
		end := pos + s.blockSize
		if end > len(data) {
			end = len(data)
		}
		frame := &IBBFrame{
			Type: IBBData,
			SID:  s.sid,
			Seq:  s.seq,
			Data: base64.StdEncoding.EncodeToString(data[pos:end]),
		}
		s.seq++ // wraps from 65535 back to 0

		iq := &stanza.IQ{
			Type:    stanza.Set,
			To:      s.remote(),
			ID:      s.channel.NextID(),
			Payload: frame,
		}
		if err := s.channel.SendTracked(iq, s.handleDataReply); err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"function": "Send",
			"sid":      s.sid,
			"seq":      frame.Seq,
			"bytes":    end - pos,
		}).Debug("In-band chunk dispatched")
	}
	return nil
}

func (s *InBand) handleDataReply(reply *stanza.IQ) {
	if reply.Type == stanza.IQError {
		logrus.WithFields(logrus.Fields{
			"function": "handleDataReply",
			"sid":      s.sid,
			"error":    errText(reply),
		}).Warn("Peer rejected in-band chunk, closing channel")
		s.remoteClosed()
	}
}

// Recv is a no-op for in-band streams: data is pushed by the signaling
// channel's own dispatch.
func (s *InBand) Recv(timeout time.Duration) error { return nil }

// Close closes the channel optimistically: the local side is marked closed
// immediately, a close frame is sent when a channel is available, and the
// listener is notified regardless of whether that send succeeds.
func (s *InBand) Close() error {
	s.setOpen(false)
	s.detach()

	if s.channel != nil {
		iq := &stanza.IQ{
			Type:    stanza.Set,
			To:      s.remote(),
			ID:      s.channel.NextID(),
			Payload: &IBBFrame{Type: IBBClose, SID: s.sid},
		}
		if err := s.channel.SendTracked(iq, func(*stanza.IQ) {}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Close",
				"sid":      s.sid,
				"error":    err.Error(),
			}).Warn("Failed to send in-band close frame")
		}
	}

	if h := s.announceClose(); h != nil {
		h.OnStreamClose(s)
	}
	return nil
}

// remoteClosed handles a close initiated by the peer or by a protocol
// failure: flips to closed and fires the close event once.
func (s *InBand) remoteClosed() {
	if !s.IsOpen() {
		return
	}
	s.setOpen(false)
	s.detach()
	if h := s.announceClose(); h != nil {
		h.OnStreamClose(s)
	}
}

func (s *InBand) ack(to stanza.JID, id string) {
	s.channel.Send(&stanza.IQ{Type: stanza.Result, To: to, ID: id})
}

func (s *InBand) detach() {
	if s.unregisterIQ != nil {
		s.unregisterIQ()
		s.unregisterIQ = nil
	}
	if s.unregisterMsg != nil {
		s.unregisterMsg()
		s.unregisterMsg = nil
	}
}

func errText(iq *stanza.IQ) string {
	if e := iq.Err(); e != nil {
		return e.Error()
	}
	return "unknown error"
}
