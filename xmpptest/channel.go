package xmpptest

import (
	"sync"

	"github.com/opd-ai/xmppstream/stanza"
)

// Channel is an in-memory stanza.Channel. It records every outbound stanza
// and, when attached to a peer, delivers it synchronously.
type Channel struct {
	jid  stanza.JID
	peer *Channel

	mu          sync.Mutex
	nextHandler int
	handlers    map[stanza.PayloadKind][]handlerEntry
	msgHandlers []msgEntry
	pending     map[string]stanza.ReplyFunc

	sent     []*stanza.IQ
	sentMsgs []*stanza.Message
}

type handlerEntry struct {
	id int
	fn stanza.HandlerFunc
}

type msgEntry struct {
	id int
	fn stanza.MessageFunc
}

// NewChannel returns an unattached recording channel bound to jid.
func NewChannel(jid stanza.JID) *Channel {
	return &Channel{
		jid:      jid,
		handlers: make(map[stanza.PayloadKind][]handlerEntry),
		pending:  make(map[string]stanza.ReplyFunc),
	}
}

// Pair returns two channels wired back to back.
func Pair(a, b stanza.JID) (*Channel, *Channel) {
	ca := NewChannel(a)
	cb := NewChannel(b)
	ca.peer = cb
	cb.peer = ca
	return ca, cb
}

// LocalJID implements stanza.Channel.
func (c *Channel) LocalJID() stanza.JID { return c.jid }

// NextID implements stanza.Channel.
func (c *Channel) NextID() string { return stanza.NewID() }

// Send implements stanza.Channel.
func (c *Channel) Send(iq *stanza.IQ) error {
	c.record(iq)
	if c.peer != nil {
		c.peer.Deliver(iq)
	}
	return nil
}

// SendTracked implements stanza.Channel.
func (c *Channel) SendTracked(iq *stanza.IQ, reply stanza.ReplyFunc) error {
	c.mu.Lock()
	c.pending[iq.ID] = reply
	c.mu.Unlock()
	c.record(iq)
	if c.peer != nil {
		c.peer.Deliver(iq)
	}
	return nil
}

// SendMessage implements stanza.Channel.
func (c *Channel) SendMessage(msg *stanza.Message) error {
	c.mu.Lock()
	c.sentMsgs = append(c.sentMsgs, msg)
	c.mu.Unlock()
	if c.peer != nil {
		c.peer.DeliverMessage(msg)
	}
	return nil
}

// RegisterHandler implements stanza.Channel.
func (c *Channel) RegisterHandler(kind stanza.PayloadKind, h stanza.HandlerFunc) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandler++
	id := c.nextHandler
	c.handlers[kind] = append(c.handlers[kind], handlerEntry{id: id, fn: h})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		entries := c.handlers[kind]
		for i, e := range entries {
			if e.id == id {
				c.handlers[kind] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

// RegisterMessageHandler implements stanza.Channel.
func (c *Channel) RegisterMessageHandler(h stanza.MessageFunc) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandler++
	id := c.nextHandler
	c.msgHandlers = append(c.msgHandlers, msgEntry{id: id, fn: h})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, e := range c.msgHandlers {
			if e.id == id {
				c.msgHandlers = append(c.msgHandlers[:i:i], c.msgHandlers[i+1:]...)
				return
			}
		}
	}
}

// Deliver injects an inbound IQ as if it arrived from the network. Replies
// to tracked sends take precedence over kind-based handler dispatch;
// stanzas nobody claims are dropped.
func (c *Channel) Deliver(iq *stanza.IQ) {
	if iq.Type == stanza.Result || iq.Type == stanza.IQError {
		c.mu.Lock()
		reply, ok := c.pending[iq.ID]
		if ok {
			delete(c.pending, iq.ID)
		}
		c.mu.Unlock()
		if ok {
			reply(iq)
			return
		}
	}
	if iq.Payload == nil {
		return
	}
	c.mu.Lock()
	entries := append([]handlerEntry(nil), c.handlers[iq.Payload.Kind()]...)
	c.mu.Unlock()
	for _, e := range entries {
		if e.fn(iq) {
			return
		}
	}
}

// DeliverMessage injects an inbound one-way Message.
func (c *Channel) DeliverMessage(msg *stanza.Message) {
	c.mu.Lock()
	entries := append([]msgEntry(nil), c.msgHandlers...)
	c.mu.Unlock()
	for _, e := range entries {
		e.fn(msg)
	}
}

func (c *Channel) record(iq *stanza.IQ) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, iq)
}

// Sent returns every IQ sent through the channel, in order.
func (c *Channel) Sent() []*stanza.IQ {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*stanza.IQ, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentMessages returns every Message sent through the channel, in order.
func (c *Channel) SentMessages() []*stanza.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*stanza.Message, len(c.sentMsgs))
	copy(out, c.sentMsgs)
	return out
}

// Reset clears the recorded stanzas.
func (c *Channel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
	c.sentMsgs = nil
}
