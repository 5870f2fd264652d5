package xmpptest

import (
	"testing"

	"github.com/opd-ai/xmppstream/stanza"
)

type testPayload struct{ kind stanza.PayloadKind }

func (p *testPayload) Kind() stanza.PayloadKind { return p.kind }

func TestPairDelivery(t *testing.T) {
	a, b := Pair("a@example.org/res", "b@example.org/res")

	var got *stanza.IQ
	b.RegisterHandler(stanza.KindSI, func(iq *stanza.IQ) bool {
		got = iq
		return true
	})

	iq := &stanza.IQ{Type: stanza.Set, To: b.LocalJID(), ID: "iq-1", Payload: &testPayload{kind: stanza.KindSI}}
	if err := a.Send(iq); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if got == nil {
		t.Fatal("peer handler never invoked")
	}
	if len(a.Sent()) != 1 {
		t.Errorf("expected 1 recorded stanza, got %d", len(a.Sent()))
	}
}

func TestTrackedReplyExactlyOnce(t *testing.T) {
	c := NewChannel("a@example.org/res")

	replies := 0
	iq := &stanza.IQ{Type: stanza.Set, ID: "iq-1", Payload: &testPayload{kind: stanza.KindSI}}
	c.SendTracked(iq, func(*stanza.IQ) { replies++ })

	result := &stanza.IQ{Type: stanza.Result, ID: "iq-1"}
	c.Deliver(result)
	c.Deliver(result) // second reply to the same id is dropped

	if replies != 1 {
		t.Errorf("expected exactly one reply callback, got %d", replies)
	}
}

func TestHandlerDispatchOrderAndUnregister(t *testing.T) {
	c := NewChannel("a@example.org/res")

	var order []int
	unreg1 := c.RegisterHandler(stanza.KindIBB, func(iq *stanza.IQ) bool {
		order = append(order, 1)
		return false
	})
	c.RegisterHandler(stanza.KindIBB, func(iq *stanza.IQ) bool {
		order = append(order, 2)
		return true
	})
	c.RegisterHandler(stanza.KindIBB, func(iq *stanza.IQ) bool {
		order = append(order, 3)
		return true
	})

	iq := &stanza.IQ{Type: stanza.Set, ID: "iq-1", Payload: &testPayload{kind: stanza.KindIBB}}
	c.Deliver(iq)

	// Dispatch stops at the first consumer.
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("unexpected dispatch order %v", order)
	}

	unreg1()
	order = nil
	c.Deliver(iq)
	if len(order) != 1 || order[0] != 2 {
		t.Errorf("unregistered handler still invoked: %v", order)
	}
}

func TestMessageDelivery(t *testing.T) {
	a, b := Pair("a@example.org/res", "b@example.org/res")

	var got *stanza.Message
	unreg := b.RegisterMessageHandler(func(msg *stanza.Message) { got = msg })

	msg := &stanza.Message{To: b.LocalJID(), From: a.LocalJID(), Payload: &testPayload{kind: stanza.KindIBB}}
	a.SendMessage(msg)
	if got == nil {
		t.Fatal("message handler never invoked")
	}

	unreg()
	got = nil
	a.SendMessage(msg)
	if got != nil {
		t.Error("unregistered message handler still invoked")
	}
}
