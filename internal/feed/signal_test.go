package feed

import (
	"errors"
	"testing"
)

type fakeSubscriber struct {
	apiVersion int
	messages   [][]byte
	failNext   bool
}

func (f *fakeSubscriber) Send(message []byte) error {
	if f.failNext {
		return errors.New("send failed")
	}
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeSubscriber) APIVersion() int { return f.apiVersion }

func TestTrackableSignalConnectIdempotent(t *testing.T) {
	sig := newTrackableSignal()
	h := NewHandle(&fakeSubscriber{})

	_, isNew1 := sig.connect(h)
	_, isNew2 := sig.connect(h)

	if !isNew1 {
		t.Fatal("first connect should be new")
	}
	if isNew2 {
		t.Fatal("second connect from the same handle must be a no-op")
	}
	if got := sig.count(); got != 1 {
		t.Fatalf("expected count 1, got %d", got)
	}
}

func TestTrackableSignalSubUnsubRoundTrip(t *testing.T) {
	sig := newTrackableSignal()
	h := NewHandle(&fakeSubscriber{})

	sig.connect(h)
	sig.connect(h)
	sig.disconnect(h)

	if got := sig.count(); got != 0 {
		t.Fatalf("sub;sub;unsub must leave count at its initial value, got %d", got)
	}
}

func TestTrackableSignalEmitDelivers(t *testing.T) {
	sig := newTrackableSignal()
	sub := &fakeSubscriber{}
	h := NewHandle(sub)
	sig.connect(h)

	sig.emit(func(id SlotID, s Subscriber) { _ = s.Send([]byte("payload")) })

	if len(sub.messages) != 1 || string(sub.messages[0]) != "payload" {
		t.Fatalf("expected one delivered message, got %v", sub.messages)
	}
}

func TestTrackableSignalMapCountSumsSubscriptions(t *testing.T) {
	m := newTrackableSignalMap[string]()
	h1 := NewHandle(&fakeSubscriber{})
	h2 := NewHandle(&fakeSubscriber{})

	m.connect("acct1", h1)
	m.connect("acct1", h2)
	m.connect("acct2", h1)

	if got := m.count(); got != 3 {
		t.Fatalf("count() must be total subscriptions, not unique subscribers; got %d", got)
	}
}
