package feed

import (
	"testing"
	"time"
)

func TestEngineAtMostOnceDeliveryAcrossAccounts(t *testing.T) {
	e := NewEngine(nil)
	sub := &fakeSubscriber{apiVersion: 1}
	h := NewHandle(sub)

	e.Sub(TopicAccount, h, "rAlice")
	e.Sub(TopicAccount, h, "rBob")

	e.PubTransaction(TransactionEvent{
		Hash:     "ABCD",
		Accounts: []string{"rAlice", "rBob"},
		TxJSON:   []byte(`{}`),
		MetaJSON: []byte(`{}`),
	})

	waitForDelivery(t, sub)

	if len(sub.messages) != 1 {
		t.Fatalf("subscriber touched by two accounts in one publish must receive exactly one message, got %d", len(sub.messages))
	}
}

func TestEngineProposedThenValidatedDualDelivery(t *testing.T) {
	e := NewEngine(nil)
	sub := &fakeSubscriber{apiVersion: 1}
	h := NewHandle(sub)

	e.Sub(TopicTransactionsProposed, h, "")
	e.Sub(TopicTransactions, h, "")

	e.PubTransactionProposed(TransactionEvent{Hash: "ABCD", TxJSON: []byte(`{}`)})
	e.PubTransaction(TransactionEvent{Hash: "ABCD", TxJSON: []byte(`{}`)})

	waitForN(t, sub, 2)

	if len(sub.messages) != 2 {
		t.Fatalf("expected one proposed and one validated message, got %d", len(sub.messages))
	}
}

func TestEngineUnsubThenPubMisses(t *testing.T) {
	e := NewEngine(nil)
	sub := &fakeSubscriber{apiVersion: 1}
	h := NewHandle(sub)

	e.Sub(TopicLedger, h, "")
	e.Unsub(TopicLedger, h, "")
	e.PubLedger(LedgerClosedEvent{LedgerIndex: 1})

	time.Sleep(20 * time.Millisecond)
	if len(sub.messages) != 0 {
		t.Fatalf("unsub must guarantee no further delivery, got %d messages", len(sub.messages))
	}
}

func waitForDelivery(t *testing.T, sub *fakeSubscriber) {
	t.Helper()
	waitForN(t, sub, 1)
}

func waitForN(t *testing.T, sub *fakeSubscriber, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(sub.messages) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, got %d", n, len(sub.messages))
}
