package feed

import (
	"encoding/json"
	"sync"

	"github.com/mDuo13/clio/internal/logging"
	"github.com/mDuo13/clio/internal/metrics"
)

// Topic names the eight topics spec §3 defines.
type Topic int

const (
	TopicLedger Topic = iota
	TopicTransactions
	TopicTransactionsProposed
	TopicAccount
	TopicAccountProposed
	TopicBook
	TopicManifests
	TopicValidations
)

// Engine is the Subscription Feed Engine (spec §2, §4.6): eight topics
// composed from TrackableSignal/TrackableSignalMap, served by five strands
// so publishes from multiple producers never interleave within one feed:
// the transactions, account and book topics share one strand, the
// proposed and account_proposed topics share another, and ledger,
// manifests and validations each have their own.
type Engine struct {
	logger *logging.ComponentLogger
	coll   *metrics.Collector

	ledgerStrand *strand
	ledger       *TrackableSignal

	txStrand          *strand
	transactions      *TrackableSignal
	transactionsByAcc *TrackableSignalMap[string]
	booksByKey        *TrackableSignalMap[BookKey]

	proposedStrand          *strand
	transactionsProposed    *TrackableSignal
	transactionsProposedAcc *TrackableSignalMap[string]

	manifestsStrand *strand
	manifests       *TrackableSignal

	validationsStrand *strand
	validations       *TrackableSignal

	// membershipMu guards membership, a record of which cleanup closure
	// removes a given slot from a given topic. It lets a single failed
	// Send evict a subscriber from every feed it's on (spec §7), not just
	// the one feed that was mid-publish. This is bookkeeping only; it
	// never substitutes for a topic's own strand-owned slot table.
	membershipMu sync.Mutex
	membership   map[SlotID]map[Topic]func()
}

// NewEngine constructs an Engine with every topic's strand running.
func NewEngine(coll *metrics.Collector) *Engine {
	return &Engine{
		logger: logging.NewComponentLogger("feed"),
		coll:   coll,

		ledgerStrand: newStrand(),
		ledger:       newTrackableSignal(),

		txStrand:          newStrand(),
		transactions:      newTrackableSignal(),
		transactionsByAcc: newTrackableSignalMap[string](),
		booksByKey:        newTrackableSignalMap[BookKey](),

		proposedStrand:          newStrand(),
		transactionsProposed:    newTrackableSignal(),
		transactionsProposedAcc: newTrackableSignalMap[string](),

		manifestsStrand: newStrand(),
		manifests:       newTrackableSignal(),

		validationsStrand: newStrand(),
		validations:       newTrackableSignal(),

		membership: make(map[SlotID]map[Topic]func()),
	}
}

func (e *Engine) remember(id SlotID, topic Topic, cleanup func()) {
	e.membershipMu.Lock()
	defer e.membershipMu.Unlock()
	if e.membership[id] == nil {
		e.membership[id] = make(map[Topic]func())
	}
	e.membership[id][topic] = cleanup
}

func (e *Engine) forget(id SlotID, topic Topic) {
	e.membershipMu.Lock()
	defer e.membershipMu.Unlock()
	if topics, ok := e.membership[id]; ok {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(e.membership, id)
		}
	}
}

// evictEverywhere runs every remembered cleanup for id, disconnecting the
// subscriber from every topic it was on (spec §7).
func (e *Engine) evictEverywhere(id SlotID) {
	e.membershipMu.Lock()
	topics := e.membership[id]
	delete(e.membership, id)
	e.membershipMu.Unlock()

	for _, cleanup := range topics {
		cleanup()
	}
}

// deliver sends a rendered message to sub and reports whether it
// succeeded; the caller is responsible for evicting on failure (spec §7).
func (e *Engine) deliver(rendered renderedMessage, sub Subscriber) bool {
	msg := rendered.forVersion(sub.APIVersion())
	if err := sub.Send(msg); err != nil {
		e.logger.Warn().Err(err).Msg("subscriber send failed, will be unsubscribed")
		return false
	}
	return true
}

// Sub adds h to topic, optionally scoped to key (account id). Use SubBook
// for TopicBook.
func (e *Engine) Sub(topic Topic, h *Handle, key string) {
	id := weakID(h)
	switch topic {
	case TopicLedger:
		e.ledgerStrand.runSync(func() {
			e.ledger.connect(h)
			e.remember(id, topic, func() { e.ledgerStrand.post(func() { e.ledger.disconnectID(id) }) })
		})
	case TopicTransactions:
		e.txStrand.runSync(func() {
			e.transactions.connect(h)
			e.remember(id, topic, func() { e.txStrand.post(func() { e.transactions.disconnectID(id) }) })
		})
	case TopicAccount:
		e.txStrand.runSync(func() {
			e.transactionsByAcc.connect(key, h)
			e.remember(id, topic, func() { e.txStrand.post(func() { e.transactionsByAcc.disconnectID(key, id) }) })
		})
	case TopicTransactionsProposed:
		e.proposedStrand.runSync(func() {
			e.transactionsProposed.connect(h)
			e.remember(id, topic, func() { e.proposedStrand.post(func() { e.transactionsProposed.disconnectID(id) }) })
		})
	case TopicAccountProposed:
		e.proposedStrand.runSync(func() {
			e.transactionsProposedAcc.connect(key, h)
			e.remember(id, topic, func() {
				e.proposedStrand.post(func() { e.transactionsProposedAcc.disconnectID(key, id) })
			})
		})
	case TopicManifests:
		e.manifestsStrand.runSync(func() {
			e.manifests.connect(h)
			e.remember(id, topic, func() { e.manifestsStrand.post(func() { e.manifests.disconnectID(id) }) })
		})
	case TopicValidations:
		e.validationsStrand.runSync(func() {
			e.validations.connect(h)
			e.remember(id, topic, func() { e.validationsStrand.post(func() { e.validations.disconnectID(id) }) })
		})
	}
	e.publishSubscriberCount()
}

// SubBook subscribes h to a specific order book.
func (e *Engine) SubBook(h *Handle, book BookKey) {
	id := weakID(h)
	e.txStrand.runSync(func() {
		e.booksByKey.connect(book, h)
		e.remember(id, TopicBook, func() { e.txStrand.post(func() { e.booksByKey.disconnectID(book, id) }) })
	})
	e.publishSubscriberCount()
}

// Unsub removes h from topic. Per spec §5(d), this runs synchronously on
// the owning strand so a subsequent pub is guaranteed to miss h.
func (e *Engine) Unsub(topic Topic, h *Handle, key string) {
	id := weakID(h)
	switch topic {
	case TopicLedger:
		e.ledgerStrand.runSync(func() { e.ledger.disconnect(h) })
	case TopicTransactions:
		e.txStrand.runSync(func() { e.transactions.disconnect(h) })
	case TopicAccount:
		e.txStrand.runSync(func() { e.transactionsByAcc.disconnect(key, h) })
	case TopicTransactionsProposed:
		e.proposedStrand.runSync(func() { e.transactionsProposed.disconnect(h) })
	case TopicAccountProposed:
		e.proposedStrand.runSync(func() { e.transactionsProposedAcc.disconnect(key, h) })
	case TopicManifests:
		e.manifestsStrand.runSync(func() { e.manifests.disconnect(h) })
	case TopicValidations:
		e.validationsStrand.runSync(func() { e.validations.disconnect(h) })
	}
	e.forget(id, topic)
	e.publishSubscriberCount()
}

func (e *Engine) UnsubBook(h *Handle, book BookKey) {
	id := weakID(h)
	e.txStrand.runSync(func() { e.booksByKey.disconnect(book, h) })
	e.forget(id, TopicBook)
	e.publishSubscriberCount()
}

// PubLedger publishes the one precomputed ledger-header message (spec
// §4.6).
func (e *Engine) PubLedger(ev LedgerClosedEvent) {
	rendered := renderLedgerClosed(ev)
	e.ledgerStrand.post(func() {
		e.ledger.emit(func(id SlotID, sub Subscriber) {
			if !e.deliver(rendered, sub) {
				e.evictEverywhere(id)
			}
		})
	})
}

// PubManifests publishes a manifests-stream payload verbatim (spec §4.6).
func (e *Engine) PubManifests(payload json.RawMessage) {
	rendered := renderVerbatim(payload)
	e.manifestsStrand.post(func() {
		e.manifests.emit(func(id SlotID, sub Subscriber) {
			if !e.deliver(rendered, sub) {
				e.evictEverywhere(id)
			}
		})
	})
}

// PubValidations publishes a validations-stream payload verbatim.
func (e *Engine) PubValidations(payload json.RawMessage) {
	rendered := renderVerbatim(payload)
	e.validationsStrand.post(func() {
		e.validations.emit(func(id SlotID, sub Subscriber) {
			if !e.deliver(rendered, sub) {
				e.evictEverywhere(id)
			}
		})
	})
}

// PubTransaction fans a validated transaction out to the global
// transactions topic, every affected account's topic, and every affected
// book's topic, delivering each matching subscriber the message at most
// once (spec §4.6 step 3, testable property 6).
func (e *Engine) PubTransaction(ev TransactionEvent) {
	ev.Validated = true
	e.pubTxTo(e.txStrand, e.transactions, e.transactionsByAcc, true, ev)
}

// PubTransactionProposed mirrors PubTransaction for the unvalidated
// proposed-transaction stream (spec §4.6): the global proposed topic and
// every affected account's proposed topic. Order-book topics are not
// notified of proposed transactions.
func (e *Engine) PubTransactionProposed(ev TransactionEvent) {
	ev.Validated = false
	e.pubTxTo(e.proposedStrand, e.transactionsProposed, e.transactionsProposedAcc, false, ev)
}

func (e *Engine) pubTxTo(s *strand, global *TrackableSignal, byAcc *TrackableSignalMap[string], withBooks bool, ev TransactionEvent) {
	rendered := renderTransaction(ev)
	s.post(func() {
		notified := make(map[SlotID]struct{})

		deliverOnce := func(id SlotID, sub Subscriber) {
			if _, seen := notified[id]; seen {
				if e.coll != nil {
					e.coll.IncDedupAvoided()
				}
				return
			}
			notified[id] = struct{}{}
			if !e.deliver(rendered, sub) {
				e.evictEverywhere(id)
			}
		}

		global.emit(deliverOnce)
		for _, acct := range ev.Accounts {
			byAcc.emit(acct, deliverOnce)
		}
		if withBooks {
			for _, book := range ev.Books {
				e.booksByKey.emit(book, deliverOnce)
			}
		}
	})
}

// publishSubscriberCount reports live subscriber counts per topic to the
// metrics collector.
func (e *Engine) publishSubscriberCount() {
	if e.coll == nil {
		return
	}
	e.ledgerStrand.runSync(func() { e.coll.SetSubscribers("ledger", e.ledger.count()) })
	e.txStrand.runSync(func() {
		e.coll.SetSubscribers("transactions", e.transactions.count())
		e.coll.SetSubscribers("account", e.transactionsByAcc.count())
		e.coll.SetSubscribers("book", e.booksByKey.count())
	})
	e.proposedStrand.runSync(func() {
		e.coll.SetSubscribers("transactions_proposed", e.transactionsProposed.count())
		e.coll.SetSubscribers("account_proposed", e.transactionsProposedAcc.count())
	})
	e.manifestsStrand.runSync(func() { e.coll.SetSubscribers("manifests", e.manifests.count()) })
	e.validationsStrand.runSync(func() { e.coll.SetSubscribers("validations", e.validations.count()) })
}
