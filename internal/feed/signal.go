package feed

import "weak"

// SlotID identifies one subscription within a TrackableSignal. It is the
// weak pointer itself: weak.Pointer values compare equal iff they were
// made from the same underlying pointer, which gives connect() its
// idempotence for free (spec §4.5 "Idempotent: second connect from the
// same subscriber is a no-op").
type SlotID = weak.Pointer[Handle]

// weakID derives the SlotID a Handle will connect under, without
// connecting it. Used by Engine to key its cross-topic membership record.
func weakID(h *Handle) SlotID { return weak.Make(h) }

// TrackableSignal is the typed fan-out primitive behind every feed topic
// (spec §4.5). It must only be touched from its owning strand; per spec
// §5, "Signal maps are therefore unsynchronized internally."
type TrackableSignal struct {
	slots map[SlotID]struct{}
}

func newTrackableSignal() *TrackableSignal {
	return &TrackableSignal{slots: make(map[SlotID]struct{})}
}

// connect adds h's weak handle to the slot table, or no-ops if it's
// already present. Returns the slot id and whether it was newly added.
func (t *TrackableSignal) connect(h *Handle) (SlotID, bool) {
	id := weak.Make(h)
	if _, exists := t.slots[id]; exists {
		return id, false
	}
	t.slots[id] = struct{}{}
	return id, true
}

// disconnect removes h's slot, if present.
func (t *TrackableSignal) disconnect(h *Handle) {
	delete(t.slots, weak.Make(h))
}

// disconnectID removes a slot by id directly, used to drop a subscriber
// whose Send failed without needing its original *Handle back (spec §7).
func (t *TrackableSignal) disconnectID(id SlotID) {
	delete(t.slots, id)
}

// emit delivers to every live slot via deliver, then prunes slots whose
// weak handle no longer upgrades (spec §4.5: "if alive, deliver; if dead,
// queue for removal. After traversal, remove queued-dead slots.").
// Delivery order follows Go map iteration, which spec §4.5 allows
// ("unspecified but stable for the duration of one emit" — no mutation
// happens mid-traversal here since emit owns the strand exclusively).
func (t *TrackableSignal) emit(deliver func(SlotID, Subscriber)) {
	var dead []SlotID
	for id := range t.slots {
		h := id.Value()
		if h == nil {
			dead = append(dead, id)
			continue
		}
		deliver(id, h.sub)
	}
	for _, id := range dead {
		delete(t.slots, id)
	}
}

// prune removes dead slots without delivering, used by count() so that it
// stays accurate even on topics nothing is publishing to.
func (t *TrackableSignal) prune() {
	var dead []SlotID
	for id := range t.slots {
		if id.Value() == nil {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		delete(t.slots, id)
	}
}

// count returns the live slot count, pruning dead ones first.
func (t *TrackableSignal) count() int {
	t.prune()
	return len(t.slots)
}

// TrackableSignalMap is the keyed generalization behind per-account and
// per-order-book topics (spec §4.5): a map from Key to a nested
// TrackableSignal. count() sums subscriptions across every key, not
// unique subscribers.
type TrackableSignalMap[Key comparable] struct {
	bykey map[Key]*TrackableSignal
}

func newTrackableSignalMap[Key comparable]() *TrackableSignalMap[Key] {
	return &TrackableSignalMap[Key]{bykey: make(map[Key]*TrackableSignal)}
}

func (m *TrackableSignalMap[Key]) connect(key Key, h *Handle) (SlotID, bool) {
	sig, ok := m.bykey[key]
	if !ok {
		sig = newTrackableSignal()
		m.bykey[key] = sig
	}
	return sig.connect(h)
}

func (m *TrackableSignalMap[Key]) disconnect(key Key, h *Handle) {
	sig, ok := m.bykey[key]
	if !ok {
		return
	}
	sig.disconnect(h)
	if len(sig.slots) == 0 {
		delete(m.bykey, key)
	}
}

func (m *TrackableSignalMap[Key]) emit(key Key, deliver func(SlotID, Subscriber)) {
	sig, ok := m.bykey[key]
	if !ok {
		return
	}
	sig.emit(deliver)
	if len(sig.slots) == 0 {
		delete(m.bykey, key)
	}
}

// disconnectID removes a slot by id from the signal under key, if present.
func (m *TrackableSignalMap[Key]) disconnectID(key Key, id SlotID) {
	if sig, ok := m.bykey[key]; ok {
		sig.disconnectID(id)
		if len(sig.slots) == 0 {
			delete(m.bykey, key)
		}
	}
}

// count sums subscriptions over every key (spec §4.5).
func (m *TrackableSignalMap[Key]) count() int {
	total := 0
	for key, sig := range m.bykey {
		n := sig.count()
		if n == 0 {
			delete(m.bykey, key)
			continue
		}
		total += n
	}
	return total
}
