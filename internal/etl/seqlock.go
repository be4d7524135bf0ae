package etl

import "sync/atomic"

// rangeSeqlock guards a Source's (lo, hi, connected) triple so that the
// hot read path (LoadBalancer.execute snapshotting every Source on every
// poll) never blocks on the Source's strand (spec §5: "Read access to
// (range, connected) from outside uses an atomic snapshot ... or
// equivalent seqlock"). Writes happen only from the Source's own
// goroutine, so there is a single writer and the classic seqlock
// even/odd-version trick is safe without a writer mutex.
type rangeSeqlock struct {
	version   atomic.Uint64
	lo, hi    uint32
	connected bool
}

// snapshot is a point-in-time read of (lo, hi, connected).
type snapshot struct {
	Lo        uint32
	Hi        uint32
	Connected bool
}

// Load spins until it observes a consistent (even-versioned) snapshot.
func (s *rangeSeqlock) Load() snapshot {
	for {
		v1 := s.version.Load()
		if v1&1 != 0 {
			continue // writer in progress
		}
		lo, hi, connected := s.lo, s.hi, s.connected
		v2 := s.version.Load()
		if v1 == v2 {
			return snapshot{Lo: lo, Hi: hi, Connected: connected}
		}
	}
}

// Store publishes a new (lo, hi, connected) triple. Must only be called
// from the Source's single writer goroutine.
func (s *rangeSeqlock) Store(lo, hi uint32, connected bool) {
	s.version.Add(1) // now odd: readers spin
	s.lo, s.hi, s.connected = lo, hi, connected
	s.version.Add(1) // now even: readers may proceed
}
