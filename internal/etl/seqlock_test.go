package etl

import (
	"sync"
	"testing"
)

func TestRangeSeqlockStoreLoad(t *testing.T) {
	var s rangeSeqlock

	snap := s.Load()
	if snap.Connected {
		t.Fatalf("expected zero-value seqlock to report disconnected, got %+v", snap)
	}

	s.Store(10, 20, true)
	snap = s.Load()
	if snap.Lo != 10 || snap.Hi != 20 || !snap.Connected {
		t.Fatalf("unexpected snapshot after Store: %+v", snap)
	}
}

func TestRangeSeqlockConcurrentReaders(t *testing.T) {
	var s rangeSeqlock
	s.Store(1, 1, true)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := s.Load()
				if snap.Lo > snap.Hi {
					t.Errorf("torn read observed: lo=%d hi=%d", snap.Lo, snap.Hi)
					return
				}
			}
		}()
	}

	for hi := uint32(2); hi < 1000; hi++ {
		s.Store(1, hi, true)
	}
	close(stop)
	wg.Wait()
}
