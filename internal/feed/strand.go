package feed

// strand serializes callbacks that share a logical owner without pinning
// them to any one goroutine (spec §5: "A strand abstraction serializes
// callbacks that share a logical owner"). Every pub/sub/unsub against one
// feed or signal map runs as a job on that feed's strand, so the
// underlying slot tables never need their own locking.
type strand struct {
	jobs chan func()
	done chan struct{}
}

func newStrand() *strand {
	s := &strand{
		jobs: make(chan func(), 256),
		done: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *strand) loop() {
	for {
		select {
		case job, ok := <-s.jobs:
			if !ok {
				return
			}
			job()
		case <-s.done:
			return
		}
	}
}

// post queues fn to run on the strand without waiting for it to finish.
// Used for pub, since §5 requires "pub must not suspend".
func (s *strand) post(fn func()) {
	s.jobs <- fn
}

// runSync queues fn and blocks until it has finished, giving the caller a
// happens-after guarantee (spec §5(d): "unsub ... is posted to the feed
// strand and awaited").
func (s *strand) runSync(fn func()) {
	wait := make(chan struct{})
	s.jobs <- func() {
		fn()
		close(wait)
	}
	<-wait
}

// close stops the strand's goroutine. Only safe once no further jobs will
// be posted.
func (s *strand) close() {
	close(s.done)
}
