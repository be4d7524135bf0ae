package feed

// Subscriber is the capability a feed holds onto: the ability to deliver
// one already-rendered message to whatever transport connection owns it
// (spec §3 "An externally owned handle exposing a single capability:
// send(message)").
type Subscriber interface {
	Send(message []byte) error
	// APIVersion selects which precomputed rendering a publish delivers
	// (spec §3, §4.6): 1 or 2.
	APIVersion() int
}

// Handle is the strong reference a transport connection owns for the
// lifetime of its subscription. Feeds never hold a Handle directly; they
// hold a weak.Pointer[Handle] so that dropping the transport's last
// strong reference is enough to make the subscriber unreachable, without
// any explicit unsubscribe call (spec §4.4, §9).
type Handle struct {
	sub Subscriber
}

// NewHandle wraps sub in a strong reference. The caller (the transport
// layer) must keep the returned *Handle alive for as long as the
// connection should stay subscribed, and let it become garbage once the
// connection closes.
func NewHandle(sub Subscriber) *Handle {
	return &Handle{sub: sub}
}
