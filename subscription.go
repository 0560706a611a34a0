package gramdb

import (
	"fmt"
	"sync"
	"sync/atomic"
)

var subscriptionSeq atomic.Int64

// Subscription delivers the current result set of a selector query on C:
// once on subscribe and again after every committed change that touches a
// matching document. C holds at most one pending result set; a newer set
// replaces an unread older one.
type Subscription struct {
	ID    string
	Query Query
	C     <-chan []Document

	ch         chan []Document
	collection *Collection

	mu     sync.Mutex
	closed bool
}

func newSubscription(c *Collection, q Query) *Subscription {
	ch := make(chan []Document, 1)
	return &Subscription{
		ID:         fmt.Sprintf("sub-%d", subscriptionSeq.Add(1)),
		Query:      q,
		C:          ch,
		ch:         ch,
		collection: c,
	}
}

// deliver never blocks: it drops an unread result set before sending.
func (s *Subscription) deliver(docs []Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- docs
}

// affectedBy reports whether a change with the given before and after images
// can alter this subscription's result set.
func (s *Subscription) affectedBy(before, after Document) bool {
	return (before != nil && s.Query.Selector.Matches(before)) ||
		(after != nil && s.Query.Selector.Matches(after))
}

// Cancel stops delivery and closes C. Once Cancel returns no further result
// set can be received. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	select {
	case <-s.ch:
	default:
	}
	close(s.ch)
	s.mu.Unlock()

	if s.collection != nil {
		s.collection.unsubscribe(s.ID)
	}
}

// Closed reports whether the subscription has been cancelled.
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
