package event

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

const defaultBuffer = 64

// Subscription is one registered listener. Events arrive on C in the
// order they were published. A subscriber that stops draining C does
// not block the publisher: overflowing events are counted and dropped.
type Subscription struct {
	C chan Event

	kinds    map[Kind]struct{}
	notifier *Notifier
	dropped  uint64
}

// Dropped reports how many events were discarded because the
// subscriber lagged behind.
func (s *Subscription) Dropped() uint64 {
	s.notifier.mu.Lock()
	defer s.notifier.mu.Unlock()
	return s.dropped
}

// Cancel removes the registration and closes C.
func (s *Subscription) Cancel() {
	s.notifier.unsubscribe(s)
}

// Notifier fans events out to subscribers, filtered by kind.
type Notifier struct {
	mu     sync.Mutex
	nodeID uint64
	subs   []*Subscription
}

// MakeNotifier return a Notifier publishing on behalf of nodeID.
func MakeNotifier(nodeID uint64) *Notifier {
	return &Notifier{nodeID: nodeID}
}

// Subscribe registers a listener for the given kinds. With no kinds
// the subscription receives everything.
func (n *Notifier) Subscribe(kinds ...Kind) *Subscription {
	sub := &Subscription{
		C:        make(chan Event, defaultBuffer),
		notifier: n,
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()
	return sub
}

// Publish delivers ev to every matching subscriber. Delivery is
// best-effort: a full subscriber channel drops the event.
func (n *Notifier) Publish(ev Event) {
	ev.NodeID = n.nodeID

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, sub := range n.subs {
		if sub.kinds != nil {
			if _, ok := sub.kinds[ev.Kind]; !ok {
				continue
			}
		}
		select {
		case sub.C <- ev:
		default:
			sub.dropped++
			log.Debugf("%d drop %v event, slow subscriber", n.nodeID, ev.Kind)
		}
	}
}

// Close cancels every subscription.
func (n *Notifier) Close() {
	n.mu.Lock()
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()

	for _, sub := range subs {
		close(sub.C)
	}
}

func (n *Notifier) unsubscribe(target *Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, sub := range n.subs {
		if sub != target {
			continue
		}
		n.subs = append(n.subs[:i], n.subs[i+1:]...)
		close(sub.C)
		return
	}
}
