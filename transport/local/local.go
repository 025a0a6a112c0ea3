// Package local is an in-process transport: members of a Network
// deliver messages to each other by direct handler calls. It serves
// tests and single-process clusters, with directed link control to
// simulate partitions.
package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/thinkermao/replica/protocol"
)

// Handler consumes inbound messages and returns the direct reply, nil
// for one-way kinds.
type Handler interface {
	HandleRPC(ctx context.Context, msg *protocol.Message) (*protocol.Message, error)
}

type directedLink struct {
	from uint64
	to   uint64
}

// Network connects handlers by member id. All methods are safe for
// concurrent use.
type Network struct {
	mutex    sync.Mutex
	handlers map[uint64]Handler
	severed  map[directedLink]struct{}
	delay    time.Duration
}

// MakeNetwork return an empty network with every link intact.
func MakeNetwork() *Network {
	return &Network{
		handlers: make(map[uint64]Handler),
		severed:  make(map[directedLink]struct{}),
	}
}

// Join return the sending endpoint for id. The member receives
// nothing until Serve registers its handler, so an engine can be
// built with its endpoint before it is reachable.
func (n *Network) Join(id uint64) *Endpoint {
	return &Endpoint{network: n, id: id}
}

// Serve register handler as the receiving side of id.
func (n *Network) Serve(id uint64, handler Handler) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.handlers[id] = handler
}

// Leave unregister id; in-flight deliveries to it still complete.
func (n *Network) Leave(id uint64) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	delete(n.handlers, id)
}

// Disconnect sever the directed link from -> to.
func (n *Network) Disconnect(from, to uint64) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.severed[directedLink{from: from, to: to}] = struct{}{}
}

// Connect restore the directed link from -> to.
func (n *Network) Connect(from, to uint64) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	delete(n.severed, directedLink{from: from, to: to})
}

// Isolate sever both directions between id and every other member.
func (n *Network) Isolate(id uint64) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	for other := range n.handlers {
		if other == id {
			continue
		}
		n.severed[directedLink{from: id, to: other}] = struct{}{}
		n.severed[directedLink{from: other, to: id}] = struct{}{}
	}
}

// Partition sever every link crossing the boundary between ids and
// the rest of the network.
func (n *Network) Partition(ids ...uint64) {
	group := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		group[id] = true
	}

	n.mutex.Lock()
	defer n.mutex.Unlock()
	for from := range n.handlers {
		for to := range n.handlers {
			if from != to && group[from] != group[to] {
				n.severed[directedLink{from: from, to: to}] = struct{}{}
			}
		}
	}
}

// Heal restore every severed link.
func (n *Network) Heal() {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.severed = make(map[directedLink]struct{})
}

// SetDelay add a fixed latency to every delivery.
func (n *Network) SetDelay(delay time.Duration) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.delay = delay
}

func (n *Network) route(from, to uint64) (Handler, time.Duration, error) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if _, cut := n.severed[directedLink{from: from, to: to}]; cut {
		return nil, 0, fmt.Errorf("local: link %d -> %d severed", from, to)
	}
	handler, ok := n.handlers[to]
	if !ok {
		return nil, 0, fmt.Errorf("local: member %d not reachable", to)
	}
	return handler, n.delay, nil
}

// Endpoint is one member's sending side. It satisfies the engine's
// transport contract.
type Endpoint struct {
	network *Network
	id      uint64
}

// Send deliver msg to the handler registered under `to` and return
// its reply. Severed links and absent members fail immediately.
func (e *Endpoint) Send(ctx context.Context, to uint64, msg *protocol.Message) (*protocol.Message, error) {
	handler, delay, err := e.network.route(e.id, to)
	if err != nil {
		return nil, err
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return handler.HandleRPC(ctx, msg)
}
