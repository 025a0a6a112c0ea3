package core

import (
	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/replica/engine/core/read"
	"github.com/thinkermao/replica/protocol"
	"github.com/thinkermao/replica/utils"
)

// SoftState is the volatile node view, safe to lose on restart.
type SoftState struct {
	LeaderID  uint64
	State     Role
	LastIndex uint64
}

// Ready bundles everything the owner must act on after one or more
// serialized transitions:
//
//   - HardState and Entries must be durable BEFORE Messages are
//     sent; when TruncatedFrom is set, storage must drop entries
//     from that index first.
//   - CommitEntries apply to the state machine in order.
//   - ReadStates release pending reads once the node has applied up
//     to their index.
type Ready struct {
	SS *SoftState

	// HardState is nil when unchanged since the previous Ready.
	HS *protocol.HardState

	ReadStates []read.State

	TruncatedFrom uint64

	Entries []protocol.Entry

	CommitEntries []protocol.Entry

	Messages []protocol.Message
}

// RawNode owns a core and buffers its callback output until the
// owner drains it through Ready.
type RawNode struct {
	*core
	prevHS protocol.HardState

	readStates    []read.State
	commitEntries []protocol.Entry
	messages      []protocol.Message
	truncatedFrom uint64
}

// MakeRawNode build a node from config.
func MakeRawNode(config *Config) *RawNode {
	node := &RawNode{truncatedFrom: protocol.InvalidIndex}
	node.core = makeCore(config, node)
	node.prevHS = node.core.ReadHardState()
	return node
}

// Unreachable report that a message to peer was not delivered.
func (node *RawNode) Unreachable(peerID uint64) {
	msg := protocol.Message{
		Kind: protocol.MsgUnreachable,
		From: peerID,
		To:   node.id,
		Term: node.term,
	}
	node.Step(&msg)
}

// Ready drain buffered output. The owner must fully handle the
// returned batch before the next call.
func (node *RawNode) Ready() Ready {
	ready := Ready{}

	ss := node.core.ReadSoftState()
	ready.SS = &ss

	hs := node.core.ReadHardState()
	if hs != node.prevHS {
		ready.HS = &hs
		node.prevHS = hs
	}

	ready.TruncatedFrom = node.truncatedFrom
	ready.Entries = node.core.log.StableEntries()
	ready.CommitEntries = node.commitEntries
	ready.Messages = node.messages
	ready.ReadStates = node.readStates

	log.Debugf("%d handle ready: [stable: %d, commit: %d, msg: %d]",
		node.id, len(ready.Entries), len(ready.CommitEntries), len(ready.Messages))

	node.commitEntries = nil
	node.messages = nil
	node.readStates = nil
	node.truncatedFrom = protocol.InvalidIndex

	return ready
}

// TakeResponse extract the buffered reply addressed to `to` with the
// given correlation id, so the owner can answer a request/response
// transport synchronously. Returns nil when the step produced no
// direct reply.
func (node *RawNode) TakeResponse(to uint64, correlationID string) *protocol.Message {
	for i := 0; i < len(node.messages); i++ {
		msg := &node.messages[i]
		if msg.To == to && msg.CorrelationID == correlationID && msg.IsResponse() {
			reply := *msg
			node.messages = append(node.messages[:i], node.messages[i+1:]...)
			return &reply
		}
	}
	return nil
}

func (node *RawNode) send(msg *protocol.Message) {
	node.messages = append(node.messages, *msg)
}

func (node *RawNode) saveReadState(state *read.State) {
	node.readStates = append(node.readStates, *state)
}

func (node *RawNode) applyEntry(entry *protocol.Entry) {
	node.commitEntries = append(node.commitEntries, *entry)
}

func (node *RawNode) truncated(index uint64) {
	utils.Assert(index != protocol.InvalidIndex, "invalid truncation point")
	if node.truncatedFrom == protocol.InvalidIndex ||
		index < node.truncatedFrom {
		node.truncatedFrom = index
	}
}
