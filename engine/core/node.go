package core

import "github.com/thinkermao/replica/protocol"

// Node drives the consensus state machine and exposes its status.
// Implementations are not safe for concurrent use: the owner must
// serialize every call.
type Node interface {
	// Status.
	ReadSoftState() SoftState
	ReadHardState() protocol.HardState
	Members() []uint64
	ReadStatus() (term uint64, isLeader bool)

	// Inputs.
	Step(msg *protocol.Message)
	Periodic(millisSinceLastPeriod int)
	Read(context []byte) bool

	// Propose first test whether the current role is leader; if so
	// it appends to the local log and returns index and term,
	// otherwise false.
	Propose(data []byte) (uint64, uint64, bool)
	ProposeConfChange(cc *protocol.ConfChange) (uint64, uint64, bool)

	// Apply side effects of committed entries.
	ApplyConfChange(cc *protocol.ConfChange) []uint64
	Compact(maxEntries uint64) uint64

	// Output draining.
	Ready() Ready
	TakeResponse(to uint64, correlationID string) *protocol.Message
	Unreachable(peerID uint64)
}

// MakeNode return a Node built from config.
func MakeNode(config *Config) Node {
	return MakeRawNode(config)
}
