package engine

import (
	"errors"
	"fmt"

	"github.com/thinkermao/replica/protocol"
)

var (
	// ErrStopped reports an operation attempted during or after
	// shutdown.
	ErrStopped = errors.New("engine: stopped")

	// ErrRPCTimeout reports a single outbound call that did not
	// answer in time.
	ErrRPCTimeout = errors.New("engine: rpc timeout")

	// ErrConfChangePending reports a membership change refused while
	// an earlier one is still uncommitted.
	ErrConfChangePending = errors.New("engine: configuration change pending")
)

// NotLeaderError reports a command or strict read submitted to a node
// that is not the leader. LeaderID is a routing hint, InvalidID when
// no leader is known.
type NotLeaderError struct {
	LeaderID uint64
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == protocol.InvalidID {
		return "engine: not leader, no leader known"
	}
	return fmt.Sprintf("engine: not leader, try %d", e.LeaderID)
}

// NoQuorumError reports a write or strict read that could not gather
// its quorum before the caller's deadline.
type NoQuorumError struct {
	Op string
}

func (e *NoQuorumError) Error() string {
	return fmt.Sprintf("engine: no quorum for %s before deadline", e.Op)
}
