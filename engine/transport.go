package engine

import (
	"context"

	"github.com/thinkermao/replica/protocol"
)

// Transport delivers one message to a cluster member and returns the
// peer's direct response, or nil for one-way messages. Send blocks up
// to ctx's deadline; a non-nil error marks the peer unreachable for
// this call.
type Transport interface {
	Send(ctx context.Context, to uint64, msg *protocol.Message) (*protocol.Message, error)
}

// StateMachine is the user's replicated state machine. Apply is
// invoked for every committed command, strictly in index order,
// exactly once per node; its error is the command's own result and
// never a replication failure. Query serves reads against current
// state and must not mutate it.
type StateMachine interface {
	Apply(index uint64, command []byte) ([]byte, error)
	Query(query []byte) ([]byte, error)
}
