package protocol

import "encoding/gob"

// MessageKind tags the RPC carried by a Message envelope.
type MessageKind int

const (
	MsgVoteRequest MessageKind = iota
	MsgVoteResponse
	MsgAppendRequest
	MsgAppendResponse
	MsgHeartbeatRequest
	MsgHeartbeatResponse
	MsgReadIndexRequest
	MsgReadIndexResponse
	MsgClientCommand
	MsgClientResult

	// MsgUnreachable is a local signal, never sent on the wire:
	// the transport failed to deliver to From.
	MsgUnreachable
)

var messageKindStr = []string{
	"VoteRequest",
	"VoteResponse",
	"AppendRequest",
	"AppendResponse",
	"HeartbeatRequest",
	"HeartbeatResponse",
	"ReadIndexRequest",
	"ReadIndexResponse",
	"ClientCommand",
	"ClientResult",
	"Unreachable",
}

func (k MessageKind) String() string {
	return messageKindStr[k]
}

// Message is the single envelope exchanged between members. The
// meaning of the index fields depends on Kind:
//
//	VoteRequest:    LogIndex/LogTerm are the candidate's last entry.
//	AppendRequest:  LogIndex/LogTerm are the entry preceding Entries,
//	                Index is the leader's commit index.
//	AppendResponse: Index echoes the request's LogIndex on reject and
//	                carries the follower's last matching index on
//	                success; RejectHint is the follower's guess of the
//	                last index both logs agree on.
//	Heartbeat*:     Index carries a commit index safe for the follower;
//	                Context correlates a read-index round.
//	ReadIndex*:     Index is the commit index the read must wait for.
//	ClientCommand:  Data is the opaque command, relayed to the leader.
//	ClientResult:   Data is the state machine's answer, ErrorText the
//	                command's failure if any.
//
// CorrelationID is stamped on every request by the sender's
// correlation strategy and echoed verbatim by the response.
type Message struct {
	Kind          MessageKind
	CorrelationID string
	From          uint64
	To            uint64
	Term          uint64
	LogIndex      uint64
	LogTerm       uint64
	Index         uint64
	RejectHint    uint64
	Reject        bool
	Entries       []Entry
	Context       []byte
	Data          []byte
	ErrorText     string
}

func (m *Message) Reset() { *m = Message{} }

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool {
	switch m.Kind {
	case MsgVoteResponse, MsgAppendResponse,
		MsgHeartbeatResponse, MsgClientResult:
		return true
	}
	return false
}

func init() {
	gob.Register(Message{})
}
