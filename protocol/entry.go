package protocol

import (
	"encoding/gob"
	"fmt"
)

// Invalid values shared by every component. Member ids are
// required to be greater than zero, log positions start at one.
const (
	InvalidIndex uint64 = 0
	InvalidTerm  uint64 = 0
	InvalidID    uint64 = 0
)

// EntryType tags the payload carried by a log entry.
type EntryType int

const (
	// EntryNormal carries an opaque state machine command.
	EntryNormal EntryType = iota

	// EntryNoOp is appended by a fresh leader to commit
	// entries left over from previous terms.
	EntryNoOp

	// EntryConfChange carries a gob encoded ConfChange.
	EntryConfChange
)

var entryTypeStr = []string{
	"Normal",
	"NoOp",
	"ConfChange",
}

func (t EntryType) String() string {
	return entryTypeStr[t]
}

// Entry is one position of the replicated log.
type Entry struct {
	Index uint64
	Term  uint64
	Type  EntryType
	Data  []byte
}

func (e *Entry) Reset() { *e = Entry{} }

func (e Entry) String() string {
	return fmt.Sprintf("protocol.Entry{idx: %d, term: %d, type: %v}",
		e.Index, e.Term, e.Type)
}

// HardState is the durable part of a node: the fields that must
// survive a restart before the node may answer any RPC.
type HardState struct {
	Term   uint64
	Vote   uint64
	Commit uint64
}

func (s *HardState) Reset() { *s = HardState{} }

func (s HardState) String() string {
	return fmt.Sprintf("protocol.HardState{term: %d, vote: %d, commit: %d}",
		s.Term, s.Vote, s.Commit)
}

// ConfChangeType distinguishes membership operations.
type ConfChangeType int

const (
	ConfChangeAddMember ConfChangeType = iota
	ConfChangeRemoveMember
)

// ConfChange is the payload of an EntryConfChange entry.
type ConfChange struct {
	ChangeType ConfChangeType
	MemberID   uint64
}

func (cc *ConfChange) Reset() { *cc = ConfChange{} }

func init() {
	gob.Register(Entry{})
	gob.Register(HardState{})
	gob.Register(ConfChange{})
}
