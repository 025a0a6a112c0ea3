// Package storage provides the durable Log capability the engine
// drains Ready batches into: entries, hard state and the truncation
// and compaction markers that keep disk aligned with the in-memory
// log window.
package storage

import (
	"errors"

	"github.com/thinkermao/replica/protocol"
)

var (
	// ErrOutOfRange reports an access outside [FirstIndex, LastIndex].
	ErrOutOfRange = errors.New("storage: index out of range")

	// ErrCompacted reports an access below the compaction point.
	ErrCompacted = errors.New("storage: index compacted")
)

// Log is a durable, contiguous window of the replicated log plus the
// node's hard state. Implementations are not safe for concurrent use:
// the engine serializes every call.
//
// The engine's write order is fixed: TruncateFrom (when a conflicting
// suffix was replaced), Append, SaveState, Sync, and only then are
// outbound messages released.
type Log interface {
	// Append persist entries at the back of the window. The first
	// entry's index must be exactly LastIndex()+1.
	Append(entries []protocol.Entry) error

	// Entry return the entry at index.
	Entry(index uint64) (protocol.Entry, error)

	// Entries return the entries in [lo, hi).
	Entries(lo, hi uint64) ([]protocol.Entry, error)

	// FirstIndex return the lowest retained index. When the window is
	// empty it is LastIndex()+1.
	FirstIndex() uint64

	// LastIndex return the highest stored index, or the compaction
	// point when the window is empty.
	LastIndex() uint64

	// TruncateFrom drop every entry at or above index.
	TruncateFrom(index uint64) error

	// CompactBefore drop every entry below index.
	CompactBefore(index uint64) error

	// SaveState persist term, vote and commit index.
	SaveState(state *protocol.HardState) error

	// State return the last saved hard state.
	State() protocol.HardState

	// Sync block until everything written so far is durable.
	Sync() error

	Close() error
}
