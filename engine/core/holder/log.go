package holder

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/replica/protocol"
	"github.com/thinkermao/replica/utils"
)

// Holder is the in-memory window over the replicated log that the
// core mutates. Durable storage is the engine's business: the core
// appends here and the engine drains StableEntries to the injected
// Log capability before any message leaves the node.
//
// Memory layout:
//
//	+--------------+--------------+-------------+-------------+
//	| wait compact |  wait apply  | wait commit | wait stable |
//	+--------------+--------------+-------------+-------------+
//	^ offset       ^ applied      ^ committed   ^ stabled     ^ last
//
// There is always a dummy entry at offset carrying the index/term of
// the last compacted position, so the slice is never empty.
type Holder struct {
	id uint64

	// last index of entry applied to the state machine
	lastApplied uint64

	// last index known replicated to a quorum
	commitIndex uint64

	// last index persisted by the Log capability
	lastStabled uint64

	// first index removed by the last conflicting TryAppend
	truncatedFrom uint64

	entries []protocol.Entry
}

// MakeHolder create an empty Holder starting after (firstIndex, firstTerm).
func MakeHolder(id uint64, firstIndex, firstTerm uint64) *Holder {
	log.Debugf("%d make log holder [idx: %d, term: %d]", id, firstIndex, firstTerm)

	entries := make([]protocol.Entry, 1)
	entries[0].Type = protocol.EntryNormal
	entries[0].Index = firstIndex
	entries[0].Term = firstTerm
	return &Holder{
		id:          id,
		entries:     entries,
		lastApplied: firstIndex,
		commitIndex: firstIndex,
		lastStabled: firstIndex,
	}
}

// RebuildHolder construct a Holder from entries restored by the Log
// capability. The first entry must be the last applied position, and
// len(entries) must be greater than zero.
func RebuildHolder(id uint64, entries []protocol.Entry) *Holder {
	utils.Assert(len(entries) != 0, "required entries not empty")

	firstIndex := entries[0].Index
	lastStabled := entries[len(entries)-1].Index

	log.Debugf("%d rebuild log holder [idx: %d-%d]", id, firstIndex, lastStabled)

	dup := make([]protocol.Entry, len(entries))
	copy(dup, entries)

	return &Holder{
		id:          id,
		entries:     dup,
		lastApplied: firstIndex,
		commitIndex: firstIndex,
		lastStabled: lastStabled,
	}
}

// Term return the term of idx, or InvalidTerm when idx is outside
// the window.
func (h *Holder) Term(idx uint64) uint64 {
	dummyIdx := h.offset()
	if idx < dummyIdx || idx > h.LastIndex() {
		return protocol.InvalidTerm
	}
	return h.entries[idx-dummyIdx].Term
}

// Slice return the entries in [lo, hi), dummy excluded.
func (h *Holder) Slice(lo, hi uint64) []protocol.Entry {
	h.checkOutOfBounds(lo, hi)
	offset := h.offset()
	entries := h.entries[lo-offset : hi-offset]

	if len(entries) != 0 {
		utils.Assert(entries[0].Index == lo, "error index")
		utils.Assert(entries[len(entries)-1].Index == hi-1, "error index")
	}
	return entries
}

// IsUpToDate reports whether a log ending at (idx, term) is at least
// as up-to-date as this one: later last term wins, equal last terms
// compare last index. Used to gate vote grants.
func (h *Holder) IsUpToDate(idx, term uint64) bool {
	return term > h.LastTerm() ||
		(term == h.LastTerm() && idx >= h.LastIndex())
}

// LastIndex return the last index of the window.
func (h *Holder) LastIndex() uint64 {
	length := len(h.entries)
	utils.Assert(length != 0, "%d holder must keep the dummy entry", h.id)
	actual := h.entries[length-1].Index
	expect := h.offset() + uint64(length) - 1
	utils.Assert(actual == expect, "%d broken entry sequence", h.id)
	return expect
}

// FirstIndex return the first available entry index.
func (h *Holder) FirstIndex() uint64 {
	return h.offset() + 1
}

// LastTerm return the term of the last entry.
func (h *Holder) LastTerm() uint64 {
	return h.Term(h.LastIndex())
}

// CommitIndex return the current commit index.
func (h *Holder) CommitIndex() uint64 {
	return h.commitIndex
}

// LastApplied return the last index handed to ApplyEntries.
func (h *Holder) LastApplied() uint64 {
	return h.lastApplied
}

// CompactTo drop every entry at or below to, keeping a dummy at
// (to, term). Only applied entries may be compacted.
func (h *Holder) CompactTo(to uint64) {
	utils.Assert(to <= h.lastApplied,
		"%d compact %d beyond applied %d", h.id, to, h.lastApplied)
	offset := h.offset()
	if to <= offset {
		return
	}

	log.Debugf("%d compact log to: %d", h.id, to)
	h.entries = drain(h.entries, int(to-offset))
}

// CommitTo raise the commit index to min(to, lastStabled). The commit
// index never decreases, and unstabled entries cannot commit.
func (h *Holder) CommitTo(to uint64) {
	if h.commitIndex >= to {
		/* never decrease commit */
		return
	}
	to = utils.MinUint64(to, h.lastStabled)

	utils.Assert(h.LastIndex() >= to,
		"%d toCommit %d is out of range [last index: %d]",
		h.id, to, h.LastIndex())

	if to > h.commitIndex {
		h.commitIndex = to
		log.Debugf("%d commit entries to index: %d", h.id, to)
	}
}

// ApplyEntries return the committed-but-unapplied entries, in index
// order, and advance the applied marker past them. Entries not yet
// stabled are held back so apply never runs ahead of durability.
func (h *Holder) ApplyEntries() []protocol.Entry {
	target := utils.MinUint64(h.commitIndex, h.lastStabled)
	if h.lastApplied == target {
		return nil
	}

	log.Debugf("%d apply entries to index: %d", h.id, target)
	result := h.Slice(h.lastApplied+1, target+1)
	h.lastApplied = target
	return result
}

// StableEntries mark everything past the stabled marker as durable
// and return those entries for the engine to persist.
func (h *Holder) StableEntries() []protocol.Entry {
	lastIndex := h.LastIndex()
	utils.Assert(h.lastStabled <= lastIndex,
		fmt.Sprintf("%d stabled: %d, lastIndex: %d", h.id, h.lastStabled, lastIndex))

	entries := h.Slice(h.lastStabled+1, lastIndex+1)
	h.lastStabled = lastIndex
	return entries
}

// TruncatedFrom reports the first index removed by the last
// TryAppend conflict resolution, or InvalidIndex when the previous
// append was clean. The engine mirrors the truncation to storage.
func (h *Holder) TruncatedFrom() uint64 {
	return h.truncatedFrom
}

// TryAppend validate the consistency point (prevIdx, prevTerm). On
// match it appends entries, overwriting any conflicting suffix, and
// returns (last index, true). On mismatch it returns a hint of the
// last index both logs may agree on and false.
func (h *Holder) TryAppend(prevIdx, prevTerm uint64,
	entries []protocol.Entry) (uint64, bool) {
	h.truncatedFrom = protocol.InvalidIndex
	if h.Term(prevIdx) == prevTerm {
		conflictIdx := h.findConflict(entries)
		if conflictIdx == protocol.InvalidIndex {
			/* success, no conflict */
		} else if conflictIdx <= h.commitIndex {
			log.Panicf("%d entry %d conflict with committed entry %d",
				h.id, conflictIdx, h.commitIndex)
		} else {
			offset := prevIdx + 1
			h.truncateAndAppend(entries[conflictIdx-offset:])
		}

		return h.LastIndex(), true
	}

	utils.Assert(prevIdx >= h.commitIndex,
		"%d entry %d [term: %d] conflict with committed entry term: %d",
		h.id, prevIdx, prevTerm, h.Term(prevIdx))

	return h.getHintIndex(prevIdx, prevTerm), false
}

// Append push leader-local entries at the back and return the new
// last index. Appending below the commit index is a bug.
func (h *Holder) Append(entries []protocol.Entry) uint64 {
	if len(entries) == 0 {
		return h.LastIndex()
	}

	prevIndex := entries[0].Index - 1
	utils.Assert(prevIndex >= h.commitIndex,
		"%d after %d is out of range [committed: %d]",
		h.id, prevIndex, h.commitIndex)

	h.entries = append(h.entries, entries...)
	return h.LastIndex()
}
