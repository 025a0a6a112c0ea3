package holder

import (
	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/replica/protocol"
	"github.com/thinkermao/replica/utils"
)

func (h *Holder) checkOutOfBounds(lo, hi uint64) {
	utils.Assert(lo <= hi, "%d invalid slice %d > %d", h.id, lo, hi)

	lower := h.FirstIndex()
	upper := h.LastIndex() + 1
	utils.Assert(!(lo < lower || hi > upper),
		"%d slice[%d, %d] out of bound[%d, %d]",
		h.id, lo, hi, lower, upper)
}

func (h *Holder) truncateAndAppend(entries []protocol.Entry) {
	if len(entries) == 0 {
		return
	}

	lastIndex := h.LastIndex()
	after := entries[0].Index
	if after == lastIndex+1 {
		// after is the next index of the window, append directly
	} else {
		h.checkOutOfBounds(h.FirstIndex(), after)
		h.entries = h.entries[:after-h.offset()]
		h.truncatedFrom = after
		if h.lastStabled >= after {
			// the replaced suffix was already persisted: the engine
			// must truncate storage and re-stable from here.
			h.lastStabled = after - 1
		}
	}
	h.entries = append(h.entries, entries...)

	h.validateConsistency()
}

// findConflict return the first index whose term differs from the
// local entry at the same index, or InvalidIndex when entries carry
// nothing new.
func (h *Holder) findConflict(entries []protocol.Entry) uint64 {
	for i := 0; i < len(entries); i++ {
		entry := &entries[i]
		if h.Term(entry.Index) != entry.Term {
			if entry.Index <= h.LastIndex() {
				log.Infof("%d found conflict at index %d, "+
					"[existing term: %d, conflicting term: %d]",
					h.id, entry.Index, h.Term(entry.Index), entry.Term)
			}
			return entry.Index
		}
	}
	return protocol.InvalidIndex
}

// getHintIndex guesses the last index both logs can agree on after a
// consistency check failed at (prevIdx, prevTerm): skip the whole
// run of entries sharing prevIdx's local term, never below commit.
func (h *Holder) getHintIndex(prevIdx, prevTerm uint64) uint64 {
	utils.Assert(prevIdx != protocol.InvalidIndex && prevTerm != protocol.InvalidTerm,
		"%d get hint index with invalid idx or term", h.id)

	idx := prevIdx
	term := h.Term(idx)
	for idx > protocol.InvalidIndex {
		if h.Term(idx) != term {
			return utils.MaxUint64(h.commitIndex, idx)
		}
		idx--
	}
	return h.commitIndex
}

// offset return the dummy entry's index.
func (h *Holder) offset() uint64 {
	utils.Assert(len(h.entries) != 0, "%d holder must keep the dummy entry", h.id)
	return h.entries[0].Index
}

func (h *Holder) validateConsistency() {
	for i := 0; i+1 < len(h.entries); i++ {
		utils.Assert(h.entries[i].Index+1 == h.entries[i+1].Index,
			"%d index:%d at:%d not sequences", h.id, h.entries[i].Index, i)
	}
}

// drain like memmove(entries, entries + to, len).
func drain(entries []protocol.Entry, to int) []protocol.Entry {
	if len(entries) == 0 {
		return entries
	}

	length := len(entries) - to
	for i := 0; i < length; i++ {
		entries[i] = entries[i+to]
	}
	return entries[:length]
}
