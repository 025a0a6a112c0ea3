package storage

import (
	"fmt"

	"github.com/thinkermao/replica/protocol"
)

// MemoryLog is a volatile Log used by tests and by embeddings that do
// not need durability. offset is the index of the last compacted
// entry, so entries[i] carries index offset+1+i.
type MemoryLog struct {
	state   protocol.HardState
	offset  uint64
	entries []protocol.Entry
}

var _ Log = (*MemoryLog)(nil)

// MakeMemoryLog create an empty in-memory log.
func MakeMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) Append(entries []protocol.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if entries[0].Index != m.LastIndex()+1 {
		return fmt.Errorf("append %d after %d: %w",
			entries[0].Index, m.LastIndex(), ErrOutOfRange)
	}
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *MemoryLog) Entry(index uint64) (protocol.Entry, error) {
	if index <= m.offset {
		return protocol.Entry{}, ErrCompacted
	}
	if index > m.LastIndex() {
		return protocol.Entry{}, ErrOutOfRange
	}
	return m.entries[index-m.offset-1], nil
}

func (m *MemoryLog) Entries(lo, hi uint64) ([]protocol.Entry, error) {
	if lo <= m.offset {
		return nil, ErrCompacted
	}
	if hi > m.LastIndex()+1 || lo > hi {
		return nil, ErrOutOfRange
	}
	result := make([]protocol.Entry, hi-lo)
	copy(result, m.entries[lo-m.offset-1:hi-m.offset-1])
	return result, nil
}

func (m *MemoryLog) FirstIndex() uint64 {
	return m.offset + 1
}

func (m *MemoryLog) LastIndex() uint64 {
	return m.offset + uint64(len(m.entries))
}

func (m *MemoryLog) TruncateFrom(index uint64) error {
	if index <= m.offset {
		return ErrCompacted
	}
	if index > m.LastIndex() {
		return nil
	}
	m.entries = m.entries[:index-m.offset-1]
	return nil
}

func (m *MemoryLog) CompactBefore(index uint64) error {
	if index <= m.FirstIndex() {
		return nil
	}
	if index > m.LastIndex()+1 {
		return ErrOutOfRange
	}
	kept := m.entries[index-m.offset-1:]
	m.entries = append([]protocol.Entry(nil), kept...)
	m.offset = index - 1
	return nil
}

func (m *MemoryLog) SaveState(state *protocol.HardState) error {
	m.state = *state
	return nil
}

func (m *MemoryLog) State() protocol.HardState {
	return m.state
}

func (m *MemoryLog) Sync() error { return nil }

func (m *MemoryLog) Close() error { return nil }
