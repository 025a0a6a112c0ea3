package wal

import "encoding/gob"

const (
	recordState int32 = iota
	recordEntry
	recordTruncate
	recordCompact
)

// record is the unit of the on-disk stream: a type tag, the gob
// payload and its checksum. Replaying the stream in order rebuilds
// the log window exactly.
type record struct {
	Type int32
	Crc  uint32
	Data []byte
}

func (r *record) Reset() { *r = record{} }

// mark is the payload of truncate and compact records.
type mark struct {
	Index uint64
}

func (m *mark) Reset() { *m = mark{} }

func init() {
	gob.Register(record{})
	gob.Register(mark{})
}
