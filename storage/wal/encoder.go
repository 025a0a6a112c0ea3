package wal

import (
	"encoding/binary"
	"hash/crc32"
	"os"

	"github.com/thinkermao/replica/protocol"
)

const frameSizeBytes = 8

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// encoder writes length-prefixed records padded to the frame size, so
// a torn tail is recognizable as a short or zero-length frame.
type encoder struct {
	file    *os.File
	written int64
}

func makeEncoder(file *os.File, offset int64) *encoder {
	return &encoder{file: file, written: offset}
}

func (e *encoder) encode(rec *record) error {
	rec.Crc = crc32.Checksum(rec.Data, crcTable)

	bytes, err := protocol.Marshal(rec)
	if err != nil {
		return err
	}

	length := int32(len(bytes))
	padded := ceil(length, frameSizeBytes)
	if err := binary.Write(e.file, binary.LittleEndian, length); err != nil {
		return err
	}
	if _, err := e.file.Write(bytes); err != nil {
		return err
	}
	if padded > length {
		if _, err := e.file.Write(make([]byte, padded-length)); err != nil {
			return err
		}
	}
	e.written += 4 + int64(padded)
	return nil
}

func (e *encoder) flush() error {
	return e.file.Sync()
}

func ceil(length, padding int32) int32 {
	return (length + padding - 1) / padding * padding
}
