package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"os"

	"github.com/thinkermao/replica/protocol"
)

// ErrCRCMismatch reports a record whose payload does not match its
// stored checksum.
var ErrCRCMismatch = errors.New("wal: crc mismatch")

type decoder struct {
	brs []*bufio.Reader

	// segment is the index of the reader currently consumed and
	// lastValidOff the end offset of its last valid record, so open
	// can truncate a torn tail.
	segment      int
	lastValidOff int64
}

func makeDecoder(files []*os.File) *decoder {
	readers := make([]*bufio.Reader, len(files))
	for i := range files {
		readers[i] = bufio.NewReader(files[i])
	}
	return &decoder{brs: readers}
}

func (d *decoder) decode(rec *record) error {
	rec.Reset()
	if len(d.brs) == 0 {
		return io.EOF
	}

	length, err := readInt32(d.brs[0])
	if err == io.EOF || (err == nil && length == 0) {
		// end of segment or preallocated space
		if len(d.brs) == 1 {
			return io.EOF
		}
		d.brs = d.brs[1:]
		d.segment++
		d.lastValidOff = 0
		return d.decode(rec)
	}
	if err != nil {
		return err
	}

	padded := ceil(length, frameSizeBytes)
	data := make([]byte, padded)
	if _, err = io.ReadFull(d.brs[0], data); err != nil {
		// ReadFull returns io.EOF only when no bytes were read; a
		// torn record is an unexpected EOF instead.
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	if err := protocol.Unmarshal(rec, data[:length]); err != nil {
		return err
	}

	if rec.Crc != crc32.Checksum(rec.Data, crcTable) {
		return ErrCRCMismatch
	}

	d.lastValidOff += 4 + int64(padded)
	return nil
}

func readInt32(r io.Reader) (int32, error) {
	var n int32
	err := binary.Read(r, binary.LittleEndian, &n)
	return n, err
}
