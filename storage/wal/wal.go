// Package wal implements the file-backed Log capability: an
// append-only stream of checksummed records replayed on open. Entry
// appends, hard state saves, truncations and compactions are all
// plain records, so recovery is a single in-order replay.
package wal

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/replica/protocol"
	"github.com/thinkermao/replica/storage"
)

// SegmentSizeBytes is the rotation threshold of a wal segment file.
// The actual size might be slightly larger. In general the default
// should be used; it is exported so tests can set a smaller one.
var SegmentSizeBytes int64 = 64 * 1000 * 1000 // 64MB

var (
	ErrFileNotFound = errors.New("wal: file not found")
	ErrBadSequence  = errors.New("wal: segment sequence broken")
)

// WAL is the durable write-ahead log. It keeps an in-memory mirror of
// the retained window, so reads never touch disk.
type WAL struct {
	dir    string
	mirror *storage.MemoryLog
	files  []*os.File
	enc    *encoder
}

var _ storage.Log = (*WAL)(nil)

// Create initialize an empty wal in dir.
func Create(dir string) (*WAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	name := filepath.Join(dir, walName(0, 0))
	file, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, err
	}

	log.Debugf("create wal at %s", dir)

	return &WAL{
		dir:    dir,
		mirror: storage.MakeMemoryLog(),
		files:  []*os.File{file},
		enc:    makeEncoder(file, 0),
	}, nil
}

// Open replay every segment of dir and leave the wal ready for
// appending. A torn record at the tail is discarded.
func Open(dir string) (*WAL, error) {
	names, err := readWalNames(dir)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, ErrFileNotFound
	}
	if !isValidSequences(names) {
		return nil, ErrBadSequence
	}

	files := make([]*os.File, 0, len(names))
	for _, name := range names {
		file, err := os.OpenFile(filepath.Join(dir, name), os.O_RDWR, 0600)
		if err != nil {
			closeAll(files...)
			return nil, err
		}
		files = append(files, file)
	}

	wal := &WAL{
		dir:    dir,
		mirror: storage.MakeMemoryLog(),
		files:  files,
	}
	if err := wal.replay(); err != nil {
		closeAll(files...)
		return nil, err
	}
	return wal, nil
}

func (wal *WAL) replay() error {
	dec := makeDecoder(wal.files)

	var rec record
	var err error
	for err = dec.decode(&rec); err == nil; err = dec.decode(&rec) {
		switch rec.Type {
		case recordEntry:
			var entry protocol.Entry
			if err := protocol.Unmarshal(&entry, rec.Data); err != nil {
				return err
			}
			if entry.Index <= wal.mirror.LastIndex() {
				// a suffix rewritten without an explicit truncate
				// record, overwrite in place.
				if err := wal.mirror.TruncateFrom(entry.Index); err != nil {
					return err
				}
			}
			if err := wal.mirror.Append([]protocol.Entry{entry}); err != nil {
				return err
			}
		case recordState:
			var state protocol.HardState
			if err := protocol.Unmarshal(&state, rec.Data); err != nil {
				return err
			}
			if err := wal.mirror.SaveState(&state); err != nil {
				return err
			}
		case recordTruncate:
			var m mark
			if err := protocol.Unmarshal(&m, rec.Data); err != nil {
				return err
			}
			if err := wal.mirror.TruncateFrom(m.Index); err != nil {
				return err
			}
		case recordCompact:
			var m mark
			if err := protocol.Unmarshal(&m, rec.Data); err != nil {
				return err
			}
			if err := wal.mirror.CompactBefore(m.Index); err != nil {
				return err
			}
		default:
			log.Panicf("wal %s holds unknown record type %d", wal.dir, rec.Type)
		}
	}

	switch err {
	case io.EOF:
		// clean end of stream
	case io.ErrUnexpectedEOF, ErrCRCMismatch:
		if dec.segment != len(wal.files)-1 {
			// only the tail segment may end mid-record
			return err
		}
		log.Infof("wal %s discard torn tail record", wal.dir)
	default:
		return err
	}

	// drop everything past the last valid record, then append there.
	tail := wal.tailFile()
	if err := tail.Truncate(dec.lastValidOff); err != nil {
		return err
	}
	if _, err := tail.Seek(dec.lastValidOff, io.SeekStart); err != nil {
		return err
	}
	wal.enc = makeEncoder(tail, dec.lastValidOff)

	log.Debugf("open wal at %s [first: %d, last: %d]",
		wal.dir, wal.mirror.FirstIndex(), wal.mirror.LastIndex())
	return nil
}

func (wal *WAL) Append(entries []protocol.Entry) error {
	for i := 0; i < len(entries); i++ {
		data, err := protocol.Marshal(&entries[i])
		if err != nil {
			return err
		}
		if err := wal.enc.encode(&record{Type: recordEntry, Data: data}); err != nil {
			return err
		}
	}
	return wal.mirror.Append(entries)
}

func (wal *WAL) Entry(index uint64) (protocol.Entry, error) {
	return wal.mirror.Entry(index)
}

func (wal *WAL) Entries(lo, hi uint64) ([]protocol.Entry, error) {
	return wal.mirror.Entries(lo, hi)
}

func (wal *WAL) FirstIndex() uint64 {
	return wal.mirror.FirstIndex()
}

func (wal *WAL) LastIndex() uint64 {
	return wal.mirror.LastIndex()
}

func (wal *WAL) TruncateFrom(index uint64) error {
	if err := wal.writeIndexRecord(recordTruncate, index); err != nil {
		return err
	}
	return wal.mirror.TruncateFrom(index)
}

func (wal *WAL) CompactBefore(index uint64) error {
	if index <= wal.mirror.FirstIndex() {
		return nil
	}
	if err := wal.writeIndexRecord(recordCompact, index); err != nil {
		return err
	}
	return wal.mirror.CompactBefore(index)
}

func (wal *WAL) SaveState(state *protocol.HardState) error {
	data, err := protocol.Marshal(state)
	if err != nil {
		return err
	}
	if err := wal.enc.encode(&record{Type: recordState, Data: data}); err != nil {
		return err
	}
	return wal.mirror.SaveState(state)
}

func (wal *WAL) State() protocol.HardState {
	return wal.mirror.State()
}

// Sync flush the tail segment, rotating once it grew past the
// segment size.
func (wal *WAL) Sync() error {
	if err := wal.enc.flush(); err != nil {
		return err
	}
	if wal.enc.written >= SegmentSizeBytes {
		return wal.rotate()
	}
	return nil
}

func (wal *WAL) Close() error {
	if err := wal.enc.flush(); err != nil {
		return err
	}
	closeAll(wal.files...)
	return nil
}

func (wal *WAL) writeIndexRecord(kind int32, index uint64) error {
	data, err := protocol.Marshal(&mark{Index: index})
	if err != nil {
		return err
	}
	return wal.enc.encode(&record{Type: kind, Data: data})
}

func (wal *WAL) rotate() error {
	seq, _, err := parseWalName(filepath.Base(wal.tailFile().Name()))
	if err != nil {
		return err
	}

	name := filepath.Join(wal.dir, walName(seq+1, wal.mirror.LastIndex()))
	file, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}

	log.Debugf("rotate wal segment to %s", name)

	wal.files = append(wal.files, file)
	wal.enc = makeEncoder(file, 0)
	return nil
}

func (wal *WAL) tailFile() *os.File {
	return wal.files[len(wal.files)-1]
}

func closeAll(files ...*os.File) {
	for i := 0; i < len(files); i++ {
		files[i].Close()
	}
}
