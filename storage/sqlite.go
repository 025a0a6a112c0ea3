package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/thinkermao/replica/protocol"
)

// SQLiteLog is a durable Log backed by a SQLite database. Every
// mutation commits its own transaction, so Sync has nothing left to
// flush. First/last indexes and the hard state are cached so status
// reads never touch the database.
type SQLiteLog struct {
	db     *sql.DB
	path   string
	state  protocol.HardState
	offset uint64
	last   uint64
}

var _ Log = (*SQLiteLog)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS log_entries (
	entry_index INTEGER PRIMARY KEY,
	term        INTEGER NOT NULL,
	kind        INTEGER NOT NULL,
	data        BLOB
);

CREATE TABLE IF NOT EXISTS hard_state (
	id           INTEGER PRIMARY KEY CHECK (id = 1),
	term         INTEGER NOT NULL DEFAULT 0,
	vote         INTEGER NOT NULL DEFAULT 0,
	commit_index INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS compaction (
	id     INTEGER PRIMARY KEY CHECK (id = 1),
	offset INTEGER NOT NULL DEFAULT 0
);

INSERT OR IGNORE INTO hard_state (id, term, vote, commit_index)
VALUES (1, 0, 0, 0);

INSERT OR IGNORE INTO compaction (id, offset) VALUES (1, 0);
`

// OpenSQLite open or create the database at path and restore the
// cached window markers from it.
func OpenSQLite(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema initialization failed: %w", err)
	}

	s := &SQLiteLog{db: db, path: path}
	if err := s.restore(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteLog) restore() error {
	var term, vote, commit int64
	err := s.db.QueryRow(
		"SELECT term, vote, commit_index FROM hard_state WHERE id = 1").
		Scan(&term, &vote, &commit)
	if err != nil {
		return fmt.Errorf("failed to query hard_state: %w", err)
	}
	s.state = protocol.HardState{
		Term:   uint64(term),
		Vote:   uint64(vote),
		Commit: uint64(commit),
	}

	var offset int64
	err = s.db.QueryRow("SELECT offset FROM compaction WHERE id = 1").Scan(&offset)
	if err != nil {
		return fmt.Errorf("failed to query compaction: %w", err)
	}
	s.offset = uint64(offset)
	s.last = s.offset

	var last sql.NullInt64
	err = s.db.QueryRow("SELECT MAX(entry_index) FROM log_entries").Scan(&last)
	if err != nil {
		return fmt.Errorf("failed to query log_entries: %w", err)
	}
	if last.Valid {
		s.last = uint64(last.Int64)
	}
	return nil
}

func (s *SQLiteLog) Append(entries []protocol.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if entries[0].Index != s.last+1 {
		return fmt.Errorf("append %d after %d: %w",
			entries[0].Index, s.last, ErrOutOfRange)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range entries {
		entry := &entries[i]
		_, err := tx.Exec(
			"INSERT INTO log_entries (entry_index, term, kind, data) VALUES (?, ?, ?, ?)",
			int64(entry.Index), int64(entry.Term), int64(entry.Type), entry.Data)
		if err != nil {
			return fmt.Errorf("failed to insert entry %d: %w", entry.Index, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.last = entries[len(entries)-1].Index
	return nil
}

func (s *SQLiteLog) Entry(index uint64) (protocol.Entry, error) {
	if index <= s.offset {
		return protocol.Entry{}, ErrCompacted
	}
	if index > s.last {
		return protocol.Entry{}, ErrOutOfRange
	}

	var term, kind int64
	var data []byte
	err := s.db.QueryRow(
		"SELECT term, kind, data FROM log_entries WHERE entry_index = ?",
		int64(index)).Scan(&term, &kind, &data)
	if err != nil {
		return protocol.Entry{}, fmt.Errorf("failed to query entry %d: %w", index, err)
	}
	return protocol.Entry{
		Index: index,
		Term:  uint64(term),
		Type:  protocol.EntryType(kind),
		Data:  data,
	}, nil
}

func (s *SQLiteLog) Entries(lo, hi uint64) ([]protocol.Entry, error) {
	if lo <= s.offset {
		return nil, ErrCompacted
	}
	if hi > s.last+1 || lo > hi {
		return nil, ErrOutOfRange
	}
	if lo == hi {
		return nil, nil
	}

	rows, err := s.db.Query(
		"SELECT entry_index, term, kind, data FROM log_entries "+
			"WHERE entry_index >= ? AND entry_index < ? ORDER BY entry_index",
		int64(lo), int64(hi))
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	entries := make([]protocol.Entry, 0, hi-lo)
	for rows.Next() {
		var index, term, kind int64
		var data []byte
		if err := rows.Scan(&index, &term, &kind, &data); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, protocol.Entry{
			Index: uint64(index),
			Term:  uint64(term),
			Type:  protocol.EntryType(kind),
			Data:  data,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return entries, nil
}

func (s *SQLiteLog) FirstIndex() uint64 {
	return s.offset + 1
}

func (s *SQLiteLog) LastIndex() uint64 {
	return s.last
}

func (s *SQLiteLog) TruncateFrom(index uint64) error {
	if index <= s.offset {
		return ErrCompacted
	}
	if index > s.last {
		return nil
	}
	_, err := s.db.Exec(
		"DELETE FROM log_entries WHERE entry_index >= ?", int64(index))
	if err != nil {
		return fmt.Errorf("failed to truncate from %d: %w", index, err)
	}
	s.last = index - 1
	return nil
}

func (s *SQLiteLog) CompactBefore(index uint64) error {
	if index <= s.FirstIndex() {
		return nil
	}
	if index > s.last+1 {
		return ErrOutOfRange
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		"DELETE FROM log_entries WHERE entry_index < ?", int64(index)); err != nil {
		return fmt.Errorf("failed to compact before %d: %w", index, err)
	}
	if _, err := tx.Exec(
		"UPDATE compaction SET offset = ? WHERE id = 1", int64(index-1)); err != nil {
		return fmt.Errorf("failed to update compaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.offset = index - 1
	return nil
}

func (s *SQLiteLog) SaveState(state *protocol.HardState) error {
	_, err := s.db.Exec(
		"UPDATE hard_state SET term = ?, vote = ?, commit_index = ? WHERE id = 1",
		int64(state.Term), int64(state.Vote), int64(state.Commit))
	if err != nil {
		return fmt.Errorf("failed to update hard_state: %w", err)
	}
	s.state = *state
	return nil
}

func (s *SQLiteLog) State() protocol.HardState {
	return s.state
}

func (s *SQLiteLog) Sync() error { return nil }

func (s *SQLiteLog) Close() error {
	return s.db.Close()
}
