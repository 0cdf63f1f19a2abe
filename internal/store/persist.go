package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"
)

// Meta keys.
const (
	metaVersion       = "version"
	metaSchemaVersion = "schema_version"
	metaKeyCheck      = "key_check"
)

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

func (s *Store) readMeta(q queryer, key string) (string, error) {
	var value string
	err := q.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	return value, err
}

func (s *Store) writeMeta(db execer, key, value string) error {
	_, err := db.Exec(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}

func (s *Store) readMetaUint(q queryer, key string) (uint64, error) {
	value, err := s.readMeta(q, key)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse meta %s: %w", key, err)
	}
	return n, nil
}

// persistedVersion returns the latest version committed to the file.
func (s *Store) persistedVersion() (uint64, error) {
	return s.readMetaUint(s.db, metaVersion)
}

// persist writes a builder's changes as version seq in one SQLite transaction.
// Either every change and the new version are stored, or none are.
func (s *Store) persist(b *Builder, seq uint64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("persist: begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range slices.Sorted(maps.Keys(b.changes.dropped)) {
		if _, err := tx.Exec("DELETE FROM rows WHERE table_id = ?", id); err != nil {
			return fmt.Errorf("persist: drop rows of table %d: %w", id, err)
		}
		if _, err := tx.Exec("DELETE FROM tables WHERE id = ?", id); err != nil {
			return fmt.Errorf("persist: drop table %d: %w", id, err)
		}
	}

	snap := b.snap
	for _, id := range slices.Sorted(maps.Keys(b.changes.tables)) {
		tc := b.changes.tables[id]
		t := snap.tableByID(id)
		if t == nil {
			continue
		}
		if err := s.persistTable(tx, s.cipher, t, tc); err != nil {
			return err
		}
	}

	if b.changes.schemaVersion {
		if err := s.writeMeta(tx, metaSchemaVersion, strconv.FormatUint(snap.schemaVersion, 10)); err != nil {
			return fmt.Errorf("persist: %w", err)
		}
	}
	if err := s.writeMeta(tx, metaVersion, strconv.FormatUint(seq, 10)); err != nil {
		return fmt.Errorf("persist: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("persist: commit transaction: %w", err)
	}
	return nil
}

// persistTable writes t's metadata and the rows tc names, sealing payloads
// with c.
func (s *Store) persistTable(tx *sql.Tx, c *payloadCipher, t *TableState, tc *tableChange) error {
	columns, err := json.Marshal(t.columns)
	if err != nil {
		return fmt.Errorf("persist: marshal columns of %s: %w", t.name, err)
	}
	pk := ""
	if t.pk >= 0 {
		pk = t.columns[t.pk].Name
	}
	_, err = tx.Exec(`
		INSERT INTO tables (id, name, columns, primary_key, layout, next_key)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			columns = excluded.columns,
			primary_key = excluded.primary_key,
			layout = excluded.layout,
			next_key = excluded.next_key
	`, t.id, t.name, string(columns), pk, int64(t.layout), t.nextKey)
	if err != nil {
		return fmt.Errorf("persist: write table %s: %w", t.name, err)
	}

	if tc.cleared {
		if _, err := tx.Exec("DELETE FROM rows WHERE table_id = ?", t.id); err != nil {
			return fmt.Errorf("persist: clear %s: %w", t.name, err)
		}
	}
	for _, key := range slices.Sorted(maps.Keys(tc.deletes)) {
		if _, err := tx.Exec("DELETE FROM rows WHERE table_id = ? AND row_key = ?", t.id, key); err != nil {
			return fmt.Errorf("persist: delete row %d of %s: %w", key, t.name, err)
		}
	}
	for _, key := range slices.Sorted(maps.Keys(tc.upserts)) {
		idx, ok := t.IndexOf(key)
		if !ok {
			continue
		}
		payload, err := c.encodeRow(t.id, *t.rows.Get(idx))
		if err != nil {
			return fmt.Errorf("persist: encode row %d of %s: %w", key, t.name, err)
		}
		_, err = tx.Exec(`
			INSERT INTO rows (table_id, row_key, position, payload) VALUES (?, ?, ?, ?)
			ON CONFLICT(table_id, row_key) DO UPDATE SET
				position = excluded.position,
				payload = excluded.payload
		`, t.id, key, idx, payload)
		if err != nil {
			return fmt.Errorf("persist: write row %d of %s: %w", key, t.name, err)
		}
	}
	return nil
}

// journalEntry is one line of the commit journal.
type journalEntry struct {
	Version   uint64    `json:"version"`
	Base      uint64    `json:"base"`
	Tables    []string  `json:"tables,omitempty"`
	Dropped   int       `json:"dropped,omitempty"`
	Committed time.Time `json:"committed"`
}

// appendJournal records a commit in the .log file. Failures are logged only;
// the SQLite commit is authoritative.
func (s *Store) appendJournal(seq uint64, b *Builder) {
	if s.journal == nil {
		return
	}
	entry := journalEntry{
		Version:   seq,
		Base:      b.base.Seq,
		Tables:    b.TouchedTables(),
		Dropped:   len(b.changes.dropped),
		Committed: time.Now().UTC(),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		s.log.Warn("failed to encode journal entry", "path", s.path, "version", seq, "error", err)
		return
	}
	if _, err := s.journal.Write(append(line, '\n')); err != nil {
		s.log.Warn("failed to append journal entry", "path", s.path, "version", seq, "error", err)
	}
}
