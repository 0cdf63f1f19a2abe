package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/snapdb/internal/dberr"
)

// load reads the latest committed snapshot from the database in one read
// transaction, so a commit by another process is seen entirely or not at
// all. Tables are read in id order and rows in position order so the
// in-memory indices match what was committed.
func (s *Store) load() (*Snapshot, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, dberr.Storage(s.path, "begin load", err)
	}
	defer tx.Rollback()

	seq, err := s.readMetaUint(tx, metaVersion)
	if err != nil {
		return nil, dberr.Storage(s.path, "load version", err)
	}
	schemaVersion, err := s.readMetaUint(tx, metaSchemaVersion)
	if err != nil {
		return nil, dberr.Storage(s.path, "load schema version", err)
	}

	rows, err := tx.Query(`
		SELECT id, name, columns, primary_key, layout, next_key
		FROM tables
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, dberr.Storage(s.path, "load tables", err)
	}
	defer rows.Close()

	snap := newSnapshot()
	snap.version = Version{Seq: seq}
	snap.schemaVersion = schemaVersion

	var tables []*TableState
	for rows.Next() {
		var (
			id      int64
			name    string
			columns string
			pk      string
			layout  int64
			nextKey int64
		)
		if err := rows.Scan(&id, &name, &columns, &pk, &layout, &nextKey); err != nil {
			return nil, dberr.Storage(s.path, "scan table", err)
		}
		var specCols []ColumnSpec
		if err := json.Unmarshal([]byte(columns), &specCols); err != nil {
			return nil, dberr.Storage(s.path, "decode columns of "+name, err)
		}
		t := newTableState(id, TableSpec{Name: name, Columns: specCols, PrimaryKey: pk}, uint64(layout))
		t.nextKey = nextKey
		tables = append(tables, t)

		snap.nextTableID = max(snap.nextTableID, id)
		snap.nextLayout = max(snap.nextLayout, uint64(layout))
	}
	if err := rows.Err(); err != nil {
		return nil, dberr.Storage(s.path, "iterate tables", err)
	}
	rows.Close()

	for _, t := range tables {
		if err := s.loadRows(tx, t); err != nil {
			return nil, err
		}
		snap.tables = snap.tables.Set(t.name, t)
	}
	return snap, nil
}

// loadRows fills t with its persisted rows, keeping their stable keys.
func (s *Store) loadRows(q queryer, t *TableState) error {
	rows, err := q.Query(`
		SELECT row_key, payload
		FROM rows
		WHERE table_id = ?
		ORDER BY position ASC, row_key ASC
	`, t.id)
	if err != nil {
		return dberr.Storage(s.path, "load rows of "+t.name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key     int64
			payload []byte
		)
		if err := rows.Scan(&key, &payload); err != nil {
			return dberr.Storage(s.path, "scan row of "+t.name, err)
		}
		values, err := s.decodeRow(t.id, key, payload)
		if err != nil {
			return err
		}
		if len(values) != len(t.columns) {
			return dberr.Storage(s.path, "load rows of "+t.name,
				fmt.Errorf("row %d has %d values, table has %d columns", key, len(values), len(t.columns)))
		}

		idx := t.rows.Len()
		t.rows = t.rows.Append(&Row{Key: key, Values: values})
		t.keys = t.keys.Set(key, idx)
		if t.pk >= 0 {
			if k, ok := keyOf(values[t.pk]); ok {
				t.pkIndex = t.pkIndex.Set(k, key)
			}
		}
		t.nextKey = max(t.nextKey, key)
	}
	if err := rows.Err(); err != nil {
		return dberr.Storage(s.path, "iterate rows of "+t.name, err)
	}
	return nil
}
