package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/roach88/snapdb/internal/dberr"
)

// WriteCopyTo writes snap as a new, compacted store file at path.
//
// The copy opens at snap's version and schema version. With a non-empty key
// its row payloads are sealed under key and it must be opened with that
// key; otherwise they are stored in the clear, whatever this store uses.
// WriteCopyTo refuses to overwrite an existing file and removes a partial
// copy on failure.
func (s *Store) WriteCopyTo(snap *Snapshot, path string, key []byte) error {
	dest, err := CanonicalPath(path)
	if err != nil {
		return dberr.Storage(path, "copy", err)
	}
	if _, err := os.Stat(dest); err == nil {
		return dberr.Storage(dest, "copy", fs.ErrExist)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return dberr.Storage(dest, "copy", err)
	}

	var c *payloadCipher
	if len(key) > 0 {
		if len(key) != KeySize {
			return dberr.Encryption(dest, fmt.Sprintf("encryption key must be %d bytes, got %d", KeySize, len(key)))
		}
		if c, err = newPayloadCipher(key); err != nil {
			return dberr.Encryption(dest, err.Error())
		}
	}

	if err := s.writeCopy(dest, snap, c, key); err != nil {
		for _, name := range Files(dest) {
			removeFile(name)
		}
		return dberr.Storage(dest, "copy", err)
	}
	s.log.Info("store copied", "path", s.path, "to", dest, "version", snap.version.Seq, "encrypted", c != nil)
	return nil
}

func (s *Store) writeCopy(dest string, snap *Snapshot, c *payloadCipher, key []byte) error {
	db, err := openDB(dest)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	itr := snap.tables.Iterator()
	for !itr.Done() {
		_, t, _ := itr.Next()
		tc := &tableChange{upserts: make(map[int64]bool, t.Len())}
		for _, k := range t.Keys() {
			tc.upserts[k] = true
		}
		if err := s.persistTable(tx, c, t, tc); err != nil {
			return err
		}
	}

	if len(key) > 0 {
		check, err := keyCheck(key)
		if err != nil {
			return err
		}
		if err := s.writeMeta(tx, metaKeyCheck, check); err != nil {
			return err
		}
	}
	if err := s.writeMeta(tx, metaSchemaVersion, strconv.FormatUint(snap.schemaVersion, 10)); err != nil {
		return err
	}
	if err := s.writeMeta(tx, metaVersion, strconv.FormatUint(snap.version.Seq, 10)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	// Fold the WAL into the main file so the copy stands alone.
	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}
