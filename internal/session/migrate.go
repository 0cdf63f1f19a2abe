package session

import (
	"context"

	"github.com/roach88/snapdb/internal/dberr"
	"github.com/roach88/snapdb/internal/store"
	"github.com/roach88/snapdb/internal/table"
	"github.com/roach88/snapdb/internal/txn"
)

// Migration moves the data of a store from schema version from to to. It
// runs inside the migration's write transaction.
type Migration func(tx *txn.Transaction, from, to uint64) error

// Migrate brings the store at cfg.Path to cfg.SchemaVersion.
//
// Tables in specs that do not exist yet are created and existing ones must
// carry the declared columns with the declared types, then migration (if
// non-nil) runs, then the new schema version is recorded; all of it in one
// write that commits or leaves the store untouched. Migrate refuses to run
// while any handle has the store open, and does nothing when the store is
// already at cfg.SchemaVersion.
func Migrate(ctx context.Context, cfg store.Config, specs []store.TableSpec, migration Migration) (store.Version, error) {
	path, err := store.CanonicalPath(cfg.Path)
	if err != nil {
		return store.Version{}, err
	}
	if refs := store.RefCount(path); refs > 0 {
		return store.Version{}, dberr.FileInUse(path, "migrate", refs)
	}

	st, err := store.Open(cfg)
	if err != nil {
		return store.Version{}, err
	}
	tx, err := txn.Begin(st)
	st.Release()
	if err != nil {
		return store.Version{}, err
	}
	defer tx.Close()

	from, err := tx.SchemaVersion()
	if err != nil {
		return store.Version{}, err
	}
	to := cfg.SchemaVersion
	switch {
	case from > to:
		return store.Version{}, dberr.Incompatible(path, "store schema version %d is newer than %d", from, to)
	case from == to:
		return tx.Version(), nil
	}

	if err := tx.PromoteToWrite(ctx); err != nil {
		return store.Version{}, err
	}
	for _, spec := range specs {
		ok, err := tx.HasTable(spec.Name)
		if err != nil {
			return store.Version{}, err
		}
		if ok {
			tbl, err := table.Open(tx, spec.Name)
			if err != nil {
				return store.Version{}, err
			}
			if err := table.ValidateModel(tbl, table.SpecModel(spec)); err != nil {
				return store.Version{}, err
			}
			continue
		}
		if _, err := tx.CreateTable(spec); err != nil {
			return store.Version{}, err
		}
	}
	if migration != nil {
		if err := migration(tx, from, to); err != nil {
			return store.Version{}, err
		}
	}
	if err := tx.SetSchemaVersion(to); err != nil {
		return store.Version{}, err
	}

	v, err := tx.CommitAndContinueAsRead()
	if err != nil {
		return store.Version{}, err
	}
	st.Logger().Info("store migrated", "path", path, "from", from, "to", to, "version", v.Seq)
	return v, nil
}
