package store

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/snapdb/internal/dberr"
)

func TestDelete_FailsWhileOpen(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(cfg)
	require.NoError(t, err)
	defer s.Release()

	ok, err := Delete(cfg)
	assert.False(t, ok)
	assert.True(t, dberr.IsFileInUse(err), "got %v", err)

	// Nothing was removed.
	_, err = os.Stat(s.Path())
	assert.NoError(t, err)
	_, err = os.Stat(s.Path() + ".lock")
	assert.NoError(t, err)
}

func TestDelete_RemovesAllFiles(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(cfg)
	require.NoError(t, err)
	commit(t, s, func(b *Builder) { b.SetSchemaVersion(1) })
	path := s.Path()
	require.NoError(t, s.Release())

	// Auxiliary files that may or may not exist are created to be sure.
	require.NoError(t, os.WriteFile(path+".lock_b", nil, 0o644))

	ok, err := Delete(cfg)
	require.NoError(t, err)
	assert.True(t, ok)
	for _, name := range Files(path) {
		_, err := os.Stat(name)
		assert.True(t, os.IsNotExist(err), "%s still exists", name)
	}
}

func TestDelete_HoldsLockWhileRemoving(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(cfg)
	require.NoError(t, err)
	commit(t, s, func(b *Builder) { b.SetSchemaVersion(1) })
	path := s.Path()
	require.NoError(t, s.Release())

	var held []bool
	removeFile = func(name string) error {
		if name == path {
			l, err := openLockFile(path + lockSuffixOpen)
			require.NoError(t, err)
			ok, err := l.TryExclusive()
			require.NoError(t, err)
			l.Close()
			held = append(held, !ok)
		}
		return os.Remove(name)
	}
	t.Cleanup(func() { removeFile = os.Remove })

	ok, err := Delete(cfg)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []bool{true}, held, "no other handle can open the store mid-delete")
}

func TestDelete_MissingStore(t *testing.T) {
	ok, err := Delete(testConfig(t))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompact_FailsWhileOpen(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(cfg)
	require.NoError(t, err)
	defer s.Release()

	assert.True(t, dberr.IsFileInUse(Compact(cfg)))
}

func TestCompact_PreservesData(t *testing.T) {
	cfg := testConfig(t, WithEncryptionKey(testKey(4)))
	s, err := Open(cfg)
	require.NoError(t, err)
	commit(t, s, func(b *Builder) {
		_, err := b.CreateTable(personSpec)
		require.NoError(t, err)
		for i := int64(1); i <= 20; i++ {
			addPerson(t, b, i, "p")
		}
	})
	commit(t, s, func(b *Builder) {
		for i := 0; i < 15; i++ {
			require.NoError(t, b.MoveLastOver("Person", 0))
		}
	})
	require.NoError(t, s.Release())

	require.NoError(t, Compact(cfg))

	s, err = Open(cfg)
	require.NoError(t, err)
	defer s.Release()
	pin, err := s.Pin(nil)
	require.NoError(t, err)
	defer pin.Release()
	assert.Len(t, personIDs(t, pin.Snapshot()), 5)
}

func TestCompact_MemoryOnlyIsNoop(t *testing.T) {
	assert.NoError(t, Compact(testConfig(t, WithDurability(MemoryOnly))))
}
