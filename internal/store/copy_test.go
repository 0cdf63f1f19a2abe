package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/snapdb/internal/dberr"
)

func seedPeople(t *testing.T, s *Store, ids ...int64) Version {
	t.Helper()
	return commit(t, s, func(b *Builder) {
		if !b.Snapshot().HasTable("Person") {
			_, err := b.CreateTable(personSpec)
			require.NoError(t, err)
		}
		for _, id := range ids {
			addPerson(t, b, id, "p")
		}
	})
}

func openCopy(t *testing.T, path string, opts ...Option) (*Store, *Pin) {
	t.Helper()
	s, err := Open(NewConfig(path, append([]Option{WithLogger(discardLogger)}, opts...)...))
	require.NoError(t, err)
	t.Cleanup(func() { s.Release() })
	pin, err := s.Pin(nil)
	require.NoError(t, err)
	t.Cleanup(pin.Release)
	return s, pin
}

func TestWriteCopyTo_PlainFromEncrypted(t *testing.T) {
	s := createTestStore(t, WithEncryptionKey(testKey(1)))
	v := seedPeople(t, s, 1, 2, 3)
	pin, err := s.Pin(nil)
	require.NoError(t, err)
	defer pin.Release()

	dest := filepath.Join(t.TempDir(), "copy.db")
	require.NoError(t, s.WriteCopyTo(pin.Snapshot(), dest, nil))
	assert.NoFileExists(t, dest+"-wal")

	_, cp := openCopy(t, dest)
	assert.Equal(t, v.Seq, cp.Version().Seq)
	assert.Equal(t, []int64{1, 2, 3}, personIDs(t, cp.Snapshot()))
}

func TestWriteCopyTo_Encrypted(t *testing.T) {
	s := createTestStore(t)
	seedPeople(t, s, 1, 2)
	pin, err := s.Pin(nil)
	require.NoError(t, err)
	defer pin.Release()

	dest := filepath.Join(t.TempDir(), "secret.db")
	require.NoError(t, s.WriteCopyTo(pin.Snapshot(), dest, testKey(2)))

	_, err = Open(NewConfig(dest, WithLogger(discardLogger)))
	assert.True(t, dberr.IsEncryption(err), "opening without the key fails")
	_, err = Open(NewConfig(dest, WithLogger(discardLogger), WithEncryptionKey(testKey(3))))
	assert.True(t, dberr.IsEncryption(err), "opening with another key fails")

	_, cp := openCopy(t, dest, WithEncryptionKey(testKey(2)))
	assert.Equal(t, []int64{1, 2}, personIDs(t, cp.Snapshot()))
}

func TestWriteCopyTo_PinnedOlderVersion(t *testing.T) {
	s := createTestStore(t)
	v1 := seedPeople(t, s, 1)
	old, err := s.Pin(&v1)
	require.NoError(t, err)
	defer old.Release()
	seedPeople(t, s, 2, 3)

	dest := filepath.Join(t.TempDir(), "old.db")
	require.NoError(t, s.WriteCopyTo(old.Snapshot(), dest, nil))

	_, cp := openCopy(t, dest)
	assert.Equal(t, v1.Seq, cp.Version().Seq)
	assert.Equal(t, []int64{1}, personIDs(t, cp.Snapshot()))
}

func TestWriteCopyTo_ExistingDestination(t *testing.T) {
	s := createTestStore(t)
	pin, err := s.Pin(nil)
	require.NoError(t, err)
	defer pin.Release()

	dest := filepath.Join(t.TempDir(), "taken.db")
	require.NoError(t, os.WriteFile(dest, []byte("keep"), 0o644))

	err = s.WriteCopyTo(pin.Snapshot(), dest, nil)
	assert.True(t, dberr.IsStorage(err))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
}

func TestWriteCopyTo_ShortKey(t *testing.T) {
	s := createTestStore(t)
	pin, err := s.Pin(nil)
	require.NoError(t, err)
	defer pin.Release()

	dest := filepath.Join(t.TempDir(), "short.db")
	err = s.WriteCopyTo(pin.Snapshot(), dest, []byte("short"))
	assert.True(t, dberr.IsEncryption(err))
	assert.NoFileExists(t, dest)
}
