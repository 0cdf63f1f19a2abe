package store

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig(t *testing.T, opts ...Option) Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	return NewConfig(path, append([]Option{WithLogger(discardLogger)}, opts...)...)
}

// createTestStore opens a new store in a temp dir and releases it on cleanup.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(testConfig(t, opts...))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() {
		for s.RefCount() > 0 {
			s.Release()
		}
	})
	return s
}

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, KeySize)
}

var personSpec = TableSpec{
	Name: "Person",
	Columns: []ColumnSpec{
		{Name: "id", Type: TypeInt},
		{Name: "name", Type: TypeString},
	},
	PrimaryKey: "id",
}

// commit runs fn in a write against the latest version and commits it.
func commit(t *testing.T, s *Store, fn func(b *Builder)) Version {
	t.Helper()
	w, err := s.LockWrite(context.Background())
	require.NoError(t, err)
	defer w.Unlock()

	base, err := s.Pin(nil)
	require.NoError(t, err)
	defer base.Release()

	b := NewBuilder(base.Snapshot())
	fn(b)

	pin, err := s.Commit(w, b)
	require.NoError(t, err)
	pin.Release()
	return pin.Version()
}

func addPerson(t *testing.T, b *Builder, id int64, name string) {
	t.Helper()
	_, _, err := b.AddRow("Person", []Value{Int(id), String(name)})
	require.NoError(t, err)
}

func personIDs(t *testing.T, snap *Snapshot) []int64 {
	t.Helper()
	tbl, ok := snap.Table("Person")
	require.True(t, ok)
	ids := make([]int64, tbl.Len())
	for i := range ids {
		ids[i] = int64(tbl.Value(i, 0).(Int))
	}
	return ids
}

// countingCloser counts Close calls on a store attachment.
type countingCloser struct{ n atomic.Int32 }

func (c *countingCloser) Close() error {
	c.n.Add(1)
	return nil
}
