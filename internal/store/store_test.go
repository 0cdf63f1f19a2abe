package store

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/snapdb/internal/dberr"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	s := createTestStore(t)

	for _, name := range []string{s.Path(), s.Path() + ".lock", s.Path() + ".lock_a", s.Path() + ".log"} {
		if _, err := os.Stat(name); os.IsNotExist(err) {
			t.Errorf("%s was not created", name)
		}
	}
	assert.Equal(t, uint64(0), s.Latest().Seq)
}

func TestOpen_SamePathSharesStore(t *testing.T) {
	cfg := testConfig(t)
	s1, err := Open(cfg)
	require.NoError(t, err)
	s2, err := Open(cfg)
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, 2, RefCount(cfg.Path))

	require.NoError(t, s1.Release())
	require.NoError(t, s2.Release())
	assert.False(t, IsOpen(cfg.Path))
}

func TestOpen_IncompatibleConfiguration(t *testing.T) {
	cfg := testConfig(t, WithEncryptionKey(testKey(1)), WithSchemaVersion(3))
	s, err := Open(cfg)
	require.NoError(t, err)
	defer s.Release()

	tests := []struct {
		name string
		opt  Option
	}{
		{"different key", WithEncryptionKey(testKey(2))},
		{"different schema version", WithSchemaVersion(4)},
		{"different durability", WithDurability(MemoryOnly)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := cfg
			tt.opt(&other)
			_, err := Open(other)
			assert.True(t, dberr.IsIncompatibleConfiguration(err), "got %v", err)
		})
	}
	assert.Equal(t, 1, s.RefCount())
}

func TestOpen_RejectsShortKey(t *testing.T) {
	_, err := Open(testConfig(t, WithEncryptionKey([]byte("short"))))
	assert.True(t, dberr.IsEncryption(err))
}

func TestRelease_BelowZero(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(cfg)
	require.NoError(t, err)

	require.NoError(t, s.Release())
	err = s.Release()
	assert.True(t, dberr.IsAlreadyClosed(err), "got %v", err)
	assert.True(t, dberr.IsAlreadyClosed(Release(cfg.Path)))
}

func TestRelease_FreesResourcesOnLastReference(t *testing.T) {
	const n = 5
	cfg := testConfig(t)

	stores := make([]*Store, n)
	for i := range stores {
		s, err := Open(cfg)
		require.NoError(t, err)
		stores[i] = s
	}
	closer := &countingCloser{}
	stores[0].Attach("counter", func() any { return closer })

	// Release in reverse order; the first n-1 must not free anything.
	for i := n - 1; i > 0; i-- {
		require.NoError(t, stores[i].Release())
		assert.Equal(t, int32(0), closer.n.Load())
		assert.False(t, stores[0].IsClosed())
	}
	require.NoError(t, stores[0].Release())
	assert.Equal(t, int32(1), closer.n.Load())
	assert.True(t, stores[0].IsClosed())
}

func TestAcquireRelease_ByPath(t *testing.T) {
	s := createTestStore(t)

	require.NoError(t, Acquire(s.Path()))
	assert.Equal(t, 2, s.RefCount())
	require.NoError(t, Release(s.Path()))
	assert.Equal(t, 1, s.RefCount())
}

func TestCommit_MonotonicVersions(t *testing.T) {
	s := createTestStore(t)
	commit(t, s, func(b *Builder) {
		_, err := b.CreateTable(personSpec)
		require.NoError(t, err)
	})

	var last uint64
	for i := int64(1); i <= 10; i++ {
		v := commit(t, s, func(b *Builder) { addPerson(t, b, i, "p") })
		assert.Greater(t, v.Seq, last)
		last = v.Seq
	}
	assert.Equal(t, last, s.Latest().Seq)
}

func TestCommit_PersistsAcrossReopen(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(cfg)
	require.NoError(t, err)

	commit(t, s, func(b *Builder) {
		_, err := b.CreateTable(personSpec)
		require.NoError(t, err)
		addPerson(t, b, 1, "ada")
		addPerson(t, b, 2, "grace")
		addPerson(t, b, 3, "barbara")
		b.SetSchemaVersion(5)
	})
	commit(t, s, func(b *Builder) { require.NoError(t, b.MoveLastOver("Person", 0)) })
	latest := s.Latest()
	require.NoError(t, s.Release())

	s, err = Open(cfg)
	require.NoError(t, err)
	defer s.Release()

	assert.Equal(t, latest.Seq, s.Latest().Seq)
	assert.Equal(t, uint64(5), s.SchemaVersion())

	pin, err := s.Pin(nil)
	require.NoError(t, err)
	defer pin.Release()
	assert.Equal(t, []int64{3, 2}, personIDs(t, pin.Snapshot()))

	tbl, _ := pin.Snapshot().Table("Person")
	key, ok := tbl.FindPrimaryKey(Int(3))
	require.True(t, ok)
	idx, ok := tbl.IndexOf(key)
	require.True(t, ok)
	assert.Equal(t, 0, idx)
}

func TestPin_SnapshotIsolation(t *testing.T) {
	s := createTestStore(t)
	commit(t, s, func(b *Builder) {
		_, err := b.CreateTable(personSpec)
		require.NoError(t, err)
		addPerson(t, b, 1, "a")
	})

	reader, err := s.Pin(nil)
	require.NoError(t, err)
	defer reader.Release()

	commit(t, s, func(b *Builder) { addPerson(t, b, 2, "b") })

	assert.Equal(t, []int64{1}, personIDs(t, reader.Snapshot()))
	latest, err := s.Pin(nil)
	require.NoError(t, err)
	defer latest.Release()
	assert.Equal(t, []int64{1, 2}, personIDs(t, latest.Snapshot()))
}

func TestPin_ReclaimedVersionUnavailable(t *testing.T) {
	s := createTestStore(t, WithRetainVersions(NoHistory))
	v1 := commit(t, s, func(b *Builder) {
		_, err := b.CreateTable(personSpec)
		require.NoError(t, err)
	})
	commit(t, s, func(b *Builder) { addPerson(t, b, 1, "a") })

	_, err := s.Pin(&v1)
	assert.True(t, dberr.IsVersionUnavailable(err), "got %v", err)
	assert.Equal(t, []uint64{2}, s.RetainedVersions())
}

func TestPin_PinnedVersionRetained(t *testing.T) {
	s := createTestStore(t, WithRetainVersions(NoHistory))
	v1 := commit(t, s, func(b *Builder) {
		_, err := b.CreateTable(personSpec)
		require.NoError(t, err)
	})
	held, err := s.Pin(&v1)
	require.NoError(t, err)

	commit(t, s, func(b *Builder) { addPerson(t, b, 1, "a") })

	again, err := s.Pin(&v1)
	require.NoError(t, err)
	assert.Equal(t, 2, s.PinCount(v1.Seq))

	held.Release()
	again.Release()
	held.Release() // idempotent
	assert.Equal(t, 0, s.PinCount(v1.Seq))
	_, err = s.Pin(&v1)
	assert.True(t, dberr.IsVersionUnavailable(err))
}

func TestPin_RetainVersions(t *testing.T) {
	s := createTestStore(t, WithRetainVersions(2))
	for i := 0; i < 5; i++ {
		commit(t, s, func(b *Builder) { b.SetSchemaVersion(uint64(i)) })
	}
	assert.Equal(t, []uint64{3, 4, 5}, s.RetainedVersions())
}

func TestPin_DefaultRetention(t *testing.T) {
	s := createTestStore(t)
	assert.Equal(t, DefaultRetainVersions, s.Config().RetainVersions)

	var versions []Version
	for i := 0; i < 10; i++ {
		versions = append(versions, commit(t, s, func(b *Builder) { b.SetSchemaVersion(uint64(i)) }))
	}
	assert.Equal(t, []uint64{2, 3, 4, 5, 6, 7, 8, 9, 10}, s.RetainedVersions())

	pin, err := s.Pin(&versions[1])
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pin.Snapshot().SchemaVersion())
	pin.Release()

	_, err = s.Pin(&versions[0])
	assert.True(t, dberr.IsVersionUnavailable(err), "got %v", err)
}

func TestPin_FutureVersionUnavailable(t *testing.T) {
	s := createTestStore(t)
	_, err := s.Pin(&Version{Seq: 99})
	assert.True(t, dberr.IsVersionUnavailable(err))
}

func TestPin_AbandonedPinReclaimed(t *testing.T) {
	s := createTestStore(t, WithRetainVersions(NoHistory))
	v1 := commit(t, s, func(b *Builder) { b.SetSchemaVersion(1) })

	func() {
		_, err := s.Pin(&v1)
		require.NoError(t, err)
	}()
	commit(t, s, func(b *Builder) { b.SetSchemaVersion(2) })
	assert.Equal(t, 1, s.PinCount(v1.Seq))

	require.Eventually(t, func() bool {
		runtime.GC()
		s.Reclaim()
		return s.PinCount(v1.Seq) == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{2}, s.RetainedVersions())
}

func TestLockWrite_Exclusive(t *testing.T) {
	s := createTestStore(t)

	first, err := s.LockWrite(context.Background())
	require.NoError(t, err)

	acquired := make(chan *WriteLock)
	go func() {
		w, err := s.LockWrite(context.Background())
		if err == nil {
			acquired <- w
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second writer acquired the lock while the first held it")
	case <-time.After(50 * time.Millisecond):
	}

	first.Unlock()
	select {
	case w := <-acquired:
		w.Unlock()
	case <-time.After(5 * time.Second):
		t.Fatal("second writer never acquired the lock")
	}
}

func TestLockWrite_ContextCancelled(t *testing.T) {
	s := createTestStore(t)
	w, err := s.LockWrite(context.Background())
	require.NoError(t, err)
	defer w.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.LockWrite(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommit_RequiresWriteLock(t *testing.T) {
	s := createTestStore(t)
	pin, err := s.Pin(nil)
	require.NoError(t, err)
	defer pin.Release()

	_, err = s.Commit(nil, NewBuilder(pin.Snapshot()))
	assert.True(t, dberr.IsNotInTransaction(err))
}

func TestOnCommit_PublishOrder(t *testing.T) {
	s := createTestStore(t)

	var mu sync.Mutex
	var got []string
	s.OnCommit(func(ev CommitEvent) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, "first")
	})
	remove := s.OnCommit(func(ev CommitEvent) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, "second")
	})

	s.Publish(Version{Seq: 1}, nil)
	remove()
	s.Publish(Version{Seq: 2}, nil)
	assert.Equal(t, []string{"first", "second", "first"}, got)
}

func TestMemoryOnly_DiscardedOnClose(t *testing.T) {
	cfg := testConfig(t, WithDurability(MemoryOnly))
	s, err := Open(cfg)
	require.NoError(t, err)
	commit(t, s, func(b *Builder) {
		_, err := b.CreateTable(personSpec)
		require.NoError(t, err)
	})
	require.NoError(t, s.Release())

	_, err = os.Stat(cfg.Path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Clean(s.Path() + ".lock"))
	assert.True(t, os.IsNotExist(err))

	s, err = Open(cfg)
	require.NoError(t, err)
	defer s.Release()
	pin, err := s.Pin(nil)
	require.NoError(t, err)
	defer pin.Release()
	assert.False(t, pin.Snapshot().HasTable("Person"))
}

func TestEncryption_RoundTrip(t *testing.T) {
	cfg := testConfig(t, WithEncryptionKey(testKey(9)))
	s, err := Open(cfg)
	require.NoError(t, err)
	commit(t, s, func(b *Builder) {
		_, err := b.CreateTable(personSpec)
		require.NoError(t, err)
		addPerson(t, b, 1, "secret-name")
	})
	require.NoError(t, s.Release())

	raw, err := os.ReadFile(cfg.Path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret-name")

	s, err = Open(cfg)
	require.NoError(t, err)
	defer s.Release()
	pin, err := s.Pin(nil)
	require.NoError(t, err)
	defer pin.Release()
	tbl, _ := pin.Snapshot().Table("Person")
	assert.Equal(t, String("secret-name"), tbl.Value(0, 1))
}

func TestEncryption_WrongKey(t *testing.T) {
	cfg := testConfig(t, WithEncryptionKey(testKey(1)))
	s, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Release())

	wrong := cfg
	wrong.EncryptionKey = testKey(2)
	_, err = Open(wrong)
	assert.True(t, dberr.IsEncryption(err), "got %v", err)

	missing := cfg
	missing.EncryptionKey = nil
	_, err = Open(missing)
	assert.True(t, dberr.IsEncryption(err), "got %v", err)
	assert.False(t, IsOpen(cfg.Path))
}

func TestEncryption_UnencryptedStoreRejectsKey(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(cfg)
	require.NoError(t, err)
	commit(t, s, func(b *Builder) { b.SetSchemaVersion(1) })
	require.NoError(t, s.Release())

	cfg.EncryptionKey = testKey(3)
	_, err = Open(cfg)
	assert.True(t, dberr.IsEncryption(err))
}

func TestCommit_PersistsSpecialDoubles(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(cfg)
	require.NoError(t, err)

	spec := TableSpec{Name: "Reading", Columns: []ColumnSpec{{Name: "value", Type: TypeDouble}}}
	commit(t, s, func(b *Builder) {
		_, err := b.CreateTable(spec)
		require.NoError(t, err)
		for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
			_, _, err := b.AddRow("Reading", []Value{Double(v)})
			require.NoError(t, err)
		}
	})
	require.NoError(t, s.Release())

	s, err = Open(cfg)
	require.NoError(t, err)
	defer s.Release()
	pin, err := s.Pin(nil)
	require.NoError(t, err)
	defer pin.Release()

	tbl, ok := pin.Snapshot().Table("Reading")
	require.True(t, ok)
	require.Equal(t, 3, tbl.Len())
	assert.True(t, math.IsNaN(float64(tbl.Value(0, 0).(Double))))
	assert.True(t, math.IsInf(float64(tbl.Value(1, 0).(Double)), 1))
	assert.True(t, math.IsInf(float64(tbl.Value(2, 0).(Double)), -1))
}

// openSecondHandle opens cfg.Path outside the registry, the way another
// process would.
func openSecondHandle(t *testing.T, cfg Config) *Store {
	t.Helper()
	ncfg, err := cfg.normalize()
	require.NoError(t, err)
	other, err := openStore(ncfg)
	require.NoError(t, err)
	t.Cleanup(func() { other.close() })
	return other
}

func TestPin_LoadsCommitsFromAnotherProcess(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(cfg)
	require.NoError(t, err)
	defer s.Release()
	other := openSecondHandle(t, cfg)

	v := commit(t, other, func(b *Builder) {
		_, err := b.CreateTable(personSpec)
		require.NoError(t, err)
		addPerson(t, b, 1, "ada")
	})
	assert.Equal(t, uint64(0), s.Latest().Seq)

	pin, err := s.Pin(nil)
	require.NoError(t, err)
	defer pin.Release()
	assert.Equal(t, v.Seq, pin.Version().Seq)
	assert.Equal(t, []int64{1}, personIDs(t, pin.Snapshot()))

	// Exact-version pins do not reload.
	commit(t, other, func(b *Builder) { addPerson(t, b, 2, "grace") })
	held, err := s.Pin(&v)
	require.NoError(t, err)
	held.Release()
	assert.Equal(t, v.Seq, s.Latest().Seq)

	require.NoError(t, s.Refresh())
	assert.Equal(t, v.Seq+1, s.Latest().Seq)
}

func TestRefresh_SkippedWhileWriting(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(cfg)
	require.NoError(t, err)
	defer s.Release()

	w, err := s.LockWrite(context.Background())
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- s.Refresh() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Refresh blocked behind the write lock")
	}
	w.Unlock()
}
