package query

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/snapdb/internal/dberr"
	"github.com/roach88/snapdb/internal/store"
)

var personSpec = store.TableSpec{
	Name: "Person",
	Columns: []store.ColumnSpec{
		{Name: "id", Type: store.TypeInt},
		{Name: "name", Type: store.TypeString},
		{Name: "age", Type: store.TypeInt},
	},
	PrimaryKey: "id",
}

type person struct {
	id   int64
	name string
	age  int64
}

var people = []person{
	{1, "Ann", 31},
	{2, "Bob", 25},
	{3, "Cleo", 47},
	{4, "Dan", 25},
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(store.NewConfig(filepath.Join(t.TempDir(), "q.db"),
		store.WithDurability(store.MemoryOnly), store.WithLogger(logger)))
	require.NoError(t, err)
	t.Cleanup(func() { st.Release() })
	return st
}

// commit applies fn to the latest version and returns a pin on the result.
func commit(t *testing.T, st *store.Store, fn func(b *store.Builder)) *store.Pin {
	t.Helper()
	w, err := st.LockWrite(context.Background())
	require.NoError(t, err)
	defer w.Unlock()
	base, err := st.Pin(nil)
	require.NoError(t, err)
	defer base.Release()

	b := store.NewBuilder(base.Snapshot())
	fn(b)
	pin, err := st.Commit(w, b)
	require.NoError(t, err)
	return pin
}

func seed(t *testing.T, st *store.Store) *store.Pin {
	t.Helper()
	return commit(t, st, func(b *store.Builder) {
		_, err := b.CreateTable(personSpec)
		require.NoError(t, err)
		for _, p := range people {
			_, _, err := b.AddRow("Person", []store.Value{store.Int(p.id), store.String(p.name), store.Int(p.age)})
			require.NoError(t, err)
		}
	})
}

func ids(t *testing.T, snap *store.Snapshot, v *View) []int64 {
	t.Helper()
	ts, ok := snap.Table("Person")
	require.True(t, ok)
	out := make([]int64, len(v.Keys))
	for i, k := range v.Keys {
		idx, ok := ts.IndexOf(k)
		require.True(t, ok)
		out[i] = int64(ts.Value(idx, 0).(store.Int))
	}
	return out
}

func TestEvaluate(t *testing.T) {
	st := openStore(t)
	pin := seed(t, st)
	defer pin.Release()
	snap := pin.Snapshot()

	tests := []struct {
		name string
		q    *Query
		want []int64
	}{
		{"all", New("Person"), []int64{1, 2, 3, 4}},
		{"equal", New("Person").Equal("age", 25), []int64{2, 4}},
		{"not equal", New("Person").NotEqual("age", 25), []int64{1, 3}},
		{"greater", New("Person").Greater("age", 30), []int64{1, 3}},
		{"less", New("Person").Less("age", 30), []int64{2, 4}},
		{"contains", New("Person").Contains("name", "o"), []int64{2, 3}},
		{"and", New("Person").Equal("age", 25).Contains("name", "D"), []int64{4}},
		{"sort desc", New("Person").SortBy("age", true), []int64{3, 1, 2, 4}},
		{"sort stable", New("Person").SortBy("age", false), []int64{2, 4, 1, 3}},
		{"limit", New("Person").SortBy("name", true).Limit(2), []int64{4, 3}},
		{"none", New("Person").Equal("name", "Zed"), []int64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Evaluate(context.Background(), snap, tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(t, snap, v))
			assert.Equal(t, snap.Version(), v.Version)
		})
	}
}

func TestEvaluate_Errors(t *testing.T) {
	st := openStore(t)
	pin := seed(t, st)
	defer pin.Release()
	snap := pin.Snapshot()

	_, err := Evaluate(context.Background(), snap, New("Nope"))
	assert.True(t, dberr.IsTableNotFound(err))
	_, err = Evaluate(context.Background(), snap, New("Person").Equal("height", 1))
	assert.True(t, dberr.IsFieldNotFound(err))
	_, err = Evaluate(context.Background(), snap, New("Person").Equal("age", "old"))
	assert.True(t, dberr.IsTypeMismatch(err))
	_, err = Evaluate(context.Background(), snap, New("Person").Contains("age", "2"))
	assert.True(t, dberr.IsTypeMismatch(err))
	_, err = Evaluate(context.Background(), snap, New("Person").Equal("age", struct{}{}))
	assert.True(t, dberr.IsTypeMismatch(err))
	_, err = Evaluate(context.Background(), snap, New("Person").SortBy("height", false))
	assert.True(t, dberr.IsFieldNotFound(err))
}

func TestEvaluate_Cancelled(t *testing.T) {
	st := openStore(t)
	pin := seed(t, st)
	defer pin.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Evaluate(ctx, pin.Snapshot(), New("Person"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFindFirst(t *testing.T) {
	st := openStore(t)
	pin := seed(t, st)
	defer pin.Release()

	q := New("Person").Equal("age", 25)
	v, err := FindFirst(context.Background(), pin.Snapshot(), q)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids(t, pin.Snapshot(), v))
	assert.Equal(t, 0, q.Max, "FindFirst does not modify the query")
}

func TestFingerprint(t *testing.T) {
	st := openStore(t)
	p1 := seed(t, st)
	defer p1.Release()

	q := New("Person").Equal("age", 25)
	v1, err := Evaluate(context.Background(), p1.Snapshot(), q)
	require.NoError(t, err)

	// A commit that does not touch matching rows keeps the fingerprint.
	p2 := commit(t, st, func(b *store.Builder) {
		require.NoError(t, b.SetValue("Person", 0, 1, store.String("Anna")))
	})
	defer p2.Release()
	v2, err := Evaluate(context.Background(), p2.Snapshot(), q)
	require.NoError(t, err)
	assert.True(t, v1.Same(v2))
	assert.NotEqual(t, v1.Version, v2.Version)

	// Changing a matching row's value changes it.
	p3 := commit(t, st, func(b *store.Builder) {
		require.NoError(t, b.SetValue("Person", 1, 1, store.String("Bobby")))
	})
	defer p3.Release()
	v3, err := Evaluate(context.Background(), p3.Snapshot(), q)
	require.NoError(t, err)
	assert.False(t, v2.Same(v3))
}

func TestRun_OwnsPin(t *testing.T) {
	st := openStore(t)
	seed(t, st).Release()

	pin, err := st.Pin(nil)
	require.NoError(t, err)
	seq := pin.Version().Seq
	v, err := Run(context.Background(), pin, New("Person"))
	require.NoError(t, err)
	assert.True(t, v.Pinned())
	assert.Equal(t, 4, v.Len())
	assert.NotNil(t, v.Snapshot())

	v.Close()
	v.Close()
	assert.False(t, v.Pinned())
	assert.Equal(t, 0, st.PinCount(seq))

	pin, err = st.Pin(nil)
	require.NoError(t, err)
	_, err = Run(context.Background(), pin, New("Nope"))
	require.Error(t, err)
	assert.True(t, pin.Released())
}

func TestQuery_String(t *testing.T) {
	q := New("Person").Equal("age", 25).SortBy("name", true).Limit(3)
	assert.Equal(t, "Person age == 25 sort name desc limit 3", q.String())
}
