package store

import (
	"encoding/hex"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDurability(t *testing.T) {
	d, err := ParseDurability("")
	require.NoError(t, err)
	assert.Equal(t, Full, d)

	d, err = ParseDurability("Memory")
	require.NoError(t, err)
	assert.Equal(t, MemoryOnly, d)

	_, err = ParseDurability("disk")
	assert.Error(t, err)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	key := strings.Repeat("ab", KeySize)
	path := filepath.Join(dir, "snapdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"path: ./data.db\n"+
			"durability: memory\n"+
			"encryption_key: "+key+"\n"+
			"schema_version: 2\n"+
			"retain_versions: 3\n"), 0o644))

	fc, err := LoadConfigFile(path)
	require.NoError(t, err)
	cfg, err := fc.Config()
	require.NoError(t, err)

	assert.Equal(t, "./data.db", cfg.Path)
	assert.Equal(t, MemoryOnly, cfg.Durability)
	assert.Equal(t, uint64(2), cfg.SchemaVersion)
	assert.Equal(t, 3, cfg.RetainVersions)
	want, _ := hex.DecodeString(key)
	assert.Equal(t, want, cfg.EncryptionKey)
}

func TestLoadConfigFile_UnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("path: x.db\ndurabilty: full\n"), 0o644))

	_, err := LoadConfigFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "durabilty")
}

func TestCanonicalPath_ResolvesRelative(t *testing.T) {
	got, err := CanonicalPath("x.db")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got))
}

func TestValueOf(t *testing.T) {
	tests := []struct {
		in   any
		want Value
	}{
		{7, Int(7)},
		{int64(-1), Int(-1)},
		{"é", String("é")}, // NFC
		{true, Bool(true)},
		{1.5, Double(1.5)},
		{[]byte{1}, Binary{1}},
		{Int(3), Int(3)},
	}
	for _, tt := range tests {
		got, err := ValueOf(tt.in)
		require.NoError(t, err)
		assert.True(t, Equal(tt.want, got), "ValueOf(%v) = %v", tt.in, got)
	}

	_, err := ValueOf(struct{}{})
	assert.Error(t, err)
}

func TestCompare(t *testing.T) {
	assert.Equal(t, -1, Compare(Int(1), Int(2)))
	assert.Equal(t, 1, Compare(String("b"), String("a")))
	assert.Equal(t, 0, Compare(Bool(true), Bool(true)))
	assert.Equal(t, -1, Compare(Bool(false), Bool(true)))
	assert.Equal(t, -1, Compare(Int(100), String("a")))
}

func TestMarshalValues_RoundTrip(t *testing.T) {
	values := []Value{Int(1 << 60), String("<tag>"), Bool(true), Double(2.5), Binary{0, 1}}
	data, err := marshalValues(values)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<tag>")

	got, err := unmarshalValues(data)
	require.NoError(t, err)
	require.Len(t, got, len(values))
	for i := range values {
		assert.True(t, Equal(values[i], got[i]), "value %d", i)
	}
}

func TestMarshalValues_SpecialDoubles(t *testing.T) {
	values := []Value{Double(math.NaN()), Double(math.Inf(1)), Double(math.Inf(-1)), Double(math.Copysign(0, -1)), Double(0)}
	data, err := marshalValues(values)
	require.NoError(t, err)

	got, err := unmarshalValues(data)
	require.NoError(t, err)
	require.Len(t, got, len(values))
	for i := range values {
		want := math.Float64bits(float64(values[i].(Double)))
		assert.Equal(t, want, math.Float64bits(float64(got[i].(Double))), "value %d", i)
	}
}
