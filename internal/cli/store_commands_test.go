package cli

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/snapdb/internal/dberr"
	"github.com/roach88/snapdb/internal/session"
	"github.com/roach88/snapdb/internal/store"
)

func TestInfo_Text(t *testing.T) {
	path := seedStore(t)

	out, err := execute(t, "info", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Durability:     full")
	assert.Contains(t, out, "Version:        1")
	assert.Contains(t, out, "Schema version: 0")
	assert.Contains(t, out, "Person (2 rows)")
	assert.Contains(t, out, "id int [primary key]")
	assert.Contains(t, out, "active bool\n")
}

func TestInfo_JSON(t *testing.T) {
	path := seedStore(t)

	out, err := execute(t, "--format", "json", "info", path)
	require.NoError(t, err)

	var info InfoResult
	resp := decodeData(t, out, &info)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, uint64(1), info.Version)
	require.Len(t, info.Tables, 1)
	assert.Equal(t, "Person", info.Tables[0].Name)
	assert.Equal(t, 2, info.Tables[0].Rows)
	assert.Equal(t, "id", info.Tables[0].PrimaryKey)
	assert.Equal(t, personSpec().Columns, info.Tables[0].Columns)
}

func TestInfo_ConfigFile(t *testing.T) {
	path := seedStore(t)
	config := filepath.Join(t.TempDir(), "store.yaml")
	require.NoError(t, os.WriteFile(config, []byte("path: "+path+"\ndurability: full\n"), 0644))

	out, err := execute(t, "--config", config, "info")
	require.NoError(t, err)
	assert.Contains(t, out, "Person (2 rows)")
}

func TestInfo_Errors(t *testing.T) {
	t.Run("missing store", func(t *testing.T) {
		_, err := execute(t, "info", filepath.Join(t.TempDir(), "nope.db"))
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Contains(t, err.Error(), "store not found")
	})

	t.Run("no path", func(t *testing.T) {
		_, err := execute(t, "info")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Contains(t, err.Error(), "no store path given")
	})

	t.Run("unknown config field", func(t *testing.T) {
		config := filepath.Join(t.TempDir(), "store.yaml")
		require.NoError(t, os.WriteFile(config, []byte("path: x.db\nhistory: 3\n"), 0644))
		_, err := execute(t, "--config", config, "info")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})
}

func TestDump_Text(t *testing.T) {
	path := seedStore(t)

	out, err := execute(t, "dump", path, "Person")
	require.NoError(t, err)
	assert.Contains(t, out, "Version 1")
	assert.Contains(t, out, "Person (2 rows)")
	assert.Contains(t, out, `id=1 name="ada" active=true`)
	assert.Contains(t, out, `id=2 name="grace" active=false`)
}

func TestDump_JSONAllTables(t *testing.T) {
	path := seedStore(t)

	out, err := execute(t, "--format", "json", "dump", path)
	require.NoError(t, err)

	var dump DumpResult
	decodeData(t, out, &dump)
	assert.Equal(t, uint64(1), dump.Version)
	require.Len(t, dump.Tables, 1)
	require.Len(t, dump.Tables[0].Rows, 2)
	assert.Equal(t, map[string]any{"id": float64(1), "name": "ada", "active": true}, dump.Tables[0].Rows[0])
}

func TestDump_UnknownTable(t *testing.T) {
	path := seedStore(t)

	out, err := execute(t, "dump", path, "Nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [TABLE_NOT_FOUND]")
}

func TestCompact(t *testing.T) {
	path := seedStore(t)

	out, err := execute(t, "compact", path)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Compacted")

	out, err = execute(t, "dump", path, "Person")
	require.NoError(t, err)
	assert.Contains(t, out, `name="grace"`)
}

func TestCompact_InUse(t *testing.T) {
	path := seedStore(t)
	s, err := session.Open(store.NewConfig(path))
	require.NoError(t, err)
	defer s.Close()

	out, err := execute(t, "--format", "json", "compact", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	resp := decodeData(t, out, nil)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "FILE_IN_USE", resp.Error.Code)
}

func TestCopy(t *testing.T) {
	path := seedStore(t)
	dest := filepath.Join(t.TempDir(), "backup.db")

	out, err := execute(t, "copy", path, dest)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Copied")
	assert.Contains(t, out, "at version 1")

	out, err = execute(t, "info", dest)
	require.NoError(t, err)
	assert.Contains(t, out, "Version:        1")
	assert.Contains(t, out, "Person (2 rows)")
}

func TestCopy_Encrypted(t *testing.T) {
	path := seedStore(t)
	dest := filepath.Join(t.TempDir(), "secret.db")
	key := bytes.Repeat([]byte{7}, store.KeySize)

	out, err := execute(t, "--format", "json", "copy", path, dest, "--encryption-key", hex.EncodeToString(key))
	require.NoError(t, err)
	var res CopyResult
	decodeData(t, out, &res)
	assert.True(t, res.Encrypted)
	assert.Equal(t, uint64(1), res.Version)

	_, err = session.Open(store.NewConfig(dest))
	assert.True(t, dberr.IsEncryption(err))

	s, err := session.Open(store.NewConfig(dest, store.WithEncryptionKey(key)))
	require.NoError(t, err)
	defer s.Close()
	names, err := s.TableNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"Person"}, names)
}

func TestCopy_Errors(t *testing.T) {
	path := seedStore(t)

	out, err := execute(t, "copy", path, path)
	require.Error(t, err)
	assert.Contains(t, out, "Error [STORAGE]")

	_, err = execute(t, "copy", path, filepath.Join(t.TempDir(), "b.db"), "--encryption-key", "zz")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestDelete(t *testing.T) {
	path := seedStore(t)

	out, err := execute(t, "delete", path)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Deleted")
	for _, f := range store.Files(path) {
		assert.NoFileExists(t, f)
	}

	_, err = execute(t, "info", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store not found")
}

func TestDelete_InUse(t *testing.T) {
	path := seedStore(t)
	s, err := session.Open(store.NewConfig(path))
	require.NoError(t, err)
	defer s.Close()

	out, err := execute(t, "delete", path)
	require.Error(t, err)
	assert.Contains(t, out, "Error [FILE_IN_USE]")
	assert.FileExists(t, path)
}

func writeSchemaDir(t *testing.T, version int) string {
	t.Helper()
	dir := t.TempDir()
	content := "package schema\n\nschema_version: " + strconv.Itoa(version) + `

table: Person: {
	primary_key: "id"
	columns: { id: "int", name: "string", active: "bool" }
	order: ["id", "name", "active"]
}

table: Pet: {
	primary_key: "name"
	columns: { name: "string", owner: "int" }
	order: ["name", "owner"]
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schema.cue"), []byte(content), 0644))
	return dir
}

func TestMigrate(t *testing.T) {
	path := seedStore(t)
	dir := writeSchemaDir(t, 2)

	out, err := execute(t, "migrate", "--schema", dir, path)
	require.NoError(t, err)
	assert.Contains(t, out, "at schema version 2 (version 2)")

	out, err = execute(t, "--format", "json", "info", path)
	require.NoError(t, err)
	var info InfoResult
	decodeData(t, out, &info)
	assert.Equal(t, uint64(2), info.SchemaVersion)
	require.Len(t, info.Tables, 2)
	assert.Equal(t, "Person", info.Tables[0].Name)
	assert.Equal(t, 2, info.Tables[0].Rows, "existing rows survive")
	assert.Equal(t, "Pet", info.Tables[1].Name)

	t.Run("same version is a no-op", func(t *testing.T) {
		out, err := execute(t, "migrate", "--schema", dir, path)
		require.NoError(t, err)
		assert.Contains(t, out, "at schema version 2 (version 2)")
	})

	t.Run("older version fails", func(t *testing.T) {
		out, err := execute(t, "migrate", "--schema", dir, "--version", "1", path)
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Contains(t, out, "Error [INCOMPATIBLE_CONFIGURATION]")
	})
}

func TestMigrate_BadSchema(t *testing.T) {
	path := seedStore(t)
	_, err := execute(t, "migrate", "--schema", filepath.Join(t.TempDir(), "missing"), path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load schema")
}
