package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata"
)

func seedDatabase(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stratactl.db")

	db, err := strata.Open(path, strata.Options{})
	require.NoError(t, err)
	defer db.Close()

	wt, err := db.BeginWrite()
	require.NoError(t, err)

	tbl, err := wt.AddTable("widgets")
	require.NoError(t, err)
	nameCol, err := tbl.AddColumn("name", strata.TypeString, false, strata.CollectionScalar, 0, strata.NoTable, 0)
	require.NoError(t, err)

	for _, name := range []string{"sprocket", "cog"} {
		obj, err := tbl.CreateObject(strata.NullKey, false)
		require.NoError(t, err)
		require.NoError(t, obj.Set(nameCol, strata.StringValue(name)))
	}

	_, err = wt.Commit()
	require.NoError(t, err)

	return path
}

func TestDumpTables(t *testing.T) {
	path := seedDatabase(t)

	err := dumpCmd.RunE(dumpCmd, []string{path})
	assert.NoError(t, err)
}

func TestDumpSingleTable(t *testing.T) {
	path := seedDatabase(t)

	err := dumpCmd.RunE(dumpCmd, []string{path, "widgets"})
	assert.NoError(t, err)
}

func TestDumpUnknownTable(t *testing.T) {
	path := seedDatabase(t)

	err := dumpCmd.RunE(dumpCmd, []string{path, "nope"})
	assert.Error(t, err)
}

func TestVerifyValidDatabase(t *testing.T) {
	path := seedDatabase(t)

	err := verifyCmd.RunE(verifyCmd, []string{path})
	assert.NoError(t, err)
}

func TestVerifyMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.db")

	err := verifyCmd.RunE(verifyCmd, []string{path})
	assert.Error(t, err)
}

func TestCompact(t *testing.T) {
	path := seedDatabase(t)

	err := compactCmd.RunE(compactCmd, []string{path})
	assert.NoError(t, err)

	// A second compaction on an already-tidy ledger should still succeed.
	err = compactCmd.RunE(compactCmd, []string{path})
	assert.NoError(t, err)
}
