package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/williamyang98/QuaternionIMU/internal/testutil"
)

func TestMigrateCommands(t *testing.T) {
	testutil.MuteLogs(t)
	path := filepath.Join(t.TempDir(), "imu.db")

	out, err := execute(t, "migrate", "status", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "current version: 0")
	assert.Contains(t, out, "latest version: 2")
	assert.Contains(t, out, "2 migration(s) pending")

	out, err = execute(t, "migrate", "up", "--db", path)
	require.NoError(t, err)
	assert.Equal(t, "migrated: schema version 2 of 2 (dirty: false)\n", out)

	out, err = execute(t, "migrate", "down", "--db", path)
	require.NoError(t, err)
	assert.Equal(t, "rolled back: schema version 1 of 2 (dirty: false)\n", out)

	out, err = execute(t, "migrate", "force", "2", "--db", path)
	require.NoError(t, err)
	assert.Equal(t, "forced: schema version 2 of 2 (dirty: false)\n", out)

	out, err = execute(t, "migrate", "status", "--db", path)
	require.NoError(t, err)
	assert.NotContains(t, out, "pending")
}

func TestMigrateForce_InvalidVersion(t *testing.T) {
	_, err := execute(t, "migrate", "force", "latest", "--db", filepath.Join(t.TempDir(), "imu.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid version number")
}
