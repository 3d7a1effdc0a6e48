package persistence

import (
	"testing"
	"testing/fstest"

	"PoolLedger/migrations"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListMigrationFilesSorted(t *testing.T) {
	files := fstest.MapFS{
		"000002_b.up.sql":   {Data: []byte("SELECT 2")},
		"000001_a.up.sql":   {Data: []byte("SELECT 1")},
		"000001_a.down.sql": {Data: []byte("SELECT 0")},
		"README.md":         {Data: []byte("docs")},
	}

	up, err := listMigrationFiles(files, ".up.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_a.up.sql", "000002_b.up.sql"}, up)
}

func TestExtractVersion(t *testing.T) {
	assert.Equal(t, "000003", extractVersion("000003_projections.up.sql"))
	assert.Equal(t, "plain.sql", extractVersion("plain.sql"))
}

func TestEmbeddedMigrationsPaired(t *testing.T) {
	up, err := listMigrationFiles(migrations.FS, ".up.sql")
	require.NoError(t, err)
	down, err := listMigrationFiles(migrations.FS, ".down.sql")
	require.NoError(t, err)

	require.Len(t, up, 3)
	require.Len(t, down, len(up))
	for i := range up {
		assert.Equal(t, extractVersion(up[i]), extractVersion(down[i]))
	}
}
