package db

import (
	"testing"

	dbconf "github.com/amirphl/bridge-trader/internal/db/conf"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStorage(t *testing.T) {
	runStorageSuite(t, func(t *testing.T) Storage {
		cfg, cleanup := dbconf.NewTestConfig(t)
		require.NotNil(t, cfg)
		t.Cleanup(cleanup)

		s, err := New(*cfg)
		require.NoError(t, err)
		return s
	})
}

func TestNew_RequiresConnection(t *testing.T) {
	_, err := New(dbconf.Config{})
	assert.Error(t, err)
}

func TestSchemaStatements(t *testing.T) {
	stmts := dbconf.SchemaStatements("-- header\n\nCREATE TABLE a (id INT);\n-- only a comment\n;\nCREATE INDEX i ON a (id);\n")
	require.Len(t, stmts, 2)
	assert.Equal(t, "-- header\n\nCREATE TABLE a (id INT)", stmts[0])
	assert.Equal(t, "CREATE INDEX i ON a (id)", stmts[1])
}
