package persistence

import (
	"database/sql"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/arcflow/internal/testutil"
)

func TestPostgresGraphStore(t *testing.T) {
	dsn := testutil.GetPostgresDSN(t)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Ping())

	store, err := NewPostgresGraphStore(db)
	require.NoError(t, err)

	suite.Run(t, &GraphStoreSuite{newStore: func(*testing.T) GraphStore { return store }})
}
