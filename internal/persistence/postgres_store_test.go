package persistence_test

import (
	"database/sql"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/conductor/internal/persistence"
	"github.com/petrijr/conductor/internal/persistence/storetest"
	"github.com/petrijr/conductor/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	dsn := testutil.StartPostgresContainer(t)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})

	p, err := persistence.NewPostgresPersistence(db)
	require.NoError(t, err)

	suite.Run(t, &storetest.Suite{NewPersistence: func() *persistence.Persistence { return p }})
}
