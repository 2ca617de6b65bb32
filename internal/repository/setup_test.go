package repository

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roadwatch/dispatch-server-go/internal/database"
)

// setupTestDB connects to TEST_DATABASE_URL, applies the schema and empties
// every table. Tests are skipped when the variable is unset.
func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := database.Connect(context.Background(), url, database.PoolFor(4))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))
	_, err = db.ExecContext(ctx, `TRUNCATE notifications, hazard_events, users RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return db
}

func insertUser(t *testing.T, db *database.DB, role string) int64 {
	t.Helper()
	var id int64
	err := db.GetContext(context.Background(), &id, `INSERT INTO users (role) VALUES ($1) RETURNING id`, role)
	require.NoError(t, err)
	return id
}
