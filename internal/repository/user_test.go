package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadwatch/dispatch-server-go/internal/model"
)

func TestUserRepository(t *testing.T) {
	db := setupTestDB(t)
	repo := NewUserRepository(db.DB)
	ctx := context.Background()

	author := insertUser(t, db, "user")
	reader := insertUser(t, db, "user")
	insertUser(t, db, "admin")

	t.Run("broadcast recipients exclude author and admins", func(t *testing.T) {
		ids, err := repo.FindBroadcastRecipients(ctx, author)
		require.NoError(t, err)
		assert.Equal(t, []int64{reader}, ids)
	})

	t.Run("update preferences", func(t *testing.T) {
		require.NoError(t, repo.UpdatePreferences(ctx, reader, json.RawMessage(`{"hazard":false}`)))

		u, err := repo.FindByID(ctx, reader)
		require.NoError(t, err)
		require.NotNil(t, u)
		require.NotNil(t, u.NotificationPreferences)
		assert.JSONEq(t, `{"hazard":false}`, string(*u.NotificationPreferences))
		assert.Equal(t, model.UserRoleUser, u.Role)
	})

	t.Run("unknown user", func(t *testing.T) {
		u, err := repo.FindByID(ctx, 999999)
		require.NoError(t, err)
		assert.Nil(t, u)
	})
}

func TestHazardRepository_FindActive(t *testing.T) {
	db := setupTestDB(t)
	repo := NewHazardRepository(db.DB)
	ctx := context.Background()

	insert := func(title, status string, expiresAt time.Time) int64 {
		var id int64
		err := db.GetContext(ctx, &id, `
			INSERT INTO hazard_events (title, latitude, longitude, radius_km, status, expires_at)
			VALUES ($1, 37.5, 127.0, 2, $2, $3) RETURNING id
		`, title, status, expiresAt)
		require.NoError(t, err)
		return id
	}

	live := insert("live", "active", time.Now().Add(time.Hour))
	insert("lapsed", "active", time.Now().Add(-time.Hour))
	closed := insert("closed", "expired", time.Now().Add(time.Hour))

	active, err := repo.FindActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, live, active[0].ID)

	h, err := repo.FindByID(ctx, closed)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, model.HazardStatusExpired, h.Status)
}
