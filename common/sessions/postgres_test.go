package sessions

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailganti/opsconductor/common/db"
	"github.com/mailganti/opsconductor/common/models"
)

func testPostgresStore(t *testing.T, ttl time.Duration) *PostgresStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.ApplySchema(context.Background(), pool))
	return NewPostgresStore(pool, ttl)
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	store := testPostgresStore(t, time.Hour)
	ctx := context.Background()

	s := &models.Session{
		SessionID:  uuid.NewString(),
		Username:   "jane.doe",
		Domain:     "CORP",
		AuthMethod: models.AuthNative,
	}
	require.NoError(t, store.Create(ctx, s))
	t.Cleanup(func() { _ = store.Delete(ctx, s.SessionID) })

	got, err := store.Touch(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "jane.doe", got.Username)
	assert.Equal(t, "CORP", got.Domain)
	// The sliding expiry moved forward
	assert.True(t, got.ExpiresAt.After(s.ExpiresAt.Add(-time.Second)))

	require.NoError(t, store.Delete(ctx, s.SessionID))
	_, err = store.Touch(ctx, s.SessionID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStoreExpiredSession(t *testing.T) {
	store := testPostgresStore(t, -time.Minute)
	ctx := context.Background()

	s := &models.Session{SessionID: uuid.NewString(), Username: "jane.doe"}
	require.NoError(t, store.Create(ctx, s))

	// A negative TTL puts expires_at in the past, so the session is
	// dead on arrival and gets cleaned up.
	_, err := store.Touch(ctx, s.SessionID)
	assert.ErrorIs(t, err, ErrNotFound)
}
