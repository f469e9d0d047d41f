package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPostgresStoreRequiresDSN(t *testing.T) {
	_, err := NewPostgresStore("   ")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestPostgresStoreSurfacesOpenFailureOnFirstUse(t *testing.T) {
	s, err := NewPostgresStore("postgres://localhost/devpulse")
	require.NoError(t, err)

	openErr := errors.New("driver unavailable")
	calls := 0
	s.openDB = func(driverName, dsn string) (*sql.DB, error) {
		calls++
		require.Equal(t, "postgres", driverName)
		require.Equal(t, "postgres://localhost/devpulse", dsn)
		return nil, openErr
	}

	ctx := context.Background()
	require.ErrorIs(t, s.Ping(ctx), openErr)
	_, err = s.GetUser(ctx, "dev@example.com")
	require.ErrorIs(t, err, openErr)
	require.Equal(t, 1, calls, "initialization runs once and caches its failure")

	require.NoError(t, s.Close(), "close is safe before a successful open")
}
