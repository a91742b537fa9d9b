// Copyright 2025 Ahmmada
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenCreatesTables(t *testing.T) {
	store := openTestStore(t)

	expected := []string{"offices", "levels", "students", "sync_queue", "local_profiles"}
	for _, table := range expected {
		var count int
		err := store.db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "table %s should exist", table)
	}

	var foreignKeys int
	err := store.db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys)
	require.NoError(t, err)
	require.Equal(t, 1, foreignKeys)
}

func TestClosedStoreFailsWithErrNotInitialized(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, ":memory:", nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = store.Repository(Offices).List(ctx)
	require.ErrorIs(t, err, ErrNotInitialized)

	_, err = store.PendingChanges(ctx, "offices")
	require.ErrorIs(t, err, ErrNotInitialized)

	_, err = store.Repository(Offices).Create(ctx, map[string]any{"name": "Centre A"})
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestProfileRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	err := store.UpsertProfile(ctx, Profile{
		RemoteID:     "u-1",
		Email:        "admin@example.org",
		Role:         "admin",
		FullName:     "Admin",
		PasswordHash: "x",
	})
	require.NoError(t, err)

	p, err := store.ProfileByEmail(ctx, "admin@example.org")
	require.NoError(t, err)
	require.Equal(t, "u-1", p.RemoteID)
	require.Equal(t, "admin", p.Role)
	require.NotEmpty(t, p.LastLoginAt)

	// Upsert refreshes rather than duplicating.
	err = store.UpsertProfile(ctx, Profile{RemoteID: "u-1", Email: "admin@example.org", Role: "user"})
	require.NoError(t, err)
	p, err = store.ProfileByEmail(ctx, "admin@example.org")
	require.NoError(t, err)
	require.Equal(t, "user", p.Role)

	_, err = store.ProfileByEmail(ctx, "nobody@example.org")
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
}
