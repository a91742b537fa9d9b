// Copyright 2025 Ahmmada
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateOfficeOffline(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	repo := store.Repository(Offices)

	res, err := repo.Create(ctx, map[string]any{"name": "Centre A"})
	require.NoError(t, err)
	require.NotZero(t, res.LocalID)
	require.NotEmpty(t, res.UUID)

	rows, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "Centre A", rows[0].Field("name"))
	require.False(t, rows[0].IsSynced)
	require.Equal(t, OpInsert, rows[0].PendingOp)
	require.False(t, rows[0].RemoteID.Valid)

	entries, err := store.PendingChanges(ctx, "offices")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, OpInsert, entries[0].Op)
	require.Equal(t, res.UUID, entries[0].UUID)

	var payload map[string]any
	require.NoError(t, entries[0].DecodePayload(&payload))
	require.Equal(t, "Centre A", payload["name"])
	require.Equal(t, res.UUID, payload["uuid"])
	require.NotEmpty(t, payload["created_at"])
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	repo := store.Repository(Offices)

	_, err := repo.Create(ctx, map[string]any{"name": "Centre A"})
	require.NoError(t, err)

	_, err = repo.Create(ctx, map[string]any{"name": "Centre A"})
	var dup *DuplicateNameError
	require.True(t, errors.As(err, &dup))
	require.Equal(t, "Centre A", dup.Name)

	// A soft-deleted row frees its name.
	rows, err := repo.List(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.SoftDelete(ctx, rows[0].LocalID))
	_, err = repo.Create(ctx, map[string]any{"name": "Centre A"})
	require.NoError(t, err)
}

func TestCreateRequiresName(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	repo := store.Repository(Levels)

	_, err := repo.Create(ctx, map[string]any{"name": "   "})
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	require.Equal(t, "name", ve.Field)

	_, err = repo.Create(ctx, map[string]any{"name": "A", "bogus": 1})
	require.True(t, errors.As(err, &ve))
	require.Equal(t, "bogus", ve.Field)
}

func TestUpdateBeforeSyncKeepsSingleInsertEntry(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	repo := store.Repository(Levels)

	res, err := repo.Create(ctx, map[string]any{"name": "First"})
	require.NoError(t, err)
	require.NoError(t, repo.Update(ctx, res.LocalID, map[string]any{"name": "Second"}))

	entries, err := store.PendingChanges(ctx, "levels")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	// The remote still needs a create, so the operation stays INSERT with a
	// refreshed payload.
	require.Equal(t, OpInsert, entries[0].Op)

	var payload map[string]any
	require.NoError(t, entries[0].DecodePayload(&payload))
	require.Equal(t, "Second", payload["name"])
	// The refreshed payload still carries the original creation stamp, so
	// the eventual remote insert keeps the row's true clock.
	require.NotEmpty(t, payload["created_at"])

	// The row mirrors the queued operation, not the edit that refreshed it.
	row, err := repo.Get(ctx, res.LocalID)
	require.NoError(t, err)
	require.Equal(t, OpInsert, row.PendingOp)
	require.Equal(t, payload["created_at"], row.CreatedAt)
}

func TestRepeatedUpdateKeepsSingleUpdateEntry(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	repo := store.Repository(Levels)

	res, err := repo.Create(ctx, map[string]any{"name": "First"})
	require.NoError(t, err)
	markPushed(t, store, repo, res, 42)

	require.NoError(t, repo.Update(ctx, res.LocalID, map[string]any{"name": "Second"}))
	require.NoError(t, repo.Update(ctx, res.LocalID, map[string]any{"name": "Third"}))

	entries, err := store.PendingChanges(ctx, "levels")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, OpUpdate, entries[0].Op)

	var payload map[string]any
	require.NoError(t, entries[0].DecodePayload(&payload))
	require.Equal(t, "Third", payload["name"])
}

func TestSoftDeleteSupersedesPendingUpdate(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	repo := store.Repository(Offices)

	res, err := repo.Create(ctx, map[string]any{"name": "Centre A"})
	require.NoError(t, err)
	markPushed(t, store, repo, res, 7)

	require.NoError(t, repo.Update(ctx, res.LocalID, map[string]any{"name": "Centre B"}))
	require.NoError(t, repo.SoftDelete(ctx, res.LocalID))

	entries, err := store.PendingChanges(ctx, "offices")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, OpDelete, entries[0].Op)

	rows, err := repo.List(ctx)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestCreateThenDeleteOfflineNeverContactsRemote(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	repo := store.Repository(Students)

	seedParent(t, store, Offices, "Centre A", 1)
	seedParent(t, store, Levels, "Level 1", 2)

	res, err := repo.Create(ctx, map[string]any{
		"name": "Sami", "office_id": int64(1), "level_id": int64(2),
	})
	require.NoError(t, err)
	require.NoError(t, repo.SoftDelete(ctx, res.LocalID))

	// The pending INSERT was cancelled outright: nothing to push.
	entries, err := store.PendingChanges(ctx, "students")
	require.NoError(t, err)
	require.Empty(t, entries)

	row, err := repo.Get(ctx, res.LocalID)
	require.NoError(t, err)
	require.True(t, row.Deleted())
	require.True(t, row.IsSynced)
	require.Equal(t, OpNone, row.PendingOp)
}

func TestUUIDStableAcrossUpdates(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	repo := store.Repository(Offices)

	res, err := repo.Create(ctx, map[string]any{"name": "Centre A"})
	require.NoError(t, err)

	require.NoError(t, repo.Update(ctx, res.LocalID, map[string]any{"name": "Centre B"}))
	markPushed(t, store, repo, res, 11)
	require.NoError(t, repo.Update(ctx, res.LocalID, map[string]any{"name": "Centre C"}))

	row, err := repo.Get(ctx, res.LocalID)
	require.NoError(t, err)
	require.Equal(t, res.UUID, row.UUID)
}

func TestListExcludesSoftDeletedRows(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	repo := store.Repository(Levels)

	a, err := repo.Create(ctx, map[string]any{"name": "A"})
	require.NoError(t, err)
	_, err = repo.Create(ctx, map[string]any{"name": "B"})
	require.NoError(t, err)

	require.NoError(t, repo.SoftDelete(ctx, a.LocalID))

	rows, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "B", rows[0].Field("name"))
}

func TestUpdateMissingRowFails(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	repo := store.Repository(Offices)

	err := repo.Update(ctx, 99, map[string]any{"name": "X"})
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	require.Equal(t, int64(99), nf.LocalID)

	err = repo.SoftDelete(ctx, 99)
	require.True(t, errors.As(err, &nf))
}

func TestAttachRemoteIDRequiresMatchingUUID(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	repo := store.Repository(Offices)

	res, err := repo.Create(ctx, map[string]any{"name": "Centre A"})
	require.NoError(t, err)

	// A stale acknowledgement carrying the wrong uuid must not land.
	err = repo.AttachRemoteID(ctx, res.LocalID, "someone-elses-uuid", 42)
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))

	row, err := repo.Get(ctx, res.LocalID)
	require.NoError(t, err)
	require.False(t, row.RemoteID.Valid)

	require.NoError(t, repo.AttachRemoteID(ctx, res.LocalID, res.UUID, 42))
	row, err = repo.Get(ctx, res.LocalID)
	require.NoError(t, err)
	require.Equal(t, int64(42), row.RemoteID.Int64)
	require.True(t, row.IsSynced)
	require.Equal(t, OpNone, row.PendingOp)
}

func TestStudentListDenormalizesReferenceNames(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	seedParent(t, store, Offices, "Centre A", 10)
	seedParent(t, store, Levels, "Level 1", 20)

	repo := store.Repository(Students)
	_, err := repo.Create(ctx, map[string]any{
		"name": "Sami", "office_id": int64(10), "level_id": int64(20),
		"phone": "0555", "birth_date": "2010-01-01", "address": "",
	})
	require.NoError(t, err)

	rows, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "Centre A", rows[0].RefNames["office_name"])
	require.Equal(t, "Level 1", rows[0].RefNames["level_name"])
	require.Equal(t, int64(10), rows[0].FieldInt64("office_id"))
}

func TestDiscardLocalRemovesRowAndQueueEntry(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	repo := store.Repository(Offices)

	res, err := repo.Create(ctx, map[string]any{"name": "Centre B"})
	require.NoError(t, err)

	require.NoError(t, repo.DiscardLocal(ctx, res.LocalID))

	_, err = repo.Get(ctx, res.LocalID)
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))

	entries, err := store.PendingChanges(ctx, "offices")
	require.NoError(t, err)
	require.Empty(t, entries)
}

// markPushed simulates a successful first push: the remote id is attached
// and the INSERT queue entry acknowledged.
func markPushed(t *testing.T, store *Store, repo *Repository, res CreateResult, remoteID int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.AttachRemoteID(ctx, res.LocalID, res.UUID, remoteID))
	entries, err := store.PendingChanges(ctx, repo.Schema().Table)
	require.NoError(t, err)
	for _, e := range entries {
		if e.LocalID == res.LocalID {
			require.NoError(t, store.DeleteQueueEntry(ctx, e.ID))
		}
	}
}

// seedParent inserts an already-synced parent row as if it arrived from the
// remote store.
func seedParent(t *testing.T, store *Store, schema *EntitySchema, name string, remoteID int64) string {
	t.Helper()
	id := "seed-" + name
	err := store.Repository(schema).InsertFromRemote(context.Background(), RemoteSnapshot{
		RemoteID:  remoteID,
		UUID:      id,
		Fields:    map[string]any{"name": name},
		CreatedAt: "2024-01-01T00:00:00.000Z",
		UpdatedAt: "2024-01-01T00:00:00.000Z",
	})
	require.NoError(t, err)
	return id
}
