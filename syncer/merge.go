// Copyright 2025 Ahmmada
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/Ahmmada/edusync/localstore"
	"github.com/Ahmmada/edusync/remote"
)

// mergeEntity pulls the full remote collection for one entity kind and folds
// it into the local store. Policy is pull-wins-if-newer: the remote copy
// overwrites local business fields only when its clock is strictly ahead.
// A row present locally but absent remotely is intentionally left alone —
// absence is not a deletion signal, only deleted_at is.
func (r *Reconciler) mergeEntity(ctx context.Context, schema *localstore.EntitySchema) error {
	remoteRows, err := r.remote.FetchAll(ctx, schema.Table, schema.FieldNames())
	if err != nil {
		return fmt.Errorf("failed to fetch remote %s: %w", schema.Table, err)
	}
	repo := r.store.Repository(schema)

	for i := range remoteRows {
		rr := &remoteRows[i]
		local, err := repo.FindByUUID(ctx, rr.UUID)
		if err != nil {
			return err
		}

		if rr.DeletedAt != "" {
			// Pull-driven deletion: propagate without touching the queue.
			if local != nil && !local.Deleted() {
				if err := repo.MarkRemoteDeleted(ctx, rr.UUID, rr.DeletedAt); err != nil {
					return err
				}
				r.logger.Info("applied remote deletion", "entity", schema.Table, "uuid", rr.UUID)
			}
			continue
		}

		if local == nil {
			if err := repo.InsertFromRemote(ctx, toSnapshot(rr)); err != nil {
				return err
			}
			r.logger.Debug("inserted remote row", "entity", schema.Table, "uuid", rr.UUID)
			continue
		}
		if local.Deleted() {
			// A local soft-delete is still pending push; the delete will win
			// or the next pull after its acknowledgement settles the row.
			continue
		}

		if lwwClock(rr.UpdatedAt, rr.CreatedAt).After(lwwClock(local.UpdatedAt, local.CreatedAt)) {
			if err := repo.OverwriteFromRemote(ctx, toSnapshot(rr)); err != nil {
				return err
			}
			r.logger.Debug("remote copy won merge", "entity", schema.Table, "uuid", rr.UUID)
		}
		// Local newer or equal: leave untouched. It is either already queued
		// for push or identical to the remote copy.
	}
	return nil
}

func toSnapshot(rr *remote.Row) localstore.RemoteSnapshot {
	return localstore.RemoteSnapshot{
		RemoteID:  rr.ID,
		UUID:      rr.UUID,
		Fields:    rr.Fields,
		CreatedAt: rr.CreatedAt,
		UpdatedAt: rr.UpdatedAt,
		DeletedAt: rr.DeletedAt,
	}
}

// lwwClock is the conflict-resolution clock: the later of updated_at and
// created_at. Unparseable or missing timestamps collapse to the zero time,
// so a row with no clock never wins against one that has one.
func lwwClock(updatedAt, createdAt string) time.Time {
	u := parseISO(updatedAt)
	c := parseISO(createdAt)
	if c.After(u) {
		return c
	}
	return u
}

func parseISO(ts string) time.Time {
	if ts == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}
	}
	return t
}
