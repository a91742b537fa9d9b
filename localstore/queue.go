// Copyright 2025 Ahmmada
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Operation is the kind of mutation a queue entry propagates.
type Operation string

const (
	OpNone   Operation = ""
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// QueueEntry is one durable outbox record. Payload is a snapshot taken at
// enqueue time; later local edits replace the entry rather than mutate it.
type QueueEntry struct {
	ID       int64
	Entity   string
	LocalID  int64
	UUID     string
	RemoteID sql.NullInt64
	Op       Operation
	Payload  json.RawMessage
	QueuedAt string
}

// DecodePayload unmarshals the snapshot into dst.
func (e *QueueEntry) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("queue entry %d has no payload", e.ID)
	}
	return json.Unmarshal(e.Payload, dst)
}

// PendingChanges returns the outstanding queue entries for one entity kind
// in enqueue order. The reconciler drains them FIFO.
func (s *Store) PendingChanges(ctx context.Context, entity string) ([]QueueEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity, entity_local_id, entity_uuid, entity_remote_id, operation, payload, queued_at
		FROM sync_queue WHERE entity = ? ORDER BY id ASC
	`, entity)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync_queue: %w", err)
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		var e QueueEntry
		var op string
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.Entity, &e.LocalID, &e.UUID, &e.RemoteID, &op, &payload, &e.QueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.Op = Operation(op)
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// QueueLen reports the number of outstanding entries for one entity kind.
func (s *Store) QueueLen(ctx context.Context, entity string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE entity = ?`, entity).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sync_queue: %w", err)
	}
	return n, nil
}

// DeleteQueueEntry removes one acknowledged entry. Only the reconciler calls
// this, strictly after the remote accepted (or idempotently ignored) the push.
func (s *Store) DeleteQueueEntry(ctx context.Context, id int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete queue entry %d: %w", id, err)
	}
	return nil
}

// enqueueTx appends a fresh queue entry inside the caller's transaction.
func enqueueTx(ctx context.Context, tx *sql.Tx, entity string, localID int64, uuid string,
	remoteID sql.NullInt64, op Operation, payload []byte) error {

	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_queue (entity, entity_local_id, entity_uuid, entity_remote_id, operation, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entity, localID, uuid, remoteID, string(op), string(payload))
	if err != nil {
		return fmt.Errorf("failed to enqueue %s for %s/%d: %w", op, entity, localID, err)
	}
	return nil
}

// replaceQueueEntryTx enforces the at-most-one-entry-per-row rule. A pending
// INSERT stays an INSERT with a refreshed payload; anything else is replaced
// by the incoming operation. The returned Operation is what is now queued for
// the row, so callers can mirror it onto the row itself; OpNone means a
// pending INSERT absorbed an incoming DELETE — the row never reached the
// remote and the entry was simply cancelled.
func replaceQueueEntryTx(ctx context.Context, tx *sql.Tx, entity string, localID int64, uuid string,
	remoteID sql.NullInt64, op Operation, payload []byte) (Operation, error) {

	var existingID int64
	var existingOp string
	err := tx.QueryRowContext(ctx, `
		SELECT id, operation FROM sync_queue WHERE entity = ? AND entity_local_id = ?
	`, entity, localID).Scan(&existingID, &existingOp)
	switch {
	case err == sql.ErrNoRows:
		return op, enqueueTx(ctx, tx, entity, localID, uuid, remoteID, op, payload)
	case err != nil:
		return OpNone, fmt.Errorf("failed to look up pending entry for %s/%d: %w", entity, localID, err)
	}

	if Operation(existingOp) == OpInsert && op == OpDelete {
		// The row was created offline and never pushed. Cancel the INSERT
		// outright; the remote never hears about this row.
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, existingID); err != nil {
			return OpNone, fmt.Errorf("failed to cancel pending insert for %s/%d: %w", entity, localID, err)
		}
		return OpNone, nil
	}

	nextOp := op
	if Operation(existingOp) == OpInsert && op == OpUpdate {
		nextOp = OpInsert // escalation rule: the remote still needs a create
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sync_queue
		SET operation = ?, entity_remote_id = ?, payload = ?,
			queued_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?
	`, string(nextOp), remoteID, string(payload), existingID)
	if err != nil {
		return OpNone, fmt.Errorf("failed to replace pending entry for %s/%d: %w", entity, localID, err)
	}
	return nextOp, nil
}
