// Copyright 2025 Ahmmada
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// Repository is the CRUD facade for one entity kind. It is the sole writer
// of the entity table and the outbox: every mutation that needs remote
// propagation commits its queue entry in the same transaction as the row.
type Repository struct {
	store  *Store
	schema *EntitySchema
	logger *slog.Logger
}

// Schema returns the entity schema this repository is bound to.
func (r *Repository) Schema() *EntitySchema { return r.schema }

// CreateResult identifies a freshly created row.
type CreateResult struct {
	LocalID int64
	UUID    string
}

// Create validates fields, inserts the row with a fresh uuid and queues an
// INSERT for remote propagation. The row is immediately visible to List even
// while offline.
func (r *Repository) Create(ctx context.Context, fields map[string]any) (CreateResult, error) {
	if err := r.validateFields(fields); err != nil {
		return CreateResult{}, err
	}
	if err := r.checkUnique(ctx, fields, 0); err != nil {
		return CreateResult{}, err
	}

	now := nowISO()
	newUUID := uuid.NewString()

	cols := []string{"uuid"}
	args := []any{newUUID}
	for _, f := range r.schema.Fields {
		cols = append(cols, f.Name)
		args = append(args, fields[f.Name])
	}
	cols = append(cols, "is_synced", "operation_type", "created_at", "updated_at")
	args = append(args, 0, string(OpInsert), now, now)

	payload := r.snapshot(fields, newUUID)
	payload["created_at"] = now
	payload["updated_at"] = now
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return CreateResult{}, fmt.Errorf("failed to encode insert payload: %w", err)
	}

	var localID int64
	err = r.store.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s)",
			r.schema.Table, strings.Join(cols, ", "), placeholders(len(cols))), args...)
		if err != nil {
			return fmt.Errorf("failed to insert %s row: %w", r.schema.Table, err)
		}
		localID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read insert id: %w", err)
		}
		return enqueueTx(ctx, tx, r.schema.Table, localID, newUUID, sql.NullInt64{}, OpInsert, payloadJSON)
	})
	if err != nil {
		return CreateResult{}, err
	}
	r.logger.Debug("row created", "local_id", localID, "uuid", newUUID)
	return CreateResult{LocalID: localID, UUID: newUUID}, nil
}

// Update rewrites the business fields of a live row and replaces its pending
// queue entry. A row that still awaits its first push keeps the INSERT
// operation with a refreshed payload.
func (r *Repository) Update(ctx context.Context, localID int64, fields map[string]any) error {
	if err := r.validateFields(fields); err != nil {
		return err
	}
	row, err := r.Get(ctx, localID)
	if err != nil {
		return err
	}
	if row.Deleted() {
		return &NotFoundError{Entity: r.schema.Table, LocalID: localID}
	}
	if err := r.checkUnique(ctx, fields, localID); err != nil {
		return err
	}

	now := nowISO()
	payload := r.snapshot(fields, row.UUID)
	payload["created_at"] = row.CreatedAt
	payload["updated_at"] = now
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode update payload: %w", err)
	}

	return r.store.withTx(ctx, func(tx *sql.Tx) error {
		next, err := replaceQueueEntryTx(ctx, tx, r.schema.Table, localID, row.UUID, row.RemoteID, OpUpdate, payloadJSON)
		if err != nil {
			return err
		}
		sets := make([]string, 0, len(r.schema.Fields)+3)
		args := make([]any, 0, len(r.schema.Fields)+4)
		for _, f := range r.schema.Fields {
			sets = append(sets, f.Name+" = ?")
			args = append(args, fields[f.Name])
		}
		// operation_type mirrors what is actually queued: a row still
		// awaiting its first push stays marked INSERT.
		sets = append(sets, "is_synced = 0", "operation_type = ?", "updated_at = ?")
		args = append(args, string(next), now, localID)

		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			"UPDATE %s SET %s WHERE id = ?", r.schema.Table, strings.Join(sets, ", ")), args...)
		if err != nil {
			return fmt.Errorf("failed to update %s row %d: %w", r.schema.Table, localID, err)
		}
		return nil
	})
}

// SoftDelete stamps deleted_at and queues a DELETE, superseding any pending
// entry for the row. If the row was created offline and never pushed, the
// pending INSERT is cancelled instead and the remote is never contacted.
func (r *Repository) SoftDelete(ctx context.Context, localID int64) error {
	row, err := r.Get(ctx, localID)
	if err != nil {
		return err
	}
	if row.Deleted() {
		return &NotFoundError{Entity: r.schema.Table, LocalID: localID}
	}

	now := nowISO()
	payloadJSON, err := json.Marshal(map[string]any{
		"uuid":       row.UUID,
		"deleted_at": now,
		"updated_at": now,
	})
	if err != nil {
		return fmt.Errorf("failed to encode delete payload: %w", err)
	}

	return r.store.withTx(ctx, func(tx *sql.Tx) error {
		next, err := replaceQueueEntryTx(ctx, tx, r.schema.Table, localID, row.UUID, row.RemoteID, OpDelete, payloadJSON)
		if err != nil {
			return err
		}
		if next == OpNone {
			// Net no-op for the remote: finalize the row as synced.
			_, err := tx.ExecContext(ctx, fmt.Sprintf(
				"UPDATE %s SET deleted_at = ?, is_synced = 1, operation_type = NULL, updated_at = ? WHERE id = ?",
				r.schema.Table), now, now, localID)
			if err != nil {
				return fmt.Errorf("failed to finalize offline delete for %s/%d: %w", r.schema.Table, localID, err)
			}
			return nil
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			"UPDATE %s SET deleted_at = ?, is_synced = 0, operation_type = ?, updated_at = ? WHERE id = ?",
			r.schema.Table), now, string(OpDelete), now, localID)
		if err != nil {
			return fmt.Errorf("failed to soft-delete %s/%d: %w", r.schema.Table, localID, err)
		}
		return nil
	})
}

// List returns all live rows ordered by local id, with referenced entity
// names denormalized into RefNames.
func (r *Repository) List(ctx context.Context) ([]Row, error) {
	if err := r.store.ready(); err != nil {
		return nil, err
	}
	selectCols := []string{"t.id", "t.uuid"}
	for _, f := range r.schema.Fields {
		selectCols = append(selectCols, "t."+f.Name)
	}
	selectCols = append(selectCols, "t.remote_id", "t.is_synced", "t.operation_type",
		"t.created_at", "t.updated_at", "t.deleted_at")

	var joins strings.Builder
	for i, ref := range r.schema.References {
		alias := fmt.Sprintf("r%d", i)
		selectCols = append(selectCols, alias+".name")
		fmt.Fprintf(&joins, " LEFT JOIN %s %s ON t.%s = %s.remote_id", ref.Entity, alias, ref.Field, alias)
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s t%s WHERE t.deleted_at IS NULL OR t.deleted_at = '' ORDER BY t.id ASC",
		strings.Join(selectCols, ", "), r.schema.Table, joins.String())

	rows, err := r.store.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", r.schema.Table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row, err := r.scanRow(rows, true)
		if err != nil {
			return nil, err
		}
		out = append(out, *row)
	}
	return out, rows.Err()
}

// All returns every row including soft-deleted ones. The merge fetcher needs
// the full set to match remote rows by uuid.
func (r *Repository) All(ctx context.Context) ([]Row, error) {
	if err := r.store.ready(); err != nil {
		return nil, err
	}
	rows, err := r.store.db.QueryContext(ctx, r.selectSQL()+" ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", r.schema.Table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row, err := r.scanRow(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, *row)
	}
	return out, rows.Err()
}

// Get returns one row by local id regardless of deletion state.
func (r *Repository) Get(ctx context.Context, localID int64) (*Row, error) {
	if err := r.store.ready(); err != nil {
		return nil, err
	}
	row := r.store.db.QueryRowContext(ctx, r.selectSQL()+" WHERE id = ?", localID)
	res, err := r.scanRow(row, false)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Entity: r.schema.Table, LocalID: localID}
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// FindByUUID returns the row carrying uuid, or nil when no such row exists.
func (r *Repository) FindByUUID(ctx context.Context, id string) (*Row, error) {
	if err := r.store.ready(); err != nil {
		return nil, err
	}
	row := r.store.db.QueryRowContext(ctx, r.selectSQL()+" WHERE uuid = ?", id)
	res, err := r.scanRow(row, false)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// FindByRemoteID returns the row carrying the remote id, or nil when no such
// row exists. The reconciler uses it to check that a referenced parent row
// has already been accepted remotely.
func (r *Repository) FindByRemoteID(ctx context.Context, remoteID int64) (*Row, error) {
	if err := r.store.ready(); err != nil {
		return nil, err
	}
	row := r.store.db.QueryRowContext(ctx, r.selectSQL()+" WHERE remote_id = ?", remoteID)
	res, err := r.scanRow(row, false)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// MarkSynced clears the pending state after a successful push or pull.
func (r *Repository) MarkSynced(ctx context.Context, localID int64) error {
	if err := r.store.ready(); err != nil {
		return err
	}
	_, err := r.store.db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET is_synced = 1, operation_type = NULL WHERE id = ?", r.schema.Table), localID)
	if err != nil {
		return fmt.Errorf("failed to mark %s/%d synced: %w", r.schema.Table, localID, err)
	}
	return nil
}

// AttachRemoteID records the remote-assigned id after the first successful
// push. Both local id and uuid must match so a stale acknowledgement cannot
// land on a row that was deleted and recreated with a reused local id.
func (r *Repository) AttachRemoteID(ctx context.Context, localID int64, rowUUID string, remoteID int64) error {
	if err := r.store.ready(); err != nil {
		return err
	}
	res, err := r.store.db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET remote_id = ?, is_synced = 1, operation_type = NULL WHERE id = ? AND uuid = ?",
		r.schema.Table), remoteID, localID, rowUUID)
	if err != nil {
		return fmt.Errorf("failed to attach remote id to %s/%d: %w", r.schema.Table, localID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: r.schema.Table, LocalID: localID}
	}
	return nil
}

// DiscardLocal removes the row and its queue entry entirely. This is the
// "discard local duplicate" arm of remote conflict resolution.
func (r *Repository) DiscardLocal(ctx context.Context, localID int64) error {
	return r.store.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			"DELETE FROM %s WHERE id = ?", r.schema.Table), localID); err != nil {
			return fmt.Errorf("failed to discard %s/%d: %w", r.schema.Table, localID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sync_queue WHERE entity = ? AND entity_local_id = ?`,
			r.schema.Table, localID); err != nil {
			return fmt.Errorf("failed to discard queue entry for %s/%d: %w", r.schema.Table, localID, err)
		}
		return nil
	})
}

// RemoteSnapshot is an authoritative remote row handed to the merge helpers.
type RemoteSnapshot struct {
	RemoteID  int64
	UUID      string
	Fields    map[string]any
	CreatedAt string
	UpdatedAt string
	DeletedAt string // empty for live rows
}

// InsertFromRemote inserts a remote row that has no local counterpart. The
// row arrives already synced and produces no queue entry.
func (r *Repository) InsertFromRemote(ctx context.Context, snap RemoteSnapshot) error {
	if err := r.store.ready(); err != nil {
		return err
	}
	cols := []string{"uuid"}
	args := []any{snap.UUID}
	for _, f := range r.schema.Fields {
		cols = append(cols, f.Name)
		args = append(args, snap.Fields[f.Name])
	}
	cols = append(cols, "remote_id", "is_synced", "operation_type", "created_at", "updated_at", "deleted_at")
	args = append(args, snap.RemoteID, 1, nil, orNow(snap.CreatedAt), orNow(snap.UpdatedAt), nullable(snap.DeletedAt))

	_, err := r.store.db.ExecContext(ctx, fmt.Sprintf(
		"INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		r.schema.Table, strings.Join(cols, ", "), placeholders(len(cols))), args...)
	if err != nil {
		return fmt.Errorf("failed to insert remote %s row %s: %w", r.schema.Table, snap.UUID, err)
	}
	return nil
}

// OverwriteFromRemote replaces the business fields of the local row matching
// snap's uuid because the remote copy won the timestamp comparison.
func (r *Repository) OverwriteFromRemote(ctx context.Context, snap RemoteSnapshot) error {
	if err := r.store.ready(); err != nil {
		return err
	}
	sets := make([]string, 0, len(r.schema.Fields)+3)
	args := make([]any, 0, len(r.schema.Fields)+4)
	for _, f := range r.schema.Fields {
		sets = append(sets, f.Name+" = ?")
		args = append(args, snap.Fields[f.Name])
	}
	sets = append(sets, "remote_id = ?", "updated_at = ?", "is_synced = 1", "operation_type = NULL")
	args = append(args, snap.RemoteID, orNow(snap.UpdatedAt), snap.UUID)

	_, err := r.store.db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET %s WHERE uuid = ? AND (deleted_at IS NULL OR deleted_at = '')",
		r.schema.Table, strings.Join(sets, ", ")), args...)
	if err != nil {
		return fmt.Errorf("failed to overwrite %s row %s from remote: %w", r.schema.Table, snap.UUID, err)
	}
	return nil
}

// MarkRemoteDeleted propagates a remote soft-delete to the local row. This is
// pull-driven: no queue entry is produced.
func (r *Repository) MarkRemoteDeleted(ctx context.Context, rowUUID, deletedAt string) error {
	if err := r.store.ready(); err != nil {
		return err
	}
	_, err := r.store.db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET deleted_at = ?, is_synced = 1, operation_type = NULL WHERE uuid = ?",
		r.schema.Table), deletedAt, rowUUID)
	if err != nil {
		return fmt.Errorf("failed to mark %s row %s remote-deleted: %w", r.schema.Table, rowUUID, err)
	}
	return nil
}

func (r *Repository) validateFields(fields map[string]any) error {
	for name := range fields {
		if r.schema.field(name) == nil {
			return &ValidationError{Entity: r.schema.Table, Field: name, Reason: "unknown field"}
		}
	}
	for _, f := range r.schema.Fields {
		if !f.Required {
			continue
		}
		v, ok := fields[f.Name]
		if !ok || v == nil {
			return &ValidationError{Entity: r.schema.Table, Field: f.Name, Reason: "required"}
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			return &ValidationError{Entity: r.schema.Table, Field: f.Name, Reason: "required"}
		}
	}
	return nil
}

// checkUnique rejects a mutation that would duplicate the business key among
// live rows. excludeID skips the row being updated.
func (r *Repository) checkUnique(ctx context.Context, fields map[string]any, excludeID int64) error {
	if len(r.schema.UniqueBy) == 0 {
		return nil
	}
	if err := r.store.ready(); err != nil {
		return err
	}
	conds := make([]string, 0, len(r.schema.UniqueBy)+2)
	args := make([]any, 0, len(r.schema.UniqueBy)+1)
	for _, col := range r.schema.UniqueBy {
		conds = append(conds, col+" = ?")
		args = append(args, fields[col])
	}
	conds = append(conds, "(deleted_at IS NULL OR deleted_at = '')", "id != ?")
	args = append(args, excludeID)

	var n int
	err := r.store.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE %s", r.schema.Table, strings.Join(conds, " AND ")), args...).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to check uniqueness on %s: %w", r.schema.Table, err)
	}
	if n > 0 {
		name, _ := fields[r.schema.UniqueBy[0]].(string)
		return &DuplicateNameError{Entity: r.schema.Table, Name: name}
	}
	return nil
}

// snapshot copies the business fields plus identity into a payload map.
func (r *Repository) snapshot(fields map[string]any, rowUUID string) map[string]any {
	payload := make(map[string]any, len(fields)+3)
	for _, f := range r.schema.Fields {
		if v, ok := fields[f.Name]; ok {
			payload[f.Name] = v
		}
	}
	payload["uuid"] = rowUUID
	return payload
}

func (r *Repository) selectSQL() string {
	cols := []string{"id", "uuid"}
	cols = append(cols, r.schema.FieldNames()...)
	cols = append(cols, "remote_id", "is_synced", "operation_type", "created_at", "updated_at", "deleted_at")
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), r.schema.Table)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanRow(sc rowScanner, withRefNames bool) (*Row, error) {
	row := &Row{Fields: make(map[string]any, len(r.schema.Fields))}
	fieldVals := make([]any, len(r.schema.Fields))
	dest := []any{&row.LocalID, &row.UUID}
	for i := range fieldVals {
		dest = append(dest, &fieldVals[i])
	}
	var isSynced int
	var opType, updatedAt sql.NullString
	dest = append(dest, &row.RemoteID, &isSynced, &opType, &row.CreatedAt, &updatedAt, &row.DeletedAt)

	refNames := make([]sql.NullString, len(r.schema.References))
	if withRefNames {
		for i := range refNames {
			dest = append(dest, &refNames[i])
		}
	}

	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}
	for i, f := range r.schema.Fields {
		if b, ok := fieldVals[i].([]byte); ok {
			row.Fields[f.Name] = string(b)
		} else {
			row.Fields[f.Name] = fieldVals[i]
		}
	}
	row.IsSynced = isSynced != 0
	if opType.Valid {
		row.PendingOp = Operation(opType.String)
	}
	if updatedAt.Valid {
		row.UpdatedAt = updatedAt.String
	}
	if withRefNames && len(refNames) > 0 {
		row.RefNames = make(map[string]string, len(refNames))
		for i, ref := range r.schema.References {
			if refNames[i].Valid {
				row.RefNames[ref.NameAlias] = refNames[i].String
			}
		}
	}
	return row, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func orNow(ts string) string {
	if ts == "" {
		return nowISO()
	}
	return ts
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
