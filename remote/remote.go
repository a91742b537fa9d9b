// Copyright 2025 Ahmmada
// SPDX-License-Identifier: Apache-2.0

// Package remote defines the contract the sync engine holds against the
// authoritative backend store, and its Postgres implementation.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Row is one authoritative remote record.
type Row struct {
	ID        int64
	UUID      string
	Fields    map[string]any
	CreatedAt string
	UpdatedAt string
	DeletedAt string // empty for live rows
}

// Store is the per-table operation set the reconciler and merge fetcher
// consume. Implementations must make SoftDelete idempotent: deleting a row
// that never existed or is already deleted is a success.
type Store interface {
	// Insert creates a row carrying the client uuid and returns the
	// remote-assigned id. A uniqueness violation on a business column
	// surfaces as *ConflictError.
	Insert(ctx context.Context, table string, payload map[string]any) (int64, error)

	// Update rewrites a live row matched by uuid. A remotely deleted row is
	// never resurrected; updating it affects nothing and is not an error.
	Update(ctx context.Context, table, uuid string, payload map[string]any) error

	// SoftDelete stamps deleted_at on a live row matched by uuid.
	SoftDelete(ctx context.Context, table, uuid, deletedAt string) error

	// FetchAll returns the whole collection ordered by remote id. columns
	// names the business columns to project into Row.Fields.
	FetchAll(ctx context.Context, table string, columns []string) ([]Row, error)

	// FetchByUUID returns the row with the given uuid, or nil when the
	// remote has never seen it.
	FetchByUUID(ctx context.Context, table, uuid string, columns []string) (*Row, error)
}

// ConflictError reports a remote uniqueness violation. Two independently
// created rows collided on the business key with different uuids; this is
// never auto-resolved.
type ConflictError struct {
	Table      string
	Constraint string
	cause      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote conflict on %s (constraint %s)", e.Table, e.Constraint)
}

func (e *ConflictError) Unwrap() error { return e.cause }

// OnUUIDKey reports whether the violated constraint is the uuid unique key.
// That means the remote already holds this exact row — a replayed push whose
// acknowledgement was lost — not a collision between two identities.
func (e *ConflictError) OnUUIDKey() bool {
	return strings.Contains(e.Constraint, "uuid")
}

// IsConflict reports whether err is a remote uniqueness conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
