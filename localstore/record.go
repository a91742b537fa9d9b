// Copyright 2025 Ahmmada
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"database/sql"
)

// Row is one entity record together with its sync metadata. Business fields
// live in Fields keyed by column name; RefNames carries the denormalized
// names of referenced entities when the row came from List.
type Row struct {
	LocalID   int64
	UUID      string
	RemoteID  sql.NullInt64
	Fields    map[string]any
	RefNames  map[string]string
	IsSynced  bool
	PendingOp Operation // OpNone when nothing is outstanding
	CreatedAt string
	UpdatedAt string
	DeletedAt sql.NullString
}

// Deleted reports whether the row is soft-deleted.
func (r *Row) Deleted() bool {
	return r.DeletedAt.Valid && r.DeletedAt.String != ""
}

// Field returns a business field as a string, or "" when absent or NULL.
func (r *Row) Field(name string) string {
	v, ok := r.Fields[name]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	}
	return ""
}

// FieldInt64 returns a numeric business field, or 0 when absent or NULL.
func (r *Row) FieldInt64(name string) int64 {
	v, ok := r.Fields[name]
	if !ok || v == nil {
		return 0
	}
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	}
	return 0
}
