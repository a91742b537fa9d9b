// Copyright 2025 Ahmmada
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"fmt"
	"strings"
)

// FieldDef describes one business column of an entity table.
type FieldDef struct {
	Name     string // column name
	Type     string // SQLite declared type, e.g. "TEXT"
	Required bool   // Create rejects missing or empty values
}

// Reference describes a foreign key held by remote id. NameAlias is the
// column name under which List exposes the referenced entity's name.
type Reference struct {
	Field     string // local column holding the referenced entity's remote id
	Entity    string // referenced entity table
	NameAlias string // e.g. "office_name"
}

// EntitySchema is the table-driven description of one entity kind. The
// generic Repository is parameterized by it, so offices, levels and students
// share a single engine instead of three copies of the same code.
type EntitySchema struct {
	Table      string
	Fields     []FieldDef
	UniqueBy   []string // composite local uniqueness key among non-deleted rows
	References []Reference
	DependsOn  []string // entities that must reconcile before this one
}

// FieldNames returns the business column names in declaration order.
func (s *EntitySchema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

func (s *EntitySchema) field(name string) *FieldDef {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i]
		}
	}
	return nil
}

// Offices is the schema for office/center records.
var Offices = &EntitySchema{
	Table: "offices",
	Fields: []FieldDef{
		{Name: "name", Type: "TEXT", Required: true},
	},
	UniqueBy: []string{"name"},
}

// Levels is the schema for study level records.
var Levels = &EntitySchema{
	Table: "levels",
	Fields: []FieldDef{
		{Name: "name", Type: "TEXT", Required: true},
	},
	UniqueBy: []string{"name"},
}

// Students is the schema for student records. office_id and level_id hold the
// remote ids of the referenced office and level.
var Students = &EntitySchema{
	Table: "students",
	Fields: []FieldDef{
		{Name: "name", Type: "TEXT", Required: true},
		{Name: "birth_date", Type: "TEXT"},
		{Name: "phone", Type: "TEXT"},
		{Name: "address", Type: "TEXT"},
		{Name: "office_id", Type: "INTEGER", Required: true},
		{Name: "level_id", Type: "INTEGER", Required: true},
	},
	UniqueBy: []string{"name", "office_id", "level_id"},
	References: []Reference{
		{Field: "office_id", Entity: "offices", NameAlias: "office_name"},
		{Field: "level_id", Entity: "levels", NameAlias: "level_name"},
	},
	DependsOn: []string{"offices", "levels"},
}

// Entities returns all registered schemas in dependency order: every entity
// appears after the entities it depends on.
func Entities() []*EntitySchema {
	return []*EntitySchema{Offices, Levels, Students}
}

// SchemaFor looks up a registered schema by table name.
func SchemaFor(table string) (*EntitySchema, error) {
	for _, s := range Entities() {
		if s.Table == table {
			return s, nil
		}
	}
	return nil, fmt.Errorf("unknown entity table %q", table)
}

// createTableSQL renders the DDL for one entity table. Every entity carries
// the same sync metadata columns around its business fields.
func createTableSQL(s *EntitySchema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", s.Table)
	b.WriteString("\tid INTEGER PRIMARY KEY AUTOINCREMENT,\n")
	b.WriteString("\tuuid TEXT UNIQUE NOT NULL,\n")
	for _, f := range s.Fields {
		notNull := ""
		if f.Required {
			notNull = " NOT NULL"
		}
		fmt.Fprintf(&b, "\t%s %s%s,\n", f.Name, f.Type, notNull)
	}
	b.WriteString("\tremote_id INTEGER UNIQUE,\n")
	b.WriteString("\tis_synced INTEGER NOT NULL DEFAULT 0,\n")
	b.WriteString("\toperation_type TEXT,\n")
	b.WriteString("\tcreated_at TEXT NOT NULL,\n")
	b.WriteString("\tupdated_at TEXT,\n")
	b.WriteString("\tdeleted_at TEXT")
	for _, ref := range s.References {
		fmt.Fprintf(&b, ",\n\tFOREIGN KEY (%s) REFERENCES %s(remote_id)", ref.Field, ref.Entity)
	}
	b.WriteString("\n);")
	return b.String()
}

const createSyncQueueSQL = `CREATE TABLE IF NOT EXISTS sync_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity TEXT NOT NULL,
	entity_local_id INTEGER NOT NULL,
	entity_uuid TEXT NOT NULL,
	entity_remote_id INTEGER,
	operation TEXT NOT NULL,
	payload TEXT,
	queued_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);`

const createLocalProfilesSQL = `CREATE TABLE IF NOT EXISTS local_profiles (
	remote_id TEXT PRIMARY KEY,
	email TEXT,
	role TEXT,
	full_name TEXT,
	avatar_url TEXT,
	password_hash TEXT,
	last_login_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);`
