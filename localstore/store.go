// Copyright 2025 Ahmmada
// SPDX-License-Identifier: Apache-2.0

// Package localstore is the embedded SQLite store behind the sync engine.
// It owns the entity tables, the sync_queue outbox and the local_profiles
// cache, and guarantees that every local mutation commits atomically with
// its outbox entry.
package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store owns the local SQLite database. It is constructed explicitly with
// Open and must be closed by the caller; any call on a store that is not
// open fails with ErrNotInitialized.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// Serialize write transactions to avoid SQLITE_BUSY under overlapping
	// async callers sharing one connection pool.
	writeMu sync.Mutex
}

// Open opens (creating if needed) the SQLite database at path and prepares
// all tables. Use ":memory:" for an ephemeral store in tests.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	s := &Store{db: db, logger: logger}
	if err := s.initialize(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("local store opened", "path", path)
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	pragmas := []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA foreign_keys = ON;`,
		`PRAGMA busy_timeout = 5000;`,
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("failed to apply %s: %w", p, err)
		}
	}
	for _, schema := range Entities() {
		if _, err := s.db.ExecContext(ctx, createTableSQL(schema)); err != nil {
			return fmt.Errorf("failed to create table %s: %w", schema.Table, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, createSyncQueueSQL); err != nil {
		return fmt.Errorf("failed to create sync_queue: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, createLocalProfilesSQL); err != nil {
		return fmt.Errorf("failed to create local_profiles: %w", err)
	}
	return nil
}

// Close releases the underlying database. The store is unusable afterwards.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	return nil
}

// Repository returns the generic entity repository bound to one schema.
func (s *Store) Repository(schema *EntitySchema) *Repository {
	return &Repository{store: s, schema: schema, logger: s.logger.With("entity", schema.Table)}
}

// withTx runs fn inside a single write transaction. The row mutation and its
// queue append must commit together or not at all.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Profile is a cached authentication profile row. Authentication itself is
// out of the engine's scope; the table exists so the app can sign in offline.
type Profile struct {
	RemoteID     string
	Email        string
	Role         string
	FullName     string
	AvatarURL    string
	PasswordHash string
	LastLoginAt  string
}

// UpsertProfile stores or refreshes a cached profile and stamps last_login_at.
func (s *Store) UpsertProfile(ctx context.Context, p Profile) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO local_profiles (remote_id, email, role, full_name, avatar_url, password_hash, last_login_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(remote_id) DO UPDATE SET
			email = excluded.email,
			role = excluded.role,
			full_name = excluded.full_name,
			avatar_url = excluded.avatar_url,
			password_hash = excluded.password_hash,
			last_login_at = excluded.last_login_at
	`, p.RemoteID, p.Email, p.Role, p.FullName, p.AvatarURL, p.PasswordHash, nowISO())
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// ProfileByEmail returns the cached profile for email, or NotFoundError.
func (s *Store) ProfileByEmail(ctx context.Context, email string) (*Profile, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var p Profile
	err := s.db.QueryRowContext(ctx, `
		SELECT remote_id, email, role, full_name, avatar_url, password_hash, last_login_at
		FROM local_profiles WHERE email = ?
	`, email).Scan(&p.RemoteID, &p.Email, &p.Role, &p.FullName, &p.AvatarURL, &p.PasswordHash, &p.LastLoginAt)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Entity: "local_profiles"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query profile: %w", err)
	}
	return &p, nil
}

// nowISO returns the current UTC time in the ISO-8601 format used for all
// timestamp columns. Millisecond precision matches what remote rows carry.
func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}
