// Copyright 2025 Ahmmada
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store against a Postgres backend. Remote tables
// mirror the local layout: id bigserial primary key, uuid unique, business
// columns, created_at/updated_at/deleted_at timestamptz, is_synced boolean
// (informational, mirrored from the client).
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

// Connect dials dsn and returns a ready store.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping remote store: %w", err)
	}
	return NewPostgresStore(pool, logger), nil
}

// Close releases the pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

func (p *PostgresStore) Insert(ctx context.Context, table string, payload map[string]any) (int64, error) {
	query, args := buildInsert(table, payload)
	var id int64
	err := p.pool.QueryRow(ctx, query, args...).Scan(&id)
	if err != nil {
		return 0, classify(table, err)
	}
	return id, nil
}

func (p *PostgresStore) Update(ctx context.Context, table, uuid string, payload map[string]any) error {
	query, args := buildUpdate(table, uuid, payload)
	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return classify(table, err)
	}
	return nil
}

func (p *PostgresStore) SoftDelete(ctx context.Context, table, uuid, deletedAt string) error {
	query := fmt.Sprintf(
		`UPDATE %s SET deleted_at = $1, is_synced = true WHERE uuid = $2 AND deleted_at IS NULL`, table)
	tag, err := p.pool.Exec(ctx, query, deletedAt, uuid)
	if err != nil {
		return classify(table, err)
	}
	if tag.RowsAffected() == 0 {
		// Already deleted remotely, or never existed. Idempotent success.
		p.logger.Debug("remote soft-delete was a no-op", "table", table, "uuid", uuid)
	}
	return nil
}

func (p *PostgresStore) FetchAll(ctx context.Context, table string, columns []string) ([]Row, error) {
	cols := append([]string{"id", "uuid"}, columns...)
	cols = append(cols, "created_at", "updated_at", "deleted_at")
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY id ASC", strings.Join(cols, ", "), table)

	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, classify(table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := decodeRow(rows, table, columns)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(table, err)
	}
	return out, nil
}

func (p *PostgresStore) FetchByUUID(ctx context.Context, table, uuid string, columns []string) (*Row, error) {
	cols := append([]string{"id", "uuid"}, columns...)
	cols = append(cols, "created_at", "updated_at", "deleted_at")
	query := fmt.Sprintf("SELECT %s FROM %s WHERE uuid = $1", strings.Join(cols, ", "), table)

	rows, err := p.pool.Query(ctx, query, uuid)
	if err != nil {
		return nil, classify(table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	r, err := decodeRow(rows, table, columns)
	if err != nil {
		return nil, err
	}
	return &r, rows.Err()
}

func decodeRow(rows pgx.Rows, table string, columns []string) (Row, error) {
	vals, err := rows.Values()
	if err != nil {
		return Row{}, fmt.Errorf("failed to read %s row: %w", table, err)
	}
	r := Row{Fields: make(map[string]any, len(columns))}
	r.ID = toInt64(vals[0])
	r.UUID = toString(vals[1])
	for i, c := range columns {
		r.Fields[c] = normalizeValue(vals[2+i])
	}
	base := 2 + len(columns)
	r.CreatedAt = toTimestamp(vals[base])
	r.UpdatedAt = toTimestamp(vals[base+1])
	r.DeletedAt = toTimestamp(vals[base+2])
	return r, nil
}

// buildInsert renders an insert-returning-id statement. Columns are sorted
// so the statement text is stable for a given payload shape.
func buildInsert(table string, payload map[string]any) (string, []any) {
	cols := sortedKeys(payload)
	args := make([]any, 0, len(cols))
	ph := make([]string, 0, len(cols)+1)
	for i, c := range cols {
		args = append(args, payload[c])
		ph = append(ph, fmt.Sprintf("$%d", i+1))
	}
	query := fmt.Sprintf("INSERT INTO %s (%s, is_synced) VALUES (%s, true) RETURNING id",
		table, strings.Join(cols, ", "), strings.Join(ph, ", "))
	return query, args
}

// buildUpdate renders an update filtered by uuid and not-deleted, so a push
// can never resurrect a remotely deleted row.
func buildUpdate(table, uuid string, payload map[string]any) (string, []any) {
	cols := sortedKeys(payload)
	args := make([]any, 0, len(cols)+1)
	sets := make([]string, 0, len(cols)+1)
	for i, c := range cols {
		args = append(args, payload[c])
		sets = append(sets, fmt.Sprintf("%s = $%d", c, i+1))
	}
	sets = append(sets, "is_synced = true")
	args = append(args, uuid)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE uuid = $%d AND deleted_at IS NULL",
		table, strings.Join(sets, ", "), len(args))
	return query, args
}

// classify maps driver errors onto the engine's taxonomy. SQLSTATE 23505 is
// a uniqueness conflict; everything else stays transient and retryable.
func classify(table string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.SQLState() == "23505" {
		return &ConflictError{Table: table, Constraint: pgErr.ConstraintName, cause: err}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	return fmt.Errorf("remote store error on %s: %w", table, err)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int32:
		return int64(t)
	case int:
		return int64(t)
	}
	return 0
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case [16]byte: // pgx uuid
		return fmt.Sprintf("%x-%x-%x-%x-%x", t[0:4], t[4:6], t[6:8], t[8:10], t[10:16])
	}
	return fmt.Sprintf("%v", v)
}

func toTimestamp(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case time.Time:
		return t.UTC().Format("2006-01-02T15:04:05.000Z")
	case string:
		return t
	}
	return ""
}

// normalizeValue converts pgx scan values into the shapes localstore stores.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format("2006-01-02T15:04:05.000Z")
	case int32:
		return int64(t)
	default:
		return v
	}
}
