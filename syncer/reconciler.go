// Copyright 2025 Ahmmada
// SPDX-License-Identifier: Apache-2.0

// Package syncer reconciles the local store against the remote backend: it
// drains the outbox (push) and folds the remote snapshot back in (pull).
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Ahmmada/edusync/localstore"
	"github.com/Ahmmada/edusync/remote"
)

// ErrUnresolvedRef marks a push blocked on a referenced entity that has not
// been accepted remotely yet. The entry stays queued and is retried after
// the referenced entity syncs.
var ErrUnresolvedRef = errors.New("referenced entity has no remote id yet")

// Config tunes the reconciler's retry behavior.
type Config struct {
	// BackoffMin/BackoffMax bound the per-entity cooldown applied after a
	// failed pass. The delay doubles on failure and resets on success.
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// DefaultConfig returns the standard backoff window.
func DefaultConfig() *Config {
	return &Config{
		BackoffMin: 1 * time.Second,
		BackoffMax: 60 * time.Second,
	}
}

// Resolution is the human decision on a remote uniqueness conflict.
type Resolution int

const (
	// KeepQueued abandons the push for now; the entry is retried later.
	KeepQueued Resolution = iota
	// DiscardLocal deletes the local duplicate row and its queue entry. The
	// remote row that won the race becomes the surviving truth and arrives
	// on the next pull.
	DiscardLocal
)

// ConflictResolver decides what happens when a push collides with a remote
// uniqueness constraint. Two rows with the same business key but different
// uuids are a genuine identity collision, so the engine never auto-merges.
type ConflictResolver interface {
	ResolveDuplicate(ctx context.Context, entity string, entry localstore.QueueEntry, cause error) (Resolution, error)
}

// AbandonResolver is the default resolver: it leaves conflicting entries
// queued for a later human decision.
type AbandonResolver struct{}

func (AbandonResolver) ResolveDuplicate(context.Context, string, localstore.QueueEntry, error) (Resolution, error) {
	return KeepQueued, nil
}

// Reconciler drains the mutation queue for each entity kind against the
// remote store and pulls the remote snapshot back into the local store.
// Reconcile is idempotent and safe to call repeatedly; overlapping calls for
// the same entity are coalesced, not queued.
type Reconciler struct {
	store    *localstore.Store
	remote   remote.Store
	monitor  Monitor
	resolver ConflictResolver
	logger   *slog.Logger
	config   *Config

	mu       sync.Mutex
	inFlight map[string]bool
	retry    map[string]*retryState
}

type retryState struct {
	delay     time.Duration
	notBefore time.Time
}

// NewReconciler wires the reconciler. monitor and resolver may be nil, in
// which case connectivity is assumed and conflicts stay queued.
func NewReconciler(store *localstore.Store, rs remote.Store, monitor Monitor,
	resolver ConflictResolver, config *Config, logger *slog.Logger) *Reconciler {

	if resolver == nil {
		resolver = AbandonResolver{}
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:    store,
		remote:   rs,
		monitor:  monitor,
		resolver: resolver,
		logger:   logger,
		config:   config,
		inFlight: make(map[string]bool),
		retry:    make(map[string]*retryState),
	}
}

// ReconcileAll reconciles every registered entity in dependency order, so
// offices and levels obtain their remote ids before students push.
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	var errs []error
	for _, schema := range orderedSchemas() {
		if err := r.Reconcile(ctx, schema.Table); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", schema.Table, err))
		}
	}
	return errors.Join(errs...)
}

// Reconcile drains the queue for one entity kind and then pulls the remote
// snapshot. It returns nil without doing anything when offline, when another
// pass for the same entity is in flight, or while the backoff cooldown from
// a previous failure has not elapsed.
func (r *Reconciler) Reconcile(ctx context.Context, entity string) error {
	schema, err := localstore.SchemaFor(entity)
	if err != nil {
		return err
	}
	if r.monitor != nil && !r.monitor.Online() {
		r.logger.Debug("skipping reconcile while offline", "entity", entity)
		return nil
	}
	if !r.begin(entity) {
		r.logger.Debug("reconcile already in flight, coalescing", "entity", entity)
		return nil
	}
	defer r.end(entity)

	if wait := r.cooldownRemaining(entity); wait > 0 {
		r.logger.Debug("reconcile in backoff cooldown", "entity", entity, "remaining", wait)
		return nil
	}

	pushFailures, err := r.drainQueue(ctx, schema)
	if err != nil {
		r.recordFailure(entity)
		return err
	}
	if err := r.mergeEntity(ctx, schema); err != nil {
		r.recordFailure(entity)
		return fmt.Errorf("pull merge failed: %w", err)
	}
	if pushFailures > 0 {
		r.recordFailure(entity)
		return fmt.Errorf("%d queued changes failed to push", pushFailures)
	}
	r.recordSuccess(entity)
	return nil
}

// drainQueue pushes outstanding entries in enqueue order. A failing entry is
// left queued and does not block entries for other rows; at most one entry
// exists per row, so FIFO-per-row is preserved by construction.
func (r *Reconciler) drainQueue(ctx context.Context, schema *localstore.EntitySchema) (failures int, err error) {
	entries, err := r.store.PendingChanges(ctx, schema.Table)
	if err != nil {
		return 0, fmt.Errorf("failed to read queue: %w", err)
	}
	repo := r.store.Repository(schema)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return failures, err
		}
		if err := r.pushEntry(ctx, repo, entry); err != nil {
			failures++
			r.logger.Warn("push failed, entry stays queued",
				"entity", entry.Entity, "op", entry.Op, "uuid", entry.UUID, "error", err)
		}
	}
	return failures, nil
}

func (r *Reconciler) pushEntry(ctx context.Context, repo *localstore.Repository, entry localstore.QueueEntry) error {
	switch entry.Op {
	case localstore.OpInsert:
		return r.pushInsert(ctx, repo, entry)
	case localstore.OpUpdate:
		return r.pushUpdate(ctx, repo, entry)
	case localstore.OpDelete:
		return r.pushDelete(ctx, repo, entry)
	default:
		return fmt.Errorf("unknown queue operation %q", entry.Op)
	}
}

func (r *Reconciler) pushInsert(ctx context.Context, repo *localstore.Repository, entry localstore.QueueEntry) error {
	payload, err := r.decodePayload(repo.Schema(), entry)
	if err != nil {
		return err
	}
	if err := r.checkReferences(ctx, repo.Schema(), payload); err != nil {
		return err
	}
	remoteID, err := r.remote.Insert(ctx, entry.Entity, payload)
	var conflict *remote.ConflictError
	if errors.As(err, &conflict) {
		if conflict.OnUUIDKey() {
			// The remote already holds this uuid: a previous push succeeded
			// but its acknowledgement was lost. Re-adopt, don't resolve.
			return r.adoptRemoteRow(ctx, repo, entry)
		}
		return r.resolveConflict(ctx, repo, entry, err)
	}
	if err != nil {
		return err
	}
	if err := repo.AttachRemoteID(ctx, entry.LocalID, entry.UUID, remoteID); err != nil {
		var nf *localstore.NotFoundError
		if !errors.As(err, &nf) {
			return err
		}
		// The row was deleted-and-recreated locally while the push was in
		// flight; the acknowledgement has nowhere to land. Drop the entry.
		r.logger.Warn("discarding acknowledgement for vanished row",
			"entity", entry.Entity, "uuid", entry.UUID)
	}
	r.logger.Info("pushed insert", "entity", entry.Entity, "uuid", entry.UUID, "remote_id", remoteID)
	return r.store.DeleteQueueEntry(ctx, entry.ID)
}

func (r *Reconciler) pushUpdate(ctx context.Context, repo *localstore.Repository, entry localstore.QueueEntry) error {
	payload, err := r.decodePayload(repo.Schema(), entry)
	if err != nil {
		return err
	}
	if err := r.checkReferences(ctx, repo.Schema(), payload); err != nil {
		return err
	}
	delete(payload, "uuid")
	delete(payload, "created_at")
	err = r.remote.Update(ctx, entry.Entity, entry.UUID, payload)
	if remote.IsConflict(err) {
		return r.resolveConflict(ctx, repo, entry, err)
	}
	if err != nil {
		return err
	}
	if err := repo.MarkSynced(ctx, entry.LocalID); err != nil {
		return err
	}
	r.logger.Info("pushed update", "entity", entry.Entity, "uuid", entry.UUID)
	return r.store.DeleteQueueEntry(ctx, entry.ID)
}

func (r *Reconciler) pushDelete(ctx context.Context, repo *localstore.Repository, entry localstore.QueueEntry) error {
	var payload struct {
		DeletedAt string `json:"deleted_at"`
	}
	if err := entry.DecodePayload(&payload); err != nil {
		return err
	}
	// Soft-deleting a row the remote never saw, or already deleted, affects
	// zero rows and still counts as success.
	if err := r.remote.SoftDelete(ctx, entry.Entity, entry.UUID, payload.DeletedAt); err != nil {
		return err
	}
	if err := repo.MarkSynced(ctx, entry.LocalID); err != nil {
		return err
	}
	r.logger.Info("pushed delete", "entity", entry.Entity, "uuid", entry.UUID)
	return r.store.DeleteQueueEntry(ctx, entry.ID)
}

// adoptRemoteRow finishes an insert whose acknowledgement never landed, e.g.
// after a crash between the remote accept and AttachRemoteID. The remote row
// carrying our uuid is the push we already made.
func (r *Reconciler) adoptRemoteRow(ctx context.Context, repo *localstore.Repository, entry localstore.QueueEntry) error {
	rr, err := r.remote.FetchByUUID(ctx, entry.Entity, entry.UUID, repo.Schema().FieldNames())
	if err != nil {
		return err
	}
	if rr == nil {
		return fmt.Errorf("uuid conflict for %s/%s but remote row not found", entry.Entity, entry.UUID)
	}
	if err := repo.AttachRemoteID(ctx, entry.LocalID, entry.UUID, rr.ID); err != nil {
		var nf *localstore.NotFoundError
		if !errors.As(err, &nf) {
			return err
		}
		r.logger.Warn("discarding acknowledgement for vanished row",
			"entity", entry.Entity, "uuid", entry.UUID)
	}
	r.logger.Info("recovered lost push acknowledgement",
		"entity", entry.Entity, "uuid", entry.UUID, "remote_id", rr.ID)
	return r.store.DeleteQueueEntry(ctx, entry.ID)
}

func (r *Reconciler) resolveConflict(ctx context.Context, repo *localstore.Repository,
	entry localstore.QueueEntry, cause error) error {

	resolution, err := r.resolver.ResolveDuplicate(ctx, entry.Entity, entry, cause)
	if err != nil {
		return fmt.Errorf("conflict resolution failed: %w", err)
	}
	switch resolution {
	case DiscardLocal:
		r.logger.Info("discarding local duplicate after remote conflict",
			"entity", entry.Entity, "uuid", entry.UUID)
		return repo.DiscardLocal(ctx, entry.LocalID)
	default:
		r.logger.Warn("remote conflict left queued for later decision",
			"entity", entry.Entity, "uuid", entry.UUID, "cause", cause)
		return nil
	}
}

// decodePayload unmarshals the snapshot and restores integer typing that
// JSON round-tripping turned into float64.
func (r *Reconciler) decodePayload(schema *localstore.EntitySchema, entry localstore.QueueEntry) (map[string]any, error) {
	payload := map[string]any{}
	if err := entry.DecodePayload(&payload); err != nil {
		return nil, err
	}
	for _, f := range schema.Fields {
		if f.Type != "INTEGER" {
			continue
		}
		if v, ok := payload[f.Name].(float64); ok {
			payload[f.Name] = int64(v)
		}
	}
	return payload, nil
}

// checkReferences blocks a dependent push until every referenced remote id
// is backed by a local parent row. The storage layer already enforces the
// foreign keys, so this only trips when a parent was discarded after the
// dependent entry was queued; entities reconcile in dependency order, so
// parents obtain their remote ids before dependents push.
func (r *Reconciler) checkReferences(ctx context.Context, schema *localstore.EntitySchema, payload map[string]any) error {
	for _, ref := range schema.References {
		v, ok := payload[ref.Field]
		if !ok || v == nil {
			continue
		}
		remoteID, ok := v.(int64)
		if !ok {
			return fmt.Errorf("reference %s has non-integer value %v", ref.Field, v)
		}
		parentSchema, err := localstore.SchemaFor(ref.Entity)
		if err != nil {
			return err
		}
		parent, err := r.store.Repository(parentSchema).FindByRemoteID(ctx, remoteID)
		if err != nil {
			return err
		}
		if parent == nil {
			return fmt.Errorf("%w: %s %d", ErrUnresolvedRef, ref.Entity, remoteID)
		}
	}
	return nil
}

func (r *Reconciler) begin(entity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight[entity] {
		return false
	}
	r.inFlight[entity] = true
	return true
}

func (r *Reconciler) end(entity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, entity)
}

func (r *Reconciler) cooldownRemaining(entity string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.retry[entity]
	if !ok {
		return 0
	}
	if remaining := time.Until(state.notBefore); remaining > 0 {
		return remaining
	}
	return 0
}

func (r *Reconciler) recordFailure(entity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.retry[entity]
	if !ok {
		state = &retryState{delay: r.config.BackoffMin}
		r.retry[entity] = state
	} else {
		state.delay *= 2
		if state.delay > r.config.BackoffMax {
			state.delay = r.config.BackoffMax
		}
	}
	state.notBefore = time.Now().Add(state.delay)
}

func (r *Reconciler) recordSuccess(entity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.retry, entity)
}

// orderedSchemas topologically sorts the registered entities by DependsOn.
func orderedSchemas() []*localstore.EntitySchema {
	all := localstore.Entities()
	byTable := make(map[string]*localstore.EntitySchema, len(all))
	for _, s := range all {
		byTable[s.Table] = s
	}
	var out []*localstore.EntitySchema
	visited := make(map[string]bool, len(all))
	var visit func(s *localstore.EntitySchema)
	visit = func(s *localstore.EntitySchema) {
		if visited[s.Table] {
			return
		}
		visited[s.Table] = true
		for _, dep := range s.DependsOn {
			if d, ok := byTable[dep]; ok {
				visit(d)
			}
		}
		out = append(out, s)
	}
	for _, s := range all {
		visit(s)
	}
	return out
}
