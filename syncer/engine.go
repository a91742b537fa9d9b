// Copyright 2025 Ahmmada
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Ahmmada/edusync/remote"
)

// Engine is the orchestration layer: it subscribes to the two event streams
// that gate sync (connectivity transitions and auth-session transitions) and
// triggers reconciliation when both allow it. The per-entity guards inside
// the Reconciler coalesce a transition firing mid-pass with the running
// pass, so no second concurrent pass is ever started.
type Engine struct {
	rec     *Reconciler
	monitor Monitor
	session *remote.SessionWatcher // optional
	logger  *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	unsubs  []func()
	started bool
}

// NewEngine wires the orchestrator. session may be nil when the app manages
// authentication elsewhere.
func NewEngine(rec *Reconciler, monitor Monitor, session *remote.SessionWatcher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{rec: rec, monitor: monitor, session: session, logger: logger}
}

// Start subscribes to both event streams and kicks an initial pass if the
// gates are already open. Calling Start twice is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)

	unsub := e.monitor.Subscribe(func(online bool) {
		if online {
			e.kick("connectivity regained")
		}
	})
	e.unsubs = append(e.unsubs, unsub)

	if e.session != nil {
		unsub := e.session.Subscribe(func(state remote.SessionState) {
			if state == remote.SessionValid {
				e.kick("session became valid")
			}
		})
		e.unsubs = append(e.unsubs, unsub)
	}
	e.mu.Unlock()

	if e.gatesOpen() {
		e.kick("startup")
	}
}

// Close unsubscribes from both streams and cancels any in-flight pass.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil
	if e.cancel != nil {
		e.cancel()
	}
	e.started = false
}

// Sync runs a reconciliation pass synchronously, e.g. from a manual refresh
// action. Safe to call while a triggered pass is running; overlapping work
// per entity is coalesced.
func (e *Engine) Sync(ctx context.Context) error {
	return e.rec.ReconcileAll(ctx)
}

func (e *Engine) gatesOpen() bool {
	if !e.monitor.Online() {
		return false
	}
	if e.session != nil && e.session.State() != remote.SessionValid {
		return false
	}
	return true
}

func (e *Engine) kick(reason string) {
	e.mu.Lock()
	ctx := e.ctx
	started := e.started
	e.mu.Unlock()
	if !started || !e.gatesOpen() {
		return
	}
	e.logger.Info("starting reconciliation", "reason", reason)
	go func() {
		if err := e.rec.ReconcileAll(ctx); err != nil {
			e.logger.Warn("reconciliation finished with errors", "reason", reason, "error", err)
		}
	}()
}
