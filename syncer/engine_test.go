// Copyright 2025 Ahmmada
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Ahmmada/edusync/localstore"
	"github.com/Ahmmada/edusync/remote"
)

// notifyingMonitor is a Monitor whose state can be flipped from tests.
type notifyingMonitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	next   int
}

func newNotifyingMonitor(online bool) *notifyingMonitor {
	return &notifyingMonitor{online: online, subs: make(map[int]func(bool))}
}

func (m *notifyingMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *notifyingMonitor) Subscribe(fn func(bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

func (m *notifyingMonitor) setOnline(online bool) {
	m.mu.Lock()
	m.online = online
	fns := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
}

func newTestEngine(t *testing.T, fake *fakeRemote, monitor Monitor,
	session *remote.SessionWatcher) (*Engine, *localstore.Store) {

	t.Helper()
	store, err := localstore.Open(context.Background(), ":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	rec := NewReconciler(store, fake, monitor, nil, DefaultConfig(), testLogger())
	return NewEngine(rec, monitor, session, testLogger()), store
}

func TestEngineKicksWhenConnectivityReturns(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRemote()
	monitor := newNotifyingMonitor(false)
	engine, store := newTestEngine(t, fake, monitor, nil)
	defer engine.Close()

	_, err := store.Repository(localstore.Offices).Create(ctx, map[string]any{"name": "Centre A"})
	require.NoError(t, err)

	engine.Start(ctx)
	// Offline at startup: nothing pushed.
	require.Zero(t, fake.insertCalls)

	monitor.setOnline(true)
	require.Eventually(t, func() bool {
		n, err := store.QueueLen(ctx, "offices")
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngineSessionGateBlocksSync(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRemote()
	monitor := newNotifyingMonitor(true)
	source := remote.NewTokenSource("test-secret")
	session := remote.NewSessionWatcher(source)
	engine, store := newTestEngine(t, fake, monitor, session)
	defer engine.Close()

	_, err := store.Repository(localstore.Offices).Create(ctx, map[string]any{"name": "Centre A"})
	require.NoError(t, err)

	engine.Start(ctx)
	// Online but signed out: the gate stays shut.
	require.Zero(t, fake.insertCalls)

	token, err := source.Issue("user-1", "device-a", time.Hour)
	require.NoError(t, err)
	session.SetToken(token)

	require.Eventually(t, func() bool {
		n, err := store.QueueLen(ctx, "offices")
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngineManualSyncIsSynchronous(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRemote()
	monitor := newNotifyingMonitor(true)
	engine, store := newTestEngine(t, fake, monitor, nil)

	res, err := store.Repository(localstore.Offices).Create(ctx, map[string]any{"name": "Centre A"})
	require.NoError(t, err)

	require.NoError(t, engine.Sync(ctx))

	row, err := store.Repository(localstore.Offices).Get(ctx, res.LocalID)
	require.NoError(t, err)
	require.True(t, row.IsSynced)
}

func TestEngineCloseStopsTriggeredPasses(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRemote()
	monitor := newNotifyingMonitor(false)
	engine, store := newTestEngine(t, fake, monitor, nil)

	engine.Start(ctx)
	engine.Close()

	_, err := store.Repository(localstore.Offices).Create(ctx, map[string]any{"name": "Centre A"})
	require.NoError(t, err)

	// After Close the transition no longer reaches the engine.
	monitor.setOnline(true)
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, fake.insertCalls)
}
