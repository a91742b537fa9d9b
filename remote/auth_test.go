// Copyright 2025 Ahmmada
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	source := NewTokenSource("test-secret")

	token, err := source.Issue("user-1", "device-a", time.Hour)
	require.NoError(t, err)

	claims, err := source.Validate(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "device-a", claims.DeviceID)
	require.Equal(t, "edusync", claims.Issuer)
}

func TestExpiredTokenRejected(t *testing.T) {
	source := NewTokenSource("test-secret")

	token, err := source.Issue("user-1", "device-a", -time.Minute)
	require.NoError(t, err)

	_, err = source.Validate(token)
	require.Error(t, err)
}

func TestWrongSecretRejected(t *testing.T) {
	token, err := NewTokenSource("secret-a").Issue("user-1", "device-a", time.Hour)
	require.NoError(t, err)

	_, err = NewTokenSource("secret-b").Validate(token)
	require.Error(t, err)
}

func TestSessionWatcherTransitions(t *testing.T) {
	source := NewTokenSource("test-secret")
	watcher := NewSessionWatcher(source)
	require.Equal(t, SessionExpired, watcher.State())

	var events []SessionState
	unsubscribe := watcher.Subscribe(func(s SessionState) { events = append(events, s) })

	token, err := source.Issue("user-1", "device-a", time.Hour)
	require.NoError(t, err)

	watcher.SetToken(token)
	require.Equal(t, SessionValid, watcher.State())
	require.Equal(t, []SessionState{SessionValid}, events)

	// Re-validating the same token is not a transition.
	watcher.SetToken(token)
	require.Len(t, events, 1)

	watcher.Expire()
	require.Equal(t, SessionExpired, watcher.State())
	require.Equal(t, []SessionState{SessionValid, SessionExpired}, events)

	// A garbage token never opens the gate.
	watcher.SetToken("not-a-jwt")
	require.Equal(t, SessionExpired, watcher.State())

	unsubscribe()
	watcher.SetToken(token)
	require.Len(t, events, 2)
}
