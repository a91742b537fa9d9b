// Copyright 2025 Ahmmada
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims are the JWT claims carried by a remote session token. The
// device id identifies the replica; the user id rides in the standard sub.
type SessionClaims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// TokenSource issues and validates HS256 session tokens.
type TokenSource struct {
	secret []byte
}

// NewTokenSource creates a token source over a shared secret.
func NewTokenSource(secret string) *TokenSource {
	return &TokenSource{secret: []byte(secret)}
}

// Issue signs a session token for the given user and device.
func (t *TokenSource) Issue(userID, deviceID string, ttl time.Duration) (string, error) {
	claims := &SessionClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "edusync",
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Validate parses and verifies a session token.
func (t *TokenSource) Validate(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid session token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub (user id) in token")
	}
	return claims, nil
}

// SessionState is the auth side of the two event streams that gate sync.
type SessionState int

const (
	SessionExpired SessionState = iota
	SessionValid
)

// SessionWatcher tracks the validity of the current session token and
// notifies subscribers on transitions. It complements the connectivity
// monitor: the orchestrator only reconciles while online AND signed in.
type SessionWatcher struct {
	source *TokenSource

	mu    sync.Mutex
	state SessionState
	subs  map[int]func(SessionState)
	next  int
}

// NewSessionWatcher starts in the expired state until SetToken is called.
func NewSessionWatcher(source *TokenSource) *SessionWatcher {
	return &SessionWatcher{
		source: source,
		state:  SessionExpired,
		subs:   make(map[int]func(SessionState)),
	}
}

// State returns the current session state.
func (w *SessionWatcher) State() SessionState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// SetToken validates the token and transitions state accordingly.
func (w *SessionWatcher) SetToken(token string) {
	state := SessionExpired
	if token != "" {
		if _, err := w.source.Validate(token); err == nil {
			state = SessionValid
		}
	}
	w.transition(state)
}

// Expire forces the expired state, e.g. on sign-out.
func (w *SessionWatcher) Expire() {
	w.transition(SessionExpired)
}

// Subscribe registers fn for state transitions and returns an unsubscribe
// function. fn is not called for the current state.
func (w *SessionWatcher) Subscribe(fn func(SessionState)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.next
	w.next++
	w.subs[id] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.subs, id)
	}
}

func (w *SessionWatcher) transition(state SessionState) {
	w.mu.Lock()
	if w.state == state {
		w.mu.Unlock()
		return
	}
	w.state = state
	fns := make([]func(SessionState), 0, len(w.subs))
	for _, fn := range w.subs {
		fns = append(fns, fn)
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}
