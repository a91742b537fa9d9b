// Copyright 2025 Ahmmada
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Monitor reports connectivity. The engine only consumes this signal to gate
// reconciliation; it does not own network probing. Subscribe returns an
// unsubscribe function that must be called on teardown.
type Monitor interface {
	Online() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// ProbeMonitor is a Monitor backed by a periodic HTTP probe against the
// remote endpoint. Apps embedded in richer platforms can substitute their
// own Monitor implementation.
type ProbeMonitor struct {
	url      string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger

	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	next   int

	stop     chan struct{}
	stopOnce sync.Once
}

// NewProbeMonitor creates a monitor probing url every interval. It starts
// offline until the first successful probe.
func NewProbeMonitor(url string, interval time.Duration, logger *slog.Logger) *ProbeMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProbeMonitor{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
		subs:     make(map[int]func(bool)),
		stop:     make(chan struct{}),
	}
}

// Start launches the probe loop. It returns immediately.
func (m *ProbeMonitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		m.probe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.probe(ctx)
			}
		}
	}()
}

// Close stops the probe loop.
func (m *ProbeMonitor) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Online reports the last observed connectivity state.
func (m *ProbeMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn for connectivity transitions.
func (m *ProbeMonitor) Subscribe(fn func(online bool)) func() {
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

func (m *ProbeMonitor) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.url, nil)
	if err != nil {
		return
	}
	resp, err := m.client.Do(req)
	online := err == nil
	if resp != nil {
		_ = resp.Body.Close()
	}
	m.setOnline(online)
}

func (m *ProbeMonitor) setOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online)
	for _, fn := range fns {
		fn(online)
	}
}
