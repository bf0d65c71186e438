// Copyright 2024 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"sort"
	"sync"

	"github.com/sluice-dev/sluice/cluster"
	"github.com/sluice-dev/sluice/util/clock"
	"k8s.io/klog/v2"
)

// DisconnectListener is called with the address of every client the
// connection manager drops.
type DisconnectListener func(address string)

type connection struct {
	namespace string
	lastSeen  int64
}

// ConnectionManager tracks the liveness and namespace of token clients.
type ConnectionManager struct {
	ts clock.TimeSource

	mu        sync.Mutex
	conns     map[string]*connection
	listeners []DisconnectListener
}

// NewConnectionManager creates an empty manager.
func NewConnectionManager(ts clock.TimeSource) *ConnectionManager {
	if ts == nil {
		ts = clock.System
	}
	return &ConnectionManager{ts: ts, conns: make(map[string]*connection)}
}

// AddDisconnectListener registers l.
func (m *ConnectionManager) AddDisconnectListener(l DisconnectListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Touch records activity from address. Unknown clients join the default
// namespace until they ping.
func (m *ConnectionManager) Touch(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLocked(address)
}

func (m *ConnectionManager) touchLocked(address string) *connection {
	c, ok := m.conns[address]
	if !ok {
		c = &connection{namespace: cluster.DefaultNamespace}
		m.conns[address] = c
		klog.V(1).Infof("Token client %s connected", address)
	}
	c.lastSeen = clock.Millis(m.ts)
	return c
}

// Bind records activity from address and moves it to namespace.
func (m *ConnectionManager) Bind(address, namespace string) {
	if namespace == "" {
		namespace = cluster.DefaultNamespace
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.touchLocked(address)
	if c.namespace != namespace {
		klog.V(1).Infof("Token client %s joined namespace %q", address, namespace)
		c.namespace = namespace
	}
}

// IsConnected reports whether address is a live client.
func (m *ConnectionManager) IsConnected(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[address]
	return ok
}

// Namespace returns the namespace of a live client.
func (m *ConnectionManager) Namespace(address string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[address]; ok {
		return c.namespace, true
	}
	return "", false
}

// ConnectedCount returns the number of live clients in namespace.
func (m *ConnectionManager) ConnectedCount(namespace string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.conns {
		if c.namespace == namespace {
			n++
		}
	}
	return n
}

// Addresses returns the sorted addresses of the live clients.
func (m *ConnectionManager) Addresses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := make([]string, 0, len(m.conns))
	for a := range m.conns {
		r = append(r, a)
	}
	sort.Strings(r)
	return r
}

// Remove drops address and notifies the disconnect listeners.
func (m *ConnectionManager) Remove(address string) bool {
	m.mu.Lock()
	_, ok := m.conns[address]
	delete(m.conns, address)
	listeners := m.listeners
	m.mu.Unlock()

	if ok {
		klog.Infof("Token client %s disconnected", address)
		for _, l := range listeners {
			l(address)
		}
	}
	return ok
}

// Sweep drops the clients silent for more than offlineTimeoutMs, notifies
// the disconnect listeners and returns the dropped addresses, sorted.
func (m *ConnectionManager) Sweep(offlineTimeoutMs int64) []string {
	now := clock.Millis(m.ts)
	var dropped []string
	m.mu.Lock()
	for a, c := range m.conns {
		if now-c.lastSeen > offlineTimeoutMs {
			delete(m.conns, a)
			dropped = append(dropped, a)
		}
	}
	listeners := m.listeners
	m.mu.Unlock()

	sort.Strings(dropped)
	for _, a := range dropped {
		klog.Warningf("Token client %s silent for over %dms, disconnecting", a, offlineTimeoutMs)
		for _, l := range listeners {
			l(a)
		}
	}
	return dropped
}
