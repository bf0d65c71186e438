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

package cluster

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

const (
	// DefaultRequestTimeoutMs bounds a single token request.
	DefaultRequestTimeoutMs = 20
	// DefaultConnectTimeoutMs bounds connection establishment.
	DefaultConnectTimeoutMs = 10 * 1000
	// DefaultNamespace is used by clients that configure none.
	DefaultNamespace = "default"
)

// ClientConfig tells a token client where the token server is.
type ClientConfig struct {
	// ServerHost and ServerPort locate the token server. An empty host
	// means no server is assigned and every request fails.
	ServerHost string
	ServerPort int
	// RequestTimeoutMs is the hard deadline of a token request.
	RequestTimeoutMs int64
	// ConnectTimeoutMs bounds dialing the server.
	ConnectTimeoutMs int64
	// Namespace groups clients of one application on the server.
	Namespace string
}

// Address returns the host:port of the server, or "" if none is assigned.
func (c ClientConfig) Address() string {
	if c.ServerHost == "" {
		return ""
	}
	return net.JoinHostPort(c.ServerHost, strconv.Itoa(c.ServerPort))
}

// RequestTimeout returns the request deadline with defaults applied.
func (c ClientConfig) RequestTimeout() time.Duration {
	if c.RequestTimeoutMs <= 0 {
		return DefaultRequestTimeoutMs * time.Millisecond
	}
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// ConnectTimeout returns the dial deadline with defaults applied.
func (c ClientConfig) ConnectTimeout() time.Duration {
	if c.ConnectTimeoutMs <= 0 {
		return DefaultConnectTimeoutMs * time.Millisecond
	}
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

// NamespaceOrDefault returns the namespace, or DefaultNamespace.
func (c ClientConfig) NamespaceOrDefault() string {
	if c.Namespace == "" {
		return DefaultNamespace
	}
	return c.Namespace
}

// Validate checks the configuration.
func (c ClientConfig) Validate() error {
	if c.ServerHost != "" && (c.ServerPort <= 0 || c.ServerPort > 65535) {
		return fmt.Errorf("cluster: invalid server port %d", c.ServerPort)
	}
	if c.RequestTimeoutMs < 0 || c.ConnectTimeoutMs < 0 {
		return fmt.Errorf("cluster: negative timeout in %+v", c)
	}
	return nil
}

// ClientConfigListener is notified of every accepted configuration.
type ClientConfigListener func(ClientConfig)

// ClientConfigManager holds the current client configuration and publishes
// updates to its listeners.
type ClientConfigManager struct {
	mu        sync.Mutex
	cfg       ClientConfig
	listeners []ClientConfigListener
}

// NewClientConfigManager creates a manager holding cfg.
func NewClientConfigManager(cfg ClientConfig) (*ClientConfigManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ClientConfigManager{cfg: cfg}, nil
}

// Config returns the current configuration.
func (m *ClientConfigManager) Config() ClientConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// AddListener registers l. Listeners are called in registration order.
func (m *ClientConfigManager) AddListener(l ClientConfigListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Update validates and installs cfg, then notifies the listeners
// synchronously. Updates are serialized, so listeners observe them in order.
func (m *ClientConfigManager) Update(cfg ClientConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	for _, l := range m.listeners {
		l(cfg)
	}
	return nil
}
