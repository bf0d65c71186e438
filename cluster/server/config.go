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
	"fmt"
	"sync"
)

// Defaults of Config.
const (
	DefaultExceedCount            = 1.0
	DefaultMaxOccupyRatio         = 1.0
	DefaultSampleCount            = 10
	DefaultIntervalMs             = 1000
	DefaultMaxAllowedQPS          = 30000
	DefaultClientOfflineTimeoutMs = 30 * 1000
	DefaultSweepIntervalMs        = 1000
)

// Config holds the settings of a token server. Zero values select the
// defaults.
type Config struct {
	// ExceedCount scales every rule threshold.
	ExceedCount float64
	// MaxOccupyRatio bounds, as a fraction of the threshold, the passes that
	// prioritized requests may borrow from future windows.
	MaxOccupyRatio float64
	// SampleCount and IntervalMs shape the metric of a flow whose rule does
	// not set its own.
	SampleCount int
	IntervalMs  int64
	// MaxAllowedQPS caps the token requests served per namespace. Excess
	// requests get TooManyRequest. Negative disables the cap.
	MaxAllowedQPS float64
	// ClientOfflineTimeoutMs is how long a client may stay silent before it
	// is disconnected and its concurrency leases reclaimed.
	ClientOfflineTimeoutMs int64
	// SweepIntervalMs is the period of the connection and lease sweeps.
	SweepIntervalMs int64
}

// WithDefaults returns c with zero fields set to their defaults.
func (c Config) WithDefaults() Config {
	if c.ExceedCount == 0 {
		c.ExceedCount = DefaultExceedCount
	}
	if c.MaxOccupyRatio == 0 {
		c.MaxOccupyRatio = DefaultMaxOccupyRatio
	}
	if c.SampleCount == 0 {
		c.SampleCount = DefaultSampleCount
	}
	if c.IntervalMs == 0 {
		c.IntervalMs = DefaultIntervalMs
	}
	if c.MaxAllowedQPS == 0 {
		c.MaxAllowedQPS = DefaultMaxAllowedQPS
	}
	if c.ClientOfflineTimeoutMs == 0 {
		c.ClientOfflineTimeoutMs = DefaultClientOfflineTimeoutMs
	}
	if c.SweepIntervalMs == 0 {
		c.SweepIntervalMs = DefaultSweepIntervalMs
	}
	return c
}

// Validate checks a configuration with defaults applied.
func (c Config) Validate() error {
	switch {
	case c.ExceedCount <= 0:
		return fmt.Errorf("server: exceed count must be positive, got %v", c.ExceedCount)
	case c.MaxOccupyRatio <= 0:
		return fmt.Errorf("server: max occupy ratio must be positive, got %v", c.MaxOccupyRatio)
	case c.SampleCount <= 0 || c.IntervalMs <= 0:
		return fmt.Errorf("server: invalid metric shape %d/%dms", c.SampleCount, c.IntervalMs)
	case c.IntervalMs%int64(c.SampleCount) != 0:
		return fmt.Errorf("server: interval %dms not divisible by sample count %d", c.IntervalMs, c.SampleCount)
	case c.ClientOfflineTimeoutMs <= 0 || c.SweepIntervalMs <= 0:
		return fmt.Errorf("server: timeouts must be positive in %+v", c)
	}
	return nil
}

// ConfigListener is notified of every accepted configuration, along with
// the one it replaces.
type ConfigListener func(old, cfg Config)

// ConfigManager holds the current server configuration and publishes
// updates to its listeners.
type ConfigManager struct {
	mu        sync.Mutex
	cfg       Config
	listeners []ConfigListener
}

// NewConfigManager creates a manager holding cfg with defaults applied.
func NewConfigManager(cfg Config) (*ConfigManager, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ConfigManager{cfg: cfg}, nil
}

// Config returns the current configuration.
func (m *ConfigManager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// AddListener registers l. Listeners are called in registration order.
func (m *ConfigManager) AddListener(l ConfigListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Update installs cfg, with defaults applied, and notifies the listeners
// synchronously.
func (m *ConfigManager) Update(cfg Config) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.cfg
	m.cfg = cfg
	for _, l := range m.listeners {
		l(old, cfg)
	}
	return nil
}
