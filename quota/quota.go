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

package quota

import (
	"fmt"

	"github.com/sluice-dev/sluice/util/clock"
)

// TokenBucket is a source of tokens replenished over time.
type TokenBucket interface {
	// TryConsume takes n tokens if available at the current time.
	TryConsume(n int64) bool
	// Refresh applies the production due at now.
	Refresh(now int64)
	// Tokens returns the tokens currently held, without refreshing.
	Tokens() int64
}

// Config describes a token bucket.
type Config struct {
	// MaxTokens caps the tokens held.
	MaxTokens int64
	// UnitTokens are produced every IntervalMs.
	UnitTokens int64
	IntervalMs int64
	// FullStart fills the bucket at creation instead of starting empty.
	FullStart bool
	// StartTime aligns production boundaries, in Unix milliseconds. Zero
	// means the creation time.
	StartTime int64
	// TimeSource defaults to clock.System.
	TimeSource clock.TimeSource
}

func (c Config) validate() error {
	if c.MaxTokens <= 0 {
		return fmt.Errorf("quota: MaxTokens must be positive, got %d", c.MaxTokens)
	}
	if c.UnitTokens <= 0 {
		return fmt.Errorf("quota: UnitTokens must be positive, got %d", c.UnitTokens)
	}
	if c.IntervalMs <= 0 {
		return fmt.Errorf("quota: IntervalMs must be positive, got %d", c.IntervalMs)
	}
	if c.StartTime < 0 {
		return fmt.Errorf("quota: negative StartTime %d", c.StartTime)
	}
	return nil
}

// params holds the immutable part of a bucket.
type params struct {
	maxTokens  int64
	unitTokens int64
	intervalMs int64
	ts         clock.TimeSource
}

// newParams validates cfg and returns the bucket parameters with the initial
// token count and next production time.
func newParams(cfg Config) (p params, tokens, next int64, err error) {
	if err := cfg.validate(); err != nil {
		return params{}, 0, 0, err
	}
	ts := cfg.TimeSource
	if ts == nil {
		ts = clock.System
	}
	start := cfg.StartTime
	if start == 0 {
		start = clock.Millis(ts)
	}
	if cfg.FullStart {
		tokens = cfg.MaxTokens
	}
	p = params{maxTokens: cfg.MaxTokens, unitTokens: cfg.UnitTokens, intervalMs: cfg.IntervalMs, ts: ts}
	return p, tokens, start + cfg.IntervalMs, nil
}

func (p *params) now() int64 {
	return clock.Millis(p.ts)
}

// trivial reports whether a request for n tokens is decided without looking
// at the bucket, and the decision.
func (p *params) trivial(n int64) (decided, ok bool) {
	switch {
	case n <= 0:
		return true, true
	case n > p.maxTokens:
		return true, false
	}
	return false, false
}

// produce returns the token count and next production time after applying
// the production due at now. produced is false if nothing was due.
func (p *params) produce(tokens, next, now int64) (newTokens, newNext int64, produced bool) {
	if now < next {
		return tokens, next, false
	}
	units := (now-next)/p.intervalMs + 1
	newNext = next + units*p.intervalMs
	return p.add(tokens, units), newNext, true
}

// add returns tokens increased by units of production, capped at maxTokens.
func (p *params) add(tokens, units int64) int64 {
	room := p.maxTokens - tokens
	if room <= 0 {
		return p.maxTokens
	}
	// Compare in units to avoid overflowing units*unitTokens.
	if units >= (room+p.unitTokens-1)/p.unitTokens {
		return p.maxTokens
	}
	return tokens + units*p.unitTokens
}
