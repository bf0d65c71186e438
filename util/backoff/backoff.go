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

// Package backoff paces retries of token server connections and rule source
// watches.
package backoff

import (
	"context"
	"math/rand"
	"time"

	"github.com/sluice-dev/sluice/util/clock"
)

// Backoff computes exponentially growing pauses. The zero value is not
// usable; set 0 < Min <= Max and Factor >= 1.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	// Jitter adds a random pause in [0, pause).
	Jitter bool
	// TimeSource paces Retry. nil means clock.System.
	TimeSource clock.TimeSource

	next time.Duration
}

// Duration returns the next pause and grows the one after it.
func (b *Backoff) Duration() time.Duration {
	pause := b.next
	if pause < b.Min {
		pause = b.Min
	}
	grown := time.Duration(float64(pause) * b.Factor)
	if grown > b.Max || grown < b.Min {
		// Also covers overflow.
		grown = b.Max
	}
	b.next = grown
	if b.Jitter {
		pause += time.Duration(rand.Int63n(int64(pause)))
	}
	return pause
}

// Reset restarts the sequence at Min.
func (b *Backoff) Reset() {
	b.next = 0
}

// Retry calls f until it succeeds or ctx is done, pausing between attempts.
// It returns nil on success, or the last error of f once ctx is done.
func (b *Backoff) Retry(ctx context.Context, f func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ts := b.TimeSource
	if ts == nil {
		ts = clock.System
	}
	for {
		err := f()
		if err == nil {
			return nil
		}
		if clock.SleepSource(ctx, b.Duration(), ts) != nil {
			return err
		}
	}
}
