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
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sluice-dev/sluice/util/clock"
	"go.uber.org/atomic"
)

var strategies = []string{Strict, Optimistic, Default}

func newBucket(t *testing.T, strategy string, cfg Config) TokenBucket {
	t.Helper()
	b, err := NewTokenBucket(strategy, cfg)
	if err != nil {
		t.Fatalf("NewTokenBucket(%q): %v", strategy, err)
	}
	return b
}

func TestStrategies(t *testing.T) {
	if diff := cmp.Diff([]string{Default, Optimistic, Strict}, Strategies()); diff != "" {
		t.Errorf("Strategies() diff (-want +got):\n%s", diff)
	}
	if err := RegisterProvider(Strict, nil); err == nil {
		t.Error("RegisterProvider(strict) twice succeeded")
	}
	if _, err := NewTokenBucket("leaky", Config{MaxTokens: 1, UnitTokens: 1, IntervalMs: 1}); err == nil {
		t.Error("NewTokenBucket(leaky) succeeded")
	}
	b, err := NewTokenBucket("", Config{MaxTokens: 1, UnitTokens: 1, IntervalMs: 1})
	if err != nil {
		t.Fatalf("NewTokenBucket(\"\"): %v", err)
	}
	if _, ok := b.(*OptimisticBucket); !ok {
		t.Errorf("NewTokenBucket(\"\") returned %T, want *OptimisticBucket", b)
	}
}

func TestInvalidConfig(t *testing.T) {
	for _, cfg := range []Config{
		{MaxTokens: 0, UnitTokens: 1, IntervalMs: 1000},
		{MaxTokens: 10, UnitTokens: 0, IntervalMs: 1000},
		{MaxTokens: 10, UnitTokens: 1, IntervalMs: -5},
		{MaxTokens: 10, UnitTokens: 1, IntervalMs: 1000, StartTime: -1},
	} {
		for _, s := range strategies {
			if _, err := NewTokenBucket(s, cfg); err == nil {
				t.Errorf("NewTokenBucket(%q, %+v) succeeded, want error", s, cfg)
			}
		}
	}
}

func TestTrivialRequests(t *testing.T) {
	for _, s := range strategies {
		t.Run(s, func(t *testing.T) {
			ts := clock.NewFakeMillis(1000)
			b := newBucket(t, s, Config{MaxTokens: 5, UnitTokens: 1, IntervalMs: 100, TimeSource: ts})
			if !b.TryConsume(0) || !b.TryConsume(-3) {
				t.Error("non-positive request failed")
			}
			ts.SetMillis(1000000)
			if b.TryConsume(6) {
				t.Error("request above MaxTokens succeeded")
			}
			if !b.TryConsume(5) {
				t.Error("request of MaxTokens on a full bucket failed")
			}
		})
	}
}

func TestProductionAligned(t *testing.T) {
	for _, s := range strategies {
		t.Run(s, func(t *testing.T) {
			ts := clock.NewFakeMillis(5000)
			b := newBucket(t, s, Config{MaxTokens: 10, UnitTokens: 2, IntervalMs: 100, StartTime: 1000, TimeSource: ts})
			if got := b.Tokens(); got != 0 {
				t.Fatalf("Tokens() at creation=%d, want 0", got)
			}
			// Boundaries at 1100, 1200, ...: 1100 and 1200 have passed at 1250.
			b.Refresh(1250)
			if got := b.Tokens(); got != 4 {
				t.Errorf("Tokens() at 1250=%d, want 4", got)
			}
			b.Refresh(1299)
			if got := b.Tokens(); got != 4 {
				t.Errorf("Tokens() at 1299=%d, want 4", got)
			}
			b.Refresh(1300)
			if got := b.Tokens(); got != 6 {
				t.Errorf("Tokens() at 1300=%d, want 6", got)
			}
			b.Refresh(100000)
			if got := b.Tokens(); got != 10 {
				t.Errorf("Tokens() long after=%d, want MaxTokens", got)
			}
		})
	}
}

func TestFullStart(t *testing.T) {
	for _, s := range strategies {
		t.Run(s, func(t *testing.T) {
			ts := clock.NewFakeMillis(1000)
			b := newBucket(t, s, Config{MaxTokens: 3, UnitTokens: 1, IntervalMs: 1000, FullStart: true, TimeSource: ts})
			for i := 0; i < 3; i++ {
				if !b.TryConsume(1) {
					t.Fatalf("TryConsume #%d on a full bucket failed", i)
				}
			}
			if b.TryConsume(1) {
				t.Error("TryConsume on an empty bucket succeeded")
			}
			ts.SetMillis(2000)
			if !b.TryConsume(1) {
				t.Error("TryConsume after one interval failed")
			}
		})
	}
}

func TestConservation(t *testing.T) {
	for _, s := range strategies {
		t.Run(s, func(t *testing.T) {
			const start, interval, unit, maxTokens = 0, 50, 3, 7
			ts := clock.NewFakeMillis(10000)
			b := newBucket(t, s, Config{MaxTokens: maxTokens, UnitTokens: unit, IntervalMs: interval, StartTime: 10000, TimeSource: ts})
			var granted int64
			for step := int64(0); step < 2000; step += 7 {
				ts.SetMillis(10000 + step)
				for b.TryConsume(2) {
					granted += 2
				}
				bound := start + (step/interval)*unit
				if granted > bound {
					t.Fatalf("at +%dms granted %d tokens, bound %d", step, granted, bound)
				}
				if tokens := b.Tokens(); tokens < 0 || tokens > maxTokens {
					t.Fatalf("at +%dms bucket holds %d tokens", step, tokens)
				}
			}
		})
	}
}

func TestConcurrentConsume(t *testing.T) {
	for _, s := range []string{Strict, Optimistic} {
		t.Run(s, func(t *testing.T) {
			ts := clock.NewFakeMillis(1000)
			b := newBucket(t, s, Config{MaxTokens: 500, UnitTokens: 100, IntervalMs: 10, TimeSource: ts})
			ts.SetMillis(1100) // Exactly enough production to fill the bucket.

			var granted atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < 100; j++ {
						if b.TryConsume(1) {
							granted.Inc()
						}
					}
				}()
			}
			wg.Wait()
			if got := granted.Load(); got != 500 {
				t.Errorf("granted %d tokens, want 500", got)
			}
		})
	}
}

func TestOptimisticRacingRefreshers(t *testing.T) {
	ts := clock.NewFakeMillis(0)
	b, err := NewOptimisticBucket(Config{MaxTokens: 1000, UnitTokens: 1, IntervalMs: 10, StartTime: 1, TimeSource: ts})
	if err != nil {
		t.Fatalf("NewOptimisticBucket: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Refresh(101)
		}()
	}
	wg.Wait()
	// Boundaries 11, 21, ..., 101 have passed: 10 units, produced once.
	if got := b.Tokens(); got != 10 {
		t.Errorf("Tokens()=%d, want 10", got)
	}
}
