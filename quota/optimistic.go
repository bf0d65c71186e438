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
	"runtime"

	"go.uber.org/atomic"
)

// OptimisticBucket refills and consumes with compare-and-swap loops.
type OptimisticBucket struct {
	params
	tokens atomic.Int64
	next   atomic.Int64
	// refreshing is held by the caller producing tokens. Others wait for it
	// instead of repeating the computation.
	refreshing atomic.Bool
}

// NewOptimisticBucket creates an OptimisticBucket.
func NewOptimisticBucket(cfg Config) (*OptimisticBucket, error) {
	p, tokens, next, err := newParams(cfg)
	if err != nil {
		return nil, err
	}
	b := &OptimisticBucket{params: p}
	b.tokens.Store(tokens)
	b.next.Store(next)
	return b, nil
}

// TryConsume implements TokenBucket.
func (b *OptimisticBucket) TryConsume(n int64) bool {
	if decided, ok := b.trivial(n); decided {
		return ok
	}
	b.Refresh(b.now())
	for {
		cur := b.tokens.Load()
		if cur < n {
			return false
		}
		if b.tokens.CompareAndSwap(cur, cur-n) {
			return true
		}
	}
}

// Refresh implements TokenBucket.
func (b *OptimisticBucket) Refresh(now int64) {
	next := b.next.Load()
	if now < next {
		return
	}
	if !b.refreshing.CompareAndSwap(false, true) {
		for b.refreshing.Load() {
			runtime.Gosched()
		}
		return
	}
	defer b.refreshing.Store(false)

	_, newNext, _ := b.produce(0, next, now)
	// A refresher that read next before the previous production finished
	// loses here and produces nothing.
	if !b.next.CompareAndSwap(next, newNext) {
		return
	}
	units := (newNext - next) / b.intervalMs
	for {
		cur := b.tokens.Load()
		if b.tokens.CompareAndSwap(cur, b.add(cur, units)) {
			return
		}
	}
}

// Tokens implements TokenBucket.
func (b *OptimisticBucket) Tokens() int64 {
	return b.tokens.Load()
}
