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

import "sync"

// StrictBucket serializes refill and consumption with a mutex.
type StrictBucket struct {
	params
	mu     sync.Mutex
	tokens int64
	next   int64
}

// NewStrictBucket creates a StrictBucket.
func NewStrictBucket(cfg Config) (*StrictBucket, error) {
	p, tokens, next, err := newParams(cfg)
	if err != nil {
		return nil, err
	}
	return &StrictBucket{params: p, tokens: tokens, next: next}, nil
}

// TryConsume implements TokenBucket.
func (b *StrictBucket) TryConsume(n int64) bool {
	if decided, ok := b.trivial(n); decided {
		return ok
	}
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens, b.next, _ = b.produce(b.tokens, b.next, now)
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// Refresh implements TokenBucket.
func (b *StrictBucket) Refresh(now int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens, b.next, _ = b.produce(b.tokens, b.next, now)
}

// Tokens implements TokenBucket.
func (b *StrictBucket) Tokens() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}
