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
	"math"
	"sync"

	"github.com/sluice-dev/sluice/quota"
	"github.com/sluice-dev/sluice/util/clock"
	"k8s.io/klog/v2"
)

// RequestLimiter caps the token requests served per namespace per second.
type RequestLimiter struct {
	ts clock.TimeSource

	mu      sync.Mutex
	qps     float64
	buckets map[string]quota.TokenBucket
}

// NewRequestLimiter creates a limiter allowing qps requests per second and
// namespace. A negative qps disables it.
func NewRequestLimiter(qps float64, ts clock.TimeSource) *RequestLimiter {
	if ts == nil {
		ts = clock.System
	}
	return &RequestLimiter{ts: ts, qps: qps, buckets: make(map[string]quota.TokenBucket)}
}

// SetQPS changes the cap, restarting every namespace with a full bucket.
func (l *RequestLimiter) SetQPS(qps float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if qps != l.qps {
		l.qps = qps
		l.buckets = make(map[string]quota.TokenBucket)
	}
}

// TryPass reports whether a request of namespace may be served.
func (l *RequestLimiter) TryPass(namespace string) bool {
	b := l.bucket(namespace)
	return b == nil || b.TryConsume(1)
}

func (l *RequestLimiter) bucket(namespace string) quota.TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.qps < 0 {
		return nil
	}
	if b, ok := l.buckets[namespace]; ok {
		return b
	}
	tokens := int64(math.Max(1, math.Round(l.qps)))
	b, err := quota.NewTokenBucket(quota.Optimistic, quota.Config{
		MaxTokens:  tokens,
		UnitTokens: tokens,
		IntervalMs: 1000,
		FullStart:  true,
		TimeSource: l.ts,
	})
	if err != nil {
		klog.Errorf("Request limiter of namespace %q disabled: %v", namespace, err)
		return nil
	}
	l.buckets[namespace] = b
	return b
}
