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
	"sort"
	"sync"
)

// Names of the built-in strategies.
const (
	Strict     = "strict"
	Optimistic = "optimistic"
	Default    = "default"
)

var (
	bpMu     sync.RWMutex
	bpByName map[string]NewBucketFunc
)

// NewBucketFunc is the signature of a function which can be registered to
// provide token buckets of a strategy.
type NewBucketFunc func(Config) (TokenBucket, error)

func init() {
	for name, f := range map[string]NewBucketFunc{
		Strict:     func(c Config) (TokenBucket, error) { return NewStrictBucket(c) },
		Optimistic: func(c Config) (TokenBucket, error) { return NewOptimisticBucket(c) },
		Default:    func(c Config) (TokenBucket, error) { return NewDefaultBucket(c) },
	} {
		if err := RegisterProvider(name, f); err != nil {
			panic(err)
		}
	}
}

// RegisterProvider registers a function that provides TokenBucket instances
// of the named strategy.
func RegisterProvider(name string, f NewBucketFunc) error {
	bpMu.Lock()
	defer bpMu.Unlock()

	if bpByName == nil {
		bpByName = make(map[string]NewBucketFunc)
	}
	if _, exists := bpByName[name]; exists {
		return fmt.Errorf("token bucket strategy %v already registered", name)
	}
	bpByName[name] = f
	return nil
}

// Strategies returns the sorted names of the registered strategies.
func Strategies() []string {
	bpMu.RLock()
	defer bpMu.RUnlock()

	r := make([]string, 0, len(bpByName))
	for k := range bpByName {
		r = append(r, k)
	}
	sort.Strings(r)
	return r
}

// NewTokenBucket returns a bucket of the named strategy. An empty name selects
// Optimistic.
func NewTokenBucket(strategy string, cfg Config) (TokenBucket, error) {
	if strategy == "" {
		strategy = Optimistic
	}
	bpMu.RLock()
	f, exists := bpByName[strategy]
	bpMu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("unknown token bucket strategy: %v", strategy)
	}
	return f(cfg)
}
