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

package admission

import (
	"context"

	"github.com/sluice-dev/sluice/base"
	"github.com/sluice-dev/sluice/node"
	"github.com/sluice-dev/sluice/util/clock"
	"go.uber.org/atomic"
)

type entryOptions struct {
	entryType    base.EntryType
	acquireCount int64
	args         []interface{}
	contextName  string
	origin       string
	prioritized  bool
}

// EntryOption configures one call of Engine.Entry.
type EntryOption func(*entryOptions)

// WithEntryType sets the traffic direction. The default is base.Inbound.
func WithEntryType(t base.EntryType) EntryOption {
	return func(o *entryOptions) { o.entryType = t }
}

// WithAcquireCount sets how many passes the entry takes. The default is 1.
func WithAcquireCount(n int64) EntryOption {
	return func(o *entryOptions) { o.acquireCount = n }
}

// WithArgs passes the call arguments checked by parameter rules.
func WithArgs(args ...interface{}) EntryOption {
	return func(o *entryOptions) { o.args = args }
}

// WithContextName records the entry under a named invocation context.
func WithContextName(name string) EntryOption {
	return func(o *entryOptions) {
		if name != "" {
			o.contextName = name
		}
	}
}

// WithOrigin names the caller, for origin-scoped rules.
func WithOrigin(origin string) EntryOption {
	return func(o *entryOptions) { o.origin = origin }
}

// WithPrioritized lets the entry wait for a later window instead of being
// blocked by a QPS rule.
func WithPrioritized(p bool) EntryOption {
	return func(o *entryOptions) { o.prioritized = p }
}

type exitOptions struct {
	err error
}

// ExitOption configures Entry.Exit.
type ExitOption func(*exitOptions)

// WithError records that the call failed with err.
func WithError(err error) ExitOption {
	return func(o *exitOptions) { o.err = err }
}

// Entry is a passed call of a resource.
type Entry struct {
	engine   *Engine
	resource string
	count    int64
	start    int64
	nodes    node.Set
	leases   []int64
	exited   atomic.Bool
}

// Resource returns the name of the entered resource.
func (en *Entry) Resource() string { return en.resource }

// Exit records the completion of the call and releases what the entry holds.
func (en *Entry) Exit(opts ...ExitOption) {
	if !en.exited.CompareAndSwap(false, true) {
		return
	}
	var o exitOptions
	for _, opt := range opts {
		opt(&o)
	}
	if len(en.nodes) == 0 {
		return
	}
	rt := clock.Millis(en.engine.ts) - en.start
	if o.err != nil && !base.IsBlockError(o.err) {
		en.nodes.AddException(en.count)
	}
	en.nodes.AddRtAndSuccess(rt, en.count)
	en.nodes.DecThreads()
	en.engine.rt.Observe(float64(rt), en.resource)
	en.engine.checker.Release(context.Background(), en.leases)
}
